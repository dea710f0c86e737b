package repository

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// ErrUnsupportedVersion is returned when a request's protocol version is outside the
// service's constraint.
var ErrUnsupportedVersion = errors.New("repository: unsupported protocol version")

// VersionGate checks the protocol version header against a semver constraint.
// A nil gate accepts everything.
type VersionGate struct {
	constraint *semver.Constraints
	raw        string
}

// NewVersionGate parses constraint, e.g. "^1". An empty constraint yields a nil gate.
func NewVersionGate(constraint string) (*VersionGate, error) {
	if constraint == "" {
		return nil, nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("repository: invalid protocol constraint %q: %w", constraint, err)
	}
	return &VersionGate{constraint: c, raw: constraint}, nil
}

// Check validates a version header value. Requests without the header are accepted.
func (g *VersionGate) Check(version string, present bool) error {
	if g == nil || !present {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %q is not a semantic version", ErrUnsupportedVersion, version)
	}
	if !g.constraint.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrUnsupportedVersion, v, g.raw)
	}
	return nil
}
