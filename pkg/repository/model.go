package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/morezero/repository-bus/pkg/apperror"
)

var (
	// ErrUnknownModel is returned by Catalog.Lookup for a model without a binding.
	ErrUnknownModel = errors.New("repository: unknown model")
	// ErrMissingBinding is returned by Catalog.Validate for a declared model without a collection.
	ErrMissingBinding = errors.New("repository: model has no collection binding")
)

// Model is a record type addressed through the repository. ModelName is sent in the model
// header and must not depend on the receiver's state.
type Model interface {
	ModelName() string
}

// Validator is implemented by models that check themselves before a validated write.
type Validator interface {
	Validate(ctx context.Context) *apperror.ValidationError
}

// Binding resolves a model tag to its backend collection.
type Binding struct {
	Model      string
	Collection string
	// Name is used in not-found messages.
	Name string
}

// Catalog is the registration table of models and their collections. It is built at process
// init and read-only once the service is registered.
type Catalog struct {
	declared []string
	bindings map[string]Binding
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{bindings: make(map[string]Binding)}
}

// Declare records models that must have a binding before the service can start.
func (c *Catalog) Declare(models ...string) {
	for _, m := range models {
		if !c.declares(m) {
			c.declared = append(c.declared, m)
		}
	}
}

func (c *Catalog) declares(model string) bool {
	for _, m := range c.declared {
		if m == model {
			return true
		}
	}
	return false
}

// Bind declares model and binds it to collection.
func (c *Catalog) Bind(model, collection string) {
	c.Declare(model)
	c.bindings[model] = Binding{Model: model, Collection: collection, Name: displayName(model)}
}

// Validate fails with ErrMissingBinding for every declared model lacking a collection.
func (c *Catalog) Validate() error {
	var errs []error
	for _, m := range c.declared {
		b, ok := c.bindings[m]
		if !ok || strings.TrimSpace(b.Collection) == "" {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingBinding, m))
		}
	}
	return errors.Join(errs...)
}

// Lookup returns the binding of model.
func (c *Catalog) Lookup(model string) (Binding, error) {
	b, ok := c.bindings[model]
	if !ok || b.Collection == "" {
		return Binding{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	return b, nil
}

// Models returns the declared models in declaration order.
func (c *Catalog) Models() []string {
	return append([]string(nil), c.declared...)
}

// Collections returns the distinct bound collection names, sorted.
func (c *Catalog) Collections() []string {
	seen := make(map[string]struct{}, len(c.bindings))
	var out []string
	for _, b := range c.bindings {
		if b.Collection == "" {
			continue
		}
		if _, ok := seen[b.Collection]; ok {
			continue
		}
		seen[b.Collection] = struct{}{}
		out = append(out, b.Collection)
	}
	sort.Strings(out)
	return out
}

// displayName is the last dotted or slashed segment of a model tag.
func displayName(model string) string {
	if i := strings.LastIndexAny(model, "./"); i >= 0 && i < len(model)-1 {
		return model[i+1:]
	}
	return model
}
