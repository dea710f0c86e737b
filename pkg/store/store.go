// Package store defines the document storage backend consumed by the repository service.
//
// Documents are in backend representation: the identifier lives under IDField ("_id") as a
// string. A query document matches a stored document when the stored document contains it,
// field by field (JSON containment); IDField in a query is compared to the identifier exactly.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// IDField is the backend-native identifier key.
const IDField = "_id"

var (
	// ErrNoMatch is returned by a single-document update without upsert that matched nothing.
	ErrNoMatch = errors.New("store: no document matched")
	// ErrDuplicate is returned by Insert when the identifier already exists.
	ErrDuplicate = errors.New("store: duplicate identifier")
	// ErrInvalidWriteConcern is returned by ParseWriteConcern.
	ErrInvalidWriteConcern = errors.New("store: invalid write concern")
)

// Document is a schemaless record.
type Document map[string]any

// ID returns the backend identifier, if any.
func (d Document) ID() (string, bool) {
	id, ok := d[IDField].(string)
	return id, ok && id != ""
}

// Clone returns a shallow copy.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Without returns a shallow copy without key.
func (d Document) Without(key string) Document {
	out := d.Clone()
	delete(out, key)
	return out
}

// WriteConcern selects write durability.
type WriteConcern string

// Write concerns, named after the Mongo write options the protocol inherited.
const (
	WriteDefault        WriteConcern = ""
	WriteAcknowledged   WriteConcern = "ACKNOWLEDGED"
	WriteUnacknowledged WriteConcern = "UNACKNOWLEDGED"
	WriteW1             WriteConcern = "W1"
	WriteW2             WriteConcern = "W2"
	WriteW3             WriteConcern = "W3"
	WriteJournaled      WriteConcern = "JOURNALED"
	WriteFsynced        WriteConcern = "FSYNCED"
	WriteMajority       WriteConcern = "MAJORITY"
)

// ParseWriteConcern parses a write concern name, case-insensitively.
func ParseWriteConcern(s string) (WriteConcern, error) {
	wc := WriteConcern(strings.ToUpper(strings.TrimSpace(s)))
	switch wc {
	case WriteAcknowledged, WriteUnacknowledged, WriteW1, WriteW2, WriteW3,
		WriteJournaled, WriteFsynced, WriteMajority:
		return wc, nil
	}
	return WriteDefault, fmt.Errorf("%w: %q", ErrInvalidWriteConcern, s)
}

// UpdateOptions modify Update and Replace.
type UpdateOptions struct {
	// Upsert inserts a document when nothing matches.
	Upsert bool
	// Multi applies the write to every match instead of the first.
	Multi        bool
	WriteConcern WriteConcern
}

// UpdateResult reports the outcome of Update and Replace.
type UpdateResult struct {
	Matched    int64
	UpsertedID string
}

// Store is a document storage backend. Every method addresses a named collection.
type Store interface {
	// EnsureCollection prepares collection for use.
	EnsureCollection(ctx context.Context, collection string) error
	// Save inserts doc, or overwrites the document with the same identifier. It returns the identifier.
	Save(ctx context.Context, collection string, doc Document) (string, error)
	// Insert inserts doc and returns its identifier, failing with ErrDuplicate on conflict.
	Insert(ctx context.Context, collection string, doc Document) (string, error)
	// Update merges fields into matching documents. A single-document update without upsert
	// that matches nothing fails with ErrNoMatch.
	Update(ctx context.Context, collection string, query, fields Document, opts UpdateOptions) (UpdateResult, error)
	// Replace overwrites the content of matching documents, keeping their identifiers.
	Replace(ctx context.Context, collection string, query, doc Document, opts UpdateOptions) (UpdateResult, error)
	// Find returns matching documents in storage order.
	Find(ctx context.Context, collection string, query Document) ([]Document, error)
	// FindOne returns the first match, or nil when nothing matches.
	FindOne(ctx context.Context, collection string, query Document) (Document, error)
	// Remove deletes the first match.
	Remove(ctx context.Context, collection string, query Document) (int64, error)
	// RemoveMany deletes every match.
	RemoveMany(ctx context.Context, collection string, query Document) (int64, error)
	Count(ctx context.Context, collection string, query Document) (int64, error)
	Ping(ctx context.Context) error
	Close()
}

// NewID returns a fresh time-ordered identifier.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
