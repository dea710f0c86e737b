package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

const logPrefix = "store:memory"

// Memory is an in-process Store. Collections are created on first use.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

type collection struct {
	order []string
	docs  map[string]Document
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string]*collection)}
}

// normalize deep-copies v into its JSON-decoded form so stored values never alias caller data
// and compare the same way a JSON column would.
func normalize(v Document) (Document, error) {
	if v == nil {
		return Document{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s - normalize document: %w", logPrefix, err)
	}
	var out Document
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%s - normalize document: %w", logPrefix, err)
	}
	return out, nil
}

func (m *Memory) coll(name string) *collection {
	c, ok := m.collections[name]
	if !ok {
		c = &collection{docs: make(map[string]Document)}
		m.collections[name] = c
	}
	return c
}

func (c *collection) put(id string, doc Document) {
	if _, ok := c.docs[id]; !ok {
		c.order = append(c.order, id)
	}
	doc[IDField] = id
	c.docs[id] = doc
}

func (c *collection) drop(id string) {
	delete(c.docs, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// matches returns identifiers of matching documents in insertion order, at most limit when limit > 0.
func (c *collection) matches(query Document, limit int) []string {
	var ids []string
	for _, id := range c.order {
		if matchDocument(c.docs[id], query) {
			ids = append(ids, id)
			if limit > 0 && len(ids) == limit {
				break
			}
		}
	}
	return ids
}

func matchDocument(doc, query Document) bool {
	if id, ok := query[IDField]; ok {
		if doc[IDField] != id {
			return false
		}
		query = query.Without(IDField)
	}
	return Contains(doc, query)
}

// EnsureCollection creates the collection if missing.
func (m *Memory) EnsureCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coll(name)
	return nil
}

// Save inserts or overwrites by identifier.
func (m *Memory) Save(_ context.Context, name string, doc Document) (string, error) {
	d, err := normalize(doc)
	if err != nil {
		return "", err
	}
	id, ok := d.ID()
	if !ok {
		id = NewID()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coll(name).put(id, d)
	return id, nil
}

// Insert inserts doc, failing with ErrDuplicate if its identifier exists.
func (m *Memory) Insert(_ context.Context, name string, doc Document) (string, error) {
	d, err := normalize(doc)
	if err != nil {
		return "", err
	}
	id, ok := d.ID()
	if !ok {
		id = NewID()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.coll(name)
	if _, exists := c.docs[id]; exists {
		return "", fmt.Errorf("%s - insert %s into %s: %w", logPrefix, id, name, ErrDuplicate)
	}
	c.put(id, d)
	return id, nil
}

// Update merges fields into matching documents.
func (m *Memory) Update(_ context.Context, name string, query, fields Document, opts UpdateOptions) (UpdateResult, error) {
	q, err := normalize(query)
	if err != nil {
		return UpdateResult{}, err
	}
	f, err := normalize(fields)
	if err != nil {
		return UpdateResult{}, err
	}
	delete(f, IDField)

	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.coll(name)
	limit := 1
	if opts.Multi {
		limit = 0
	}
	ids := c.matches(q, limit)
	for _, id := range ids {
		doc := c.docs[id]
		for k, v := range f {
			doc[k] = v
		}
	}
	if len(ids) > 0 {
		return UpdateResult{Matched: int64(len(ids))}, nil
	}
	if opts.Upsert {
		id := c.upsert(q, f)
		return UpdateResult{UpsertedID: id}, nil
	}
	if !opts.Multi {
		return UpdateResult{}, fmt.Errorf("%s - update %s: %w", logPrefix, name, ErrNoMatch)
	}
	return UpdateResult{}, nil
}

// upsert stores the query fields overlaid with content as a new document.
func (c *collection) upsert(query, content Document) string {
	doc := query.Clone()
	for k, v := range content {
		doc[k] = v
	}
	id, ok := doc.ID()
	if !ok {
		id = NewID()
	}
	c.put(id, doc)
	slog.Debug(fmt.Sprintf("%s - Upserted document", logPrefix), "id", id)
	return id
}

// Replace overwrites the content of matching documents.
func (m *Memory) Replace(_ context.Context, name string, query, doc Document, opts UpdateOptions) (UpdateResult, error) {
	q, err := normalize(query)
	if err != nil {
		return UpdateResult{}, err
	}
	d, err := normalize(doc)
	if err != nil {
		return UpdateResult{}, err
	}
	delete(d, IDField)

	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.coll(name)
	limit := 1
	if opts.Multi {
		limit = 0
	}
	ids := c.matches(q, limit)
	for _, id := range ids {
		c.put(id, d.Clone())
	}
	if len(ids) == 0 && opts.Upsert {
		id, ok := q.ID()
		if !ok {
			id = NewID()
		}
		c.put(id, d.Clone())
		return UpdateResult{UpsertedID: id}, nil
	}
	return UpdateResult{Matched: int64(len(ids))}, nil
}

// Find returns copies of matching documents.
func (m *Memory) Find(_ context.Context, name string, query Document) ([]Document, error) {
	q, err := normalize(query)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	if !ok {
		return []Document{}, nil
	}
	ids := c.matches(q, 0)
	out := make([]Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, deepCopy(c.docs[id]))
	}
	return out, nil
}

// FindOne returns the first match or nil.
func (m *Memory) FindOne(_ context.Context, name string, query Document) (Document, error) {
	q, err := normalize(query)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	if !ok {
		return nil, nil
	}
	ids := c.matches(q, 1)
	if len(ids) == 0 {
		return nil, nil
	}
	return deepCopy(c.docs[ids[0]]), nil
}

// Remove deletes the first match.
func (m *Memory) Remove(_ context.Context, name string, query Document) (int64, error) {
	return m.remove(name, query, 1)
}

// RemoveMany deletes every match.
func (m *Memory) RemoveMany(_ context.Context, name string, query Document) (int64, error) {
	return m.remove(name, query, 0)
}

func (m *Memory) remove(name string, query Document, limit int) (int64, error) {
	q, err := normalize(query)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok {
		return 0, nil
	}
	ids := c.matches(q, limit)
	for _, id := range ids {
		c.drop(id)
	}
	return int64(len(ids)), nil
}

// Count returns the number of matches.
func (m *Memory) Count(_ context.Context, name string, query Document) (int64, error) {
	q, err := normalize(query)
	if err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	if !ok {
		return 0, nil
	}
	return int64(len(c.matches(q, 0))), nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() {}

func deepCopy(d Document) Document {
	out, err := normalize(d)
	if err != nil {
		// stored documents were normalized on the way in
		panic(err)
	}
	return out
}
