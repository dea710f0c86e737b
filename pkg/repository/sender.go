package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/morezero/repository-bus/pkg/bus"
	"github.com/morezero/repository-bus/pkg/commsutil"
)

const senderLogPrefix = "repository:sender"

// ErrMissingID is returned by Sender.Update for a document without an id.
var ErrMissingID = errors.New("repository: document has no id")

// SenderOptions configures Sender.
type SenderOptions struct {
	// Namespace prefixes every address, see commsutil.QualifyAddress.
	Namespace string
	// ProtocolVersion overrides the version header. Empty means ProtocolVersion.
	ProtocolVersion string
}

// Sender is the caller side of the repository protocol, operating on documents.
// Failures are returned unchanged from the bus client: a *bus.ReplyError whose payload
// decodes with apperror.Parse, or a *bus.TransportError.
type Sender struct {
	client    *bus.Client
	namespace string
	version   string
}

// NewSender creates a Sender on client.
func NewSender(client *bus.Client, opts SenderOptions) *Sender {
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = ProtocolVersion
	}
	return &Sender{client: client, namespace: opts.Namespace, version: opts.ProtocolVersion}
}

func (s *Sender) call(ctx context.Context, address string, headers map[string]string, body, out any) error {
	headers[HeaderProtocolVersion] = s.version
	return s.client.CallInto(ctx, commsutil.QualifyAddress(s.namespace, address), headers, body, out)
}

// Save stores doc and returns it with its id populated.
func (s *Sender) Save(ctx context.Context, model string, doc Document) (Document, error) {
	var out Document
	if err := s.call(ctx, AddressSave, Options{}.headers(model), doc, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Insert stores doc as a new record and returns it with its id populated.
func (s *Sender) Insert(ctx context.Context, model string, doc Document) (Document, error) {
	var out Document
	if err := s.call(ctx, AddressInsert, Options{}.headers(model), doc, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Update merges the fields of doc into the record identified by doc's id.
func (s *Sender) Update(ctx context.Context, model string, doc Document, opts Options) (Document, error) {
	if _, _, ok := SplitID(doc); !ok {
		return nil, fmt.Errorf("%s - update %s: %w", senderLogPrefix, model, ErrMissingID)
	}
	var out Document
	if err := s.call(ctx, AddressUpdate, opts.headers(model), doc, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateMulti merges data into every record matching query and returns what matches query
// afterwards.
func (s *Sender) UpdateMulti(ctx context.Context, model string, query, data Document, opts Options) ([]Document, error) {
	opts.Multi = true
	var res writeResult
	body := queryData{Query: orEmpty(query), Data: orEmpty(data)}
	if err := s.call(ctx, AddressUpdateMulti, opts.headers(model), body, &res); err != nil {
		return nil, err
	}
	slog.Debug(fmt.Sprintf("%s - updateMulti %s matched=%d", senderLogPrefix, model, res.Matched))
	return s.FindAll(ctx, model, query)
}

// Replace overwrites records matching query with data and returns what matches query
// afterwards.
func (s *Sender) Replace(ctx context.Context, model string, query, data Document, opts Options) ([]Document, error) {
	var res writeResult
	body := queryData{Query: orEmpty(query), Data: orEmpty(data)}
	if err := s.call(ctx, AddressReplace, opts.headers(model), body, &res); err != nil {
		return nil, err
	}
	return s.FindAll(ctx, model, query)
}

// FindOne returns the first record matching query. No match is a 404 failure with code
// CodeNotFound.
func (s *Sender) FindOne(ctx context.Context, model string, query Document) (Document, error) {
	var out Document
	if err := s.call(ctx, AddressFindOne, Options{}.headers(model), orEmpty(query), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FindAll returns every record matching query.
func (s *Sender) FindAll(ctx context.Context, model string, query Document) ([]Document, error) {
	out := []Document{}
	if err := s.call(ctx, AddressFindAll, Options{}.headers(model), orEmpty(query), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the record identified by doc's id, or the first record matching doc when
// it has none. It returns doc as sent.
func (s *Sender) Delete(ctx context.Context, model string, doc Document) (Document, error) {
	var out Document
	if err := s.call(ctx, AddressDelete, Options{}.headers(model), orEmpty(doc), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteAll removes every record matching query and then returns what still matches query,
// which is empty unless records were written concurrently. Use DeleteAllCount for the
// number of deleted records.
func (s *Sender) DeleteAll(ctx context.Context, model string, query Document) ([]Document, error) {
	if _, err := s.DeleteAllCount(ctx, model, query); err != nil {
		return nil, err
	}
	return s.FindAll(ctx, model, query)
}

// DeleteAllCount removes every record matching query and returns how many were removed.
func (s *Sender) DeleteAllCount(ctx context.Context, model string, query Document) (int64, error) {
	var res deleteResult
	if err := s.call(ctx, AddressDeleteAll, Options{}.headers(model), orEmpty(query), &res); err != nil {
		return 0, err
	}
	return res.Count, nil
}

// Count returns the number of records matching query.
func (s *Sender) Count(ctx context.Context, model string, query Document) (int64, error) {
	var res countResult
	if err := s.call(ctx, AddressCount, Options{}.headers(model), orEmpty(query), &res); err != nil {
		return 0, err
	}
	return res.Count, nil
}

func orEmpty(d Document) Document {
	if d == nil {
		return Document{}
	}
	return d
}
