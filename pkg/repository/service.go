package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/morezero/repository-bus/pkg/apperror"
	"github.com/morezero/repository-bus/pkg/bus"
	"github.com/morezero/repository-bus/pkg/commsutil"
	"github.com/morezero/repository-bus/pkg/store"
)

const logPrefix = "repository:service"

// ServiceOptions configures Service.
type ServiceOptions struct {
	// Namespace prefixes every address, see commsutil.QualifyAddress.
	Namespace string
	// ProtocolConstraint is a semver constraint for the protocol version header. Empty accepts any.
	ProtocolConstraint string
}

// Service is the server side of the repository protocol over a store.Store.
type Service struct {
	store     store.Store
	catalog   *Catalog
	endpoints *bus.Endpoints
	namespace string
	gate      *VersionGate
}

// NewService creates a Service. Endpoints are not registered until Register.
func NewService(st store.Store, catalog *Catalog, endpoints *bus.Endpoints, opts ServiceOptions) (*Service, error) {
	gate, err := NewVersionGate(opts.ProtocolConstraint)
	if err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	return &Service{
		store:     st,
		catalog:   catalog,
		endpoints: endpoints,
		namespace: opts.Namespace,
		gate:      gate,
	}, nil
}

type operation struct {
	address string
	name    string
	fn      func(ctx context.Context, b Binding, env *bus.Envelope) (any, error)
}

// Register registers one endpoint per operation address and a startup task that validates
// the catalog and prepares every bound collection. Both are joined by Endpoints.AwaitAll.
func (s *Service) Register(ctx context.Context) {
	ops := []operation{
		{AddressSave, "save", s.save},
		{AddressInsert, "insert", s.insert},
		{AddressUpdate, "update", s.update},
		{AddressUpdateMulti, "updateMulti", s.updateMulti},
		{AddressReplace, "replace", s.replace},
		{AddressFindOne, "findOne", s.findOne},
		{AddressFindAll, "findAll", s.findAll},
		{AddressDelete, "delete", s.delete},
		{AddressDeleteAll, "deleteAll", s.deleteAll},
		{AddressCount, "count", s.count},
	}
	for _, op := range ops {
		s.endpoints.Register(commsutil.QualifyAddress(s.namespace, op.address), s.handler(op))
	}
	s.endpoints.AddStartupTask(func() error { return s.prepare(ctx) })
}

func (s *Service) prepare(ctx context.Context) error {
	if err := s.catalog.Validate(); err != nil {
		return fmt.Errorf("%s - invalid model catalog: %w", logPrefix, err)
	}
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("%s - storage backend unreachable: %w", logPrefix, err)
	}
	for _, c := range s.catalog.Collections() {
		if err := s.store.EnsureCollection(ctx, c); err != nil {
			return fmt.Errorf("%s - failed to prepare collection %s: %w", logPrefix, c, err)
		}
	}
	slog.Info(fmt.Sprintf("%s - Prepared %d collections for %d models", logPrefix,
		len(s.catalog.Collections()), len(s.catalog.Models())))
	return nil
}

// handler applies the checks shared by every operation and wraps backend failures with the
// operation's error code.
func (s *Service) handler(op operation) bus.Handler {
	return func(ctx context.Context, env *bus.Envelope) (any, error) {
		version, present := env.Header(HeaderProtocolVersion)
		if err := s.gate.Check(version, present); err != nil {
			return nil, bus.Fail(http.StatusBadRequest, apperror.Wrap(err, CodeProtocol))
		}

		model, _ := env.Header(HeaderModel)
		b, err := s.catalog.Lookup(model)
		if err != nil {
			return nil, bus.Fail(http.StatusBadRequest, apperror.Wrap(err, CodeModel))
		}

		result, err := op.fn(ctx, b, env)
		if err != nil {
			var appErr *apperror.Error
			if errors.As(err, &appErr) {
				return nil, err
			}
			slog.Debug(fmt.Sprintf("%s - %s on %s failed: %v", logPrefix,
				commsutil.UnqualifyAddress(s.namespace, env.Address), b.Collection, err))
			return nil, bus.Fail(http.StatusBadRequest, apperror.Wrap(err, ErrorCode(op.name)))
		}
		return result, nil
	}
}

func decodeDocument(env *bus.Envelope) (Document, error) {
	doc := Document{}
	if err := env.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%s - body is not a document: %w", logPrefix, err)
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

func decodeQueryData(env *bus.Envelope) (query, data Document, err error) {
	var body queryData
	if err := env.Decode(&body); err != nil {
		return nil, nil, fmt.Errorf("%s - body is not a query/data pair: %w", logPrefix, err)
	}
	_, data, _ = SplitID(orEmpty(body.Data))
	return ToBackend(orEmpty(body.Query)), data, nil
}

// writeOptions reads the upsert and writeConcern headers. upsert is enabled by presence.
func writeOptions(env *bus.Envelope) (store.UpdateOptions, error) {
	var opts store.UpdateOptions
	_, opts.Upsert = env.Header(HeaderUpsert)
	if wc, ok := env.Header(HeaderWriteConcern); ok {
		parsed, err := store.ParseWriteConcern(wc)
		if err != nil {
			return opts, err
		}
		opts.WriteConcern = parsed
	}
	return opts, nil
}

func (s *Service) save(ctx context.Context, b Binding, env *bus.Envelope) (any, error) {
	doc, err := decodeDocument(env)
	if err != nil {
		return nil, err
	}
	backend := ToBackend(doc)
	id, err := s.store.Save(ctx, b.Collection, backend)
	if err != nil {
		return nil, err
	}
	backend[store.IDField] = id
	return FromBackend(backend), nil
}

func (s *Service) insert(ctx context.Context, b Binding, env *bus.Envelope) (any, error) {
	doc, err := decodeDocument(env)
	if err != nil {
		return nil, err
	}
	backend := ToBackend(doc)
	id, err := s.store.Insert(ctx, b.Collection, backend)
	if err != nil {
		return nil, err
	}
	backend[store.IDField] = id
	return FromBackend(backend), nil
}

func (s *Service) update(ctx context.Context, b Binding, env *bus.Envelope) (any, error) {
	doc, err := decodeDocument(env)
	if err != nil {
		return nil, err
	}
	id, fields, ok := SplitID(doc)
	if !ok {
		return nil, ErrMissingID
	}
	opts, err := writeOptions(env)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.Update(ctx, b.Collection, Document{store.IDField: id}, fields, opts); err != nil {
		return nil, err
	}
	fields[IDField] = id
	return fields, nil
}

func (s *Service) updateMulti(ctx context.Context, b Binding, env *bus.Envelope) (any, error) {
	multi, ok := env.Header(HeaderMulti)
	if !ok {
		return nil, fmt.Errorf("%s - %s header is required", logPrefix, HeaderMulti)
	}
	opts, err := writeOptions(env)
	if err != nil {
		return nil, err
	}
	if opts.Multi, err = strconv.ParseBool(multi); err != nil {
		return nil, fmt.Errorf("%s - invalid %s header %q: %w", logPrefix, HeaderMulti, multi, err)
	}
	query, data, err := decodeQueryData(env)
	if err != nil {
		return nil, err
	}
	res, err := s.store.Update(ctx, b.Collection, query, data, opts)
	if err != nil {
		return nil, err
	}
	return writeResult{Success: true, Matched: res.Matched, UpsertedID: res.UpsertedID}, nil
}

func (s *Service) replace(ctx context.Context, b Binding, env *bus.Envelope) (any, error) {
	opts, err := writeOptions(env)
	if err != nil {
		return nil, err
	}
	if multi, ok := env.Header(HeaderMulti); ok {
		if opts.Multi, err = strconv.ParseBool(multi); err != nil {
			return nil, fmt.Errorf("%s - invalid %s header %q: %w", logPrefix, HeaderMulti, multi, err)
		}
	}
	query, data, err := decodeQueryData(env)
	if err != nil {
		return nil, err
	}
	res, err := s.store.Replace(ctx, b.Collection, query, data, opts)
	if err != nil {
		return nil, err
	}
	return writeResult{Success: true, Matched: res.Matched, UpsertedID: res.UpsertedID}, nil
}

func (s *Service) findOne(ctx context.Context, b Binding, env *bus.Envelope) (any, error) {
	query, err := decodeDocument(env)
	if err != nil {
		return nil, err
	}
	doc, err := s.store.FindOne(ctx, b.Collection, ToBackend(query))
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, bus.Fail(http.StatusNotFound, apperror.New(b.Name+" Not Found", CodeNotFound))
	}
	return FromBackend(doc), nil
}

func (s *Service) findAll(ctx context.Context, b Binding, env *bus.Envelope) (any, error) {
	query, err := decodeDocument(env)
	if err != nil {
		return nil, err
	}
	docs, err := s.store.Find(ctx, b.Collection, ToBackend(query))
	if err != nil {
		return nil, err
	}
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		out = append(out, FromBackend(d))
	}
	return out, nil
}

func (s *Service) delete(ctx context.Context, b Binding, env *bus.Envelope) (any, error) {
	if !env.HasBody() {
		return nil, fmt.Errorf("%s - delete requires a document or query", logPrefix)
	}
	doc, err := decodeDocument(env)
	if err != nil {
		return nil, err
	}
	query := ToBackend(doc)
	if id, present := doc[IDField]; present {
		query = Document{store.IDField: id}
	}
	if _, err := s.store.Remove(ctx, b.Collection, query); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Service) deleteAll(ctx context.Context, b Binding, env *bus.Envelope) (any, error) {
	query, err := decodeDocument(env)
	if err != nil {
		return nil, err
	}
	n, err := s.store.RemoveMany(ctx, b.Collection, ToBackend(query))
	if err != nil {
		return nil, err
	}
	return deleteResult{Success: true, Count: n}, nil
}

func (s *Service) count(ctx context.Context, b Binding, env *bus.Envelope) (any, error) {
	query, err := decodeDocument(env)
	if err != nil {
		return nil, err
	}
	n, err := s.store.Count(ctx, b.Collection, ToBackend(query))
	if err != nil {
		return nil, err
	}
	return countResult{Count: n}, nil
}
