package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/repository-bus/pkg/store"
)

const storeLogPrefix = "db:store"

// pgUniqueViolation is the SQLSTATE of a unique constraint violation.
const pgUniqueViolation = "23505"

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a store.Store keeping each collection in its own table of JSONB documents.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// NewStore creates a Store over pool. The store owns the pool from then on.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func table(collection string) (string, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return "", err
	}
	return quoteIdent(collection), nil
}

// EnsureCollection creates the collection table if missing.
func (s *Store) EnsureCollection(ctx context.Context, collection string) error {
	return ensureCollection(ctx, s.pool, collection)
}

// Save upserts doc by identifier.
func (s *Store) Save(ctx context.Context, collection string, doc store.Document) (string, error) {
	slog.Debug(fmt.Sprintf("%s - Save collection=%s", storeLogPrefix, collection))
	t, err := table(collection)
	if err != nil {
		return "", err
	}
	id, ok := doc.ID()
	if !ok {
		id = store.NewID()
	}
	body, err := encodeDoc(doc)
	if err != nil {
		return "", err
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, doc) VALUES ($1, $2::jsonb)
		 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, modified = now()`, t), id, body)
	if err != nil {
		return "", fmt.Errorf("%s - save into %s: %w", storeLogPrefix, collection, err)
	}
	return id, nil
}

// Insert inserts doc, failing with store.ErrDuplicate when the identifier exists.
func (s *Store) Insert(ctx context.Context, collection string, doc store.Document) (string, error) {
	slog.Debug(fmt.Sprintf("%s - Insert collection=%s", storeLogPrefix, collection))
	t, err := table(collection)
	if err != nil {
		return "", err
	}
	id, ok := doc.ID()
	if !ok {
		id = store.NewID()
	}
	body, err := encodeDoc(doc)
	if err != nil {
		return "", err
	}
	if err := insert(ctx, s.pool, t, id, body); err != nil {
		return "", fmt.Errorf("%s - insert into %s: %w", storeLogPrefix, collection, err)
	}
	return id, nil
}

func insert(ctx context.Context, q querier, t, id, body string) error {
	_, err := q.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES ($1, $2::jsonb)`, t), id, body)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", store.ErrDuplicate, id)
	}
	return err
}

// inTx runs fn in a transaction with the write concern applied.
func (s *Store) inTx(ctx context.Context, wc store.WriteConcern, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if setting, ok := synchronousCommit(wc); ok {
			if _, err := tx.Exec(ctx, "SET LOCAL synchronous_commit = "+setting); err != nil {
				return fmt.Errorf("%s - apply write concern %s: %w", storeLogPrefix, wc, err)
			}
		}
		return fn(tx)
	})
}

// targetClause restricts where to the first match in storage order unless multi.
func targetClause(t, where string, multi bool) string {
	if multi {
		return where
	}
	return fmt.Sprintf("id = (SELECT id FROM %s WHERE %s ORDER BY seq LIMIT 1)", t, where)
}

// Update merges fields into matching documents.
func (s *Store) Update(ctx context.Context, collection string, query, fields store.Document, opts store.UpdateOptions) (store.UpdateResult, error) {
	slog.Debug(fmt.Sprintf("%s - Update collection=%s multi=%v upsert=%v", storeLogPrefix, collection, opts.Multi, opts.Upsert))
	return s.write(ctx, collection, query, fields, opts, "doc || $1::jsonb", true)
}

// Replace overwrites the content of matching documents.
func (s *Store) Replace(ctx context.Context, collection string, query, doc store.Document, opts store.UpdateOptions) (store.UpdateResult, error) {
	slog.Debug(fmt.Sprintf("%s - Replace collection=%s multi=%v upsert=%v", storeLogPrefix, collection, opts.Multi, opts.Upsert))
	res, err := s.write(ctx, collection, query, doc, opts, "$1::jsonb", false)
	if errors.Is(err, store.ErrNoMatch) {
		return res, nil
	}
	return res, err
}

// write runs an UPDATE with SET doc = expr, where $1 is content, and handles upsert and
// the no-match rule of store.Store.Update. An upserted document is content, overlaid on
// the query fields when seedQuery is set.
func (s *Store) write(ctx context.Context, collection string, query, content store.Document, opts store.UpdateOptions, expr string, seedQuery bool) (store.UpdateResult, error) {
	var res store.UpdateResult
	t, err := table(collection)
	if err != nil {
		return res, err
	}
	body, err := encodeDoc(content)
	if err != nil {
		return res, err
	}
	where, args, err := whereClause(query, []any{body})
	if err != nil {
		return res, err
	}

	err = s.inTx(ctx, opts.WriteConcern, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET doc = %s, modified = now() WHERE %s`,
			t, expr, targetClause(t, where, opts.Multi)), args...)
		if err != nil {
			return err
		}
		res.Matched = tag.RowsAffected()
		if res.Matched > 0 {
			return nil
		}
		if opts.Upsert {
			id, ok := query.ID()
			if !ok {
				id = store.NewID()
			}
			seed := store.Document{}
			if seedQuery {
				seed = query.Clone()
			}
			for k, v := range content {
				seed[k] = v
			}
			upsertBody, err := encodeDoc(seed)
			if err != nil {
				return err
			}
			if err := insert(ctx, tx, t, id, upsertBody); err != nil {
				return err
			}
			res.UpsertedID = id
			return nil
		}
		if !opts.Multi {
			return store.ErrNoMatch
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("%s - write %s: %w", storeLogPrefix, collection, err)
	}
	return res, nil
}

// Find returns matching documents in insertion order.
func (s *Store) Find(ctx context.Context, collection string, query store.Document) ([]store.Document, error) {
	return s.find(ctx, collection, query, "")
}

// FindOne returns the first match, or nil when nothing matches.
func (s *Store) FindOne(ctx context.Context, collection string, query store.Document) (store.Document, error) {
	docs, err := s.find(ctx, collection, query, " LIMIT 1")
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

func (s *Store) find(ctx context.Context, collection string, query store.Document, limit string) ([]store.Document, error) {
	t, err := table(collection)
	if err != nil {
		return nil, err
	}
	where, args, err := whereClause(query, nil)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT id, doc FROM %s WHERE %s ORDER BY seq%s`, t, where, limit), args...)
	if err != nil {
		return nil, fmt.Errorf("%s - find in %s: %w", storeLogPrefix, collection, err)
	}
	defer rows.Close()

	docs := []store.Document{}
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("%s - scan %s: %w", storeLogPrefix, collection, err)
		}
		doc := store.Document{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("%s - decode document %s: %w", storeLogPrefix, id, err)
		}
		doc[store.IDField] = id
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - find in %s: %w", storeLogPrefix, collection, err)
	}
	return docs, nil
}

// Remove deletes the first match.
func (s *Store) Remove(ctx context.Context, collection string, query store.Document) (int64, error) {
	return s.remove(ctx, collection, query, false)
}

// RemoveMany deletes every match.
func (s *Store) RemoveMany(ctx context.Context, collection string, query store.Document) (int64, error) {
	return s.remove(ctx, collection, query, true)
}

func (s *Store) remove(ctx context.Context, collection string, query store.Document, multi bool) (int64, error) {
	t, err := table(collection)
	if err != nil {
		return 0, err
	}
	where, args, err := whereClause(query, nil)
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s`, t, targetClause(t, where, multi)), args...)
	if err != nil {
		return 0, fmt.Errorf("%s - delete from %s: %w", storeLogPrefix, collection, err)
	}
	return tag.RowsAffected(), nil
}

// Count returns the number of matches.
func (s *Store) Count(ctx context.Context, collection string, query store.Document) (int64, error) {
	t, err := table(collection)
	if err != nil {
		return 0, err
	}
	where, args, err := whereClause(query, nil)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, t, where), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("%s - count %s: %w", storeLogPrefix, collection, err)
	}
	return n, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}
