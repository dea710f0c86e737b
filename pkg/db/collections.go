package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const collectionsLogPrefix = "db:collections"

// collectionsTable lists every collection table, created by the first migration.
const collectionsTable = "repository_collections"

// ValidateCollectionName rejects names that cannot be used as a table name unquoted.
func ValidateCollectionName(name string) error {
	if !safeIdent.MatchString(name) {
		return fmt.Errorf("%s - collection name %q must match %s", collectionsLogPrefix, name, safeIdent)
	}
	if name == collectionsTable {
		return fmt.Errorf("%s - collection name %q is reserved", collectionsLogPrefix, name)
	}
	return nil
}

func createCollectionSQL(name string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id       text PRIMARY KEY,
		doc      jsonb NOT NULL DEFAULT '{}'::jsonb,
		seq      bigserial,
		created  timestamptz NOT NULL DEFAULT now(),
		modified timestamptz NOT NULL DEFAULT now()
	)`, quoteIdent(name))
}

func createCollectionIndexSQL(name string) string {
	return fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING gin (doc jsonb_path_ops)`,
		quoteIdent(name+"_doc_idx"), quoteIdent(name))
}

// EnsureCollections creates the table of every named collection and records it in the
// collection registry.
func EnsureCollections(ctx context.Context, pool *pgxpool.Pool, names []string) error {
	for _, name := range names {
		if err := ensureCollection(ctx, pool, name); err != nil {
			return err
		}
	}
	return nil
}

func ensureCollection(ctx context.Context, pool *pgxpool.Pool, name string) error {
	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	for _, stmt := range []string{createCollectionSQL(name), createCollectionIndexSQL(name)} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%s - create collection %s: %w", collectionsLogPrefix, name, err)
		}
	}
	_, err := pool.Exec(ctx,
		`INSERT INTO repository_collections (name) VALUES ($1)
		 ON CONFLICT (name) DO UPDATE SET modified = now()`, name)
	if err != nil {
		return fmt.Errorf("%s - register collection %s: %w", collectionsLogPrefix, name, err)
	}
	slog.Debug(fmt.Sprintf("%s - Collection %s ready", collectionsLogPrefix, name))
	return nil
}

// ListCollections returns the registered collection names, sorted.
func ListCollections(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	rows, err := pool.Query(ctx, `SELECT name FROM repository_collections ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("%s - list collections: %w", collectionsLogPrefix, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("%s - scan collection: %w", collectionsLogPrefix, err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
