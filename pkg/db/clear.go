package db

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearCollections truncates every registered collection table. Tables and the registry
// itself are preserved; only documents are removed.
func ClearCollections(ctx context.Context, pool *pgxpool.Pool) error {
	names, err := ListCollections(ctx, pool)
	if err != nil {
		return fmt.Errorf("%s - %w", clearLogPrefix, err)
	}
	if len(names) == 0 {
		slog.Info(fmt.Sprintf("%s - No collections to clear", clearLogPrefix))
		return nil
	}

	slog.Info(fmt.Sprintf("%s - Clearing %d collections", clearLogPrefix, len(names)))
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	if _, err := pool.Exec(ctx, "TRUNCATE TABLE "+strings.Join(quoted, ", ")+" RESTART IDENTITY"); err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Collections cleared", clearLogPrefix))
	return nil
}
