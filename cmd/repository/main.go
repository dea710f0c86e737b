// Package main is the entrypoint for the repository service (binary name "repository" in Docker).
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/repository-bus/internal/config"
	"github.com/morezero/repository-bus/internal/server"
	"github.com/morezero/repository-bus/pkg/bootstrap"
	"github.com/morezero/repository-bus/pkg/db"
)

const usage = `Usage: repository [command]
       repository serve              Start the repository service (NATS, HTTP, repository.* endpoints).
       repository migrate up         Run database migrations and create a table per bound collection.
       repository migrate status     Show migration status.
       repository ensure-db [name]   Create database if missing (default name: repository_test). Uses DATABASE_URL host/user.
       repository clear              Truncate every collection table; schema is preserved.

Commands:
  serve            (default) Start the repository service.
  migrate up       Run database migrations and prepare collections from MODELS_FILE.
  migrate status   Show current migration status.
  ensure-db [name] Create database (e.g. repository_test) on same host as DATABASE_URL; then run tests with that URL.
  clear            Remove all documents; tables preserved.

Environment: COMMS_URL, STORE_DRIVER (postgres|memory), DATABASE_URL, MIGRATION_PATH, MODELS_FILE,
MODELS_OVERRIDE_FILE, ADDRESS_NAMESPACE, QUEUE_GROUP, HTTP_ADDR (default 0.0.0.0:8080). See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("repository migrate: require subcommand (up, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("repository migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(); err != nil {
				log.Fatalf("repository migrate status: %v", err)
			}
		default:
			log.Fatalf("repository migrate: unknown subcommand %q (use up, status)", sub)
		}
		return
	case "clear":
		if err := runClear(); err != nil {
			log.Fatalf("repository clear: %v", err)
		}
		return
	case "ensure-db":
		dbName := "repository_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("repository ensure-db: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("repository: %v", err)
	}
}

// withPool loads config, validates it for database commands and runs fn with a connected pool.
func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func runMigrateUp() error {
	return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		migrationSQL, err := db.LoadMigrationFiles(cfg.MigrationPath)
		if err != nil {
			return fmt.Errorf("load migrations: %w", err)
		}
		if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}

		modelsCfg, err := bootstrap.LoadModels(cfg.ModelsFile, cfg.ModelsOverrideFile)
		if errors.Is(err, bootstrap.ErrNoModelsFile) {
			log.Printf("repository migrate up: no models config, skipping collections: %v", err)
			return nil
		}
		if err != nil {
			return fmt.Errorf("load models config: %w", err)
		}
		if err := db.EnsureCollections(ctx, pool, modelsCfg.Catalog().Collections()); err != nil {
			return fmt.Errorf("ensure collections: %w", err)
		}
		return nil
	})
}

func runMigrateStatus() error {
	return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		return db.MigrationStatus(ctx, pool, cfg.MigrationPath)
	})
}

func runClear() error {
	return withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
		if err := db.ClearCollections(ctx, pool); err != nil {
			return fmt.Errorf("clear collections: %w", err)
		}
		return nil
	})
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	targetURL, err := db.WithDatabaseName(cfg.DatabaseURL, dbName)
	if err != nil {
		return fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	if err := db.EnsureDatabase(context.Background(), targetURL); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}
