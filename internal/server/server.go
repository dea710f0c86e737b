// Package server orchestrates all components: NATS client, storage backend, repository service, HTTP health.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	comms "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/morezero/repository-bus/internal/config"
	"github.com/morezero/repository-bus/pkg/bootstrap"
	"github.com/morezero/repository-bus/pkg/bus"
	"github.com/morezero/repository-bus/pkg/commsutil"
	"github.com/morezero/repository-bus/pkg/db"
	"github.com/morezero/repository-bus/pkg/repository"
	"github.com/morezero/repository-bus/pkg/store"
)

const logPrefix = "server:server"

// readiness reports whether the startup join has completed.
type readiness interface {
	Ready() bool
}

// Server is the repository service orchestrator.
type Server struct {
	cfg        *config.Config
	nc         *comms.Conn
	store      store.Store
	catalog    *repository.Catalog
	ready      readiness
	httpServer *http.Server
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	setupLogging(cfg.LogLevel)

	slog.Info(fmt.Sprintf("%s - Starting repository service", logPrefix))

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Step 1: Load model bindings
	modelsCfg, err := bootstrap.LoadModels(cfg.ModelsFile, cfg.ModelsOverrideFile)
	if err != nil {
		return fmt.Errorf("%s - failed to load models config: %w", logPrefix, err)
	}
	catalog := modelsCfg.Catalog()
	if err := cfg.ValidateCollections(catalog.Collections()); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - Loaded %d models from %q", logPrefix, len(catalog.Models()), modelsCfg.Name))

	// Step 2: Connect to NATS
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Connected to NATS at %s", logPrefix, cfg.COMMSURL))

	// Step 3: Open the storage backend
	st, err := openStore(ctx, cfg)
	if err != nil {
		nc.Close()
		return err
	}

	s := &Server{cfg: cfg, nc: nc, store: st, catalog: catalog}

	// Step 4: Register endpoints
	metrics := bus.NewMetrics(prometheus.DefaultRegisterer)
	if err := metrics.Register(); err != nil {
		st.Close()
		nc.Close()
		return fmt.Errorf("%s - failed to register metrics: %w", logPrefix, err)
	}
	endpoints := bus.NewEndpoints(nc, bus.EndpointsOptions{
		Queue:               cfg.QueueGroup,
		RegistrationTimeout: cfg.RegistrationTimeout,
		RequestTimeout:      cfg.RequestTimeout,
		MaxConcurrent:       cfg.MaxConcurrentRequests,
		Metrics:             metrics,
	})
	s.ready = endpoints

	svc, err := repository.NewService(st, catalog, endpoints, repository.ServiceOptions{
		Namespace:          cfg.AddressNamespace,
		ProtocolConstraint: cfg.ProtocolConstraint,
	})
	if err != nil {
		st.Close()
		nc.Close()
		return fmt.Errorf("%s - failed to create repository service: %w", logPrefix, err)
	}
	svc.Register(ctx)

	// Step 5: Start HTTP health server; /ready reports 503 until the startup join completes
	httpAddr := cfg.ListenAddr()
	s.httpServer = &http.Server{Addr: httpAddr, Handler: s.routes()}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP health server listening on %s", logPrefix, httpAddr))
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	// Step 6: Wait for every endpoint and startup task
	if err := endpoints.AwaitAll(ctx); err != nil {
		s.shutdown(ctx, endpoints)
		return fmt.Errorf("%s - startup failed: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Repository service is ready on %s", logPrefix,
		commsutil.QualifyAddress(cfg.AddressNamespace, "repository.*")))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	s.shutdown(ctx, endpoints)
	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

func setupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// openStore opens the backend selected by STORE_DRIVER, running migrations first when enabled.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		slog.Warn(fmt.Sprintf("%s - Using in-memory store, documents are lost on restart", logPrefix))
		return store.NewMemory(), nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	if cfg.RunMigrations {
		migrationSQL, err := db.LoadMigrationFiles(cfg.MigrationPath)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
			pool.Close()
			return nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}
	return db.NewStore(pool), nil
}

func (s *Server) shutdown(ctx context.Context, endpoints *bus.Endpoints) {
	endpoints.Close()
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.HealthCheckTimeout)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}
	if s.nc != nil {
		s.nc.Drain()
	}
	s.store.Close()
}

// routes builds the HTTP mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/health", s.handleHealth())
	mux.HandleFunc("/ready", s.handleReady())
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// HealthOutput is the /health response body.
type HealthOutput struct {
	Status    string          `json:"status"`
	Checks    map[string]bool `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) health(ctx context.Context) *HealthOutput {
	checks := map[string]bool{"store": s.store.Ping(ctx) == nil}
	if s.nc != nil {
		checks["bus"] = s.nc.IsConnected()
	}
	status := "healthy"
	for _, ok := range checks {
		if !ok {
			status = "unhealthy"
		}
	}
	return &HealthOutput{Status: status, Checks: checks, Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()
		h := s.health(ctx)
		w.Header().Set("Content-Type", "application/json")
		if h.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
	}
}

func (s *Server) handleReady() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if s.ready == nil || !s.ready.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "starting"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	}
}

// homePageTemplate is the HTML for the service home page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Repository Service</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    section { margin-bottom: 2rem; }
    .error { color: #cc0000; }
  </style>
</head>
<body>
  <h1>Repository Service</h1>
  <p class="meta">Store driver {{.Driver}}, addresses {{.Addresses}}.</p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    <p>Ready: {{if .Ready}}yes{{else}}<span class="error">no</span>{{end}}</p>
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Models</h2>
    {{if not .Models}}
    <p>No models bound.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>Model</th><th>Collection</th><th>Documents</th></tr>
      </thead>
      <tbody>
        {{range .Models}}
        <tr>
          <td>{{.Model}}</td>
          <td>{{.Collection}}</td>
          <td>{{if .Error}}<span class="error">{{.Error}}</span>{{else}}{{.Count}}{{end}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

type modelRow struct {
	Model      string
	Collection string
	Count      int64
	Error      string
}

// homeData is the data passed to the home page template.
type homeData struct {
	Driver    string
	Addresses string
	Health    *HealthOutput
	Ready     bool
	Models    []modelRow
}

// handleHome returns an HTTP handler for the home page listing bound models and document counts.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		data := homeData{
			Driver:    s.cfg.StoreDriver,
			Addresses: commsutil.QualifyAddress(s.cfg.AddressNamespace, "repository.*"),
			Health:    s.health(ctx),
			Ready:     s.ready != nil && s.ready.Ready(),
		}
		for _, model := range s.catalog.Models() {
			row := modelRow{Model: model}
			b, err := s.catalog.Lookup(model)
			if err != nil {
				row.Error = err.Error()
				data.Models = append(data.Models, row)
				continue
			}
			row.Collection = b.Collection
			if n, err := s.store.Count(ctx, b.Collection, store.Document{}); err != nil {
				row.Error = err.Error()
			} else {
				row.Count = n
			}
			data.Models = append(data.Models, row)
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", logPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
