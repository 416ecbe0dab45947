// Package server exposes the retrieval core over a thin HTTP API. The core
// packages never import it; everything here is wiring and handlers.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/contextd/contextd/config"
	"github.com/contextd/contextd/internal/embed"
	"github.com/contextd/contextd/internal/index"
	"github.com/contextd/contextd/internal/ingest"
	"github.com/contextd/contextd/internal/retrieval"
	"github.com/contextd/contextd/internal/runtime"
	"github.com/contextd/contextd/internal/similarity"
	"github.com/contextd/contextd/internal/store"
	"github.com/contextd/contextd/provider"
)

// Server carries the wired core components behind the HTTP handlers.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	manager  *index.Manager
	ingestor *ingest.Ingestor
	engine   *retrieval.Engine
	tele     *runtime.Telemetry
	logger   *log.Logger
}

// Build wires the full dependency graph from configuration. It is shared by
// the serve command and the CLI commands that need a one-shot pipeline.
func Build(ctx context.Context, cfg *config.Config) (*Server, error) {
	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	var cache *redis.Client
	if cfg.Storage.Redis.Enabled {
		cache = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := cache.Ping(ctx).Err(); err != nil {
			log.Printf("[SERVER] warn: redis unreachable, embedding cache disabled: %v", err)
			cache = nil
		}
	}

	embedProvider, err := provider.ForRoute(cfg.LLM, cfg.LLM.Routing.Embedding)
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	expansionProvider, err := provider.ForRoute(cfg.LLM, cfg.LLM.Routing.Expansion)
	if err != nil {
		log.Printf("[SERVER] warn: expansion provider unavailable, retrieval uses raw queries: %v", err)
		expansionProvider = nil
	}

	tele := runtime.NewTelemetry()
	embedder := embed.New(embedProvider, cache, cfg.Ingest, nil)
	manager := index.NewManager(st, cfg.Fallback, tele.Registry(), nil)
	analyzer := similarity.New(manager, st, cfg.Retrieval.TopKPerVariant*2, cfg.Ingest.Normalize().DuplicateFloor, nil)
	ingestor := ingest.New(st, manager, embedder, analyzer, cfg.Ingest, nil)
	engine := retrieval.New(manager, embedder, expansionProvider, cfg.Retrieval, nil)

	return &Server{
		cfg:      cfg,
		store:    st,
		manager:  manager,
		ingestor: ingestor,
		engine:   engine,
		tele:     tele,
		logger:   log.New(log.Writer(), "[SERVER] ", log.LstdFlags),
	}, nil
}

// Ingestor exposes the wired pipeline for CLI commands.
func (s *Server) Ingestor() *ingest.Ingestor { return s.ingestor }

// Store exposes the primary store for CLI commands.
func (s *Server) Store() *store.Store { return s.store }

// Engine exposes the wired retrieval engine for CLI commands.
func (s *Server) Engine() *retrieval.Engine { return s.engine }

// Close releases background workers and the database handle.
func (s *Server) Close() {
	s.manager.Close()
	_ = s.store.DB.Close()
}

// Run builds the server from the config path and serves the API until the
// listener fails.
func Run(cfgPath, addr string) error {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Server.Address
	}
	srv, err := Build(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer srv.Close()
	return srv.Serve(addr)
}

// Serve attaches the routes to an echo instance and listens on addr.
func (s *Server) Serve(addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	if s.cfg.Server.MaxUploadMB > 0 {
		e.Use(middleware.BodyLimit(fmt.Sprintf("%dM", s.cfg.Server.MaxUploadMB)))
	}
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		s.logger.Printf("%d %s %s: %v", code, req.Method, req.URL.Path, err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(s.tele.Handler()))

	// A dedicated metrics port keeps scrapers off the API listener.
	if s.cfg.Telemetry.Enabled && s.cfg.Telemetry.MetricsPort > 0 {
		go func() {
			if err := s.tele.ServeMetrics(s.cfg.Telemetry.MetricsPort); err != nil {
				s.logger.Printf("warn: metrics listener: %v", err)
			}
		}()
	}

	e.POST("/documents", s.handleIngest)
	e.GET("/documents", s.handleListDocuments)
	e.DELETE("/documents/:id", s.handleDeleteDocument)
	e.POST("/query", s.handleQuery)

	s.logger.Printf("listening on %s", addr)
	return e.Start(addr)
}
