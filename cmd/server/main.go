package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/liamcoop/simplestore/config"
	"github.com/liamcoop/simplestore/internal/logger"
	"github.com/liamcoop/simplestore/registry"
	"github.com/liamcoop/simplestore/rules"
	_ "github.com/lib/pq"
)

type Server struct {
	db       *sql.DB
	registry *registry.Manager
	router   *chi.Mux
}

// NewServer wires the HTTP routes to a registry. db may be nil when the
// registry runs in memory
func NewServer(db *sql.DB, m *registry.Manager) *Server {
	s := &Server{
		db:       db,
		registry: m,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/api/v1/metrics", s.handleMetrics)

	r.Route("/api/v1/namespaces", func(r chi.Router) {
		r.Get("/", s.handleListNamespaces)
		r.Post("/", s.handleCreateNamespace)

		r.Route("/{namespaceId}", func(r chi.Router) {
			// streams stay open past the request timeout
			r.Get("/state/stream", s.handleStreamState)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(60 * time.Second))

				r.Get("/", s.handleGetNamespace)
				r.Delete("/", s.handleDeleteNamespace)

				r.Get("/schema", s.handleGetSchema)
				r.Put("/schema", s.handleUpdateSchema)

				r.Post("/rules", s.handleCreateRule)
				r.Get("/rules", s.handleListRules)
				r.Get("/rules/{ruleId}", s.handleGetRule)
				r.Put("/rules/{ruleId}", s.handleUpdateRule)
				r.Delete("/rules/{ruleId}", s.handleDeleteRule)

				r.Get("/state", s.handleGetState)
				r.Post("/state", s.handleApply)
				r.Post("/evaluate", s.handlePreview)
			})
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs each request and counts error responses
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		}
		switch {
		case ww.Status() >= 500:
			logger.ErrorHttp5xx()
			logger.Logger.Error("request failed", attrs...)
		case ww.Status() >= 400:
			logger.WarnHttp4xx()
			logger.Debug("request rejected", attrs...)
		default:
			logger.Debug("request", attrs...)
		}
	})
}

// seedRuleSet makes the namespace named in rs match the file: it is
// created if missing, its schema replaced if different, and every
// definition added or updated
func seedRuleSet(ctx context.Context, m *registry.Manager, rs *config.RuleSet) error {
	var ns *registry.Namespace
	for _, candidate := range m.ListNamespaces() {
		if candidate.Name == rs.Namespace {
			ns = candidate
			break
		}
	}

	if ns == nil {
		created, err := m.CreateNamespace(ctx, rs.Namespace, rs.Schema)
		if err != nil {
			return err
		}
		ns = created
	} else if current, _ := ns.Schema(); !reflect.DeepEqual(current, rs.Schema) {
		if _, err := m.UpdateSchema(ctx, ns.ID, rs.Schema); err != nil {
			return err
		}
	}

	engine := ns.Engine()
	for _, def := range rs.Definitions() {
		var err error
		if _, getErr := engine.Store().Get(def.ID); getErr == nil {
			err = engine.UpdateRule(def)
		} else {
			err = engine.AddRule(def)
		}
		if err != nil {
			return fmt.Errorf("rule %q: %w", def.Name, err)
		}
	}

	logger.Info("rule set loaded", "namespace", rs.Namespace, "rules", len(rs.Rules))
	return nil
}

// pipelineOptions reads RULE_TIMEOUT (a Go duration) and STRICT_FILTERS
func pipelineOptions() ([]rules.Option, error) {
	var opts []rules.Option
	if v := os.Getenv("RULE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RULE_TIMEOUT: %w", err)
		}
		opts = append(opts, rules.WithRuleTimeout(d))
	}
	if v := os.Getenv("STRICT_FILTERS"); v != "" {
		strict, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid STRICT_FILTERS: %w", err)
		}
		if strict {
			opts = append(opts, rules.WithStrictFilters())
		}
	}
	return opts, nil
}

func openDB(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func main() {
	rulesFile := flag.String("rules", "", "YAML rule-set file to load at startup")
	flag.Parse()

	opts, err := pipelineOptions()
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}

	var db *sql.DB
	if databaseURL := os.Getenv("DATABASE_URL"); databaseURL != "" {
		if db, err = openDB(databaseURL); err != nil {
			logger.Fatal("database unavailable", "error", err)
		}
		defer db.Close()
	} else {
		logger.Warn("DATABASE_URL not set, namespaces are kept in memory only")
	}

	m := registry.NewManager(db, opts...)

	ctx := context.Background()
	if err := m.LoadAll(ctx); err != nil {
		logger.Fatal("failed to load namespaces", "error", err)
	}

	if *rulesFile != "" {
		rs, err := config.LoadRuleSet(*rulesFile)
		if err != nil {
			logger.Fatal("failed to read rule set", "file", *rulesFile, "error", err)
		}
		if err := seedRuleSet(ctx, m, rs); err != nil {
			logger.Fatal("failed to apply rule set", "file", *rulesFile, "error", err)
		}
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	httpServer := &http.Server{
		Addr:        ":" + port,
		Handler:     NewServer(db, m),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	// flush documents committed by requests that already got an answer
	m.Close()
	_ = logger.Shutdown(shutdownCtx)

	logger.Info("server stopped")
}
