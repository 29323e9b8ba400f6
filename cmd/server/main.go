package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coderunr/coderunner/internal/allowlist"
	"github.com/coderunr/coderunner/internal/auth"
	"github.com/coderunr/coderunner/internal/config"
	"github.com/coderunr/coderunner/internal/handler"
	"github.com/coderunr/coderunner/internal/history"
	"github.com/coderunr/coderunner/internal/job"
	"github.com/coderunr/coderunner/internal/limiter"
	"github.com/coderunr/coderunner/internal/metrics"
	"github.com/coderunr/coderunner/internal/middleware"
	"github.com/coderunr/coderunner/internal/proxy"
	"github.com/coderunr/coderunner/internal/registry"
	"github.com/coderunr/coderunner/internal/runtime"
	"github.com/coderunr/coderunner/internal/scriptstore"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// scriptRouteTimeout bounds a /script request including the wait for a
// launch slot
const scriptRouteTimeout = 60 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	// Set up logging
	logger := logrus.StandardLogger()
	logger.SetLevel(cfg.GetLogLevel())
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	logger.Info("Starting CodeRunr script server")

	// Probe the sandbox runtime
	runtimeManager := runtime.NewManager(cfg)
	if err := runtimeManager.LoadRuntime(context.Background()); err != nil {
		logger.WithError(err).Fatal("Failed to load sandbox runtime")
	}

	store, err := scriptstore.New(cfg.ScriptDirectory)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create script directory")
	}

	allow, err := allowlist.New(cfg.SafeURLs)
	if err != nil {
		logger.WithError(err).Fatal("Failed to parse safe URLs")
	}

	lim, err := limiter.New(cfg.ConcurrencyLimit)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create launch limiter")
	}

	if !cfg.SignaturesVerified() {
		logger.Warn("No signature secret configured, only the presence of the signature header is checked")
	}

	var historyStore *history.Store
	if cfg.HistoryDatabase != "" {
		historyStore, err = history.Open(cfg.HistoryDatabase)
		if err != nil {
			logger.WithError(err).Fatal("Failed to open history database")
		}
		logger.Infof("Recording script history in %s", historyStore.Path())
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := newRouter(cfg, serverDeps{
		launcher: runtimeManager,
		versions: runtimeManager,
		store:    store,
		limiter:  lim,
		allow:    allow,
		history:  historyStore,
		gatherer: promRegistry,
		register: promRegistry,
		logger:   logger,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:              cfg.GetBindAddress(),
		Handler:           r,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      scriptRouteTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Infof("Script server listening on %s", cfg.GetBindAddress())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// In-flight scripts finish (or hit their deadline) before Shutdown returns
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	if historyStore != nil {
		if err := historyStore.Close(); err != nil {
			logger.WithError(err).Error("Failed to close history database")
		}
	}

	logger.Info("Server exited")
}

// serverDeps are the collaborators newRouter wires together
type serverDeps struct {
	launcher job.Launcher
	versions handler.VersionProvider
	store    job.ScriptStore
	limiter  *limiter.Limiter
	allow    *allowlist.Allowlist
	history  *history.Store
	gatherer prometheus.Gatherer
	register prometheus.Registerer
	logger   *logrus.Logger
}

// newRouter builds the registry, job manager and proxy and mounts every route
func newRouter(cfg *config.Config, deps serverDeps) http.Handler {
	reg := registry.New()

	m := metrics.New(deps.register,
		func() float64 { return float64(deps.limiter.InUse()) },
		func() float64 { return float64(reg.Len()) },
	)

	jobOpts := []job.Option{job.WithMetrics(m)}
	handlerOpts := []handler.Option{}
	if deps.history != nil {
		jobOpts = append(jobOpts, job.WithRecorder(deps.history))
		handlerOpts = append(handlerOpts, handler.WithHistory(deps.history))
	}

	jobManager := job.NewManager(cfg, reg, deps.limiter, deps.store, deps.launcher, jobOpts...)
	egress := proxy.New(reg, deps.allow, proxy.Config{
		RequestLimit: cfg.ScriptRequestLimit,
		Timeout:      cfg.ScriptTimeLimit,
		Metrics:      m,
	})

	verifier := auth.NewVerifier(cfg.SignatureSecret)
	h := handler.NewHandler(jobManager, deps.versions, verifier, cfg.ScriptSizeLimit, deps.logger, handlerOpts...)

	r := chi.NewRouter()

	// RealIP is deliberately absent: the proxy trusts only the socket peer
	r.Use(chiMiddleware.RequestID)
	r.Use(middleware.Logger(deps.logger))
	r.Use(middleware.Recovery())

	// Upstream responses pass through the proxy untouched, so it stays
	// outside the CORS group
	r.Handle("/proxy", egress)

	r.Group(func(r chi.Router) {
		r.Use(middleware.CORS())

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireSignature)
			r.Use(middleware.BodyLimit(cfg.ScriptSizeLimit))
			r.Use(chiMiddleware.Timeout(scriptRouteTimeout))
			r.Post("/script", h.ExecuteScript)
		})

		r.With(middleware.RequireSignature).HandleFunc("/connect", h.HandleWebSocket)

		r.Get("/history", h.GetHistory)
		r.Get("/", h.GetVersion)

		// Preflight requests are answered by CORS
		r.Options("/*", func(w http.ResponseWriter, r *http.Request) {})
	})

	r.Handle("/metrics", promhttp.HandlerFor(deps.gatherer, promhttp.HandlerOpts{}))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.NotFound(h.NotFound)
	r.MethodNotAllowed(h.NotFound)

	return r
}
