package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stocklens/stocklens/internal/config"
	"github.com/stocklens/stocklens/pkg/valuation"
	"github.com/stocklens/stocklens/pkg/valuation/cache"
	"github.com/stocklens/stocklens/pkg/valuation/storage"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("failed to load config:", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatal("failed to initialize logger:", err)
	}
	defer logger.Sync()

	readers, err := storage.NewPostgresReaders(cfg.DSN(), logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer readers.Close()

	var pos valuation.PosBalances
	if cfg.Valuation.PosBaseURL != "" {
		pos = storage.NewPosClient(cfg.Valuation.PosBaseURL, cfg.Valuation.PosToken, cfg.Valuation.PosTimeout, logger)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := valuation.NewMetrics(registry)

	engine := valuation.NewEngine(readers, readers, pos, logger, metrics, &valuation.Config{
		PosTimeout:     cfg.Valuation.PosTimeout,
		MaxConcurrency: cfg.Valuation.MaxConcurrency,
	})

	handlers := NewHandlers(engine, readers, cache.New(), cfg.Valuation.CacheTTL, logger)
	router := setupRouter(handlers, cfg.API, registry)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	go func() {
		logger.Info("starting valuation API server", zap.Int("port", cfg.API.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("failed to shut down server", zap.Error(err))
	}

	logger.Info("server stopped")
}

// loadConfig reads configuration from the file named by CONFIG_FILE, or
// from the environment when no file is set.
func loadConfig() (*config.Config, error) {
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// newLogger builds a zap logger from the logging configuration.
func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	zcfg.Level = level

	return zcfg.Build()
}

// setupRouter sets up HTTP routes
func setupRouter(handlers *Handlers, apiCfg config.APIConfig, registry *prometheus.Registry) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	if apiCfg.EnableMetrics {
		router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")
	}

	api := router.PathPrefix("/api/v1").Subrouter()

	// Valuation
	api.HandleFunc("/valuation/{company}", handlers.GetValuation).Methods("GET")

	// Purchase and stock history
	api.HandleFunc("/history/{company}/{productNumber}", handlers.GetPurchaseHistory).Methods("GET")
	api.HandleFunc("/stock-history/{company}/{productNumber}", handlers.GetStockHistory).Methods("GET")

	// Reconciliation
	api.HandleFunc("/reconciliation/{company}", handlers.RunReconciliation).Methods("POST")

	// Cache administration
	api.HandleFunc("/cache/invalidate", handlers.InvalidateCache).Methods("POST")

	if apiCfg.EnableCORS {
		router.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Access-Control-Allow-Origin", "*")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

				if r.Method == "OPTIONS" {
					w.WriteHeader(http.StatusOK)
					return
				}

				next.ServeHTTP(w, r)
			})
		})
	}

	router.Use(loggingMiddleware(handlers.logger))

	return router
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			next.ServeHTTP(w, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("url", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
