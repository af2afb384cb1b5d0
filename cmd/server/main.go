package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/toolshare/toolshare-backend/internal/api/middleware"
	"github.com/toolshare/toolshare-backend/internal/api/rest"
	"github.com/toolshare/toolshare-backend/internal/cache"
	"github.com/toolshare/toolshare-backend/internal/config"
	"github.com/toolshare/toolshare-backend/internal/geo"
	"github.com/toolshare/toolshare-backend/internal/pkg/logger"
	"github.com/toolshare/toolshare-backend/internal/pkg/tracing"
	"github.com/toolshare/toolshare-backend/internal/repository"
	"github.com/toolshare/toolshare-backend/internal/security"
	"github.com/toolshare/toolshare-backend/migrations"
)

func main() {
	log := logger.StdLogger()

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded", "port", cfg.Port, "db_backend", cfg.DatabaseBackend, "cache_backend", cfg.CacheBackend)

	if cfg.TracingEndpoint != "" {
		shutdown, err := tracing.Init("toolshare-backend", cfg.TracingEndpoint, cfg.TracingSampleRate)
		if err != nil {
			log.Warn("tracing disabled", "error", err)
		} else {
			defer shutdown()
		}
	}

	// Persistence
	var store *repository.Store
	switch cfg.DatabaseBackend {
	case "postgres":
		store, err = repository.NewPostgresStore(cfg.PostgresDSN)
	default:
		store, err = repository.NewSQLiteStore(cfg.DatabasePath)
	}
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	migrationSQL, err := migrations.FS.ReadFile("001_initial_schema.sql")
	if err != nil {
		log.Error("failed to read migration", "error", err)
		os.Exit(1)
	}
	if err := store.RunMigrations(string(migrationSQL)); err != nil {
		log.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Reputation cache
	var repCache cache.ReputationCache
	switch cfg.CacheBackend {
	case "redis":
		repCache = cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.CacheTimeout())
	default:
		repCache = cache.NewMemoryCache()
	}

	// Geolocation resolver, wrapped in an LRU so repeat lookups are free.
	var resolver geo.Resolver
	switch cfg.GeoBackend {
	case "mmdb":
		mmdb, err := geo.NewMMDBResolver(cfg.GeoMMDBCityPath, cfg.GeoMMDBASNPath)
		if err != nil {
			log.Error("failed to open geolocation database", "error", err)
			os.Exit(1)
		}
		defer mmdb.Close()
		resolver = mmdb
	case "http":
		resolver = geo.NewHTTPResolver(cfg.GeoHTTPBaseURL, cfg.GeoLookupRatePerSec, cfg.GeoLookupBurst, cfg.GeoTimeout())
	}
	if resolver != nil {
		resolver = geo.NewCachedResolver(resolver, cfg.GeoCacheSize, time.Duration(cfg.GeoCacheTTLSec)*time.Second)
	}

	// Detection core
	tracker := security.NewTracker(store, repCache, security.TrackerConfig{
		Thresholds:    cfg.AttackThresholds,
		Window:        time.Duration(cfg.AttackWindowMin) * time.Minute,
		BlockDuration: time.Duration(cfg.AttackBlockDurationMin) * time.Minute,
	}, log)
	events := security.NewEventLogger(store, log)

	// Pipeline stages in fixed order: cheapest rejection first.
	var stages []middleware.Stage
	if cfg.IPReputationEnabled {
		stages = append(stages, middleware.NewIPReputationStage(repCache, resolver, tracker, events, cfg, log))
	}
	if cfg.RateLimitEnabled {
		stages = append(stages, middleware.NewRateLimitStage(repCache, tracker, events, cfg, log))
	}
	if cfg.TokenRevocationEnabled {
		stages = append(stages, middleware.NewTokenRevocationStage(repCache, store, tracker, events, cfg, log))
	}
	if cfg.SessionSecurityEnabled {
		sessionStage, err := middleware.NewSessionSecurityStage(store, resolver, tracker, events, cfg, log)
		if err != nil {
			log.Error("failed to build session security stage", "error", err)
			os.Exit(1)
		}
		stages = append(stages, sessionStage)
	}

	ips, err := middleware.NewClientIPResolver(cfg.TrustedProxies)
	if err != nil {
		log.Error("invalid trusted proxy configuration", "error", err)
		os.Exit(1)
	}

	// Router
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	healthz := rest.NewHealthzHandler(store)
	router.HandleFunc("/health", healthz.Live).Methods("GET")
	router.HandleFunc("/healthz/live", healthz.Live).Methods("GET")
	router.HandleFunc("/healthz/ready", healthz.Ready).Methods("GET")

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	securityHandler := rest.NewSecurityHandler(store, repCache, tracker, events, log)
	securityHandler.RegisterRoutes(apiRouter)

	// Middleware chain, outermost first. The security pipeline sits inside
	// logging so rejections are logged and counted like any other response.
	apiRouter.Use(middleware.SecurityPipeline(stages, ips, cfg.RequestTimeout(), log))
	router.Use(middleware.RequestID)
	router.Use(middleware.SecureHeaders)
	router.Use(middleware.Tracing)
	router.Use(middleware.StructuredLog(ips))
	router.Use(middleware.MaxBodySize(cfg.MaxBodyBytes))

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      c.Handler(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout() + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go purgeLoop(ctx, store, cfg, log)

	go func() {
		log.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSec)*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("forced shutdown", "error", err)
	}
	log.Info("server exited")
}

// purgeLoop periodically drops expired blacklist entries and lifts expired
// pattern blocks so the tables stay bounded.
func purgeLoop(ctx context.Context, store *repository.Store, cfg *config.Config, log *slog.Logger) {
	interval := time.Duration(cfg.PurgeIntervalMin) * time.Minute
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			purged, err := store.PurgeExpiredBlacklist(pctx, time.Now())
			if err != nil {
				log.Warn("blacklist purge failed", "error", err)
			}
			lifted, err := store.DeactivateExpiredBlocks(pctx, time.Now())
			if err != nil {
				log.Warn("block expiry sweep failed", "error", err)
			}
			cancel()
			if purged > 0 || lifted > 0 {
				log.Info("purge cycle complete", "blacklist_purged", purged, "blocks_lifted", lifted)
			}
		}
	}
}
