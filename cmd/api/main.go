package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"offer-decisioning-api/internal/cache"
	"offer-decisioning-api/internal/capping"
	"offer-decisioning-api/internal/catalog"
	"offer-decisioning-api/internal/config"
	"offer-decisioning-api/internal/database"
	"offer-decisioning-api/internal/decisioning"
	"offer-decisioning-api/internal/eligibility"
	"offer-decisioning-api/internal/events"
	"offer-decisioning-api/internal/features"
	"offer-decisioning-api/internal/handler"
	"offer-decisioning-api/internal/jobs"
	"offer-decisioning-api/internal/ledger"
	"offer-decisioning-api/internal/logger"
	"offer-decisioning-api/internal/metrics"
	"offer-decisioning-api/internal/middleware"
	"offer-decisioning-api/internal/service"
	"offer-decisioning-api/internal/tracing"
)

func main() {
	configFile := flag.String("config", "", "Path to a JSON or YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.InitTracing(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: tracing.ServiceName,
		Environment: cfg.Tracing.Environment,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to flush traces")
		}
	}()

	// Initialize database
	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	m := metrics.New(prometheus.DefaultRegisterer)

	flags := features.NewManager()
	flags.Register(features.FeatureProfileCache, cfg.Cache.ProfileCacheEnabled, "Cache contact profiles for resolution")
	flags.Register(features.FeatureEventHooks, len(cfg.Kafka.Brokers) > 0, "Publish domain events to Kafka")

	em := events.NewManager(flags.IsEnabled(features.FeatureEventHooks), log)
	defer em.Shutdown()
	if flags.IsEnabled(features.FeatureEventHooks) {
		em.SubscribeSink(events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka event sink enabled")
	}

	// Profile cache
	var profileStore cache.Cache
	if cfg.Redis.Addr != "" {
		rc, err := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Ledger.KeyPrefix+"cache:")
		if err != nil {
			return err
		}
		defer rc.Close()
		profileStore = rc
	} else {
		profileStore = cache.NewInMemoryCache()
	}
	contacts := cache.NewProfileCache(db, profileStore, cfg.ProfileTTL(), flags, log)

	// Ledger counters
	var (
		counters       ledger.Counters
		memoryCounters *ledger.MemoryCounters
	)
	switch cfg.Ledger.CounterBackend {
	case config.CounterBackendRedis:
		rc, err := ledger.NewRedisCounters(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Ledger.KeyPrefix)
		if err != nil {
			return err
		}
		defer rc.Close()
		counters = rc
	default:
		memoryCounters = ledger.NewMemoryCounters()
		counters = memoryCounters
	}
	led := ledger.New(db, counters, ledger.WithLocation(loc), ledger.WithLogger(log))
	if memoryCounters != nil {
		n, err := led.Rebuild(ctx)
		if err != nil {
			return fmt.Errorf("failed to rebuild ledger counters: %w", err)
		}
		log.Info().Int("propositions", n).Msg("ledger counters rebuilt")
	}

	cat := catalog.New(db, log)
	if err := cat.Reload(ctx); err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}

	engine := decisioning.NewEngine(decisioning.Deps{
		Catalog:   cat,
		Contacts:  contacts,
		Evaluator: eligibility.NewEvaluator(db, db, log),
		Checker:   capping.NewChecker(led, log),
		Ledger:    led,
		Metrics:   m,
		Tracer:    tracer.Tracer(),
		Logger:    log,
	})

	// Initialize service
	svc := service.NewService(service.Deps{
		Catalog:  cat,
		Engine:   engine,
		Ledger:   led,
		Contacts: contacts,
		Orders:   db,
		Activity: db,
		Events:   em,
		Metrics:  m,
		Tracer:   tracer,
		Logger:   log,
	})

	// Initialize handlers
	h := handler.NewHandlerWithOptions(svc, handler.NewHandlerOptions{
		MaxBodySize: cfg.Security.MaxRequestBodySize,
		Logger:      log,
	})

	// Maintenance jobs
	scheduler := jobs.NewScheduler(log)
	if err := scheduler.Add(ctx, jobs.SnapshotRefreshJob, cfg.Jobs.SnapshotRefresh, jobs.SnapshotRefresh(cat)); err != nil {
		return err
	}
	if memoryCounters != nil {
		if err := scheduler.Add(ctx, jobs.CounterPruneJob, cfg.Jobs.CounterPrune, jobs.CounterPrune(memoryCounters, m, time.Now, log)); err != nil {
			return err
		}
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// Setup router
	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(log))
	r.Use(chimw.Recoverer)
	r.Use(middleware.TracingMiddleware(tracing.ServiceName))

	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateWindow())
		defer rateLimiter.Stop()
		r.Use(middleware.RateLimitMiddleware(rateLimiter))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Origins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	h.Register(r)

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", server.Addr).
			Bool("tls", cfg.Server.EnableTLS).
			Str("database", cfg.Database.Path).
			Str("counter_backend", cfg.Ledger.CounterBackend).
			Msg("starting server")

		var err error
		if cfg.Server.EnableTLS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Graceful shutdown
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}
