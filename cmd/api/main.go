package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/scheduler/internal/api"
	"example.com/scheduler/internal/auth"
	"example.com/scheduler/internal/cache"
	"example.com/scheduler/internal/config"
	"example.com/scheduler/internal/ledger"
	"example.com/scheduler/internal/logger"
	"example.com/scheduler/internal/outbox"
	persistence "example.com/scheduler/internal/persistence/postgres"
	"example.com/scheduler/internal/reconcile"
	"example.com/scheduler/internal/scheduling"
	"example.com/scheduler/internal/seal"
	httptransport "example.com/scheduler/internal/transport/http"
)

func main() {
	log := logger.New("scheduler-api")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.SetLevel(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	sealKey, err := cfg.SealKeyBytes()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid seal key")
	}
	codec, err := seal.New(sealKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build seal codec")
	}

	rules, err := cfg.CalculatedEventRules()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid calculated event rules")
	}

	eventRepo := persistence.NewEventRepository(pool, codec)
	activityRepo := persistence.NewActivityRepository(pool)
	planRepo := persistence.NewPlanRepository(pool)

	views := cache.NewMemory()
	ledgerSvc := ledger.NewService(eventRepo, rules, log)
	store := reconcile.NewStore(activityRepo, views, log)
	if cfg.EdgeInvalidatorURL != "" {
		store = store.WithEdgeInvalidator(cache.NewHTTPInvalidator(cfg.EdgeInvalidatorURL, cfg.EdgeInvalidatorToken, 5*time.Second))
	}
	service := scheduling.NewService(ledgerSvc, planRepo, store, views, cfg.ViewCacheTTL, log)

	producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
	defer producer.Close()
	registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL, log)
	dispatcher := outbox.NewDispatcher(pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize, log)
	go dispatcher.Start(ctx)

	handler := api.NewHandler(service)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	requestLog := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("request")
			next.ServeHTTP(w, r)
		})
	}

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/metrics"
	})

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, authMiddleware.Wrap(requestLog(mux)))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Str("address", cfg.HTTPAddress).Msg("scheduler api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
	}

	dispatcher.Wait()
}
