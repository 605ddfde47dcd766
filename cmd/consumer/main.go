package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"example.com/scheduler/internal/config"
	"example.com/scheduler/internal/consumer"
	"example.com/scheduler/internal/ledger"
	"example.com/scheduler/internal/logger"
	persistence "example.com/scheduler/internal/persistence/postgres"
	"example.com/scheduler/internal/seal"
)

func main() {
	log := logger.New("scheduler-consumer")

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

	ledgerSvc := ledger.NewService(persistence.NewEventRepository(pool, codec), rules, log)
	handler := consumer.NewSurveyResponseHandler(ledgerSvc)

	metricsSrv := &http.Server{Addr: ":9090", Handler: promhttp.Handler()}
	go func() {
		log.Info().Str("address", metricsSrv.Addr).Msg("consumer metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("metrics server error")
		}
	}()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:         cfg.KafkaBrokers,
		GroupID:         cfg.ConsumerGroup,
		Topic:           cfg.SurveyTopic,
		MinBytes:        1e3,
		MaxBytes:        10e6,
		CommitInterval:  time.Second,
		RetentionTime:   24 * time.Hour,
		ReadLagInterval: -1,
	})

	proc := consumer.NewProcessor(reader, handler, consumer.WithLogger(log))

	var wg sync.WaitGroup
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer reader.Close()

		log.Info().Str("topic", cfg.SurveyTopic).Str("group", cfg.ConsumerGroup).Msg("consumer started")
		if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("consumer stopped with error")
		}
	}()

	<-stop
	log.Info().Msg("consumer shutdown requested")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("metrics server shutdown error")
	}

	wg.Wait()
}
