package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vireo/sagaflow"
)

func main() {
	_ = godotenv.Load()
	cfg := Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("sagad exited")
	}
}

func run(cfg *Config, logger zerolog.Logger) error {
	ctx := context.Background()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open saga log store: %w", err)
	}
	defer closeStore()

	opts := []sagaflow.Option{
		sagaflow.WithMetrics(sagaflow.NewMetrics()),
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer client.Close()
		opts = append(opts, sagaflow.WithPublisher(
			sagaflow.NewRedisPublisher(client, cfg.EventStream)))
		logger.Info().Str("stream", cfg.EventStream).Msg("event publishing enabled")
	}

	registry := sagaflow.NewRegistry(store, logger, opts...)
	if err := registerSagas(registry); err != nil {
		return fmt.Errorf("register sagas: %w", err)
	}

	recovery := sagaflow.NewRecoveryManager(registry, logger)
	resumed, err := recovery.ResumeAll(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("some sagas could not be resumed")
	}
	logger.Info().Int("count", resumed).Msg("recovery finished")

	server := sagaflow.NewServer(registry, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(fmt.Sprintf(":%d", cfg.HTTPPort))
	}()
	logger.Info().Int("port", cfg.HTTPPort).Str("store", cfg.StoreBackend).Msg("sagad listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *Config) (sagaflow.LogStore, func(), error) {
	switch cfg.StoreBackend {
	case "memory":
		return sagaflow.NewMemoryLog(), func() {}, nil
	case "file":
		store, err := sagaflow.NewFileLog(cfg.StoreDir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.DSN())
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		store := sagaflow.NewPostgresLog(db)
		if err := store.Init(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, func() { db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// registerSagas wires the built-in order fulfillment saga. The actions here
// only simulate the downstream calls; replace them with real service clients.
func registerSagas(registry *sagaflow.Registry) error {
	builder := sagaflow.NewDefinition("order-fulfillment")
	builder.SagaTimeout(5 * time.Minute)

	steps := []sagaflow.StepDefinition{
		{
			Name: "reserve-inventory",
			Action: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
				return json.Marshal(map[string]string{"reservationId": "res-1"})
			},
			Compensation: func(ctx context.Context, output json.RawMessage) error {
				return nil
			},
			MaxRetries: 3,
			Timeout:    10 * time.Second,
		},
		{
			Name: "charge-payment",
			Action: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
				return json.Marshal(map[string]string{"chargeId": "ch-1"})
			},
			Compensation: func(ctx context.Context, output json.RawMessage) error {
				return nil
			},
			MaxRetries: 3,
			Timeout:    10 * time.Second,
		},
		{
			Name: "ship",
			Action: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
				return json.Marshal(map[string]string{"shipmentId": "shp-1"})
			},
			MaxRetries: 3,
			Timeout:    10 * time.Second,
		},
	}
	for _, step := range steps {
		if err := builder.Append(step); err != nil {
			return err
		}
	}

	def, err := builder.Build()
	if err != nil {
		return err
	}
	return registry.Register(def)
}
