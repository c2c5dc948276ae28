package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/iemedia/ChirpNestSSR/internal/infra/config"
	"github.com/iemedia/ChirpNestSSR/internal/infra/db"
	logpkg "github.com/iemedia/ChirpNestSSR/internal/infra/log"
	"github.com/iemedia/ChirpNestSSR/internal/infra/metrics"
	"github.com/iemedia/ChirpNestSSR/internal/infra/realtime"
)

// relay читает изменения из Postgres или realtime-сокета бэкенда и
// пересылает их в Redis и/или RabbitMQ для веб-инстансов.
func main() {
	cfg := config.Load()
	logger := logpkg.NewLogger(cfg.AppEnv).With().Str("service", "relay").Logger()
	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger, cfg.MetricsAddr)

	opts := realtime.Options{
		PGChannel:   cfg.Realtime.PGChannel,
		RedisPrefix: cfg.Realtime.RedisPrefix,
		RabbitURL:   cfg.Realtime.RabbitURL,
		Exchange:    cfg.Realtime.Exchange,
		BaseURL:     cfg.Supabase.URL,
		APIKey:      cfg.Supabase.AnonKey,
		Log:         logger,
	}

	source := cfg.Realtime.Transport
	switch source {
	case realtime.TransportPostgres:
		pool, err := db.Connect(ctx, cfg.PGDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("relay: нет подключения к БД")
		}
		defer pool.Close()
		opts.Pool = pool
	case realtime.TransportPhoenix:
	default:
		log.Fatal().Str("transport", source).Msg("relay: источником может быть только postgres или phoenix")
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		opts.Redis = rdb
	}

	stream, closeStream, err := realtime.Open(source, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("relay: источник не создан")
	}
	defer closeStream()

	sinks, closeSinks, err := realtime.OpenSinks(cfg.Sinks(), opts)
	if err != nil {
		log.Fatal().Err(err).Msg("relay: приёмники не созданы")
	}
	defer closeSinks()

	logger.Info().Str("source", source).Strs("sinks", cfg.Sinks()).Msg("relay: запущен")
	if err := realtime.NewRelay(stream, sinks, realtime.Tables, logger).Run(ctx); err != nil {
		logger.Error().Err(err).Msg("relay: остановлен с ошибкой")
	}
}
