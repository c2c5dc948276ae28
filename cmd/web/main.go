package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/iemedia/ChirpNestSSR/internal/adapters/gotrue"
	"github.com/iemedia/ChirpNestSSR/internal/adapters/repo"
	"github.com/iemedia/ChirpNestSSR/internal/adapters/web"
	"github.com/iemedia/ChirpNestSSR/internal/domain"
	"github.com/iemedia/ChirpNestSSR/internal/infra/cache"
	"github.com/iemedia/ChirpNestSSR/internal/infra/config"
	"github.com/iemedia/ChirpNestSSR/internal/infra/db"
	httpinfra "github.com/iemedia/ChirpNestSSR/internal/infra/http"
	logpkg "github.com/iemedia/ChirpNestSSR/internal/infra/log"
	"github.com/iemedia/ChirpNestSSR/internal/infra/metrics"
	"github.com/iemedia/ChirpNestSSR/internal/infra/realtime"
	"github.com/iemedia/ChirpNestSSR/internal/usecase/feed"
	"github.com/iemedia/ChirpNestSSR/internal/usecase/viewer"
)

func main() {
	cfg := config.Load()
	logger := logpkg.NewLogger(cfg.AppEnv).With().Str("service", "web").Logger()
	metrics.MustRegister(prometheus.DefaultRegisterer)

	if cfg.Session.Secret == "" {
		log.Fatal().Msg("web: не задан SESSION_SECRET")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("web: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	if cfg.RedisAddr == "" {
		log.Fatal().Msg("web: не задан REDIS_ADDR")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("web: redis недоступен")
	}
	var guard domain.Cache = cache.NewRedis(rdb)
	sessionStore := cache.NewSessionStore(rdb, "")

	stream, closeStream, err := realtime.Open(cfg.Realtime.Transport, realtime.Options{
		Pool:        pool,
		PGChannel:   cfg.Realtime.PGChannel,
		Redis:       rdb,
		RedisPrefix: cfg.Realtime.RedisPrefix,
		RabbitURL:   cfg.Realtime.RabbitURL,
		Exchange:    cfg.Realtime.Exchange,
		BaseURL:     cfg.Supabase.URL,
		APIKey:      cfg.Supabase.AnonKey,
		Log:         logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("web: поток изменений не создан")
	}
	defer closeStream()
	// Одна подписка на процесс: зрители получают события из памяти и не
	// занимают соединения пула под LISTEN.
	hub := realtime.NewHub(stream, realtime.Tables, logger)
	go hub.Run(ctx)

	api, err := gotrue.NewAPI(cfg.Supabase.URL, cfg.Supabase.AnonKey)
	if err != nil {
		log.Fatal().Err(err).Msg("web: неверный адрес сервиса авторизации")
	}

	deps := viewer.Deps{
		Posts:     repoAdapter,
		Members:   repoAdapter,
		Follows:   repoAdapter,
		Profiles:  repoAdapter,
		Stream:    hub,
		Guard:     guard,
		PageSize:  cfg.Feed.PageSize,
		Placement: feed.ParseUpdatePlacement(cfg.Feed.UpdatePlacement),
		Log:       logger,
	}
	secret := []byte(cfg.Supabase.JWTSecret)
	registry := viewer.NewRegistry(ctx, func(key string) (*viewer.Viewer, error) {
		client := gotrue.NewClient(api, sessionStore, key, cfg.Session.TTL, secret, logger)
		return viewer.New(deps, client), nil
	}, cfg.Session.IdleTimeout, logger)
	go registry.Run(ctx)

	cookies := web.NewCookieStore([]byte(cfg.Session.Secret), cfg.Session.TTL, cfg.AppEnv != "dev")
	server := httpinfra.NewServer(logger)
	web.NewHandler(registry, cookies, repoAdapter, cfg.PublicURL, logger).Routes(server.Router)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("web: остановка сервера")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Info().Str("addr", addr).Str("transport", cfg.Realtime.Transport).Msg("web: сервер запущен")
	if err := server.Start(addr); err != nil {
		log.Fatal().Err(err).Msg("web: сервер остановлен")
	}
}
