package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/iemedia/ChirpNestSSR/internal/adapters/cli"
	"github.com/iemedia/ChirpNestSSR/internal/adapters/gotrue"
	"github.com/iemedia/ChirpNestSSR/internal/adapters/repo"
	"github.com/iemedia/ChirpNestSSR/internal/domain"
	"github.com/iemedia/ChirpNestSSR/internal/infra/cache"
	"github.com/iemedia/ChirpNestSSR/internal/infra/config"
	"github.com/iemedia/ChirpNestSSR/internal/infra/db"
	logpkg "github.com/iemedia/ChirpNestSSR/internal/infra/log"
	"github.com/iemedia/ChirpNestSSR/internal/infra/realtime"
	"github.com/iemedia/ChirpNestSSR/internal/usecase/feed"
	"github.com/iemedia/ChirpNestSSR/internal/usecase/viewer"
)

// Ключ сессии терминального клиента в файле сессий.
const sessionKey = "cli"

func main() {
	cfg := config.Load()
	logger := logpkg.NewConsoleLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connect := func(ctx context.Context) (*cli.Backend, error) {
		path, err := cli.DefaultSessionPath()
		if err != nil {
			return nil, fmt.Errorf("путь к файлу сессии: %w", err)
		}
		pool, err := db.Connect(ctx, cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("подключение к БД: %w", err)
		}
		closers := []func(){pool.Close}
		closeAll := func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}

		var rdb *redis.Client
		var guard domain.Cache = cache.NewMemory()
		if cfg.RedisAddr != "" {
			rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			closers = append(closers, func() { _ = rdb.Close() })
			guard = cache.NewRedis(rdb)
		}

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
			closeAll()
			return nil, fmt.Errorf("поток изменений: %w", err)
		}
		closers = append(closers, func() { _ = closeStream() })

		api, err := gotrue.NewAPI(cfg.Supabase.URL, cfg.Supabase.AnonKey)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("сервис авторизации: %w", err)
		}
		client := gotrue.NewClient(api, cli.NewFileSessionStore(path), sessionKey, cfg.Session.TTL, []byte(cfg.Supabase.JWTSecret), logger)

		repoAdapter := repo.NewPostgres(pool)
		v := viewer.New(viewer.Deps{
			Posts:     repoAdapter,
			Members:   repoAdapter,
			Follows:   repoAdapter,
			Profiles:  repoAdapter,
			Stream:    stream,
			Guard:     guard,
			PageSize:  cfg.Feed.PageSize,
			Placement: feed.ParseUpdatePlacement(cfg.Feed.UpdatePlacement),
			Log:       logger,
		}, client)
		return &cli.Backend{Viewer: v, Profiles: repoAdapter, Close: closeAll}, nil
	}

	err := cli.NewRootCommand(connect, logger).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
