package realtime

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
)

// Транспорты потока изменений.
const (
	TransportPostgres = "postgres"
	TransportRedis    = "redis"
	TransportAMQP     = "amqp"
	TransportPhoenix  = "phoenix"
)

// Tables — таблицы, изменения которых интересны клиентам ленты.
var Tables = []string{domain.TablePosts, domain.TableSavedPosts, domain.TableLikes}

// Options собирает зависимости всех транспортов. Нужны только поля
// выбранного транспорта.
type Options struct {
	Pool        *pgxpool.Pool
	PGChannel   string
	Redis       *redis.Client
	RedisPrefix string
	RabbitURL   string
	Exchange    string
	BaseURL     string
	APIKey      string
	Log         zerolog.Logger
}

// Open создаёт поток изменений по имени транспорта. Возвращаемая функция
// освобождает ресурсы транспорта.
func Open(transport string, opts Options) (domain.ChangeStream, func() error, error) {
	noop := func() error { return nil }
	log := opts.Log.With().Str("transport", transport).Logger()
	switch strings.ToLower(transport) {
	case TransportPostgres:
		if opts.Pool == nil {
			return nil, nil, errors.New("postgres: нет пула соединений")
		}
		return NewPGNotify(opts.Pool, opts.PGChannel, log), noop, nil
	case TransportRedis:
		if opts.Redis == nil {
			return nil, nil, errors.New("redis: не задан REDIS_ADDR")
		}
		return NewRedisPubSub(opts.Redis, opts.RedisPrefix, log), noop, nil
	case TransportAMQP:
		a, err := NewAMQP(opts.RabbitURL, opts.Exchange, log)
		if err != nil {
			return nil, nil, err
		}
		return a, a.Close, nil
	case TransportPhoenix:
		p, err := NewPhoenix(opts.BaseURL, opts.APIKey, log)
		if err != nil {
			return nil, nil, err
		}
		return p, noop, nil
	default:
		return nil, nil, fmt.Errorf("неизвестный транспорт %q", transport)
	}
}

// OpenSinks создаёт издателей для ретранслятора по именам из RELAY_SINKS.
func OpenSinks(names []string, opts Options) (map[string]domain.ChangePublisher, func() error, error) {
	sinks := make(map[string]domain.ChangePublisher, len(names))
	var closers []func() error
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}
	for _, name := range names {
		switch name {
		case TransportRedis:
			if opts.Redis == nil {
				_ = closeAll()
				return nil, nil, errors.New("redis: не задан REDIS_ADDR")
			}
			sinks[name] = NewRedisPubSub(opts.Redis, opts.RedisPrefix, opts.Log)
		case TransportAMQP:
			a, err := NewAMQP(opts.RabbitURL, opts.Exchange, opts.Log)
			if err != nil {
				_ = closeAll()
				return nil, nil, err
			}
			sinks[name] = a
			closers = append(closers, a.Close)
		default:
			_ = closeAll()
			return nil, nil, fmt.Errorf("неизвестный приёмник %q", name)
		}
	}
	return sinks, closeAll, nil
}
