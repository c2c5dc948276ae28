package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
	"github.com/iemedia/ChirpNestSSR/internal/infra/metrics"
)

// PGNotify получает изменения через LISTEN на канале Postgres. Payload
// уведомления — JSON изменения, который формирует триггер бэкенда.
type PGNotify struct {
	pool    *pgxpool.Pool
	channel string
	log     zerolog.Logger
}

var _ domain.ChangeStream = (*PGNotify)(nil)

// NewPGNotify создаёт источник изменений.
func NewPGNotify(pool *pgxpool.Pool, channel string, log zerolog.Logger) *PGNotify {
	return &PGNotify{pool: pool, channel: channel, log: log}
}

// Subscribe занимает соединение пула на время подписки.
func (p *PGNotify) Subscribe(ctx context.Context, tables ...string) (domain.Subscription, error) {
	start := time.Now()
	conn, err := p.pool.Acquire(ctx)
	metrics.ObserveNetworkRequest("postgres", "acquire_listen", p.channel, start, err)
	if err != nil {
		return nil, fmt.Errorf("соединение для LISTEN: %w", err)
	}
	listen := "LISTEN " + pgx.Identifier{p.channel}.Sanitize()
	if _, err := conn.Exec(ctx, listen); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", p.channel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := newSubscription(func() error {
		cancel()
		return nil
	})
	filter := newTableFilter(tables)

	go func() {
		defer func() {
			unlistenCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if _, err := conn.Exec(unlistenCtx, "UNLISTEN *"); err != nil {
				_ = conn.Conn().Close(unlistenCtx)
			}
			conn.Release()
		}()
		for {
			n, err := conn.Conn().WaitForNotification(subCtx)
			if err != nil {
				if subCtx.Err() != nil {
					sub.finish(nil)
				} else {
					sub.finish(err)
				}
				return
			}
			ev, err := Decode([]byte(n.Payload))
			if err != nil {
				p.log.Warn().Err(err).Str("channel", n.Channel).Msg("realtime: некорректное уведомление")
				continue
			}
			if !filter.accept(ev.Table) {
				continue
			}
			if !sub.deliver(ev) {
				sub.finish(nil)
				return
			}
		}
	}()
	return sub, nil
}
