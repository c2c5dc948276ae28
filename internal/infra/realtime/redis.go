package realtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
	"github.com/iemedia/ChirpNestSSR/internal/infra/metrics"
)

// DefaultRedisPrefix — префикс каналов pub/sub, к нему добавляется имя таблицы.
const DefaultRedisPrefix = "chirpnest:changes:"

// RedisPubSub передаёт изменения через Redis pub/sub, канал на таблицу.
type RedisPubSub struct {
	client *redis.Client
	prefix string
	log    zerolog.Logger
}

var (
	_ domain.ChangeStream    = (*RedisPubSub)(nil)
	_ domain.ChangePublisher = (*RedisPubSub)(nil)
)

// NewRedisPubSub создаёт транспорт.
func NewRedisPubSub(client *redis.Client, prefix string, log zerolog.Logger) *RedisPubSub {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisPubSub{client: client, prefix: prefix, log: log}
}

// Subscribe подписывается на каналы таблиц. Без таблиц — на все по шаблону.
func (r *RedisPubSub) Subscribe(ctx context.Context, tables ...string) (domain.Subscription, error) {
	var ps *redis.PubSub
	if len(tables) == 0 {
		ps = r.client.PSubscribe(ctx, r.prefix+"*")
	} else {
		channels := make([]string, 0, len(tables))
		for _, t := range tables {
			channels = append(channels, r.prefix+t)
		}
		ps = r.client.Subscribe(ctx, channels...)
	}
	start := time.Now()
	_, err := ps.Receive(ctx)
	metrics.ObserveNetworkRequest("redis", "subscribe", r.prefix, start, err)
	if err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	sub := newSubscription(ps.Close)
	filter := newTableFilter(tables)
	go func() {
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				sub.finish(nil)
				return
			case msg, ok := <-msgs:
				if !ok {
					if sub.closed() {
						sub.finish(nil)
					} else {
						sub.finish(fmt.Errorf("redis: канал подписки закрыт"))
					}
					return
				}
				ev, err := Decode([]byte(msg.Payload))
				if err != nil {
					r.log.Warn().Err(err).Str("channel", msg.Channel).Msg("realtime: некорректное сообщение")
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
		}
	}()
	return sub, nil
}

// Publish публикует событие в канал его таблицы.
func (r *RedisPubSub) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	channel := r.prefix + strings.ToLower(ev.Table)
	start := time.Now()
	err = r.client.Publish(ctx, channel, payload).Err()
	metrics.ObserveNetworkRequest("redis", "publish", channel, start, err)
	return err
}
