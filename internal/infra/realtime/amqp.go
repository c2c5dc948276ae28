package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
	"github.com/iemedia/ChirpNestSSR/internal/infra/metrics"
)

// DefaultExchange — topic exchange изменений, routing key равен таблице.
const DefaultExchange = "chirpnest.changes"

// AMQP передаёт изменения через topic exchange RabbitMQ. Каждая подписка
// получает свою эксклюзивную очередь.
type AMQP struct {
	url      string
	exchange string
	log      zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	pub  *amqp.Channel
}

var (
	_ domain.ChangeStream    = (*AMQP)(nil)
	_ domain.ChangePublisher = (*AMQP)(nil)
)

// NewAMQP создаёт транспорт. Соединение открывается при первом обращении.
func NewAMQP(url, exchange string, log zerolog.Logger) (*AMQP, error) {
	if url == "" {
		return nil, errors.New("amqp url is empty")
	}
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQP{url: url, exchange: exchange, log: log}, nil
}

func (a *AMQP) connection() (*amqp.Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil && !a.conn.IsClosed() {
		return a.conn, nil
	}
	start := time.Now()
	conn, err := amqp.Dial(a.url)
	metrics.ObserveNetworkRequest("rabbitmq", "dial", a.exchange, start, err)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	a.conn = conn
	a.pub = nil
	return conn, nil
}

func (a *AMQP) declare(ch *amqp.Channel) error {
	return ch.ExchangeDeclare(a.exchange, amqp.ExchangeTopic, true, false, false, false, nil)
}

// Subscribe создаёт очередь и привязывает её к таблицам. Без таблиц
// очередь получает все изменения.
func (a *AMQP) Subscribe(ctx context.Context, tables ...string) (domain.Subscription, error) {
	conn, err := a.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := a.declare(ch); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	keys := tables
	if len(keys) == 0 {
		keys = []string{"#"}
	}
	for _, key := range keys {
		if err := ch.QueueBind(q.Name, key, a.exchange, false, nil); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume: %w", err)
	}

	sub := newSubscription(ch.Close)
	go func() {
		for d := range deliveries {
			ev, err := Decode(d.Body)
			if err != nil {
				a.log.Warn().Err(err).Str("routing_key", d.RoutingKey).Msg("realtime: некорректное сообщение amqp")
				continue
			}
			if !sub.deliver(ev) {
				break
			}
		}
		if sub.closed() || ctx.Err() != nil {
			sub.finish(nil)
			return
		}
		sub.finish(errors.New("amqp: доставка прервана"))
	}()
	return sub, nil
}

// Publish отправляет событие с routing key, равным таблице.
func (a *AMQP) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	ch, err := a.publishChannel()
	if err != nil {
		return err
	}
	start := time.Now()
	err = ch.PublishWithContext(ctx, a.exchange, ev.Table, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", a.exchange, start, err)
	if err != nil {
		a.mu.Lock()
		a.pub = nil
		a.mu.Unlock()
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

func (a *AMQP) publishChannel() (*amqp.Channel, error) {
	conn, err := a.connection()
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pub != nil && !a.pub.IsClosed() {
		return a.pub, nil
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := a.declare(ch); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	a.pub = ch
	return ch, nil
}

// Close закрывает соединение.
func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	a.pub = nil
	return err
}
