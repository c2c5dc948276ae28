package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
	"github.com/iemedia/ChirpNestSSR/internal/infra/metrics"
)

// ErrHubClosed возвращается подпиской и Subscribe после остановки Hub.
var ErrHubClosed = errors.New("realtime hub closed")

// Hub держит одну подписку на источник на весь процесс и раздаёт события
// локальным подписчикам в памяти. Так сотни зрителей не занимают по
// соединению источника каждый.
type Hub struct {
	source domain.ChangeStream
	tables []string
	retry  time.Duration
	log    zerolog.Logger

	mu      sync.Mutex
	subs    map[*subscription]tableFilter
	stopped bool
}

var _ domain.ChangeStream = (*Hub)(nil)

// NewHub создаёт раздатчик поверх source. tables — таблицы общей подписки.
func NewHub(source domain.ChangeStream, tables []string, log zerolog.Logger) *Hub {
	return &Hub{
		source: source,
		tables: append([]string(nil), tables...),
		retry:  DefaultRelayRetry,
		log:    log.With().Str("component", "realtime_hub").Logger(),
		subs:   make(map[*subscription]tableFilter),
	}
}

// WithRetry задаёт паузу перед повторной подпиской на источник.
func (h *Hub) WithRetry(d time.Duration) *Hub {
	if d > 0 {
		h.retry = d
	}
	return h
}

// Subscribe регистрирует локальную подписку. Соединение источника не
// занимается; подписка живёт, пока её не закроют, не отменят ctx или не
// остановится Hub.
func (h *Hub) Subscribe(ctx context.Context, tables ...string) (domain.Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil, ErrHubClosed
	}
	var sub *subscription
	sub = newSubscription(func() error {
		h.remove(sub)
		return nil
	})
	h.subs[sub] = newTableFilter(tables)
	metrics.HubSubscribers.Set(float64(len(h.subs)))

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Len возвращает число локальных подписок.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	metrics.HubSubscribers.Set(float64(len(h.subs)))
	sub.finish(nil)
}

// Run держит подписку на источник до отмены ctx и переподписывается после
// сбоев. По выходу все локальные подписки завершаются с ErrHubClosed.
func (h *Hub) Run(ctx context.Context) {
	defer h.stop()
	for {
		err := h.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			h.log.Warn().Err(err).Dur("retry", h.retry).Msg("источник изменений недоступен")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(h.retry):
		}
	}
}

func (h *Hub) runOnce(ctx context.Context) error {
	upstream, err := h.source.Subscribe(ctx, h.tables...)
	if err != nil {
		return err
	}
	defer func() { _ = upstream.Close() }()
	h.log.Info().Strs("tables", h.tables).Msg("общая подписка открыта")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-upstream.Events():
			if !ok {
				return upstream.Err()
			}
			h.Dispatch(ev)
		}
	}
}

// Dispatch раздаёт событие подписчикам, чей фильтр принимает таблицу.
// Подписчик с полным буфером событие теряет, остальные не ждут его.
func (h *Hub) Dispatch(ev domain.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub, filter := range h.subs {
		if !filter.accept(ev.Table) || sub.closed() {
			continue
		}
		if !sub.offer(ev) {
			metrics.HubDroppedTotal.Inc()
			h.log.Warn().Str("table", ev.Table).Str("kind", string(ev.Kind)).Msg("буфер подписчика полон, событие пропущено")
		}
	}
}

func (h *Hub) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for sub := range h.subs {
		delete(h.subs, sub)
		sub.finish(ErrHubClosed)
	}
	metrics.HubSubscribers.Set(0)
}
