package realtime

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
	"github.com/iemedia/ChirpNestSSR/internal/infra/metrics"
)

// DefaultRelayRetry — пауза перед повторной подпиской на источник.
const DefaultRelayRetry = 3 * time.Second

// Relay пересылает изменения из одного источника в именованные приёмники.
// Ошибка одного приёмника не останавливает остальные.
type Relay struct {
	source domain.ChangeStream
	sinks  map[string]domain.ChangePublisher
	names  []string
	tables []string
	retry  time.Duration
	log    zerolog.Logger
}

// NewRelay создаёт ретранслятор. Пустой tables означает все таблицы.
func NewRelay(source domain.ChangeStream, sinks map[string]domain.ChangePublisher, tables []string, log zerolog.Logger) *Relay {
	names := make([]string, 0, len(sinks))
	for name := range sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Relay{
		source: source,
		sinks:  sinks,
		names:  names,
		tables: tables,
		retry:  DefaultRelayRetry,
		log:    log.With().Str("component", "relay").Logger(),
	}
}

// WithRetry меняет паузу перед переподпиской.
func (r *Relay) WithRetry(d time.Duration) *Relay {
	if d > 0 {
		r.retry = d
	}
	return r
}

// Run работает до отмены ctx.
func (r *Relay) Run(ctx context.Context) error {
	if len(r.sinks) == 0 {
		return errors.New("relay: нет приёмников")
	}
	r.log.Info().Strs("sinks", r.names).Strs("tables", r.tables).Msg("ретранслятор запущен")
	for {
		err := r.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			r.log.Warn().Err(err).Dur("retry", r.retry).Msg("источник изменений недоступен")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.retry):
		}
	}
}

func (r *Relay) runOnce(ctx context.Context) error {
	sub, err := r.source.Subscribe(ctx, r.tables...)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return sub.Err()
			}
			r.Forward(ctx, ev)
		}
	}
}

// Forward отправляет событие во все приёмники.
func (r *Relay) Forward(ctx context.Context, ev domain.ChangeEvent) {
	for _, name := range r.names {
		err := r.sinks[name].Publish(ctx, ev)
		metrics.ObserveRelayForward(name, err)
		if err != nil {
			r.log.Error().Err(err).Str("sink", name).Str("table", ev.Table).Msg("не удалось переслать событие")
		}
	}
}
