package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	FeedLoadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_loads_total",
		Help: "Загрузки страниц ленты по исходу",
	}, []string{"page", "outcome"})

	RealtimeEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_total",
		Help: "Realtime-события, применённые к ленте",
	}, []string{"table", "kind", "outcome"})

	OptimisticRollbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "optimistic_rollbacks_total",
		Help: "Откаты оптимистичных отметок после ошибки бэкенда",
	}, []string{"kind"})

	ActiveViewers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_viewers",
		Help: "Количество смонтированных зрителей",
	})

	ProfilesCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "profiles_created_total",
		Help: "Профили, созданные при первом входе",
	})

	RelayForwardedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_forwarded_total",
		Help: "События, пересланные ретранслятором",
	}, []string{"sink", "status"})

	HubSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_hub_subscribers",
		Help: "Локальные подписки на общий поток изменений",
	})

	HubDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_hub_dropped_total",
		Help: "События, не доставленные подписчику с переполненным буфером",
	})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		NetworkRequestDuration,
		NetworkRequestTotal,
		FeedLoadsTotal,
		RealtimeEventsTotal,
		OptimisticRollbacksTotal,
		ActiveViewers,
		ProfilesCreatedTotal,
		RelayForwardedTotal,
		HubSubscribers,
		HubDroppedTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveFeedLoad учитывает загрузку страницы: page = first|next,
// outcome = ok|stale|error|invalid.
func ObserveFeedLoad(page, outcome string) {
	FeedLoadsTotal.WithLabelValues(page, outcome).Inc()
}

// ObserveRealtimeEvent учитывает обработку realtime-события.
func ObserveRealtimeEvent(table, kind, outcome string) {
	if table == "" {
		table = "unknown"
	}
	if kind == "" {
		kind = "unknown"
	}
	RealtimeEventsTotal.WithLabelValues(table, kind, outcome).Inc()
}

// IncOptimisticRollback увеличивает счётчик откатов.
func IncOptimisticRollback(kind string) {
	OptimisticRollbacksTotal.WithLabelValues(kind).Inc()
}

// IncProfileCreated увеличивает счётчик созданных профилей.
func IncProfileCreated() {
	ProfilesCreatedTotal.Inc()
}

// ObserveRelayForward учитывает пересылку события ретранслятором.
func ObserveRelayForward(sink string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	RelayForwardedTotal.WithLabelValues(sink, status).Inc()
}
