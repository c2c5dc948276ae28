package viewer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Factory создаёт несмонтированного зрителя для ключа сессии.
type Factory func(key string) (*Viewer, error)

// Registry хранит смонтированных зрителей по ключу веб-сессии и выселяет
// неактивных.
type Registry struct {
	ctx     context.Context
	factory Factory
	idle    time.Duration
	log     zerolog.Logger
	now     func() time.Time

	group   singleflight.Group
	mu      sync.Mutex
	viewers map[string]*Viewer
}

// NewRegistry создаёт реестр. Зрители монтируются в контексте ctx.
func NewRegistry(ctx context.Context, factory Factory, idle time.Duration, log zerolog.Logger) *Registry {
	return &Registry{
		ctx:     ctx,
		factory: factory,
		idle:    idle,
		log:     log,
		now:     time.Now,
		viewers: make(map[string]*Viewer),
	}
}

// Get возвращает зрителя для ключа, монтируя его при первом обращении.
func (r *Registry) Get(key string) (*Viewer, error) {
	r.mu.Lock()
	v, ok := r.viewers[key]
	r.mu.Unlock()
	if ok {
		v.Touch()
		return v, nil
	}
	res, err, _ := r.group.Do(key, func() (any, error) {
		r.mu.Lock()
		if v, ok := r.viewers[key]; ok {
			r.mu.Unlock()
			return v, nil
		}
		r.mu.Unlock()

		v, err := r.factory(key)
		if err != nil {
			return nil, err
		}
		if err := v.Mount(r.ctx); err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.viewers[key] = v
		r.mu.Unlock()
		r.log.Debug().Str("viewer", key).Msg("viewer: смонтирован")
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*Viewer), nil
}

// Drop размонтирует зрителя, например после выхода пользователя.
func (r *Registry) Drop(key string) {
	r.mu.Lock()
	v, ok := r.viewers[key]
	delete(r.viewers, key)
	r.mu.Unlock()
	if ok {
		v.Unmount()
	}
}

// Len возвращает количество смонтированных зрителей.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.viewers)
}

// Sweep размонтирует зрителей, неактивных дольше idle. Возвращает
// количество выселенных.
func (r *Registry) Sweep() int {
	now := r.now()
	var stale []*Viewer
	r.mu.Lock()
	for key, v := range r.viewers {
		if d, ok := v.idleSince(now); ok && d >= r.idle {
			stale = append(stale, v)
			delete(r.viewers, key)
		}
	}
	r.mu.Unlock()
	for _, v := range stale {
		v.Unmount()
	}
	return len(stale)
}

// Run периодически выселяет неактивных зрителей до отмены ctx, затем
// размонтирует всех.
func (r *Registry) Run(ctx context.Context) {
	interval := r.idle / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Close()
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.log.Info().Int("evicted", n).Msg("viewer: выселены неактивные зрители")
			}
		}
	}
}

// Close размонтирует всех зрителей.
func (r *Registry) Close() {
	r.mu.Lock()
	all := r.viewers
	r.viewers = make(map[string]*Viewer)
	r.mu.Unlock()
	for _, v := range all {
		v.Unmount()
	}
}
