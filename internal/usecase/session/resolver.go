package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
)

// Status — стадия определения личности зрителя.
type Status string

const (
	StatusUnknown       Status = "unknown"
	StatusLoading       Status = "loading"
	StatusAuthenticated Status = "authenticated"
	StatusAnonymous     Status = "anonymous"
)

// State — текущая личность и сессия.
type State struct {
	Status   Status
	Identity *domain.Identity
	Session  *domain.Session
}

// ViewerID возвращает id зрителя или пустую строку.
func (s State) ViewerID() string {
	if s.Identity == nil {
		return ""
	}
	return s.Identity.ID
}

// Resolver отслеживает текущую сессию у провайдера аутентификации.
type Resolver struct {
	auth domain.AuthProvider
	log  zerolog.Logger

	mu          sync.Mutex
	state       State
	eventSeen   bool
	listeners   map[int]func(State)
	nextID      int
	unsubscribe func()
	closed      bool
}

// NewResolver создаёт резолвер в состоянии unknown.
func NewResolver(auth domain.AuthProvider, log zerolog.Logger) *Resolver {
	return &Resolver{
		auth:      auth,
		log:       log,
		state:     State{Status: StatusUnknown},
		listeners: make(map[int]func(State)),
	}
}

// Start запрашивает текущую сессию и подписывается на изменения.
// Ошибка провайдера трактуется как отсутствие сессии.
func (r *Resolver) Start(ctx context.Context) State {
	r.mu.Lock()
	if r.closed || r.unsubscribe != nil {
		st := r.state
		r.mu.Unlock()
		return st
	}
	r.state = State{Status: StatusLoading}
	r.mu.Unlock()

	unsubscribe := r.auth.OnAuthStateChange(r.handle)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		unsubscribe()
		return r.State()
	}
	r.unsubscribe = unsubscribe
	r.mu.Unlock()

	sess, err := r.auth.GetSession(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("session: не удалось получить сессию")
		sess = nil
	}

	r.mu.Lock()
	if r.eventSeen || r.closed {
		st := r.state
		r.mu.Unlock()
		return st
	}
	st := stateFor(sess)
	r.state = st
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	notify(listeners, st)
	return st
}

func (r *Resolver) handle(event domain.AuthEvent, sess *domain.Session) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.eventSeen = true
	if event == domain.AuthSignedOut {
		sess = nil
	}
	st := stateFor(sess)
	r.state = st
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	r.log.Debug().Str("event", string(event)).Str("status", string(st.Status)).Msg("session: изменение состояния")
	notify(listeners, st)
}

func stateFor(sess *domain.Session) State {
	if sess == nil || sess.Identity.ID == "" {
		return State{Status: StatusAnonymous}
	}
	id := sess.Identity
	return State{Status: StatusAuthenticated, Identity: &id, Session: sess}
}

// State возвращает текущее состояние.
func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Subscribe регистрирует слушателя изменений. Возвращает функцию отписки.
func (r *Resolver) Subscribe(fn func(State)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// Close отписывается от провайдера. Повторный вызов безопасен.
func (r *Resolver) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.listeners = make(map[int]func(State))
	r.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (r *Resolver) snapshotListeners() []func(State) {
	out := make([]func(State), 0, len(r.listeners))
	for _, fn := range r.listeners {
		out = append(out, fn)
	}
	return out
}

func notify(listeners []func(State), st State) {
	for _, fn := range listeners {
		fn(st)
	}
}
