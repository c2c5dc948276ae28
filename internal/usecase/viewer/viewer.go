package viewer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
	"github.com/iemedia/ChirpNestSSR/internal/infra/metrics"
	"github.com/iemedia/ChirpNestSSR/internal/usecase/feed"
	"github.com/iemedia/ChirpNestSSR/internal/usecase/profile"
	"github.com/iemedia/ChirpNestSSR/internal/usecase/session"
)

// ErrUnmounted возвращается при обращении к размонтированному зрителю.
var ErrUnmounted = errors.New("viewer is not mounted")

// Deps — общие зависимости всех зрителей процесса.
type Deps struct {
	Posts     domain.PostRepo
	Members   domain.MembershipRepo
	Follows   domain.FollowRepo
	Profiles  domain.ProfileRepo
	Stream    domain.ChangeStream
	Guard     domain.Cache
	PageSize  int
	Placement feed.UpdatePlacement
	Log       zerolog.Logger
}

// Viewer — одно смонтированное дерево представлений: резолвер сессии,
// лента, realtime-подписка и уведомления одного пользователя.
type Viewer struct {
	log        zerolog.Logger
	auth       domain.AuthProvider
	resolver   *session.Resolver
	ensurer    *profile.Ensurer
	store      *feed.Store
	reconciler *feed.Reconciler
	notices    *Notices

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	rtCancel    context.CancelFunc
	unsubscribe func()
	mounted     bool
	loaded      bool
	refs        int
	lastUsed    time.Time
	wg          sync.WaitGroup
}

// New собирает зрителя поверх провайдера аутентификации его сессии.
func New(deps Deps, auth domain.AuthProvider) *Viewer {
	notices := NewNotices(DefaultNoticeCapacity)
	store := feed.NewStore(deps.Posts, deps.Members, deps.Follows,
		feed.WithPageSize(deps.PageSize),
		feed.WithUpdatePlacement(deps.Placement),
		feed.WithLogger(deps.Log.With().Str("component", "feed").Logger()),
		feed.WithNotifier(notices),
	)
	return &Viewer{
		log:        deps.Log,
		auth:       auth,
		resolver:   session.NewResolver(auth, deps.Log.With().Str("component", "session").Logger()),
		ensurer:    profile.NewEnsurer(deps.Profiles, deps.Guard, deps.Log.With().Str("component", "profile").Logger()),
		store:      store,
		reconciler: feed.NewReconciler(store, deps.Posts, deps.Stream, deps.Log.With().Str("component", "realtime").Logger()),
		notices:    notices,
		lastUsed:   time.Now(),
	}
}

// Store возвращает ленту зрителя.
func (v *Viewer) Store() *feed.Store { return v.store }

// Auth возвращает провайдер аутентификации сессии зрителя.
func (v *Viewer) Auth() domain.AuthProvider { return v.auth }

// Notices возвращает буфер уведомлений.
func (v *Viewer) Notices() *Notices { return v.notices }

// Session возвращает текущее состояние сессии.
func (v *Viewer) Session() session.State { return v.resolver.State() }

// Mount определяет сессию, загружает первую страницу и открывает
// realtime-подписку. Ошибка загрузки не прерывает монтирование.
func (v *Viewer) Mount(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	if v.mounted {
		v.mu.Unlock()
		return nil
	}
	v.ctx, v.cancel = context.WithCancel(ctx)
	v.mounted = true
	v.mu.Unlock()

	unsubscribe := v.resolver.Subscribe(v.onSession)
	v.mu.Lock()
	v.unsubscribe = unsubscribe
	v.mu.Unlock()
	v.resolver.Start(v.ctx)

	v.load(v.ctx)
	v.mu.Lock()
	v.loaded = true
	v.mu.Unlock()
	v.restartRealtime()
	metrics.ActiveViewers.Inc()
	return nil
}

// Unmount освобождает подписки и дожидается фоновых задач.
func (v *Viewer) Unmount() {
	v.mu.Lock()
	if !v.mounted {
		v.mu.Unlock()
		return
	}
	v.mounted = false
	cancel := v.cancel
	unsubscribe := v.unsubscribe
	v.mu.Unlock()

	cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
	v.resolver.Close()
	v.wg.Wait()
	metrics.ActiveViewers.Dec()
}

// SetScope меняет фильтр ленты, переоткрывает подписку и загружает
// первую страницу.
func (v *Viewer) SetScope(ctx context.Context, kind domain.ScopeKind) error {
	if !v.isMounted() {
		return ErrUnmounted
	}
	if err := v.store.SetScope(ctx, kind); err != nil {
		return err
	}
	v.restartRealtime()
	return v.store.LoadFirstPage(ctx)
}

// Touch отмечает использование зрителя.
func (v *Viewer) Touch() {
	v.mu.Lock()
	v.lastUsed = time.Now()
	v.mu.Unlock()
}

// Acquire удерживает зрителя от выселения, пока открыто соединение.
func (v *Viewer) Acquire() func() {
	v.mu.Lock()
	v.refs++
	v.lastUsed = time.Now()
	v.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			v.refs--
			v.lastUsed = time.Now()
			v.mu.Unlock()
		})
	}
}

func (v *Viewer) idleSince(now time.Time) (time.Duration, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.refs > 0 {
		return 0, false
	}
	return now.Sub(v.lastUsed), true
}

func (v *Viewer) isMounted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mounted
}

func (v *Viewer) onSession(st session.State) {
	id := st.ViewerID()
	if v.store.Viewer() == id {
		return
	}
	v.store.SetViewer(id)
	if st.Identity != nil {
		identity := *st.Identity
		v.spawn(func(ctx context.Context) {
			_ = v.ensurer.Ensure(ctx, identity)
		})
		v.spawn(func(ctx context.Context) {
			if err := v.store.RefreshMemberships(ctx); err != nil && ctx.Err() == nil {
				v.log.Warn().Err(err).Msg("viewer: отметки не загружены")
			}
		})
	}
	v.mu.Lock()
	loaded := v.loaded
	v.mu.Unlock()
	if loaded {
		v.spawn(func(ctx context.Context) {
			v.restartRealtime()
			v.load(ctx)
		})
	}
}

func (v *Viewer) load(ctx context.Context) {
	if err := v.store.LoadFirstPage(ctx); err != nil && ctx.Err() == nil {
		v.log.Error().Err(err).Msg("viewer: первая страница не загружена")
		v.notices.Notify(domain.NoticeError, "Failed to load posts")
	}
}

func (v *Viewer) restartRealtime() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.mounted {
		return
	}
	if v.rtCancel != nil {
		v.rtCancel()
	}
	ctx, cancel := context.WithCancel(v.ctx)
	v.rtCancel = cancel
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		_ = v.reconciler.Run(ctx)
	}()
}

func (v *Viewer) spawn(fn func(ctx context.Context)) {
	v.mu.Lock()
	if !v.mounted {
		v.mu.Unlock()
		return
	}
	ctx := v.ctx
	v.wg.Add(1)
	v.mu.Unlock()
	go func() {
		defer v.wg.Done()
		fn(ctx)
	}()
}
