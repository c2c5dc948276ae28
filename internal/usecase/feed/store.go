package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
	"github.com/iemedia/ChirpNestSSR/internal/infra/metrics"
	"github.com/iemedia/ChirpNestSSR/internal/usecase/compose"
)

var (
	// ErrAnonymous возвращается, если действие требует входа.
	ErrAnonymous = errors.New("sign in required")
	// ErrNotOwner возвращается при попытке удалить чужой пост.
	ErrNotOwner = errors.New("only the author can delete a post")
	// ErrInvalidPage возвращается, если страница не прошла проверку формы.
	ErrInvalidPage = errors.New("feed page failed validation")
)

// DefaultPageSize — размер страницы по умолчанию.
const DefaultPageSize = 10

// UpdatePlacement определяет, куда ставится обновлённый пост.
type UpdatePlacement string

const (
	// PlaceFront переносит обновлённый пост в начало списка.
	PlaceFront UpdatePlacement = "front"
	// PlaceInPlace оставляет обновлённый пост на прежней позиции.
	PlaceInPlace UpdatePlacement = "in_place"
)

// ParseUpdatePlacement разбирает значение из конфига, по умолчанию PlaceFront.
func ParseUpdatePlacement(raw string) UpdatePlacement {
	if UpdatePlacement(raw) == PlaceInPlace {
		return PlaceInPlace
	}
	return PlaceFront
}

// Option настраивает Store.
type Option func(*Store)

// WithPageSize задаёт размер страницы.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithUpdatePlacement задаёт политику размещения обновлений.
func WithUpdatePlacement(p UpdatePlacement) Option {
	return func(s *Store) { s.placement = p }
}

// WithLogger задаёт логгер.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithNotifier задаёт получателя уведомлений для пользователя.
func WithNotifier(n domain.Notifier) Option {
	return func(s *Store) {
		if n != nil {
			s.notifier = n
		}
	}
}

// Snapshot — неизменяемая копия состояния ленты.
type Snapshot struct {
	Posts    []domain.Post
	Scope    domain.ScopeKind
	ViewerID string
	HasMore  bool
	Loading  bool
	Liked    map[string]bool
	Saved    map[string]bool
	Version  uint64
	Err      error
}

type pendingKey struct {
	kind   domain.MembershipKind
	postID string
}

// Store владеет списком постов ленты, курсором пагинации и отметками зрителя.
type Store struct {
	posts     domain.PostRepo
	members   domain.MembershipRepo
	follows   domain.FollowRepo
	notifier  domain.Notifier
	log       zerolog.Logger
	pageSize  int
	placement UpdatePlacement

	mu         sync.Mutex
	viewerID   string
	scope      domain.Scope
	items      []domain.Post
	page       int
	hasMore    bool
	loading    bool
	generation uint64
	marks      map[domain.MembershipKind]map[string]struct{}
	pending    map[pendingKey]string
	version    uint64
	lastErr    error
	watchers   map[int]chan struct{}
	nextWatch  int
}

// NewStore создаёт ленту с фильтром everyone.
func NewStore(posts domain.PostRepo, members domain.MembershipRepo, follows domain.FollowRepo, opts ...Option) *Store {
	s := &Store{
		posts:     posts,
		members:   members,
		follows:   follows,
		notifier:  nopNotifier{},
		log:       zerolog.Nop(),
		pageSize:  DefaultPageSize,
		placement: PlaceFront,
		scope:     domain.Scope{Kind: domain.ScopeEveryone},
		page:      -1,
		hasMore:   true,
		marks:     newMarks(),
		pending:   make(map[pendingKey]string),
		watchers:  make(map[int]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newMarks() map[domain.MembershipKind]map[string]struct{} {
	return map[domain.MembershipKind]map[string]struct{}{
		domain.MembershipLike: {},
		domain.MembershipSave: {},
	}
}

// PageSize возвращает размер страницы.
func (s *Store) PageSize() int { return s.pageSize }

// SetViewer переключает ленту на другую личность. Отметки и незавершённые
// запросы прежнего зрителя сбрасываются.
func (s *Store) SetViewer(viewerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.viewerID == viewerID {
		return
	}
	s.viewerID = viewerID
	s.scope.ViewerID = viewerID
	s.marks = newMarks()
	s.pending = make(map[pendingKey]string)
	if s.scope.Kind != domain.ScopeEveryone {
		s.resetLocked(domain.Scope{Kind: domain.ScopeEveryone, ViewerID: viewerID})
	}
	s.changedLocked()
}

// Viewer возвращает id текущего зрителя или пустую строку.
func (s *Store) Viewer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewerID
}

// Scope возвращает текущий фильтр.
func (s *Store) Scope() domain.Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// SetScope меняет фильтр и очищает список. Ответы, запрошенные для прежнего
// фильтра, будут отброшены. Загрузку первой страницы выполняет вызывающий.
func (s *Store) SetScope(ctx context.Context, kind domain.ScopeKind) error {
	viewer := s.Viewer()
	scope := domain.Scope{Kind: kind, ViewerID: viewer}
	switch kind {
	case domain.ScopeEveryone:
	case domain.ScopeFollowing, domain.ScopeMine, domain.ScopeSaved:
		if viewer == "" {
			return ErrAnonymous
		}
	default:
		return fmt.Errorf("неизвестный фильтр %q", kind)
	}
	if kind == domain.ScopeFollowing {
		ids, err := s.follows.ListFollowing(ctx, viewer)
		if err != nil {
			return fmt.Errorf("получение подписок: %w", err)
		}
		scope.AuthorIDs = ids
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.viewerID != viewer {
		return ErrAnonymous
	}
	s.resetLocked(scope)
	s.changedLocked()
	return nil
}

func (s *Store) resetLocked(scope domain.Scope) {
	s.generation++
	s.scope = scope
	s.items = nil
	s.page = -1
	s.hasMore = true
	s.loading = false
	s.lastErr = nil
}

// LoadFirstPage запрашивает страницу со смещением 0 и полностью заменяет
// список. Более поздний вызов всегда побеждает более ранний.
func (s *Store) LoadFirstPage(ctx context.Context) error {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.loading = true
	q := domain.PageQuery{Scope: s.scope, Offset: 0, Limit: s.pageSize}
	s.changedLocked()
	s.mu.Unlock()

	page, err := s.posts.ListPosts(ctx, q)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		metrics.ObserveFeedLoad("first", "stale")
		s.log.Debug().Uint64("generation", gen).Msg("feed: устаревший ответ первой страницы отброшен")
		return nil
	}
	s.loading = false
	if err := s.acceptPageLocked(page, err); err != nil {
		metrics.ObserveFeedLoad("first", outcomeOf(err))
		return err
	}
	s.items = MergeDeduplicated(nil, page, Back)
	s.page = 0
	s.hasMore = len(page) == s.pageSize
	s.changedLocked()
	metrics.ObserveFeedLoad("first", "ok")
	return nil
}

// LoadNextPage дозагружает следующую страницу. Ничего не делает, пока идёт
// загрузка или если страниц больше нет.
func (s *Store) LoadNextPage(ctx context.Context) error {
	s.mu.Lock()
	if s.loading || !s.hasMore {
		s.mu.Unlock()
		return nil
	}
	s.loading = true
	gen := s.generation
	q := domain.PageQuery{Scope: s.scope, Offset: (s.page + 1) * s.pageSize, Limit: s.pageSize}
	s.changedLocked()
	s.mu.Unlock()

	page, err := s.posts.ListPosts(ctx, q)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		metrics.ObserveFeedLoad("next", "stale")
		s.log.Debug().Uint64("generation", gen).Msg("feed: устаревший ответ пагинации отброшен")
		return nil
	}
	s.loading = false
	if err := s.acceptPageLocked(page, err); err != nil {
		metrics.ObserveFeedLoad("next", outcomeOf(err))
		return err
	}
	// Курсор сдвигается, только если страница принесла новые записи.
	merged := MergeDeduplicated(s.items, page, Back)
	if len(merged) > len(s.items) {
		s.page++
	}
	s.items = merged
	s.hasMore = len(page) == s.pageSize
	s.changedLocked()
	metrics.ObserveFeedLoad("next", "ok")
	return nil
}

func (s *Store) acceptPageLocked(page []domain.Post, fetchErr error) error {
	if fetchErr != nil {
		s.lastErr = fetchErr
		s.changedLocked()
		return fmt.Errorf("загрузка страницы: %w", fetchErr)
	}
	for _, p := range page {
		if err := p.Validate(); err != nil {
			s.lastErr = fmt.Errorf("%w: %v", ErrInvalidPage, err)
			s.changedLocked()
			return s.lastErr
		}
	}
	s.lastErr = nil
	return nil
}

func outcomeOf(err error) string {
	if errors.Is(err, ErrInvalidPage) {
		return "invalid"
	}
	return "error"
}

// ApplyInsert ставит новый пост в начало списка, если он проходит фильтр.
func (s *Store) ApplyInsert(post domain.Post) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.admitsLocked(post) {
		return false
	}
	present := indexOf(s.items, post.ID) >= 0
	s.items = MergeDeduplicated(s.items, []domain.Post{post}, Front)
	s.changedLocked()
	if !present && post.AuthorID != s.viewerID {
		s.notifier.Notify(domain.NoticeInfo, "✨ New post received")
	}
	return true
}

// ApplyUpdate заменяет пост с тем же id. Если поста не было и он проходит
// фильтр, он добавляется в начало.
func (s *Store) ApplyUpdate(post domain.Post) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	present := indexOf(s.items, post.ID) >= 0
	keep := s.admitsLocked(post) || (present && s.scope.Kind == domain.ScopeSaved)
	if !keep {
		if !present {
			return false
		}
		s.items, _ = Remove(s.items, post.ID)
		s.changedLocked()
		return true
	}
	if present && s.placement == PlaceInPlace {
		s.items, _ = Replace(s.items, post)
	} else {
		rest, _ := Remove(s.items, post.ID)
		s.items = MergeDeduplicated(rest, []domain.Post{post}, Front)
	}
	s.changedLocked()
	return true
}

// ApplyDelete убирает пост из списка. Отсутствующий id — no-op.
func (s *Store) ApplyDelete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed bool
	s.items, removed = Remove(s.items, id)
	if removed {
		s.changedLocked()
	}
	return removed
}

func (s *Store) admitsLocked(post domain.Post) bool {
	switch s.scope.Kind {
	case domain.ScopeEveryone:
		return true
	case domain.ScopeMine:
		return post.AuthorID == s.viewerID
	case domain.ScopeFollowing:
		for _, id := range s.scope.AuthorIDs {
			if id == post.AuthorID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Publish публикует пост от имени зрителя и ставит его в начало ленты.
func (s *Store) Publish(ctx context.Context, raw string) (domain.Post, error) {
	content, err := compose.Prepare(raw)
	if err != nil {
		return domain.Post{}, err
	}
	viewer := s.Viewer()
	if viewer == "" {
		return domain.Post{}, ErrAnonymous
	}
	post, err := s.posts.CreatePost(ctx, viewer, content)
	if err != nil {
		s.notifier.Notify(domain.NoticeError, "Failed to chirp: "+err.Error())
		return domain.Post{}, fmt.Errorf("публикация: %w", err)
	}
	s.mu.Lock()
	if s.viewerID == viewer && s.admitsLocked(post) {
		s.items = MergeDeduplicated(s.items, []domain.Post{post}, Front)
		s.changedLocked()
	}
	s.mu.Unlock()
	s.notifier.Notify(domain.NoticeSuccess, "Chirp posted!")
	return post, nil
}

// DeletePost удаляет пост зрителя. Из списка пост убирается после
// подтверждения бэкендом; повторное удаление через realtime ничего не меняет.
func (s *Store) DeletePost(ctx context.Context, id string) error {
	s.mu.Lock()
	viewer := s.viewerID
	if viewer == "" {
		s.mu.Unlock()
		return ErrAnonymous
	}
	if idx := indexOf(s.items, id); idx >= 0 && s.items[idx].AuthorID != viewer {
		s.mu.Unlock()
		return ErrNotOwner
	}
	s.mu.Unlock()

	err := s.posts.DeletePost(ctx, id, viewer)
	if errors.Is(err, domain.ErrNotFound) {
		// Пост уже удалён: повторный клик или realtime DELETE пришёл раньше.
		if s.ApplyDelete(id) {
			s.notifier.Notify(domain.NoticeSuccess, "Post deleted")
		}
		return nil
	}
	if err != nil {
		s.notifier.Notify(domain.NoticeError, "Failed to delete post")
		return fmt.Errorf("удаление поста: %w", err)
	}
	s.ApplyDelete(id)
	s.notifier.Notify(domain.NoticeSuccess, "Post deleted")
	return nil
}

// ToggleLike переключает отметку «нравится» и возвращает новое состояние.
func (s *Store) ToggleLike(ctx context.Context, postID string) (bool, error) {
	return s.toggle(ctx, domain.MembershipLike, postID)
}

// ToggleSave переключает отметку «сохранено» и возвращает новое состояние.
func (s *Store) ToggleSave(ctx context.Context, postID string) (bool, error) {
	return s.toggle(ctx, domain.MembershipSave, postID)
}

// toggle меняет локальное состояние сразу, до ответа бэкенда. При ошибке
// применяется обратная операция, если с тех пор не было более новой.
func (s *Store) toggle(ctx context.Context, kind domain.MembershipKind, postID string) (bool, error) {
	key := pendingKey{kind: kind, postID: postID}
	opID := uuid.NewString()

	s.mu.Lock()
	viewer := s.viewerID
	if viewer == "" {
		s.mu.Unlock()
		return false, ErrAnonymous
	}
	set := s.marks[kind]
	_, had := set[postID]
	if had {
		delete(set, postID)
	} else {
		set[postID] = struct{}{}
	}
	s.pending[key] = opID
	s.changedLocked()
	s.mu.Unlock()

	var err error
	if had {
		err = s.members.RemoveMembership(ctx, kind, viewer, postID)
	} else {
		err = s.members.AddMembership(ctx, kind, viewer, postID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	latest := s.pending[key] == opID && s.viewerID == viewer
	if latest {
		delete(s.pending, key)
	}
	if err == nil {
		return !had, nil
	}
	if latest {
		if had {
			s.marks[kind][postID] = struct{}{}
		} else {
			delete(s.marks[kind], postID)
		}
		s.changedLocked()
		metrics.IncOptimisticRollback(string(kind))
		s.log.Warn().Err(err).Str("post", postID).Str("kind", string(kind)).Str("op", opID).Msg("feed: откат оптимистичной отметки")
	}
	s.notifier.Notify(domain.NoticeError, fmt.Sprintf("Failed to update %s", kind))
	return had, fmt.Errorf("отметка %s: %w", kind, err)
}

// RefreshMemberships загружает отметки зрителя из бэкенда. Отметки с
// незавершённой операцией сохраняют локальное значение.
func (s *Store) RefreshMemberships(ctx context.Context) error {
	viewer := s.Viewer()
	if viewer == "" {
		return nil
	}
	var liked, saved []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ids, err := s.members.ListMemberships(gctx, domain.MembershipLike, viewer)
		liked = ids
		return err
	})
	g.Go(func() error {
		ids, err := s.members.ListMemberships(gctx, domain.MembershipSave, viewer)
		saved = ids
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("загрузка отметок: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.viewerID != viewer {
		return nil
	}
	fresh := map[domain.MembershipKind][]string{domain.MembershipLike: liked, domain.MembershipSave: saved}
	for kind, ids := range fresh {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		for key := range s.pending {
			if key.kind != kind {
				continue
			}
			if _, local := s.marks[kind][key.postID]; local {
				set[key.postID] = struct{}{}
			} else {
				delete(set, key.postID)
			}
		}
		s.marks[kind] = set
	}
	s.changedLocked()
	return nil
}

// Lookup возвращает пост из списка по id.
func (s *Store) Lookup(id string) (domain.Post, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := indexOf(s.items, id); idx >= 0 {
		return s.items[idx], true
	}
	return domain.Post{}, false
}

// Snapshot возвращает копию текущего состояния.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	posts := make([]domain.Post, len(s.items))
	copy(posts, s.items)
	return Snapshot{
		Posts:    posts,
		Scope:    s.scope.Kind,
		ViewerID: s.viewerID,
		HasMore:  s.hasMore,
		Loading:  s.loading,
		Liked:    toBoolMap(s.marks[domain.MembershipLike]),
		Saved:    toBoolMap(s.marks[domain.MembershipSave]),
		Version:  s.version,
		Err:      s.lastErr,
	}
}

func toBoolMap(set map[string]struct{}) map[string]bool {
	out := make(map[string]bool, len(set))
	for id := range set {
		out[id] = true
	}
	return out
}

// Watch возвращает канал, в который приходит сигнал после каждого изменения.
// Сигналы объединяются: медленный читатель увидит последнее состояние через
// Snapshot. Вызов cancel закрывает канал.
func (s *Store) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = ch
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(ch)
		}
	}
}

func (s *Store) changedLocked() {
	s.version++
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(domain.NoticeLevel, string) {}
