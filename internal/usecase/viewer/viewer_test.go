package viewer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
	"github.com/iemedia/ChirpNestSSR/internal/infra/realtime"
)

type stubPosts struct {
	page []domain.Post
}

func (s stubPosts) ListPosts(context.Context, domain.PageQuery) ([]domain.Post, error) {
	return s.page, nil
}
func (s stubPosts) GetPost(context.Context, string) (domain.Post, error) {
	return domain.Post{}, domain.ErrNotFound
}
func (s stubPosts) CreatePost(context.Context, string, string) (domain.Post, error) {
	return domain.Post{}, nil
}
func (s stubPosts) DeletePost(context.Context, string, string) error { return nil }

type stubMembers struct{}

func (stubMembers) ListMemberships(context.Context, domain.MembershipKind, string) ([]string, error) {
	return []string{"p1"}, nil
}
func (stubMembers) AddMembership(context.Context, domain.MembershipKind, string, string) error {
	return nil
}
func (stubMembers) RemoveMembership(context.Context, domain.MembershipKind, string, string) error {
	return nil
}

type stubFollows struct{}

func (stubFollows) ListFollowing(context.Context, string) ([]string, error) { return nil, nil }

type stubProfiles struct {
	mu      sync.Mutex
	created []domain.Profile
}

func (s *stubProfiles) GetProfile(context.Context, string) (domain.Profile, error) {
	return domain.Profile{}, domain.ErrNotFound
}
func (s *stubProfiles) CreateProfile(_ context.Context, p domain.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, p)
	return nil
}
func (s *stubProfiles) UsernameTaken(context.Context, string) (bool, error) { return false, nil }
func (s *stubProfiles) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created)
}

type stubSub struct {
	events chan domain.ChangeEvent
	closed chan struct{}
	once   sync.Once
}

func (s *stubSub) Events() <-chan domain.ChangeEvent { return s.events }
func (s *stubSub) Err() error                        { return nil }
func (s *stubSub) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type stubStream struct {
	mu   sync.Mutex
	subs []*stubSub
}

func (s *stubStream) Subscribe(context.Context, ...string) (domain.Subscription, error) {
	sub := &stubSub{events: make(chan domain.ChangeEvent), closed: make(chan struct{})}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return sub, nil
}

func (s *stubStream) all() []*stubSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*stubSub(nil), s.subs...)
}

type stubAuth struct {
	session *domain.Session
}

func (a stubAuth) GetSession(context.Context) (*domain.Session, error) { return a.session, nil }
func (a stubAuth) OnAuthStateChange(domain.AuthListener) func()         { return func() {} }
func (a stubAuth) SignInWithPassword(context.Context, string, string) (*domain.Session, error) {
	return nil, nil
}
func (a stubAuth) SignUp(context.Context, string, string, map[string]any) (*domain.Identity, error) {
	return nil, nil
}
func (a stubAuth) SignInWithOAuth(context.Context, string, string) (domain.OAuthRedirect, error) {
	return domain.OAuthRedirect{}, nil
}
func (a stubAuth) ExchangeCode(context.Context, string, string) (*domain.Session, error) {
	return nil, nil
}
func (a stubAuth) SignOut(context.Context) error { return nil }

func testDeps(profiles *stubProfiles, stream *stubStream) Deps {
	page := []domain.Post{{ID: "p1", AuthorID: "u1", Content: "hi", CreatedAt: time.Now()}}
	return Deps{
		Posts:    stubPosts{page: page},
		Members:  stubMembers{},
		Follows:  stubFollows{},
		Profiles: profiles,
		Stream:   stream,
		PageSize: 10,
		Log:      zerolog.Nop(),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("условие не выполнено за секунду")
}

func TestMountAuthenticated(t *testing.T) {
	profiles := &stubProfiles{}
	stream := &stubStream{}
	auth := stubAuth{session: &domain.Session{Identity: domain.Identity{ID: "u1", Email: "amy@example.com"}}}
	v := New(testDeps(profiles, stream), auth)

	if err := v.Mount(context.Background()); err != nil {
		t.Fatalf("mount: %v", err)
	}
	snap := v.Store().Snapshot()
	if snap.ViewerID != "u1" || len(snap.Posts) != 1 {
		t.Fatalf("неожиданное состояние %+v", snap)
	}
	waitFor(t, func() bool { return profiles.count() == 1 })
	waitFor(t, func() bool { return v.Store().Snapshot().Liked["p1"] })
	waitFor(t, func() bool { return len(stream.all()) == 1 })

	v.Unmount()
	for _, sub := range stream.all() {
		select {
		case <-sub.closed:
		default:
			t.Fatalf("подписка не закрыта после Unmount")
		}
	}
	v.Unmount()
}

func TestMountAnonymous(t *testing.T) {
	profiles := &stubProfiles{}
	v := New(testDeps(profiles, &stubStream{}), stubAuth{})
	if err := v.Mount(context.Background()); err != nil {
		t.Fatalf("mount: %v", err)
	}
	defer v.Unmount()
	if got := v.Session().Status; got != "anonymous" {
		t.Fatalf("ожидали anonymous, получили %s", got)
	}
	if err := v.SetScope(context.Background(), domain.ScopeMine); err == nil {
		t.Fatalf("фильтр mine без входа должен отклоняться")
	}
	if profiles.count() != 0 {
		t.Fatalf("анонимному зрителю профиль не создаётся")
	}
}

func TestSetScopeResubscribes(t *testing.T) {
	stream := &stubStream{}
	auth := stubAuth{session: &domain.Session{Identity: domain.Identity{ID: "u1"}}}
	v := New(testDeps(&stubProfiles{}, stream), auth)
	if err := v.Mount(context.Background()); err != nil {
		t.Fatalf("mount: %v", err)
	}
	defer v.Unmount()
	waitFor(t, func() bool { return len(stream.all()) == 1 })

	if err := v.SetScope(context.Background(), domain.ScopeSaved); err != nil {
		t.Fatalf("scope: %v", err)
	}
	waitFor(t, func() bool { return len(stream.all()) == 2 })
	first := stream.all()[0]
	waitFor(t, func() bool {
		select {
		case <-first.closed:
			return true
		default:
			return false
		}
	})
}

func TestNoticesRing(t *testing.T) {
	n := NewNotices(2)
	n.Notify(domain.NoticeInfo, "a")
	n.Notify(domain.NoticeInfo, "b")
	n.Notify(domain.NoticeError, "c")

	all := n.Since(0)
	if len(all) != 2 || all[0].Message != "b" || all[1].Seq != 3 {
		t.Fatalf("неожиданный буфер %+v", all)
	}
	if got := n.Since(2); len(got) != 1 || got[0].Message != "c" {
		t.Fatalf("Since(2) = %+v", got)
	}
	if n.Last() != 3 {
		t.Fatalf("Last = %d", n.Last())
	}
}

func TestRegistryReusesAndSweeps(t *testing.T) {
	created := 0
	factory := func(string) (*Viewer, error) {
		created++
		return New(testDeps(&stubProfiles{}, &stubStream{}), stubAuth{}), nil
	}
	r := NewRegistry(context.Background(), factory, time.Minute, zerolog.Nop())
	defer r.Close()

	a, err := r.Get("k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := r.Get("k")
	if a != b || created != 1 {
		t.Fatalf("ожидали одного зрителя на ключ, создано %d", created)
	}

	release := a.Acquire()
	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	if n := r.Sweep(); n != 0 {
		t.Fatalf("удерживаемый зритель не выселяется, выселено %d", n)
	}
	release()
	if n := r.Sweep(); n != 1 || r.Len() != 0 {
		t.Fatalf("ожидали выселение, выселено %d, осталось %d", n, r.Len())
	}
}

func TestRegistryViewersShareHubSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := &stubStream{}
	hub := realtime.NewHub(source, realtime.Tables, zerolog.Nop())
	go hub.Run(ctx)

	factory := func(string) (*Viewer, error) {
		deps := testDeps(&stubProfiles{}, source)
		deps.Stream = hub
		return New(deps, stubAuth{}), nil
	}
	r := NewRegistry(ctx, factory, time.Minute, zerolog.Nop())
	defer r.Close()

	for i := 0; i < 9; i++ {
		if _, err := r.Get(fmt.Sprintf("session-%d", i)); err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
	}
	waitFor(t, func() bool { return hub.Len() == 9 })
	if n := len(source.all()); n != 1 {
		t.Fatalf("девять зрителей должны делить одну подписку источника, открыто %d", n)
	}
}
