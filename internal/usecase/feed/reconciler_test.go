package feed

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
)

type fakeSub struct {
	events chan domain.ChangeEvent
	err    error
	once   sync.Once
}

func (s *fakeSub) Events() <-chan domain.ChangeEvent { return s.events }
func (s *fakeSub) Err() error                        { return s.err }
func (s *fakeSub) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

type fakeStream struct {
	mu      sync.Mutex
	fails   int
	tables  [][]string
	subs    chan *fakeSub
	attempt int
}

func newFakeStream() *fakeStream {
	return &fakeStream{subs: make(chan *fakeSub, 4)}
}

func (f *fakeStream) Subscribe(_ context.Context, tables ...string) (domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempt++
	f.tables = append(f.tables, tables)
	if f.attempt <= f.fails {
		return nil, errBackend
	}
	sub := &fakeSub{events: make(chan domain.ChangeEvent, 8)}
	f.subs <- sub
	return sub, nil
}

func change(table string, kind domain.ChangeKind, record, old any) domain.ChangeEvent {
	ev := domain.ChangeEvent{Schema: "public", Table: table, Kind: kind, CommittedAt: baseTime}
	if record != nil {
		ev.Record, _ = json.Marshal(record)
	}
	if old != nil {
		ev.OldRecord, _ = json.Marshal(old)
	}
	return ev
}

func TestReconcilerInsertFetchesFullRecord(t *testing.T) {
	posts := newFakePosts()
	posts.byID["n1"] = post("n1")
	s := newTestStore(posts, newFakeMembers())
	r := NewReconciler(s, posts, newFakeStream(), zerolog.Nop())

	r.Handle(context.Background(), change(domain.TablePosts, domain.ChangeInsert, map[string]string{"id": "n1"}, nil))
	r.Handle(context.Background(), change(domain.TablePosts, domain.ChangeInsert, map[string]string{"id": "n1"}, nil))

	snap := s.Snapshot()
	require.Len(t, snap.Posts, 1)
	assert.NotNil(t, snap.Posts[0].Author)
}

func TestReconcilerInsertFetchFailureIgnored(t *testing.T) {
	posts := newFakePosts()
	s := newTestStore(posts, newFakeMembers())
	r := NewReconciler(s, posts, newFakeStream(), zerolog.Nop())

	r.Handle(context.Background(), change(domain.TablePosts, domain.ChangeInsert, map[string]string{"id": "missing"}, nil))
	assert.Empty(t, s.Snapshot().Posts)
}

func TestReconcilerInsertWithoutAuthorSkipped(t *testing.T) {
	posts := newFakePosts()
	orphan := post("n2")
	orphan.Author = nil
	posts.byID["n2"] = orphan
	s := newTestStore(posts, newFakeMembers())
	r := NewReconciler(s, posts, newFakeStream(), zerolog.Nop())

	r.Handle(context.Background(), change(domain.TablePosts, domain.ChangeInsert, map[string]string{"id": "n2"}, nil))
	assert.Empty(t, s.Snapshot().Posts, "пост без профиля автора не попадает в ленту")
}

func TestReconcilerUpdateWithoutAuthorRefetches(t *testing.T) {
	posts := newFakePosts()
	posts.pages[0] = build([]string{"a", "b"})
	full := post("b")
	full.Content = "from backend"
	posts.byID["b"] = full
	s := newTestStore(posts, newFakeMembers())
	require.NoError(t, s.LoadFirstPage(context.Background()))
	r := NewReconciler(s, posts, newFakeStream(), zerolog.Nop())

	raw := map[string]any{"id": "b", "user_id": "author", "content": "partial", "created_at": baseTime}
	r.Handle(context.Background(), change(domain.TablePosts, domain.ChangeUpdate, raw, nil))

	snap := s.Snapshot()
	assert.Equal(t, []string{"b", "a"}, ids(snap.Posts))
	assert.Equal(t, "from backend", snap.Posts[0].Content)
}

func TestReconcilerUpdateWithAuthorUsesPayload(t *testing.T) {
	posts := newFakePosts()
	s := newTestStore(posts, newFakeMembers())
	r := NewReconciler(s, posts, newFakeStream(), zerolog.Nop())

	payload := post("c")
	payload.Content = "inline"
	r.Handle(context.Background(), change(domain.TablePosts, domain.ChangeUpdate, payload, nil))

	snap := s.Snapshot()
	require.Len(t, snap.Posts, 1)
	assert.Equal(t, "inline", snap.Posts[0].Content)
}

func TestReconcilerDeleteUsesOldRecord(t *testing.T) {
	posts := newFakePosts()
	posts.pages[0] = build([]string{"a", "b"})
	s := newTestStore(posts, newFakeMembers())
	require.NoError(t, s.LoadFirstPage(context.Background()))
	r := NewReconciler(s, posts, newFakeStream(), zerolog.Nop())

	r.Handle(context.Background(), change(domain.TablePosts, domain.ChangeDelete, nil, map[string]string{"id": "a"}))
	r.Handle(context.Background(), change(domain.TablePosts, domain.ChangeDelete, nil, map[string]string{"id": "a"}))
	assert.Equal(t, []string{"b"}, ids(s.Snapshot().Posts))
}

func TestReconcilerSavedReload(t *testing.T) {
	posts := newFakePosts()
	s := newTestStore(posts, newFakeMembers())
	s.SetViewer("me")
	require.NoError(t, s.SetScope(context.Background(), domain.ScopeSaved))
	r := NewReconciler(s, posts, newFakeStream(), zerolog.Nop())
	assert.Equal(t, []string{domain.TablePosts, domain.TableSavedPosts}, r.Tables())

	posts.pages[0] = build([]string{"s1"})
	r.Handle(context.Background(), change(domain.TableSavedPosts, domain.ChangeInsert, map[string]string{"id": "x", "user_id": "other"}, nil))
	assert.Empty(t, s.Snapshot().Posts)

	r.Handle(context.Background(), change(domain.TableSavedPosts, domain.ChangeInsert, map[string]string{"id": "x", "user_id": "me"}, nil))
	assert.Equal(t, []string{"s1"}, ids(s.Snapshot().Posts))
}

func TestReconcilerRunResubscribes(t *testing.T) {
	posts := newFakePosts()
	posts.byID["n1"] = post("n1")
	s := newTestStore(posts, newFakeMembers())
	stream := newFakeStream()
	stream.fails = 1
	r := NewReconciler(s, posts, stream, zerolog.Nop()).WithResubscribeDelay(time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	var sub *fakeSub
	select {
	case sub = <-stream.subs:
	case <-time.After(time.Second):
		t.Fatal("подписка не открыта")
	}
	sub.events <- change(domain.TablePosts, domain.ChangeInsert, map[string]string{"id": "n1"}, nil)

	require.Eventually(t, func() bool { return len(s.Snapshot().Posts) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	stream.mu.Lock()
	defer stream.mu.Unlock()
	assert.Equal(t, 2, stream.attempt)
	assert.Equal(t, []string{domain.TablePosts}, stream.tables[1])
}
