package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func post(id string) domain.Post {
	return authored(id, "author")
}

func authored(id, authorID string) domain.Post {
	return domain.Post{
		ID:        id,
		AuthorID:  authorID,
		Content:   "chirp " + id,
		CreatedAt: baseTime,
		Author:    &domain.Author{ID: authorID, Username: authorID},
	}
}

func ids(posts []domain.Post) []string {
	out := make([]string, 0, len(posts))
	for _, p := range posts {
		out = append(out, p.ID)
	}
	return out
}

type listCall struct {
	q       domain.PageQuery
	release chan struct{}
}

type fakePosts struct {
	mu       sync.Mutex
	pages    map[int][]domain.Post
	byID     map[string]domain.Post
	listErr  error
	getErr   error
	deleted  []string
	created  []domain.Post
	queries  []domain.PageQuery
	gate     bool
	calls    chan listCall
	deleteFn func(id, authorID string) error
}

func newFakePosts() *fakePosts {
	return &fakePosts{
		pages: make(map[int][]domain.Post),
		byID:  make(map[string]domain.Post),
		calls: make(chan listCall, 16),
	}
}

func (f *fakePosts) ListPosts(ctx context.Context, q domain.PageQuery) ([]domain.Post, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	gate := f.gate
	f.mu.Unlock()
	if gate {
		call := listCall{q: q, release: make(chan struct{})}
		f.calls <- call
		select {
		case <-call.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]domain.Post(nil), f.pages[q.Offset]...), nil
}

func (f *fakePosts) GetPost(_ context.Context, id string) (domain.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return domain.Post{}, f.getErr
	}
	p, ok := f.byID[id]
	if !ok {
		return domain.Post{}, domain.ErrNotFound
	}
	return p, nil
}

func (f *fakePosts) CreatePost(_ context.Context, authorID, content string) (domain.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := domain.Post{
		ID:        "new-" + content,
		AuthorID:  authorID,
		Content:   content,
		CreatedAt: baseTime,
		Author:    &domain.Author{ID: authorID, Username: authorID},
	}
	f.created = append(f.created, p)
	return p, nil
}

func (f *fakePosts) DeletePost(_ context.Context, id, authorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteFn != nil {
		if err := f.deleteFn(id, authorID); err != nil {
			return err
		}
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakePosts) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

type memberCall struct {
	add     bool
	kind    domain.MembershipKind
	postID  string
	release chan error
}

type fakeMembers struct {
	mu    sync.Mutex
	sets  map[domain.MembershipKind][]string
	err   error
	gate  bool
	calls chan memberCall
	log   []memberCall
}

func newFakeMembers() *fakeMembers {
	return &fakeMembers{
		sets:  make(map[domain.MembershipKind][]string),
		calls: make(chan memberCall, 16),
	}
}

func (f *fakeMembers) ListMemberships(_ context.Context, kind domain.MembershipKind, _ string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]string(nil), f.sets[kind]...), nil
}

func (f *fakeMembers) AddMembership(_ context.Context, kind domain.MembershipKind, _, postID string) error {
	return f.mutate(true, kind, postID)
}

func (f *fakeMembers) RemoveMembership(_ context.Context, kind domain.MembershipKind, _, postID string) error {
	return f.mutate(false, kind, postID)
}

func (f *fakeMembers) mutate(add bool, kind domain.MembershipKind, postID string) error {
	call := memberCall{add: add, kind: kind, postID: postID, release: make(chan error, 1)}
	f.mu.Lock()
	f.log = append(f.log, call)
	gate, err := f.gate, f.err
	f.mu.Unlock()
	if gate {
		f.calls <- call
		return <-call.release
	}
	return err
}

type fakeFollows struct {
	following []string
	err       error
}

func (f fakeFollows) ListFollowing(context.Context, string) ([]string, error) {
	return f.following, f.err
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []domain.Notice
}

func (n *recordingNotifier) Notify(level domain.NoticeLevel, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, domain.Notice{Level: level, Message: message})
}

func (n *recordingNotifier) levels() []domain.NoticeLevel {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.NoticeLevel, 0, len(n.notices))
	for _, notice := range n.notices {
		out = append(out, notice.Level)
	}
	return out
}

var errBackend = errors.New("backend unavailable")
