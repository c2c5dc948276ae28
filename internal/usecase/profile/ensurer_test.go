package profile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
	"github.com/iemedia/ChirpNestSSR/internal/infra/cache"
)

type stubProfiles struct {
	existing map[string]domain.Profile
	getErr   error
	created  []domain.Profile
	gets     int
}

func (s *stubProfiles) GetProfile(_ context.Context, id string) (domain.Profile, error) {
	s.gets++
	if s.getErr != nil {
		return domain.Profile{}, s.getErr
	}
	p, ok := s.existing[id]
	if !ok {
		return domain.Profile{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *stubProfiles) CreateProfile(_ context.Context, p domain.Profile) error {
	s.created = append(s.created, p)
	return nil
}

func (s *stubProfiles) UsernameTaken(context.Context, string) (bool, error) { return false, nil }

func TestUsernameFor(t *testing.T) {
	cases := []struct {
		id   domain.Identity
		want string
	}{
		{domain.Identity{Username: "chirpy", Email: "x@y.z"}, "chirpy"},
		{domain.Identity{Email: "alice@example.com"}, "alice"},
		{domain.Identity{}, DefaultUsername},
		{domain.Identity{Username: "  ", Email: "@broken"}, DefaultUsername},
	}
	for _, tc := range cases {
		if got := UsernameFor(tc.id); got != tc.want {
			t.Fatalf("UsernameFor(%+v) = %q, want %q", tc.id, got, tc.want)
		}
	}
}

func TestAvatarURL(t *testing.T) {
	got := AvatarURL("john doe")
	want := "https://api.dicebear.com/7.x/avataaars/svg?seed=john%20doe&backgroundColor=transparent"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestEnsureCreatesMissingProfile(t *testing.T) {
	repo := &stubProfiles{existing: map[string]domain.Profile{}}
	e := NewEnsurer(repo, nil, zerolog.Nop())
	e.now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }

	id := domain.Identity{ID: "u1", Email: "bob@example.com"}
	if err := e.Ensure(context.Background(), id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.created) != 1 {
		t.Fatalf("ожидали создание профиля, создано %d", len(repo.created))
	}
	p := repo.created[0]
	if p.Username != "bob" || p.Bio != "" || p.AvatarURL != AvatarURL("bob") || p.ID != "u1" {
		t.Fatalf("неожиданный профиль %+v", p)
	}

	if err := e.Ensure(context.Background(), id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.gets != 1 {
		t.Fatalf("повторная проверка для той же личности, запросов %d", repo.gets)
	}
}

func TestEnsureKeepsExistingProfile(t *testing.T) {
	repo := &stubProfiles{existing: map[string]domain.Profile{"u1": {ID: "u1", Username: "old"}}}
	e := NewEnsurer(repo, nil, zerolog.Nop())
	if err := e.Ensure(context.Background(), domain.Identity{ID: "u1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.created) != 0 {
		t.Fatalf("существующий профиль не должен перезаписываться")
	}
}

func TestEnsureLookupErrorDoesNotCreate(t *testing.T) {
	repo := &stubProfiles{getErr: errors.New("timeout")}
	e := NewEnsurer(repo, nil, zerolog.Nop())
	if err := e.Ensure(context.Background(), domain.Identity{ID: "u1"}); err == nil {
		t.Fatalf("ожидали ошибку")
	}
	if len(repo.created) != 0 {
		t.Fatalf("при ошибке поиска профиль не создаётся")
	}
}

func TestEnsureGuardSharedAcrossEnsurers(t *testing.T) {
	repo := &stubProfiles{existing: map[string]domain.Profile{}}
	guard := cache.NewMemory()
	id := domain.Identity{ID: "u1", Username: "dup"}

	for i := 0; i < 2; i++ {
		e := NewEnsurer(repo, guard, zerolog.Nop())
		if err := e.Ensure(context.Background(), id); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if repo.gets != 1 || len(repo.created) != 1 {
		t.Fatalf("ожидали одну проверку, gets=%d created=%d", repo.gets, len(repo.created))
	}
}

func TestEnsureCancelledSkipsCreate(t *testing.T) {
	repo := &stubProfiles{existing: map[string]domain.Profile{}}
	e := NewEnsurer(repo, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Ensure(ctx, domain.Identity{ID: "u1"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("ожидали context.Canceled, получили %v", err)
	}
	if len(repo.created) != 0 {
		t.Fatalf("после отмены профиль не создаётся")
	}
}
