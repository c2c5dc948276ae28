package profile

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
	"github.com/iemedia/ChirpNestSSR/internal/infra/metrics"
)

// DefaultUsername используется, если нет ни имени в метаданных, ни email.
const DefaultUsername = "anonymous"

// DefaultGuardTTL — время, в течение которого проверка профиля не повторяется
// другими репликами.
const DefaultGuardTTL = 10 * time.Minute

const avatarBase = "https://api.dicebear.com/7.x/avataaars/svg"

// AvatarURL строит адрес сгенерированного аватара для seed.
func AvatarURL(seed string) string {
	return avatarBase + "?seed=" + strings.ReplaceAll(url.QueryEscape(seed), "+", "%20") + "&backgroundColor=transparent"
}

// UsernameFor выбирает имя по умолчанию: метаданные, затем локальная часть
// email, затем DefaultUsername.
func UsernameFor(id domain.Identity) string {
	if name := strings.TrimSpace(id.Username); name != "" {
		return name
	}
	if at := strings.IndexByte(id.Email, '@'); at > 0 {
		return id.Email[:at]
	}
	if email := strings.TrimSpace(id.Email); email != "" && !strings.Contains(email, "@") {
		return email
	}
	return DefaultUsername
}

// Build собирает профиль по умолчанию для личности.
func Build(id domain.Identity, now time.Time) domain.Profile {
	username := UsernameFor(id)
	return domain.Profile{
		ID:        id.ID,
		Username:  username,
		AvatarURL: AvatarURL(username),
		Bio:       "",
		Email:     id.Email,
		CreatedAt: now.UTC(),
	}
}

// Ensurer создаёт профиль при первом входе пользователя.
type Ensurer struct {
	repo     domain.ProfileRepo
	guard    domain.Cache
	guardTTL time.Duration
	log      zerolog.Logger
	now      func() time.Time

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewEnsurer создаёт Ensurer. guard может быть nil.
func NewEnsurer(repo domain.ProfileRepo, guard domain.Cache, log zerolog.Logger) *Ensurer {
	return &Ensurer{
		repo:     repo,
		guard:    guard,
		guardTTL: DefaultGuardTTL,
		log:      log,
		now:      time.Now,
		seen:     make(map[string]struct{}),
	}
}

// Ensure проверяет наличие профиля и создаёт его при отсутствии. Для одной
// личности проверка выполняется один раз за время жизни Ensurer.
func (e *Ensurer) Ensure(ctx context.Context, id domain.Identity) error {
	if id.ID == "" {
		return nil
	}
	e.mu.Lock()
	if _, ok := e.seen[id.ID]; ok {
		e.mu.Unlock()
		return nil
	}
	e.seen[id.ID] = struct{}{}
	e.mu.Unlock()

	run := func() error { return e.ensure(ctx, id) }
	var err error
	if e.guard != nil {
		err = e.guard.Once(ctx, "chirpnest:profile:ensure:"+id.ID, e.guardTTL, run)
	} else {
		err = run()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		e.log.Error().Err(err).Str("user_id", id.ID).Msg("profile: проверка профиля не удалась")
	}
	return err
}

func (e *Ensurer) ensure(ctx context.Context, id domain.Identity) error {
	_, err := e.repo.GetProfile(ctx, id.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("получение профиля: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p := Build(id, e.now())
	if err := e.repo.CreateProfile(ctx, p); err != nil {
		return fmt.Errorf("создание профиля: %w", err)
	}
	metrics.IncProfileCreated()
	e.log.Info().Str("user_id", id.ID).Str("username", p.Username).Msg("profile: профиль создан")
	return nil
}
