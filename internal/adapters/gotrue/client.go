package gotrue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
)

// RefreshLeeway — запас до истечения токена, при котором он обновляется.
const RefreshLeeway = 30 * time.Second

// Client реализует domain.AuthProvider для одной клиентской сессии,
// хранящейся в SessionStore под ключом key.
type Client struct {
	api    *API
	store  domain.SessionStore
	key    string
	ttl    time.Duration
	secret []byte
	log    zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	listeners map[int]domain.AuthListener
	nextID    int
}

var _ domain.AuthProvider = (*Client)(nil)

// NewClient создаёт провайдер для ключа сессии. secret включает проверку
// подписи access token.
func NewClient(api *API, store domain.SessionStore, key string, ttl time.Duration, secret []byte, log zerolog.Logger) *Client {
	return &Client{
		api:       api,
		store:     store,
		key:       key,
		ttl:       ttl,
		secret:    secret,
		log:       log,
		now:       time.Now,
		listeners: make(map[int]domain.AuthListener),
	}
}

// GetSession возвращает сохранённую сессию, обновляя истекающий токен.
// Отсутствие сессии — (nil, nil).
func (c *Client) GetSession(ctx context.Context) (*domain.Session, error) {
	sess, err := c.store.Load(ctx, c.key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sess.Expired(c.now(), RefreshLeeway) {
		if sess.RefreshToken == "" {
			_ = c.store.Delete(ctx, c.key)
			return nil, nil
		}
		refreshed, err := c.api.RefreshGrant(ctx, sess.RefreshToken)
		if err != nil {
			if errors.Is(err, ErrInvalidCredentials) {
				_ = c.store.Delete(ctx, c.key)
				c.emit(domain.AuthSignedOut, nil)
				return nil, nil
			}
			return nil, fmt.Errorf("обновление токена: %w", err)
		}
		if err := c.persist(ctx, refreshed); err != nil {
			return nil, err
		}
		c.emit(domain.AuthTokenRefreshed, refreshed)
		return refreshed, nil
	}
	if len(c.secret) > 0 {
		if _, err := ParseAccessToken(sess.AccessToken, c.secret); err != nil {
			c.log.Warn().Err(err).Msg("gotrue: сохранённый токен отклонён")
			_ = c.store.Delete(ctx, c.key)
			return nil, nil
		}
	}
	return sess, nil
}

// OnAuthStateChange регистрирует слушателя.
func (c *Client) OnAuthStateChange(fn domain.AuthListener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// SignInWithPassword выполняет вход и сохраняет сессию.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*domain.Session, error) {
	sess, err := c.api.PasswordGrant(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if err := c.persist(ctx, sess); err != nil {
		return nil, err
	}
	c.emit(domain.AuthSignedIn, sess)
	return sess, nil
}

// SignUp регистрирует пользователя. При автоподтверждении сразу входит.
func (c *Client) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*domain.Identity, error) {
	id, sess, err := c.api.SignUp(ctx, email, password, metadata)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		if err := c.persist(ctx, sess); err != nil {
			return nil, err
		}
		c.emit(domain.AuthSignedIn, sess)
	}
	return id, nil
}

// SignInWithOAuth готовит переход к провайдеру с PKCE.
func (c *Client) SignInWithOAuth(_ context.Context, provider, redirectTo string) (domain.OAuthRedirect, error) {
	verifier, challenge, err := newPKCE()
	if err != nil {
		return domain.OAuthRedirect{}, fmt.Errorf("pkce: %w", err)
	}
	return domain.OAuthRedirect{URL: c.api.AuthorizeURL(provider, redirectTo, challenge), Verifier: verifier}, nil
}

// ExchangeCode завершает вход через провайдера.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier string) (*domain.Session, error) {
	sess, err := c.api.PKCEGrant(ctx, code, verifier)
	if err != nil {
		return nil, err
	}
	if err := c.persist(ctx, sess); err != nil {
		return nil, err
	}
	c.emit(domain.AuthSignedIn, sess)
	return sess, nil
}

// SignOut отзывает сессию на сервере и удаляет её локально. Ошибка
// сервера не мешает локальному выходу.
func (c *Client) SignOut(ctx context.Context) error {
	sess, err := c.store.Load(ctx, c.key)
	if err == nil && sess != nil && sess.AccessToken != "" {
		if err := c.api.Logout(ctx, sess.AccessToken); err != nil {
			c.log.Warn().Err(err).Msg("gotrue: logout на сервере не выполнен")
		}
	}
	if err := c.store.Delete(ctx, c.key); err != nil {
		return fmt.Errorf("удаление сессии: %w", err)
	}
	c.emit(domain.AuthSignedOut, nil)
	return nil
}

func (c *Client) persist(ctx context.Context, sess *domain.Session) error {
	if err := c.store.Save(ctx, c.key, sess, c.ttl); err != nil {
		return fmt.Errorf("сохранение сессии: %w", err)
	}
	return nil
}

func (c *Client) emit(event domain.AuthEvent, sess *domain.Session) {
	c.mu.Lock()
	listeners := make([]domain.AuthListener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(event, sess)
	}
}
