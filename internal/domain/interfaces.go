package domain

import (
	"context"
	"time"
)

// PostRepo выполняет запросы и мутации над постами.
type PostRepo interface {
	ListPosts(ctx context.Context, q PageQuery) ([]Post, error)
	GetPost(ctx context.Context, id string) (Post, error)
	CreatePost(ctx context.Context, authorID, content string) (Post, error)
	DeletePost(ctx context.Context, id, authorID string) error
}

// MembershipRepo управляет отметками «нравится» и «сохранено».
type MembershipRepo interface {
	ListMemberships(ctx context.Context, kind MembershipKind, userID string) ([]string, error)
	AddMembership(ctx context.Context, kind MembershipKind, userID, postID string) error
	RemoveMembership(ctx context.Context, kind MembershipKind, userID, postID string) error
}

// ProfileRepo читает и создаёт профили.
type ProfileRepo interface {
	GetProfile(ctx context.Context, id string) (Profile, error)
	CreateProfile(ctx context.Context, profile Profile) error
	UsernameTaken(ctx context.Context, username string) (bool, error)
}

// FollowRepo возвращает авторов, на которых подписан пользователь.
type FollowRepo interface {
	ListFollowing(ctx context.Context, userID string) ([]string, error)
}

// ChangeStream открывает подписку на изменения таблиц.
type ChangeStream interface {
	Subscribe(ctx context.Context, tables ...string) (Subscription, error)
}

// Subscription доставляет события до Close. После закрытия канала Events
// причина доступна через Err.
type Subscription interface {
	Events() <-chan ChangeEvent
	Err() error
	Close() error
}

// ChangePublisher пересылает события во внешний транспорт.
type ChangePublisher interface {
	Publish(ctx context.Context, event ChangeEvent) error
}

// AuthListener получает изменения сессии.
type AuthListener func(event AuthEvent, session *Session)

// AuthProvider — внешний провайдер аутентификации.
type AuthProvider interface {
	GetSession(ctx context.Context) (*Session, error)
	OnAuthStateChange(fn AuthListener) (unsubscribe func())
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*Identity, error)
	SignInWithOAuth(ctx context.Context, provider, redirectTo string) (OAuthRedirect, error)
	ExchangeCode(ctx context.Context, code, verifier string) (*Session, error)
	SignOut(ctx context.Context) error
}

// OAuthRedirect содержит адрес провайдера и PKCE verifier для обмена кода.
type OAuthRedirect struct {
	URL      string
	Verifier string
}

// SessionStore хранит сессии между запросами.
type SessionStore interface {
	Load(ctx context.Context, key string) (*Session, error)
	Save(ctx context.Context, key string, session *Session, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Notifier показывает пользователю кратковременные уведомления.
type Notifier interface {
	Notify(level NoticeLevel, message string)
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
}
