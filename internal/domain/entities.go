package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Author содержит денормализованные поля автора поста.
type Author struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// DisplayName возвращает имя для отображения: username, затем email.
func (a *Author) DisplayName() string {
	if a == nil {
		return "Unknown user"
	}
	if name := strings.TrimSpace(a.Username); name != "" {
		return name
	}
	if email := strings.TrimSpace(a.Email); email != "" {
		return email
	}
	return "Unknown user"
}

// Post представляет сообщение пользователя в ленте.
type Post struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	LikeCount *int      `json:"like_count,omitempty"`
	SaveCount *int      `json:"save_count,omitempty"`
	Author    *Author   `json:"users,omitempty"`
}

// Validate проверяет форму записи, полученной от бэкенда.
func (p Post) Validate() error {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return invalidRecord("id")
	case strings.TrimSpace(p.AuthorID) == "":
		return invalidRecord("user_id")
	case p.CreatedAt.IsZero():
		return invalidRecord("created_at")
	case len([]rune(p.Content)) > MaxPostLength:
		return invalidRecord("content")
	}
	return nil
}

// Renderable сообщает, достаточно ли полей для отрисовки карточки.
func (p Post) Renderable() bool {
	return p.Validate() == nil && p.Author != nil
}

// MaxPostLength ограничивает длину текста поста в символах.
const MaxPostLength = 280

// MembershipKind различает отметки «нравится» и «сохранено».
type MembershipKind string

const (
	// MembershipLike — пост понравился зрителю.
	MembershipLike MembershipKind = "like"
	// MembershipSave — пост сохранён зрителем.
	MembershipSave MembershipKind = "save"
)

// Identity описывает аутентифицированного зрителя.
type Identity struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
}

// Profile хранит публичные поля пользователя.
type Profile struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	AvatarURL string    `json:"avatar_url"`
	Bio       string    `json:"bio"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Session содержит токены и личность, выданные провайдером аутентификации.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Identity     Identity  `json:"user"`
}

// Expired сообщает, истёк ли access token с учётом запаса.
func (s *Session) Expired(now time.Time, leeway time.Duration) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(leeway).Before(s.ExpiresAt)
}

// AuthEvent называет изменение состояния сессии.
type AuthEvent string

const (
	AuthSignedIn       AuthEvent = "SIGNED_IN"
	AuthSignedOut      AuthEvent = "SIGNED_OUT"
	AuthTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
	AuthInitialSession AuthEvent = "INITIAL_SESSION"
)

// ScopeKind задаёт фильтр ленты.
type ScopeKind string

const (
	ScopeEveryone  ScopeKind = "everyone"
	ScopeFollowing ScopeKind = "following"
	ScopeMine      ScopeKind = "mine"
	ScopeSaved     ScopeKind = "saved"
)

// ParseScopeKind разбирает пользовательский ввод, пустая строка — everyone.
func ParseScopeKind(raw string) (ScopeKind, bool) {
	switch ScopeKind(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ScopeEveryone:
		return ScopeEveryone, true
	case ScopeFollowing:
		return ScopeFollowing, true
	case ScopeMine:
		return ScopeMine, true
	case ScopeSaved:
		return ScopeSaved, true
	}
	return "", false
}

// Scope описывает выборку ленты для конкретного зрителя.
type Scope struct {
	Kind      ScopeKind
	ViewerID  string
	AuthorIDs []string
}

// PageQuery — запрос одной страницы постов по смещению.
type PageQuery struct {
	Scope  Scope
	Offset int
	Limit  int
}

// ChangeKind — тип изменения строки в таблице.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

// ChangeEvent — уведомление об изменении строки, полученное из realtime.
type ChangeEvent struct {
	Schema      string          `json:"schema"`
	Table       string          `json:"table"`
	Kind        ChangeKind      `json:"type"`
	Record      json.RawMessage `json:"record,omitempty"`
	OldRecord   json.RawMessage `json:"old_record,omitempty"`
	CommittedAt time.Time       `json:"commit_timestamp"`
}

// RecordID возвращает id из новой записи, а для удаления — из старой.
func (e ChangeEvent) RecordID() string {
	raw := e.Record
	if e.Kind == ChangeDelete || len(raw) == 0 || string(raw) == "null" {
		raw = e.OldRecord
	}
	var row struct {
		ID string `json:"id"`
	}
	if len(raw) == 0 {
		return ""
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		return ""
	}
	return row.ID
}

// Field извлекает строковое поле из новой (или старой) записи.
func (e ChangeEvent) Field(name string) string {
	for _, raw := range []json.RawMessage{e.Record, e.OldRecord} {
		if len(raw) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(raw, &row); err != nil {
			continue
		}
		if v, ok := row[name].(string); ok {
			return v
		}
	}
	return ""
}

// Таблицы бэкенда, изменения которых интересуют клиента.
const (
	TablePosts      = "posts"
	TableSavedPosts = "saved_posts"
	TableLikes      = "likes"
)

// NoticeLevel — важность уведомления.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeSuccess NoticeLevel = "success"
	NoticeError   NoticeLevel = "error"
)

// Notice — кратковременное сообщение, видимое пользователю.
type Notice struct {
	Seq     uint64      `json:"seq"`
	Level   NoticeLevel `json:"level"`
	Message string      `json:"message"`
	At      time.Time   `json:"at"`
}
