// Package view превращает посты и профили в карточки для веба и терминала.
package view

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
	"github.com/iemedia/ChirpNestSSR/internal/usecase/feed"
	"github.com/iemedia/ChirpNestSSR/internal/usecase/profile"
)

// ExcerptLimit — длина текста, после которой карточка показывает отрывок.
const ExcerptLimit = 140

const (
	unnamedUser = "Unnamed User"
	defaultBio  = "Sharing vibes, tweets, and sometimes memes 🐥"
	avatarSeed  = "User"
)

// PostCard — готовая к отрисовке карточка поста.
type PostCard struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Author    string    `json:"author"`
	AvatarURL string    `json:"avatar_url"`
	Content   string    `json:"content"`
	Excerpt   string    `json:"excerpt,omitempty"`
	Long      bool      `json:"long"`
	CreatedAt time.Time `json:"created_at"`
	Ago       string    `json:"ago"`
	Likes     *int      `json:"likes,omitempty"`
	Saves     *int      `json:"saves,omitempty"`
	Liked     bool      `json:"liked"`
	Saved     bool      `json:"saved"`
	Mine      bool      `json:"mine"`
}

// Feed — карточки ленты вместе с флагами пагинации.
type Feed struct {
	Scope   domain.ScopeKind `json:"scope"`
	Posts   []PostCard       `json:"posts"`
	HasMore bool             `json:"has_more"`
	Loading bool             `json:"loading"`
	Version uint64           `json:"version"`
	Error   string           `json:"error,omitempty"`
}

// NewPostCard строит карточку поста для зрителя.
func NewPostCard(p domain.Post, viewerID string, liked, saved bool, now time.Time) PostCard {
	name := p.Author.DisplayName()
	long := len([]rune(p.Content)) > ExcerptLimit
	card := PostCard{
		ID:        p.ID,
		AuthorID:  p.AuthorID,
		Author:    name,
		AvatarURL: profile.AvatarURL(name),
		Content:   p.Content,
		Long:      long,
		CreatedAt: p.CreatedAt,
		Ago:       humanize.RelTime(p.CreatedAt, now, "ago", "from now"),
		Likes:     p.LikeCount,
		Saves:     p.SaveCount,
		Liked:     liked,
		Saved:     saved,
		Mine:      viewerID != "" && viewerID == p.AuthorID,
	}
	if long {
		card.Excerpt = Excerpt(p.Content, ExcerptLimit)
	}
	return card
}

// FromSnapshot строит ленту из снимка Store.
func FromSnapshot(s feed.Snapshot, now time.Time) Feed {
	out := Feed{
		Scope:   s.Scope,
		Posts:   make([]PostCard, 0, len(s.Posts)),
		HasMore: s.HasMore,
		Loading: s.Loading,
		Version: s.Version,
	}
	if s.Err != nil {
		out.Error = "Failed to load posts"
	}
	for _, p := range s.Posts {
		out.Posts = append(out.Posts, NewPostCard(p, s.ViewerID, s.Liked[p.ID], s.Saved[p.ID], now))
	}
	return out
}

// Excerpt обрезает текст до limit символов, предпочитая границу строки,
// затем границу слова, и добавляет многоточие.
func Excerpt(text string, limit int) string {
	trimmed := strings.TrimSpace(text)
	runes := []rune(trimmed)
	if limit <= 0 || len(runes) <= limit {
		return trimmed
	}

	split := -1
	for i := limit; i > limit/2; i-- {
		if runes[i-1] == '\n' {
			split = i - 1
			break
		}
	}
	if split == -1 {
		for i := limit; i > limit/2; i-- {
			if runes[i] == ' ' || runes[i] == '\n' {
				split = i
				break
			}
		}
	}
	if split == -1 {
		split = limit
	}
	return strings.TrimRight(string(runes[:split]), " \n") + "…"
}

// ProfileCard — карточка профиля в боковой панели.
type ProfileCard struct {
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
	Bio       string `json:"bio"`
	Joined    string `json:"joined"`
}

// NewProfileCard применяет значения по умолчанию к профилю.
func NewProfileCard(p domain.Profile) ProfileCard {
	card := ProfileCard{
		Username:  p.Username,
		AvatarURL: p.AvatarURL,
		Bio:       strings.TrimSpace(p.Bio),
		Joined:    "Joined ChirpNest",
	}
	if strings.TrimSpace(card.Username) == "" {
		card.Username = unnamedUser
	}
	if !strings.HasPrefix(card.AvatarURL, "http") {
		seed := p.Username
		if seed == "" {
			seed = avatarSeed
		}
		card.AvatarURL = profile.AvatarURL(seed)
	}
	if card.Bio == "" {
		card.Bio = defaultBio
	}
	if !p.CreatedAt.IsZero() {
		card.Joined = "Joined " + p.CreatedAt.Format("January 2006")
	}
	return card
}
