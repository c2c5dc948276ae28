package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/iemedia/ChirpNestSSR/internal/adapters/view"
	"github.com/iemedia/ChirpNestSSR/internal/domain"
)

// Response — формат вывода --format json.
type Response struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

// Renderer печатает карточки в текстовом или JSON виде.
type Renderer struct {
	Format string
	Writer io.Writer
}

func (r Renderer) json() bool { return r.Format == "json" }

func (r Renderer) emit(data any) error {
	enc := json.NewEncoder(r.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(Response{Status: "ok", Data: data})
}

// Feed печатает ленту.
func (r Renderer) Feed(f view.Feed) error {
	if r.json() {
		return r.emit(f)
	}
	if f.Error != "" {
		fmt.Fprintf(r.Writer, "Error: %s\n", f.Error)
	}
	if len(f.Posts) == 0 {
		fmt.Fprintln(r.Writer, "No posts yet.")
		return nil
	}
	for _, card := range f.Posts {
		r.post(card)
	}
	if f.HasMore {
		fmt.Fprintln(r.Writer, "… more posts available (--pages)")
	}
	return nil
}

// Post печатает одну карточку.
func (r Renderer) Post(card view.PostCard) error {
	if r.json() {
		return r.emit(card)
	}
	r.post(card)
	return nil
}

func (r Renderer) post(card view.PostCard) {
	fmt.Fprintf(r.Writer, "%s · %s  [%s]\n", card.Author, card.Ago, card.ID)
	body := card.Content
	if card.Long {
		body = card.Excerpt
	}
	for _, line := range strings.Split(body, "\n") {
		fmt.Fprintf(r.Writer, "  %s\n", line)
	}
	var marks []string
	if card.Likes != nil {
		marks = append(marks, fmt.Sprintf("♥ %d", *card.Likes))
	}
	if card.Saves != nil {
		marks = append(marks, fmt.Sprintf("★ %d", *card.Saves))
	}
	if card.Liked {
		marks = append(marks, "liked")
	}
	if card.Saved {
		marks = append(marks, "saved")
	}
	if card.Mine {
		marks = append(marks, "mine")
	}
	if len(marks) > 0 {
		fmt.Fprintf(r.Writer, "  %s\n", strings.Join(marks, "  "))
	}
	fmt.Fprintln(r.Writer)
}

// Notices печатает уведомления.
func (r Renderer) Notices(notices []domain.Notice) error {
	if r.json() {
		if len(notices) == 0 {
			return nil
		}
		return r.emit(notices)
	}
	for _, n := range notices {
		fmt.Fprintf(r.Writer, "[%s] %s\n", n.Level, n.Message)
	}
	return nil
}

// Profile печатает карточку профиля.
func (r Renderer) Profile(card view.ProfileCard) error {
	if r.json() {
		return r.emit(card)
	}
	fmt.Fprintf(r.Writer, "%s\n  %s\n  %s\n  %s\n", card.Username, card.Bio, card.Joined, card.AvatarURL)
	return nil
}

// Message печатает короткий итог команды.
func (r Renderer) Message(text string) error {
	if r.json() {
		return r.emit(map[string]string{"message": text})
	}
	_, err := fmt.Fprintln(r.Writer, text)
	return err
}
