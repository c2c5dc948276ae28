package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestAuthorDisplayName(t *testing.T) {
	tests := []struct {
		name   string
		author *Author
		want   string
	}{
		{name: "nil author", author: nil, want: "Unknown user"},
		{name: "username wins", author: &Author{Username: "robin", Email: "r@example.com"}, want: "robin"},
		{name: "email fallback", author: &Author{Email: "r@example.com"}, want: "r@example.com"},
		{name: "blank fields", author: &Author{Username: "  "}, want: "Unknown user"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.author.DisplayName(); got != tt.want {
				t.Fatalf("DisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPostValidate(t *testing.T) {
	ok := Post{ID: "p1", AuthorID: "u1", Content: "hi", CreatedAt: time.Now()}
	if err := ok.Validate(); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if ok.Renderable() {
		t.Fatalf("пост без автора не должен считаться готовым к отрисовке")
	}
	ok.Author = &Author{ID: "u1"}
	if !ok.Renderable() {
		t.Fatalf("пост с автором должен быть готов к отрисовке")
	}

	broken := []Post{
		{AuthorID: "u1", CreatedAt: time.Now()},
		{ID: "p1", CreatedAt: time.Now()},
		{ID: "p1", AuthorID: "u1"},
	}
	for i, p := range broken {
		if err := p.Validate(); !errors.Is(err, ErrInvalidRecord) {
			t.Fatalf("case %d: ожидали ErrInvalidRecord, получили %v", i, err)
		}
	}
}

func TestChangeEventRecordID(t *testing.T) {
	insert := ChangeEvent{Kind: ChangeInsert, Record: json.RawMessage(`{"id":"new"}`)}
	if got := insert.RecordID(); got != "new" {
		t.Fatalf("ожидали new, получили %q", got)
	}
	del := ChangeEvent{Kind: ChangeDelete, Record: json.RawMessage(`null`), OldRecord: json.RawMessage(`{"id":"old"}`)}
	if got := del.RecordID(); got != "old" {
		t.Fatalf("ожидали old, получили %q", got)
	}
	if got := (ChangeEvent{Kind: ChangeUpdate}).RecordID(); got != "" {
		t.Fatalf("ожидали пустой id, получили %q", got)
	}
}

func TestChangeEventField(t *testing.T) {
	ev := ChangeEvent{Kind: ChangeDelete, OldRecord: json.RawMessage(`{"id":"s1","user_id":"u1"}`)}
	if got := ev.Field("user_id"); got != "u1" {
		t.Fatalf("ожидали u1, получили %q", got)
	}
}

func TestParseScopeKind(t *testing.T) {
	cases := map[string]ScopeKind{
		"":           ScopeEveryone,
		" Following": ScopeFollowing,
		"mine":       ScopeMine,
		"SAVED":      ScopeSaved,
	}
	for input, want := range cases {
		got, ok := ParseScopeKind(input)
		if !ok || got != want {
			t.Fatalf("ParseScopeKind(%q) = %q, %v; want %q", input, got, ok, want)
		}
	}
	if _, ok := ParseScopeKind("trending"); ok {
		t.Fatalf("ожидали отказ для неизвестного фильтра")
	}
}

func TestSessionExpired(t *testing.T) {
	now := time.Now()
	var missing *Session
	if !missing.Expired(now, 0) {
		t.Fatalf("nil-сессия считается истёкшей")
	}
	s := &Session{ExpiresAt: now.Add(30 * time.Second)}
	if s.Expired(now, 0) {
		t.Fatalf("сессия ещё действует")
	}
	if !s.Expired(now, time.Minute) {
		t.Fatalf("с запасом в минуту сессию пора обновлять")
	}
}
