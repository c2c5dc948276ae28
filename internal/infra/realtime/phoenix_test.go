package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func TestWebsocketURL(t *testing.T) {
	got, err := websocketURL("https://demo.supabase.co", "anon")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "wss://demo.supabase.co/realtime/v1/websocket?apikey=anon&vsn=1.0.0"
	if got != want {
		t.Fatalf("url = %s, want %s", got, want)
	}
	got, _ = websocketURL("http://localhost:4000/socket/websocket", "k")
	if !strings.HasPrefix(got, "ws://localhost:4000/socket/websocket?") {
		t.Fatalf("explicit websocket path must be kept: %s", got)
	}
}

func TestJoinPayloadListsTables(t *testing.T) {
	var payload struct {
		Config struct {
			PostgresChanges []map[string]string `json:"postgres_changes"`
		} `json:"config"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(joinPayload("public", "tok", []string{"posts", "saved_posts"}), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.AccessToken != "tok" {
		t.Fatalf("access token = %q", payload.AccessToken)
	}
	changes := payload.Config.PostgresChanges
	if len(changes) != 2 || changes[0]["table"] != "posts" || changes[1]["table"] != "saved_posts" {
		t.Fatalf("unexpected changes: %v", changes)
	}
	if changes[0]["event"] != "*" || changes[0]["schema"] != "public" {
		t.Fatalf("unexpected filter: %v", changes[0])
	}
}

func TestPhoenixSubscribeDeliversChanges(t *testing.T) {
	upgrader := websocket.Upgrader{}
	joined := make(chan phxMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("apikey") != "anon" {
			http.Error(w, "no key", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var join phxMessage
		if err := conn.ReadJSON(&join); err != nil {
			return
		}
		joined <- join
		reply := map[string]any{
			"topic":   join.Topic,
			"event":   eventReply,
			"ref":     *join.Ref,
			"payload": map[string]any{"status": "ok", "response": map[string]any{}},
		}
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
		for _, table := range []string{"likes", "posts"} {
			msg := map[string]any{
				"topic": join.Topic,
				"event": eventPostgres,
				"ref":   nil,
				"payload": map[string]any{
					"data": map[string]any{
						"schema": "public",
						"table":  table,
						"type":   "INSERT",
						"record": map[string]any{"id": table + "-1"},
					},
				},
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
		// держим соединение, пока клиент не закроет его
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	p, err := NewPhoenix(srv.URL, "anon", zerolog.Nop())
	if err != nil {
		t.Fatalf("new phoenix: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := p.Subscribe(ctx, "posts")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	join := <-joined
	if join.Event != eventJoin || join.Topic != phoenixTopic {
		t.Fatalf("unexpected join message: %+v", join)
	}

	select {
	case ev := <-sub.Events():
		if ev.Table != "posts" || ev.RecordID() != "posts-1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for range sub.Events() {
	}
	if sub.Err() != nil {
		t.Fatalf("closed subscription err = %v", sub.Err())
	}
}

func TestPhoenixJoinRejected(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var join phxMessage
		if err := conn.ReadJSON(&join); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"topic":   join.Topic,
			"event":   eventReply,
			"ref":     *join.Ref,
			"payload": map[string]any{"status": "error", "response": map[string]any{"reason": "unauthorized"}},
		})
	}))
	defer srv.Close()

	p, err := NewPhoenix(srv.URL, "anon", zerolog.Nop())
	if err != nil {
		t.Fatalf("new phoenix: %v", err)
	}
	if _, err := p.Subscribe(context.Background(), "posts"); err == nil {
		t.Fatal("expected join error")
	}
}
