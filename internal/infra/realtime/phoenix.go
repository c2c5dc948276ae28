package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
	"github.com/iemedia/ChirpNestSSR/internal/infra/metrics"
)

const (
	phoenixTopic       = "realtime:chirpnest"
	phoenixSystemTopic = "phoenix"
	phoenixHeartbeat   = 25 * time.Second
	phoenixJoinWait    = 10 * time.Second
	phoenixWriteWait   = 10 * time.Second

	eventPostgres  = "postgres_changes"
	eventReply     = "phx_reply"
	eventJoin      = "phx_join"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
)

// Phoenix подписывается на изменения через websocket realtime-сервиса
// бэкенда (протокол Phoenix channels, событие postgres_changes).
type Phoenix struct {
	url       string
	apiKey    string
	schema    string
	heartbeat time.Duration
	dialer    *websocket.Dialer
	log       zerolog.Logger
}

var _ domain.ChangeStream = (*Phoenix)(nil)

type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
}

type phxReply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// NewPhoenix строит адрес websocket из базового адреса бэкенда.
func NewPhoenix(baseURL, apiKey string, log zerolog.Logger) (*Phoenix, error) {
	wsURL, err := websocketURL(baseURL, apiKey)
	if err != nil {
		return nil, err
	}
	return &Phoenix{
		url:       wsURL,
		apiKey:    apiKey,
		schema:    "public",
		heartbeat: phoenixHeartbeat,
		dialer:    websocket.DefaultDialer,
		log:       log,
	}, nil
}

func websocketURL(baseURL, apiKey string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime/v1/websocket"
	}
	q := u.Query()
	q.Set("apikey", apiKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func joinPayload(schema, token string, tables []string) json.RawMessage {
	changes := make([]map[string]string, 0, len(tables))
	for _, t := range tables {
		changes = append(changes, map[string]string{"event": "*", "schema": schema, "table": t})
	}
	if len(changes) == 0 {
		changes = append(changes, map[string]string{"event": "*", "schema": schema})
	}
	raw, _ := json.Marshal(map[string]any{
		"config": map[string]any{
			"broadcast":        map[string]bool{"self": false},
			"presence":         map[string]string{"key": ""},
			"postgres_changes": changes,
		},
		"access_token": token,
	})
	return raw
}

// decodeChange достаёт изменение из сообщения postgres_changes.
func decodeChange(payload json.RawMessage) (domain.ChangeEvent, error) {
	var wrapper struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &wrapper); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if len(wrapper.Data) == 0 {
		return Decode(payload)
	}
	return Decode(wrapper.Data)
}

type phxConn struct {
	ws  *websocket.Conn
	mu  sync.Mutex
	ref atomic.Int64
}

func (c *phxConn) send(topic, event string, payload json.RawMessage) (string, error) {
	ref := strconv.FormatInt(c.ref.Add(1), 10)
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	msg := phxMessage{Topic: topic, Event: event, Payload: payload, Ref: &ref}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(phoenixWriteWait)); err != nil {
		return "", err
	}
	return ref, c.ws.WriteJSON(msg)
}

// Subscribe открывает соединение и присоединяется к каналу с фильтром таблиц.
func (p *Phoenix) Subscribe(ctx context.Context, tables ...string) (domain.Subscription, error) {
	start := time.Now()
	ws, _, err := p.dialer.DialContext(ctx, p.url, nil)
	metrics.ObserveNetworkRequest("realtime", "dial", "websocket", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to realtime: %w", err)
	}
	conn := &phxConn{ws: ws}

	joinRef, err := conn.send(phoenixTopic, eventJoin, joinPayload(p.schema, p.apiKey, tables))
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("join: %w", err)
	}
	if err := awaitJoin(ws, joinRef); err != nil {
		_ = ws.Close()
		return nil, err
	}
	p.log.Debug().Strs("tables", tables).Msg("realtime: канал подключён")

	sub := newSubscription(ws.Close)
	filter := newTableFilter(tables)
	done := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(done) }) }

	go func() {
		ticker := time.NewTicker(p.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := conn.send(phoenixSystemTopic, eventHeartbeat, nil); err != nil {
					p.log.Warn().Err(err).Msg("realtime: heartbeat не отправлен")
					_ = sub.Close()
					return
				}
			case <-ctx.Done():
				_ = sub.Close()
				return
			case <-done:
				return
			}
		}
	}()

	go func() {
		defer stop()
		for {
			var msg phxMessage
			if err := ws.ReadJSON(&msg); err != nil {
				if sub.closed() || ctx.Err() != nil {
					sub.finish(nil)
				} else {
					sub.finish(fmt.Errorf("read error: %w", err))
				}
				return
			}
			switch msg.Event {
			case eventPostgres:
				ev, err := decodeChange(msg.Payload)
				if err != nil {
					p.log.Warn().Err(err).Msg("realtime: некорректное изменение")
					continue
				}
				if !filter.accept(ev.Table) {
					continue
				}
				if !sub.deliver(ev) {
					sub.finish(nil)
					return
				}
			case eventError, eventClose:
				if msg.Topic == phoenixTopic {
					sub.finish(fmt.Errorf("realtime: канал закрыт сервером (%s)", msg.Event))
					_ = sub.Close()
					return
				}
			}
		}
	}()
	return sub, nil
}

func awaitJoin(ws *websocket.Conn, ref string) error {
	if err := ws.SetReadDeadline(time.Now().Add(phoenixJoinWait)); err != nil {
		return err
	}
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()
	for {
		var msg phxMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return fmt.Errorf("ожидание phx_reply: %w", err)
		}
		if msg.Event != eventReply || msg.Ref == nil || *msg.Ref != ref {
			continue
		}
		var reply phxReply
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			return fmt.Errorf("разбор phx_reply: %w", err)
		}
		if reply.Status != "ok" {
			return errors.New("realtime: join отклонён: " + string(reply.Response))
		}
		return nil
	}
}
