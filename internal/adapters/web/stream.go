package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iemedia/ChirpNestSSR/internal/adapters/view"
	"github.com/iemedia/ChirpNestSSR/internal/domain"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
)

// Frame — сообщение потока /api/v1/stream.
type Frame struct {
	Type    string          `json:"type"`
	Feed    *view.Feed      `json:"feed,omitempty"`
	Notices []domain.Notice `json:"notices,omitempty"`
}

// stream держит websocket и отправляет снимок ленты после каждого
// изменения и новые уведомления. Пока соединение открыто, зритель не
// выселяется.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	v := viewerFrom(r)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("web: websocket upgrade не удался")
		return
	}
	defer conn.Close()
	release := v.Acquire()
	defer release()

	feedCh, stopFeed := v.Store().Watch()
	defer stopFeed()
	noticeCh, stopNotices := v.Notices().Watch()
	defer stopNotices()

	// читатель нужен для обработки pong и close от клиента
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	lastNotice := v.Notices().Last()
	send := func(f Frame) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(f); err != nil {
			h.log.Debug().Err(err).Msg("web: websocket запись не удалась")
			return false
		}
		return true
	}
	sendFeed := func() bool {
		f := view.FromSnapshot(v.Store().Snapshot(), h.now())
		return send(Frame{Type: "feed", Feed: &f})
	}

	if !sendFeed() {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case _, ok := <-feedCh:
			if !ok || !sendFeed() {
				return
			}
		case _, ok := <-noticeCh:
			if !ok {
				return
			}
			fresh := v.Notices().Since(lastNotice)
			if len(fresh) == 0 {
				continue
			}
			lastNotice = fresh[len(fresh)-1].Seq
			if !send(Frame{Type: "notice", Notices: fresh}) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
