package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/wafleet/internal/bus"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API listens on an operator address; browsers on other origins may watch it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamEvent is one bus event as written to a websocket client.
type StreamEvent struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	AccountID string `json:"accountId,omitempty"`
	Timestamp int64  `json:"ts"`
	Payload   any    `json:"payload,omitempty"`
}

// events streams bus events of this instance over a websocket. ?kind= narrows
// the stream to a kind prefix and ?account= to one account.
func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	account := r.URL.Query().Get("account")

	var (
		ch    <-chan bus.Event
		unsub func()
	)
	if account != "" {
		ch, unsub = h.bus.SubscribeAccount(kind, account, 256)
	} else {
		ch, unsub = h.bus.Subscribe(kind, 256)
	}
	defer unsub()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket", zap.Error(err))
		return
	}
	defer func() { _ = ws.Close() }()

	logger := h.logger.With(zap.String("remote", r.RemoteAddr), zap.String("kind", kind), zap.String("account", account))
	logger.Info("event stream opened")
	defer logger.Info("event stream closed")

	// Reads only serve to notice the client going away and to receive pongs.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		ws.SetReadLimit(512)
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case evt := <-ch:
			data, err := json.Marshal(StreamEvent{
				ID:        uuid.NewString(),
				Kind:      evt.Kind,
				AccountID: evt.AccountID,
				Timestamp: evt.Timestamp.UnixMilli(),
				Payload:   evt.Payload,
			})
			if err != nil {
				logger.Warn("failed to encode event", zap.String("event", evt.Kind), zap.Error(err))
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-h.closing:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping")
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
			return
		case <-r.Context().Done():
			return
		}
	}
}
