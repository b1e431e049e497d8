package wa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/wafleet/internal/bus"
	"github.com/matheus3301/wafleet/internal/conn"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

var errHistoryPending = errors.New("history request already pending for chat")

// Session is one whatsmeow client bound to an account.
type Session struct {
	accountID string
	client    *whatsmeow.Client
	emit      func(conn.Event)
	bus       *bus.Bus
	logger    *zap.Logger
	history   *historyWaiters
}

// HasCredentials reports whether the device is paired.
func (s *Session) HasCredentials() bool {
	return s.client.Store.ID != nil
}

// Connect opens the websocket. Without credentials the QR channel is opened
// first and pairing progress is reported as events.
func (s *Session) Connect(ctx context.Context) error {
	if !s.HasCredentials() {
		qrChan, err := s.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get QR channel: %w", err)
		}
		go s.watchQR(qrChan)
	}
	s.logger.Info("connecting to WhatsApp")
	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (s *Session) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			s.emit(conn.Event{Kind: conn.EventQRCode, Code: item.Code})
		case "success":
			var device string
			if id := s.client.Store.ID; id != nil {
				device = id.String()
			}
			s.emit(conn.Event{Kind: conn.EventPaired, DeviceJID: device})
			return
		case "timeout":
			s.emit(conn.Event{Kind: conn.EventQRTimeout})
			return
		default:
			reason := conn.ReasonConnectError + ":" + strings.TrimPrefix(item.Event, "err-")
			if item.Event == "err-client-outdated" {
				reason = conn.ReasonClientOutdated
			}
			if item.Error != nil {
				s.logger.Warn("pairing failed", zap.String("event", item.Event), zap.Error(item.Error))
			}
			s.emit(conn.Event{Kind: conn.EventDisconnected, Reason: reason})
			return
		}
	}
}

// Disconnect closes the websocket without touching credentials.
func (s *Session) Disconnect() {
	s.client.Disconnect()
}

// Logout unlinks the device on the phone.
func (s *Session) Logout(ctx context.Context) error {
	return s.client.Logout(ctx)
}

// Send sends a text message to a JID. Returns the server message ID.
func (s *Session) Send(ctx context.Context, to, body string) (string, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	resp, err := s.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(body),
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.ID, nil
}

// FetchRecentHistory asks the primary device for up to limit messages older
// than anchor and waits for the on-demand history sync that answers it.
func (s *Session) FetchRecentHistory(ctx context.Context, anchor conn.HistoryAnchor, limit int) ([]conn.HistoryMessage, error) {
	if !s.client.IsConnected() || s.client.Store.ID == nil {
		return nil, conn.ErrNotConnected
	}
	if anchor.MessageID == "" {
		return nil, fmt.Errorf("%w: no anchor message", conn.ErrHistoryUnavailable)
	}
	chat, err := types.ParseJID(anchor.Peer)
	if err != nil {
		return nil, fmt.Errorf("parse JID: %w", err)
	}

	key := chat.ToNonAD().String()
	ch, err := s.history.register(key)
	if err != nil {
		return nil, err
	}
	defer s.history.unregister(key)

	req := s.client.BuildHistorySyncRequest(&types.MessageInfo{
		MessageSource: types.MessageSource{Chat: chat, IsFromMe: anchor.FromMe},
		ID:            anchor.MessageID,
		Timestamp:     time.UnixMilli(anchor.Timestamp),
	}, limit)
	if _, err := s.client.SendMessage(ctx, s.client.Store.ID.ToNonAD(), req, whatsmeow.SendRequestExtra{Peer: true}); err != nil {
		return nil, fmt.Errorf("send history request: %w", err)
	}

	select {
	case msgs := <-ch:
		return msgs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// historyWaiters pairs on-demand history responses with pending requests.
type historyWaiters struct {
	mu      sync.Mutex
	pending map[string]chan []conn.HistoryMessage
}

func newHistoryWaiters() *historyWaiters {
	return &historyWaiters{pending: make(map[string]chan []conn.HistoryMessage)}
}

func (w *historyWaiters) register(chat string) (<-chan []conn.HistoryMessage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[chat]; ok {
		return nil, errHistoryPending
	}
	ch := make(chan []conn.HistoryMessage, 1)
	w.pending[chat] = ch
	return ch, nil
}

func (w *historyWaiters) unregister(chat string) {
	w.mu.Lock()
	delete(w.pending, chat)
	w.mu.Unlock()
}

// deliver hands msgs to the request pending for chat. Returns false if none.
func (w *historyWaiters) deliver(chat string, msgs []conn.HistoryMessage) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.pending[chat]
	if !ok {
		return false
	}
	select {
	case ch <- msgs:
	default:
	}
	return true
}
