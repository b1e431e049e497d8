package conn

import (
	"context"
	"errors"

	"github.com/matheus3301/wafleet/internal/store"
)

var (
	// ErrNotConnected is returned by Send and FetchRecentHistory when the
	// account has no live session.
	ErrNotConnected = errors.New("account not connected")
	// ErrNotOwner is returned when this instance does not hold the account lease.
	ErrNotOwner = errors.New("account lease not held by this instance")
	// ErrTerminal is returned for operations refused after a terminal logout.
	ErrTerminal = errors.New("account requires re-pairing")
	// ErrHistoryUnavailable is returned by transports that cannot fetch history.
	ErrHistoryUnavailable = errors.New("history fetch unavailable")
)

// EventKind identifies a session lifecycle event.
type EventKind string

const (
	EventQRCode       EventKind = "qr_code"
	EventQRTimeout    EventKind = "qr_timeout"
	EventPaired       EventKind = "paired"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventLoggedOut    EventKind = "logged_out"
)

// Event is a lifecycle event reported by a Session.
type Event struct {
	Kind      EventKind
	Code      string // QR payload for EventQRCode
	DeviceJID string // paired device for EventPaired
	Reason    string // disconnect or logout reason
}

// Transport opens protocol sessions for accounts.
type Transport interface {
	// Open prepares a session for acct. Lifecycle events are delivered to emit
	// from the transport's own goroutines; emit never blocks.
	Open(ctx context.Context, acct store.Account, emit func(Event)) (Session, error)
	// EraseCredentials deletes the persisted credentials of a paired device.
	EraseCredentials(ctx context.Context, deviceJID string) error
}

// Session is one live protocol connection.
type Session interface {
	HasCredentials() bool
	// Connect starts connecting. Without credentials it starts pairing and
	// reports QR codes as events.
	Connect(ctx context.Context) error
	Disconnect()
	// Logout revokes the device on the remote side.
	Logout(ctx context.Context) error
	Send(ctx context.Context, to, body string) (networkMessageID string, err error)
	FetchRecentHistory(ctx context.Context, anchor HistoryAnchor, limit int) ([]HistoryMessage, error)
}

// HistoryAnchor is the newest known message of a thread. History requests
// return messages older than it.
type HistoryAnchor struct {
	Peer      string
	MessageID string
	FromMe    bool
	Timestamp int64
}

// HistoryMessage is one message returned by a history fetch.
type HistoryMessage struct {
	NetworkMessageID string
	FromMe           bool
	Sender           string
	Body             string
	MessageType      string
	Timestamp        int64
}
