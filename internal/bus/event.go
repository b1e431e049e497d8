package bus

import "time"

// Event kinds. Subscribers match on prefix, so "account." receives every
// account event.
const (
	KindStatusChanged = "account.status_changed"
	KindLoggedOut     = "account.logged_out"
	KindQRCode        = "account.qr"

	KindInboundMessage = "wa.message"
	KindHistoryBatch   = "wa.history_batch"

	KindMessageStored = "message.stored"

	KindOutboxSent   = "outbox.sent"
	KindOutboxFailed = "outbox.failed"

	KindIncidentOpened   = "incident.opened"
	KindIncidentResolved = "incident.resolved"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	AccountID string
	Timestamp time.Time
	Payload   any
}
