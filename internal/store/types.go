package store

// Account is one messaging identity and its persisted connection state.
type Account struct {
	ID                   string
	Namespace            string
	Phone                string
	Status               string
	LastDisconnectReason string
	LastDisconnectAt     int64
	RetryCount           int
	NextRetryAt          int64 // 0 means no retry is scheduled
	ConnectedAt          int64
	DeviceJID            string // pointer to persisted session credentials
	LastRecentSyncAt     int64
	LastRecentSyncResult *RecentSyncResult
	CreatedAt            int64
	UpdatedAt            int64
}

// HasCredentials reports whether the account has a paired device.
func (a *Account) HasCredentials() bool {
	return a.DeviceJID != ""
}

// AccountState is the connection state written on every transition.
type AccountState struct {
	Status               string
	LastDisconnectReason string
	LastDisconnectAt     int64
	RetryCount           int
	NextRetryAt          int64
	ConnectedAt          int64
}

// RecentSyncResult summarizes one gap-filler run.
type RecentSyncResult struct {
	OK           bool   `json:"ok"`
	Threads      int    `json:"threads"`
	Messages     int    `json:"messages"`
	Errors       int    `json:"errors"`
	DurationMs   int64  `json:"durationMs"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Lease is a time-bounded exclusive claim on a resource.
type Lease struct {
	ResourceID string
	HolderID   string
	Until      int64
	AcquiredAt int64
}

// Thread is a conversation between an account and one peer.
type Thread struct {
	ID                 string `json:"id"`
	AccountID          string `json:"accountId"`
	PeerAddress        string `json:"peerAddress"`
	DisplayName        string `json:"displayName"`
	LastMessageAt      int64  `json:"lastMessageAt"`
	LastMessagePreview string `json:"lastMessagePreview"`
}

const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Message sources.
const (
	SourceLive       = "live"
	SourceHistory    = "history"
	SourceRecentSync = "recent_sync"
	SourceOutbox     = "outbox"
)

// Message is a stored message. ID is the identity key: the network id when
// known, otherwise a content fingerprint.
type Message struct {
	ThreadID         string `json:"threadId"`
	ID               string `json:"id"`
	AccountID        string `json:"accountId"`
	NetworkMessageID string `json:"networkMessageId,omitempty"`
	ClientMessageID  string `json:"clientMessageId,omitempty"`
	Direction        string `json:"direction"`
	Sender           string `json:"sender"`
	Body             string `json:"body"`
	MessageType      string `json:"messageType"`
	Status           string `json:"status"`
	Source           string `json:"source"`
	Timestamp        int64  `json:"timestamp"`
}

// Outbox statuses.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxEntry represents an outbound send request.
type OutboxEntry struct {
	ID               string `json:"id"`
	AccountID        string `json:"accountId"`
	ThreadID         string `json:"threadId"`
	ToAddress        string `json:"toAddress"`
	Body             string `json:"body"`
	ClientMessageID  string `json:"clientMessageId,omitempty"`
	Status           string `json:"status"`
	AttemptCount     int    `json:"attemptCount"`
	MaxAttempts      int    `json:"maxAttempts"`
	LeaseUntil       int64  `json:"leaseUntil,omitempty"`
	LeaseHolder      string `json:"leaseHolder,omitempty"`
	NextAttemptAt    int64  `json:"nextAttemptAt,omitempty"`
	LastError        string `json:"lastError,omitempty"`
	NetworkMessageID string `json:"networkMessageId,omitempty"`
	SentAt           int64  `json:"sentAt,omitempty"`
	CreatedAt        int64  `json:"createdAt"`
	UpdatedAt        int64  `json:"updatedAt"`
}

// Terminal reports whether the entry can no longer change.
func (e *OutboxEntry) Terminal() bool {
	return e.Status == OutboxSent || e.Status == OutboxFailed
}

// Incident is a deduplicated operational problem for one account.
type Incident struct {
	ID              string         `json:"id"`
	AccountID       string         `json:"accountId"`
	Type            string         `json:"type"`
	Active          bool           `json:"active"`
	FirstDetectedAt int64          `json:"firstDetectedAt"`
	LastCheckedAt   int64          `json:"lastCheckedAt"`
	ResolvedAt      int64          `json:"resolvedAt,omitempty"`
	Evidence        map[string]any `json:"evidence,omitempty"`
	Instructions    string         `json:"instructions,omitempty"`
}

// Heartbeat is one liveness record of an instance.
type Heartbeat struct {
	ID             string
	InstanceID     string
	Timestamp      int64
	UptimeSec      int64
	ConnectedCount int
	Build          string
}
