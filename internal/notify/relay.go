package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/wafleet/internal/bus"
	"github.com/matheus3301/wafleet/internal/store"
	"go.uber.org/zap"
)

// Envelope is the JSON body of every notification.
type Envelope struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	AccountID  string    `json:"account_id"`
	InstanceID string    `json:"instance_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// OutboxData describes an outbox outcome.
type OutboxData struct {
	EntryID          string `json:"entry_id"`
	ClientMessageID  string `json:"client_message_id"`
	To               string `json:"to"`
	Status           string `json:"status"`
	AttemptCount     int    `json:"attempt_count"`
	NetworkMessageID string `json:"network_message_id,omitempty"`
	LastError        string `json:"last_error,omitempty"`
}

// IncidentData describes an incident transition.
type IncidentData struct {
	IncidentID   string         `json:"incident_id,omitempty"`
	Type         string         `json:"incident_type"`
	Evidence     map[string]any `json:"evidence,omitempty"`
	Instructions string         `json:"instructions,omitempty"`
}

// Relay forwards incident and outbox events from the bus to a Publisher.
type Relay struct {
	publisher  Publisher
	bus        *bus.Bus
	instanceID string
	timeout    time.Duration
	logger     *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates a relay.
func NewRelay(publisher Publisher, b *bus.Bus, instanceID string, logger *zap.Logger) *Relay {
	return &Relay{
		publisher:  publisher,
		bus:        b,
		instanceID: instanceID,
		timeout:    5 * time.Second,
		logger:     logger.Named("notify"),
	}
}

// Start subscribes to the bus and forwards events until Stop.
func (r *Relay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	incidents, unsubIncidents := r.bus.Subscribe("incident.", 256)
	outbox, unsubOutbox := r.bus.Subscribe("outbox.", 256)

	go func() {
		defer close(r.done)
		defer unsubIncidents()
		defer unsubOutbox()
		for {
			select {
			case evt := <-incidents:
				r.Forward(ctx, evt)
			case evt := <-outbox:
				r.Forward(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops forwarding. Events still buffered are dropped.
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

// Forward publishes one bus event. Events with an unexpected payload are
// skipped; publish failures are logged and not retried.
func (r *Relay) Forward(ctx context.Context, evt bus.Event) {
	data, ok := payloadData(evt)
	if !ok {
		return
	}
	body, err := json.Marshal(Envelope{
		ID:         uuid.NewString(),
		Type:       evt.Kind,
		AccountID:  evt.AccountID,
		InstanceID: r.instanceID,
		OccurredAt: evt.Timestamp.UTC(),
		Data:       data,
	})
	if err != nil {
		r.logger.Error("failed to encode notification", zap.String("type", evt.Kind), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.publisher.Publish(ctx, evt.Kind, evt.AccountID, body); err != nil {
		r.logger.Warn("failed to publish notification",
			zap.String("type", evt.Kind),
			zap.String("account", evt.AccountID),
			zap.Error(err))
	}
}

func payloadData(evt bus.Event) (any, bool) {
	switch evt.Kind {
	case TopicOutboxSent, TopicOutboxFailed:
		e, ok := evt.Payload.(store.OutboxEntry)
		if !ok {
			return nil, false
		}
		return OutboxData{
			EntryID:          e.ID,
			ClientMessageID:  e.ClientMessageID,
			To:               e.ToAddress,
			Status:           e.Status,
			AttemptCount:     e.AttemptCount,
			NetworkMessageID: e.NetworkMessageID,
			LastError:        e.LastError,
		}, true
	case TopicIncidentOpened, TopicIncidentResolved:
		inc, ok := evt.Payload.(store.Incident)
		if !ok {
			return nil, false
		}
		return IncidentData{
			IncidentID:   inc.ID,
			Type:         inc.Type,
			Evidence:     inc.Evidence,
			Instructions: inc.Instructions,
		}, true
	}
	return nil, false
}
