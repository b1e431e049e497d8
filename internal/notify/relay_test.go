package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wafleet/internal/bus"
	"github.com/matheus3301/wafleet/internal/config"
	"github.com/matheus3301/wafleet/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type published struct {
	topic string
	key   string
	body  []byte
}

type recorder struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (r *recorder) Publish(_ context.Context, topic, key string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, published{topic: topic, key: key, body: payload})
	return r.err
}

func (r *recorder) Close() error { return nil }

func (r *recorder) all() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.msgs...)
}

func TestNewSelectsDriver(t *testing.T) {
	p, err := New(config.NotifyConfig{Driver: "none"})
	require.NoError(t, err)
	assert.IsType(t, Nop{}, p)

	p, err = New(config.NotifyConfig{Driver: "kafka", Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	assert.IsType(t, &KafkaPublisher{}, p)
	require.NoError(t, p.Close())

	_, err = New(config.NotifyConfig{Driver: "kafka"})
	assert.Error(t, err, "kafka without brokers")

	_, err = New(config.NotifyConfig{Driver: "sqs"})
	assert.Error(t, err)
}

func TestKafkaTopicMapping(t *testing.T) {
	p, err := NewKafkaPublisher([]string{"localhost:9092"}, map[string]string{TopicOutboxSent: "wafleet.outbox"})
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, "wafleet.outbox", p.topic(TopicOutboxSent))
	assert.Equal(t, TopicIncidentOpened, p.topic(TopicIncidentOpened))
}

func TestForwardOutboxOutcome(t *testing.T) {
	rec := &recorder{}
	r := NewRelay(rec, bus.New(), "w1", zap.NewNop())

	r.Forward(context.Background(), bus.Event{
		Kind:      bus.KindOutboxFailed,
		AccountID: "acme-1",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload: store.OutboxEntry{
			ID:              "cm:acme-1:c1",
			ClientMessageID: "c1",
			ToAddress:       "40712000111@s.whatsapp.net",
			Status:          store.OutboxFailed,
			AttemptCount:    6,
			LastError:       "websocket closed",
		},
	})

	msgs := rec.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, TopicOutboxFailed, msgs[0].topic)
	assert.Equal(t, "acme-1", msgs[0].key)

	var env struct {
		Type       string     `json:"type"`
		AccountID  string     `json:"account_id"`
		InstanceID string     `json:"instance_id"`
		Data       OutboxData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].body, &env))
	assert.Equal(t, TopicOutboxFailed, env.Type)
	assert.Equal(t, "w1", env.InstanceID)
	assert.Equal(t, "c1", env.Data.ClientMessageID)
	assert.Equal(t, 6, env.Data.AttemptCount)
	assert.Equal(t, "websocket closed", env.Data.LastError)
}

func TestForwardSkipsUnexpectedPayload(t *testing.T) {
	rec := &recorder{}
	r := NewRelay(rec, bus.New(), "w1", zap.NewNop())

	r.Forward(context.Background(), bus.Event{Kind: bus.KindOutboxSent, Payload: &store.OutboxEntry{}})
	r.Forward(context.Background(), bus.Event{Kind: bus.KindMessageStored, Payload: map[string]string{}})
	assert.Empty(t, rec.all())
}

func TestForwardToleratesPublishErrors(t *testing.T) {
	rec := &recorder{err: errors.New("broker down")}
	r := NewRelay(rec, bus.New(), "w1", zap.NewNop())

	assert.NotPanics(t, func() {
		r.Forward(context.Background(), bus.Event{
			Kind:    bus.KindIncidentOpened,
			Payload: store.Incident{ID: "i1", Type: "disconnect_stuck"},
		})
	})
	assert.Len(t, rec.all(), 1)
}

func TestRelayFollowsBus(t *testing.T) {
	rec := &recorder{}
	b := bus.New()
	r := NewRelay(rec, b, "w1", zap.NewNop())
	r.Start(context.Background())
	defer r.Stop()

	b.Publish(bus.Event{Kind: bus.KindIncidentOpened, AccountID: "acme-1", Payload: store.Incident{ID: "i1", Type: "reconnect_loop"}})
	b.Publish(bus.Event{Kind: bus.KindOutboxSent, AccountID: "acme-1", Payload: store.OutboxEntry{ID: "cm:acme-1:c1", Status: store.OutboxSent}})
	b.Publish(bus.Event{Kind: bus.KindStatusChanged, AccountID: "acme-1"})

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, 2*time.Second, 10*time.Millisecond)

	topics := []string{}
	for _, m := range rec.all() {
		topics = append(topics, m.topic)
	}
	assert.ElementsMatch(t, []string{TopicIncidentOpened, TopicOutboxSent}, topics)
}
