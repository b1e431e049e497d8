package wa

import (
	"fmt"

	"github.com/matheus3301/wafleet/internal/bus"
	"github.com/matheus3301/wafleet/internal/conn"
	"github.com/matheus3301/wafleet/internal/store"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// keepAliveFailureLimit is how many consecutive keepalive failures count as a
// lost connection.
const keepAliveFailureLimit = 3

// lifecycleEvent maps whatsmeow connection events to session lifecycle events.
// The second result is false for events that do not affect the connection.
func lifecycleEvent(rawEvt any) (conn.Event, bool) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		return conn.Event{Kind: conn.EventConnected}, true
	case *events.Disconnected:
		return conn.Event{Kind: conn.EventDisconnected, Reason: conn.ReasonConnectionLost}, true
	case *events.StreamReplaced:
		return conn.Event{Kind: conn.EventDisconnected, Reason: conn.ReasonStreamReplaced}, true
	case *events.KeepAliveTimeout:
		if evt.ErrorCount < keepAliveFailureLimit {
			return conn.Event{}, false
		}
		return conn.Event{Kind: conn.EventDisconnected, Reason: conn.ReasonKeepAliveTimeout}, true
	case *events.StreamError:
		return conn.Event{Kind: conn.EventDisconnected, Reason: conn.ReasonStreamError + ":" + evt.Code}, true
	case *events.TemporaryBan:
		return conn.Event{Kind: conn.EventDisconnected, Reason: fmt.Sprintf("%s:%d", conn.ReasonTempBanned, int(evt.Code))}, true
	case *events.ClientOutdated:
		return conn.Event{Kind: conn.EventDisconnected, Reason: conn.ReasonClientOutdated}, true
	case *events.LoggedOut:
		return conn.Event{Kind: conn.EventLoggedOut, Reason: failureReason(evt.Reason)}, true
	case *events.ConnectFailure:
		reason := failureReason(evt.Reason)
		if conn.Classify(reason) == conn.Terminal {
			return conn.Event{Kind: conn.EventLoggedOut, Reason: reason}, true
		}
		return conn.Event{Kind: conn.EventDisconnected, Reason: reason}, true
	}
	return conn.Event{}, false
}

// failureReason maps a server connect failure code to a disconnect reason.
func failureReason(r events.ConnectFailureReason) string {
	switch r {
	case events.ConnectFailureLoggedOut:
		return conn.ReasonLoggedOut
	case events.ConnectFailureMainDeviceGone:
		return conn.ReasonMainDeviceGone
	case events.ConnectFailureUnknownLogout:
		return conn.ReasonUnknownLogout
	case events.ConnectFailureTempBanned:
		return conn.ReasonTempBanned
	case events.ConnectFailureClientOutdated:
		return conn.ReasonClientOutdated
	case events.ConnectFailureInternalServerError:
		return conn.ReasonServerError
	case events.ConnectFailureServiceUnavailable:
		return conn.ReasonServiceDown
	}
	if r.IsLoggedOut() {
		return conn.ReasonUnknownLogout
	}
	return fmt.Sprintf("%sconnect_failure_%d", conn.ReasonUnknownPrefix, int(r))
}

// handle is the whatsmeow event handler of one session. Lifecycle events go
// to the connection manager, message traffic goes to the bus.
func (s *Session) handle(rawEvt any) {
	if evt, ok := lifecycleEvent(rawEvt); ok {
		s.logger.Debug("lifecycle event", zap.String("kind", string(evt.Kind)), zap.String("reason", evt.Reason))
		s.emit(evt)
		return
	}

	switch evt := rawEvt.(type) {
	case *events.Message:
		parsed := ParseLiveMessage(evt)
		s.bus.Publish(bus.Event{
			Kind:      bus.KindInboundMessage,
			AccountID: s.accountID,
			Payload:   parsed.ToStoreMessage(s.accountID, store.SourceLive),
		})
	case *events.HistorySync:
		s.handleHistorySync(evt)
	}
}

func (s *Session) handleHistorySync(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}

	if data.GetSyncType() == waHistorySync.HistorySync_ON_DEMAND {
		for _, conv := range data.GetConversations() {
			var msgs []conn.HistoryMessage
			for _, hm := range conv.GetMessages() {
				if p := ParseHistoryMessage(conv.GetID(), hm.GetMessage()); p != nil {
					msgs = append(msgs, p.ToHistoryMessage())
				}
			}
			if !s.history.deliver(NormalizeJID(conv.GetID()), msgs) {
				s.logger.Debug("on-demand history with no pending request", zap.String("chat", conv.GetID()))
			}
		}
		return
	}

	var msgs []*store.Message
	for _, conv := range data.GetConversations() {
		for _, hm := range conv.GetMessages() {
			if p := ParseHistoryMessage(conv.GetID(), hm.GetMessage()); p != nil {
				msgs = append(msgs, p.ToStoreMessage(s.accountID, store.SourceHistory))
			}
		}
	}
	if len(msgs) > 0 {
		s.bus.Publish(bus.Event{
			Kind:      bus.KindHistoryBatch,
			AccountID: s.accountID,
			Payload:   msgs,
		})
	}
}
