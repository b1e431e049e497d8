package status

import (
	"testing"

	"github.com/matheus3301/wafleet/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine("acme-1", Connecting, nil)
	if m.Current() != Connecting {
		t.Errorf("initial state = %s, want connecting", m.Current())
	}

	m = NewMachine("acme-1", State("bogus"), nil)
	if m.Current() != Connecting {
		t.Errorf("unknown initial state = %s, want connecting", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Connecting, QRReady},
		{Connecting, Connected},
		{Connecting, Disconnected},
		{Connecting, NeedsQR},
		{QRReady, Connected},
		{QRReady, NeedsQR},
		{Connected, Disconnected},
		{Connected, NeedsQR},
		{Connected, LoggedOut},
		{Disconnected, Connecting},
		{Disconnected, NeedsQR},
		{NeedsQR, LoggedOut},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine("acme-1", tt.from, nil)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine("acme-1", Connecting, nil)
	if err := m.Transition(Connecting); err == nil {
		t.Error("Transition(connecting -> connecting) should fail")
	}
	m = NewMachine("acme-1", Connected, nil)
	if err := m.Transition(QRReady); err == nil {
		t.Error("Transition(connected -> qr_ready) should fail")
	}
}

// TestTerminalStatesNeverReconnect guards the one-way logout: no transition
// out of needs_qr or logged_out may lead back to connecting.
func TestTerminalStatesNeverReconnect(t *testing.T) {
	for _, from := range []State{NeedsQR, LoggedOut} {
		m := NewMachine("acme-1", from, nil)
		for _, to := range []State{Connecting, QRReady, Connected, Disconnected} {
			if err := m.Transition(to); err == nil {
				t.Errorf("Transition(%s -> %s) should fail", from, to)
			}
		}
		if m.Current() != from {
			t.Errorf("state = %s, want %s (should not have changed)", m.Current(), from)
		}
	}
}

func TestResetLeavesTerminalState(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("account.", 10)
	defer unsub()

	m := NewMachine("acme-1", NeedsQR, b)
	m.Reset(Connecting)
	if m.Current() != Connecting {
		t.Fatalf("state = %s, want connecting", m.Current())
	}

	evt := <-ch
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if !change.Forced || change.From != NeedsQR || change.To != Connecting {
		t.Errorf("change = %+v, want forced needs_qr -> connecting", change)
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("account.", 10)
	defer unsub()

	m := NewMachine("acme-1", Connecting, b)
	if err := m.Transition(QRReady); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindStatusChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindStatusChanged)
	}
	if evt.AccountID != "acme-1" {
		t.Errorf("event account = %q, want acme-1", evt.AccountID)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Connecting || change.To != QRReady || change.Forced {
		t.Errorf("change = %+v, want connecting -> qr_ready", change)
	}
}

// TestReconnectCycle walks connected → disconnected → connecting → connected.
func TestReconnectCycle(t *testing.T) {
	m := NewMachine("acme-1", Connected, nil)

	steps := []State{Disconnected, Connecting, Connected}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
}

// TestFirstPairingLifecycle walks connecting → qr_ready → connected.
func TestFirstPairingLifecycle(t *testing.T) {
	m := NewMachine("acme-1", Connecting, nil)
	for _, s := range []State{QRReady, Connected} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
}
