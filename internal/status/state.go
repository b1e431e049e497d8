package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/wafleet/internal/bus"
)

// State is the connection status of one account.
type State string

const (
	Connecting   State = "connecting"
	QRReady      State = "qr_ready"
	Connected    State = "connected"
	Disconnected State = "disconnected"
	NeedsQR      State = "needs_qr"
	LoggedOut    State = "logged_out"
)

// validTransitions defines allowed state transitions. The terminal states only
// leave through Reset, which re-pairing uses.
var validTransitions = map[State][]State{
	Connecting:   {QRReady, Connected, Disconnected, NeedsQR, LoggedOut},
	QRReady:      {Connected, NeedsQR, Disconnected},
	Connected:    {Disconnected, NeedsQR, LoggedOut},
	Disconnected: {Connecting, NeedsQR, LoggedOut},
	NeedsQR:      {LoggedOut},
	LoggedOut:    {},
}

// Terminal reports whether s requires operator re-pairing before any reconnect.
func Terminal(s State) bool {
	return s == NeedsQR || s == LoggedOut
}

// Valid reports whether s is a known state.
func Valid(s State) bool {
	_, ok := validTransitions[s]
	return ok
}

// Machine tracks and enforces the connection state transitions of one account.
type Machine struct {
	mu        sync.RWMutex
	accountID string
	current   State
	bus       *bus.Bus
}

// NewMachine creates a state machine for accountID starting in the given state.
// Unknown states start as Connecting.
func NewMachine(accountID string, initial State, b *bus.Bus) *Machine {
	if !Valid(initial) {
		initial = Connecting
	}
	return &Machine{
		accountID: accountID,
		current:   initial,
		bus:       b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	m.set(to, false)
	return nil
}

// Reset moves to any state without checking the transition table.
// Used for operator re-pairing and when adopting an account from another instance.
func (m *Machine) Reset(to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == to {
		return
	}
	m.set(to, true)
}

func (m *Machine) set(to State, forced bool) {
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStatusChanged,
			AccountID: m.accountID,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From:   from,
				To:     to,
				Forced: forced,
			},
		})
	}
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From   State `json:"from"`
	To     State `json:"to"`
	Forced bool  `json:"forced"`
}
