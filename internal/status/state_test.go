package status

import "testing"

func TestHappyPath(t *testing.T) {
	m := NewMachine()
	if m.Current() != Connecting {
		t.Fatalf("initial state = %s, want CONNECTING", m.Current())
	}
	for _, s := range []State{Authenticated, Online, Disconnected} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if m.Current() != Disconnected {
		t.Errorf("final state = %s, want DISCONNECTED", m.Current())
	}
}

func TestRejectedHandshake(t *testing.T) {
	m := NewMachine()
	if err := m.Transition(Disconnected); err != nil {
		t.Fatalf("Connecting -> Disconnected should be allowed: %v", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	m := NewMachine()
	if err := m.Transition(Online); err == nil {
		t.Error("Connecting -> Online should be rejected")
	}
	_ = m.Transition(Authenticated)
	if err := m.Transition(Connecting); err == nil {
		t.Error("Authenticated -> Connecting should be rejected")
	}
	_ = m.Transition(Online)
	_ = m.Transition(Disconnected)
	if err := m.Transition(Online); err == nil {
		t.Error("Disconnected is terminal")
	}
}
