package sessions

import (
	"testing"
	"time"
)

func TestConnectStartsInConnectedState(t *testing.T) {
	m := NewMachine(Timeouts{})
	s := m.Connect("node-1")
	if s.State != StateConnected {
		t.Fatalf("State = %v; want connected", s.State)
	}
}

func TestValidTransitionSequence(t *testing.T) {
	m := NewMachine(Timeouts{})
	m.Connect("node-1")

	res := m.HandleEvent("node-1", EventIdleTimeout)
	if !res.Valid || res.To != StateIdle {
		t.Fatalf("res = %+v; want valid -> idle", res)
	}

	res = m.HandleEvent("node-1", EventSuspendTimeout)
	if !res.Valid || res.To != StateSuspended {
		t.Fatalf("res = %+v; want valid -> suspended", res)
	}

	res = m.HandleEvent("node-1", EventReconnect)
	if !res.Valid || res.To != StateConnected {
		t.Fatalf("res = %+v; want valid -> connected", res)
	}
	s, _ := m.Get("node-1")
	if s.ReconnectCount != 1 {
		t.Fatalf("ReconnectCount = %d; want 1", s.ReconnectCount)
	}
}

func TestInvalidTransitionLeavesStateUnchanged(t *testing.T) {
	m := NewMachine(Timeouts{})
	m.Connect("node-1")

	res := m.HandleEvent("node-1", EventReconnect) // connected has no reconnect transition
	if res.Valid {
		t.Fatalf("res = %+v; want invalid", res)
	}
	s, _ := m.Get("node-1")
	if s.State != StateConnected {
		t.Fatalf("State = %v; want still connected", s.State)
	}
}

func TestDisconnectRemovesSession(t *testing.T) {
	m := NewMachine(Timeouts{})
	cleaned := false
	m.OnCleanup(func(nodeID string) { cleaned = true })
	m.Connect("node-1")

	m.HandleEvent("node-1", EventDisconnect)

	if _, ok := m.Get("node-1"); ok {
		t.Fatal("session should be removed after disconnect")
	}
	if !cleaned {
		t.Fatal("cleanup callback should have run")
	}
}

func TestIdleTimerFiresIdleTimeout(t *testing.T) {
	m := NewMachine(Timeouts{SessionTimeout: 10 * time.Millisecond})
	transitioned := make(chan TransitionResult, 1)
	m.OnTransition(func(r TransitionResult) {
		if r.Event == EventIdleTimeout {
			transitioned <- r
		}
	})
	m.Connect("node-1")

	select {
	case r := <-transitioned:
		if r.To != StateIdle {
			t.Fatalf("r.To = %v; want idle", r.To)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("idle timer never fired")
	}
}

func TestUnknownNodeReturnsInvalid(t *testing.T) {
	m := NewMachine(Timeouts{})
	res := m.HandleEvent("ghost", EventActivity)
	if res.Valid {
		t.Fatal("expected invalid for unknown node")
	}
}
