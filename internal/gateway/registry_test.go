package gateway

import (
	"errors"
	"testing"
)

func TestRegisterRejectsDuplicateNodeID(t *testing.T) {
	r := NewRegistry()
	dispatch := func(msg Message) error { return nil }

	if err := r.Register("node-1", "principal-a", nil, dispatch); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := r.Register("node-1", "principal-b", nil, dispatch)
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestDeregisterRemovesDispatcherAndNode(t *testing.T) {
	r := NewRegistry()
	r.Register("node-1", "p", nil, func(msg Message) error { return nil })

	if err := r.Deregister("node-1"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if _, ok := r.Get("node-1"); ok {
		t.Fatal("expected node to be gone")
	}
	if _, ok := r.Dispatcher("node-1"); ok {
		t.Fatal("expected dispatcher to be gone")
	}
}

func TestDeregisterUnknownNodeIsNotFound(t *testing.T) {
	r := NewRegistry()
	if err := r.Deregister("ghost"); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
}

func TestTouchIncrementsReconnectCount(t *testing.T) {
	r := NewRegistry()
	r.Register("node-1", "p", nil, func(msg Message) error { return nil })
	r.Touch("node-1")
	r.Touch("node-1")

	node, ok := r.Get("node-1")
	if !ok {
		t.Fatal("expected node present")
	}
	if node.ReconnectCount != 2 {
		t.Fatalf("expected ReconnectCount 2, got %d", node.ReconnectCount)
	}
}

func TestSetDoesNotMutatePriorSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Register("node-1", "p", nil, func(msg Message) error { return nil })
	before := r.List()
	r.Register("node-2", "p", nil, func(msg Message) error { return nil })

	if len(before) != 1 {
		t.Fatalf("expected snapshot to be unaffected by later registration, got %v", before)
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 live nodes, got %d", r.Len())
	}
}
