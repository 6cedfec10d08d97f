package gateway

import "testing"

func TestBindEvictsOldestAtCapacity(t *testing.T) {
	c := NewConversationBindings(2, 0)
	c.Bind("a", "node-1")
	c.Bind("b", "node-1")
	c.Bind("c", "node-1") // evicts "a"

	if _, ok := c.Get("a"); ok {
		t.Fatal("expected oldest entry evicted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatal("expected b to survive")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("expected c to be present")
	}
}

func TestRebindMovesEntryToBack(t *testing.T) {
	c := NewConversationBindings(2, 0)
	c.Bind("a", "node-1")
	c.Bind("b", "node-1")
	c.Bind("a", "node-2") // rebinding "a" should make "b" the oldest
	c.Bind("c", "node-1") // evicts "b", not "a"

	if _, ok := c.Get("b"); ok {
		t.Fatal("expected b evicted as the true oldest")
	}
	nodeID, ok := c.Get("a")
	if !ok || nodeID != "node-2" {
		t.Fatalf("expected a rebound to node-2, got %q ok=%v", nodeID, ok)
	}
}

func TestSoftLimitFiresExactlyOnce(t *testing.T) {
	c := NewConversationBindings(10, 2)
	var fired int
	c.OnSoftLimit(func(size, capacity int) { fired++ })

	c.Bind("a", "node-1")
	c.Bind("b", "node-1")
	c.Bind("c", "node-1")
	c.Bind("d", "node-1")

	if fired != 1 {
		t.Fatalf("expected soft limit to fire exactly once, fired %d times", fired)
	}
}
