package gateway

import (
	"testing"

	"github.com/nxlb/turnplane/pkg/protocol"
)

func TestEnqueueRespectsCapacityAndOverflowHook(t *testing.T) {
	b := NewBuffer(map[string]int{protocol.LaneSteer: 1})
	b.OnOverflow(func(lane string, dropped Message) OverflowDecision { return DropOldest })

	if err := b.Enqueue(protocol.LaneSteer, Message{MessageID: "1", Lane: protocol.LaneSteer}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := b.Enqueue(protocol.LaneSteer, Message{MessageID: "2", Lane: protocol.LaneSteer}); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}

	got := b.Peek(protocol.LaneSteer)
	if len(got) != 1 || got[0].MessageID != "2" {
		t.Fatalf("expected oldest dropped, got %+v", got)
	}
}

func TestEnqueueRejectsWithoutOverflowHook(t *testing.T) {
	b := NewBuffer(map[string]int{protocol.LaneCollect: 1})
	if err := b.Enqueue(protocol.LaneCollect, Message{MessageID: "1", Lane: protocol.LaneCollect}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := b.Enqueue(protocol.LaneCollect, Message{MessageID: "2", Lane: protocol.LaneCollect}); err == nil {
		t.Fatal("expected overflow error without a hook")
	}
}

func TestDrainOrdersByLanePriority(t *testing.T) {
	b := NewBuffer(map[string]int{protocol.LaneSteer: 10, protocol.LaneCollect: 10, protocol.LaneFollowup: 10})
	b.Enqueue(protocol.LaneFollowup, Message{MessageID: "f"})
	b.Enqueue(protocol.LaneCollect, Message{MessageID: "c"})
	b.Enqueue(protocol.LaneSteer, Message{MessageID: "s"})

	drained := b.Drain()
	if len(drained) != 3 || drained[0].MessageID != "s" || drained[1].MessageID != "c" || drained[2].MessageID != "f" {
		t.Fatalf("unexpected drain order: %+v", drained)
	}
	if len(b.Drain()) != 0 {
		t.Fatal("expected buffer empty after drain")
	}
}

func TestPreemptHookFiresForSteerWithInFlightWork(t *testing.T) {
	b := NewBuffer(map[string]int{protocol.LaneSteer: 10})
	var preempted string
	b.OnPreempt(func(nodeID, inFlight string) bool {
		preempted = inFlight
		return true
	})
	b.SetInFlight("node-1", "in-flight-msg")
	b.Enqueue(protocol.LaneSteer, Message{NodeID: "node-1", MessageID: "new"})

	if preempted != "in-flight-msg" {
		t.Fatalf("expected preempt hook to observe in-flight message, got %q", preempted)
	}
}
