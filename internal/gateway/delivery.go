package gateway

import (
	"sync"
	"sync/atomic"
	"time"
)

// PendingMessage is an in-flight, delivery-tracked message awaiting ack.
type PendingMessage struct {
	MessageID   uint64
	NodeID      string
	Payload     any
	FirstSentAt time.Time
	LastSentAt  time.Time
	Attempts    int
}

// DeadLetterHandler receives a message whose attempts exceeded maxAttempts.
type DeadLetterHandler func(msg PendingMessage)

// Sender delivers a (possibly redelivered) message to a node's transport.
type Sender func(msg PendingMessage) error

// DeliveryTracker assigns monotonic message ids, tracks in-flight
// delivery-tracked messages per node, and redelivers them on reconnect.
type DeliveryTracker struct {
	mu          sync.Mutex
	nextID      atomic.Uint64
	maxAttempts int
	pending     map[uint64]*PendingMessage
	byNode      map[string][]uint64 // insertion order, preserves relative priority
	onDeadLetter DeadLetterHandler
	onAck       func(nodeID string, messageID uint64)
	send        Sender
}

// NewDeliveryTracker builds a tracker. maxAttempts <= 0 means unlimited.
func NewDeliveryTracker(maxAttempts int, send Sender, onDeadLetter DeadLetterHandler) *DeliveryTracker {
	return &DeliveryTracker{
		maxAttempts:  maxAttempts,
		pending:      make(map[uint64]*PendingMessage),
		byNode:       make(map[string][]uint64),
		onDeadLetter: onDeadLetter,
		send:         send,
	}
}

// Send assigns a new messageId, records the PendingMessage, and delivers it.
func (d *DeliveryTracker) Send(nodeID string, payload any) (uint64, error) {
	id := d.nextID.Add(1)
	now := time.Now()
	msg := &PendingMessage{
		MessageID:   id,
		NodeID:      nodeID,
		Payload:     payload,
		FirstSentAt: now,
		LastSentAt:  now,
		Attempts:    1,
	}

	d.mu.Lock()
	d.pending[id] = msg
	d.byNode[nodeID] = append(d.byNode[nodeID], id)
	d.mu.Unlock()

	if err := d.send(*msg); err != nil {
		return id, err
	}
	return id, nil
}

// OnAck sets a callback fired after a first ack clears a pending message.
// Duplicate acks do not re-fire it.
func (d *DeliveryTracker) OnAck(fn func(nodeID string, messageID uint64)) { d.onAck = fn }

// Ack clears a pending message. Duplicate acks are idempotent no-ops.
func (d *DeliveryTracker) Ack(messageID uint64) {
	d.mu.Lock()
	msg, ok := d.pending[messageID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.pending, messageID)
	d.removeFromNode(msg.NodeID, messageID)
	nodeID := msg.NodeID
	cb := d.onAck
	d.mu.Unlock()

	if cb != nil {
		cb(nodeID, messageID)
	}
}

// Reconnect resends every pending message for nodeID, in original order,
// with an incremented attempt counter. Messages exceeding maxAttempts are
// handed to the dead-letter handler and cleared instead of resent.
func (d *DeliveryTracker) Reconnect(nodeID string) {
	d.mu.Lock()
	ids := append([]uint64(nil), d.byNode[nodeID]...)
	d.mu.Unlock()

	for _, id := range ids {
		d.mu.Lock()
		msg, ok := d.pending[id]
		if !ok {
			d.mu.Unlock()
			continue
		}
		msg.Attempts++
		msg.LastSentAt = time.Now()
		exceeded := d.maxAttempts > 0 && msg.Attempts > d.maxAttempts
		snapshot := *msg
		if exceeded {
			delete(d.pending, id)
			d.removeFromNode(nodeID, id)
		}
		d.mu.Unlock()

		if exceeded {
			if d.onDeadLetter != nil {
				d.onDeadLetter(snapshot)
			}
			continue
		}
		d.send(snapshot)
	}
}

// removeFromNode deletes messageID from byNode[nodeID]. Caller holds mu.
func (d *DeliveryTracker) removeFromNode(nodeID string, messageID uint64) {
	ids := d.byNode[nodeID]
	for i, id := range ids {
		if id == messageID {
			d.byNode[nodeID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(d.byNode[nodeID]) == 0 {
		delete(d.byNode, nodeID)
	}
}

// Pending returns a snapshot of all pending messages for nodeID, in order.
func (d *DeliveryTracker) Pending(nodeID string) []PendingMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := d.byNode[nodeID]
	out := make([]PendingMessage, 0, len(ids))
	for _, id := range ids {
		if msg, ok := d.pending[id]; ok {
			out = append(out, *msg)
		}
	}
	return out
}
