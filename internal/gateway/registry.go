package gateway

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nxlb/turnplane/internal/immutablemap"
)

// ErrAlreadyRegistered is returned by Register when nodeID is already live.
var ErrAlreadyRegistered = errors.New("gateway: node already registered")

// ErrNodeNotFound is returned when an operation targets an unknown node.
var ErrNodeNotFound = errors.New("gateway: node not found")

// Dispatcher delivers a Message to its target node's transport.
type Dispatcher func(msg Message) error

// RegisteredNode is a live worker node's registry record.
type RegisteredNode struct {
	NodeID         string
	Capabilities   []string
	Principal      string
	ConnectedAt    time.Time
	ReconnectCount int
}

// Registry tracks live worker nodes and their dispatchers. Reads are
// lock-free snapshots of an immutable map; writes swap the reference.
type Registry struct {
	nodes       atomic.Pointer[immutablemap.Map[string, RegisteredNode]]
	dispatchers atomic.Pointer[immutablemap.Map[string, Dispatcher]]
}

// NewRegistry builds an empty node Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := immutablemap.Empty[string, RegisteredNode]()
	r.nodes.Store(&empty)
	emptyD := immutablemap.Empty[string, Dispatcher]()
	r.dispatchers.Store(&emptyD)
	return r
}

// Register adds nodeID with the given capabilities and dispatcher. Fails
// with ErrAlreadyRegistered if the id is already live.
func (r *Registry) Register(nodeID, principal string, capabilities []string, dispatch Dispatcher) error {
	nodes := r.nodes.Load()
	if _, ok := nodes.Get(nodeID); ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, nodeID)
	}
	node := RegisteredNode{NodeID: nodeID, Capabilities: capabilities, Principal: principal, ConnectedAt: time.Now()}
	next := nodes.Set(nodeID, node)
	r.nodes.Store(&next)

	dispatchers := r.dispatchers.Load()
	nextD := dispatchers.Set(nodeID, dispatch)
	r.dispatchers.Store(&nextD)
	return nil
}

// Deregister removes nodeID. Returns ErrNodeNotFound if absent. Callers are
// responsible for also clearing any channel bindings to the node (the
// Router does this via UnbindNode).
func (r *Registry) Deregister(nodeID string) error {
	nodes := r.nodes.Load()
	if _, ok := nodes.Get(nodeID); !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	next := nodes.Delete(nodeID)
	r.nodes.Store(&next)

	dispatchers := r.dispatchers.Load()
	nextD := dispatchers.Delete(nodeID)
	r.dispatchers.Store(&nextD)
	return nil
}

// Get returns the registered node record.
func (r *Registry) Get(nodeID string) (RegisteredNode, bool) {
	return r.nodes.Load().Get(nodeID)
}

// Dispatcher returns the dispatch function for nodeID.
func (r *Registry) Dispatcher(nodeID string) (Dispatcher, bool) {
	return r.dispatchers.Load().Get(nodeID)
}

// Rebind swaps nodeID's dispatcher for a new transport, used when a node
// reconnects on a fresh connection. No-op for unknown nodes.
func (r *Registry) Rebind(nodeID string, dispatch Dispatcher) {
	if _, ok := r.nodes.Load().Get(nodeID); !ok {
		return
	}
	dispatchers := r.dispatchers.Load()
	next := dispatchers.Set(nodeID, dispatch)
	r.dispatchers.Store(&next)
}

// Touch updates a node's reconnect counter on successful reconnect.
func (r *Registry) Touch(nodeID string) {
	nodes := r.nodes.Load()
	node, ok := nodes.Get(nodeID)
	if !ok {
		return
	}
	node.ReconnectCount++
	next := nodes.Set(nodeID, node)
	r.nodes.Store(&next)
}

// List returns a snapshot of all live node ids.
func (r *Registry) List() []string {
	return r.nodes.Load().Keys()
}

// Len reports the number of live nodes.
func (r *Registry) Len() int {
	return r.nodes.Load().Len()
}
