package gateway

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/nxlb/turnplane/internal/immutablemap"
	"github.com/nxlb/turnplane/internal/sessions"
	"github.com/nxlb/turnplane/pkg/protocol"
)

// ErrNoBinding is returned when neither binding-based nor channel-based
// routing has an entry for the message.
var ErrNoBinding = errors.New("gateway: no binding for message")

// ResolveAgentNode maps a resolved agent id to its target node id.
type ResolveAgentNode func(agentID string) (string, bool)

// DegradationHandler is notified when a conversation key was derived from a
// degraded scope.
type DegradationHandler func(result sessions.ScopeResult)

// RouteResult is returned by RouteWithScope.
type RouteResult struct {
	NodeID string
	Scope  sessions.ScopeResult
}

// Router dispatches inbound messages, preferring agent-binding routing over
// legacy channel-based routing, and optionally records a conversation
// binding for subsequent turns in the same conversation.
type Router struct {
	channelBindings atomic.Pointer[immutablemap.Map[string, string]]
	agentScopes     atomic.Pointer[immutablemap.Map[string, protocol.ConversationScope]]

	registry     *Registry
	resolver     *BindingResolver
	resolveAgent ResolveAgentNode
	conversation *ConversationBindings
	delivery     *DeliveryTracker
	defaultScope protocol.ConversationScope
	onDegraded   DegradationHandler
}

// RouterOption configures a Router at construction.
type RouterOption func(*Router)

// WithBindingResolver sets the binding resolver consulted before legacy
// channel-based routing.
func WithBindingResolver(r *BindingResolver, resolveAgent ResolveAgentNode) RouterOption {
	return func(rt *Router) {
		rt.resolver = r
		rt.resolveAgent = resolveAgent
	}
}

// WithConversationBindings sets the conversation-key -> node cache.
func WithConversationBindings(c *ConversationBindings) RouterOption {
	return func(rt *Router) { rt.conversation = c }
}

// WithDelivery routes node-bound dispatch through a DeliveryTracker so every
// routed message is delivery-tracked and redelivered on reconnect.
func WithDelivery(d *DeliveryTracker) RouterOption {
	return func(rt *Router) { rt.delivery = d }
}

// WithDefaultScope sets the conversation scope used absent a per-agent
// override.
func WithDefaultScope(scope protocol.ConversationScope) RouterOption {
	return func(rt *Router) { rt.defaultScope = scope }
}

// WithDegradationHandler sets the callback notified on a degraded scope
// resolution.
func WithDegradationHandler(fn DegradationHandler) RouterOption {
	return func(rt *Router) { rt.onDegraded = fn }
}

// NewRouter builds a Router over registry (used to look up dispatchers).
func NewRouter(registry *Registry, opts ...RouterOption) *Router {
	r := &Router{registry: registry, defaultScope: protocol.ScopePerChannelPeer}
	empty := immutablemap.Empty[string, string]()
	r.channelBindings.Store(&empty)
	emptyScopes := immutablemap.Empty[string, protocol.ConversationScope]()
	r.agentScopes.Store(&emptyScopes)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BindChannel creates or replaces a legacy channelId -> nodeId binding.
func (r *Router) BindChannel(channelID, nodeID string) {
	bindings := r.channelBindings.Load()
	next := bindings.Set(channelID, nodeID)
	r.channelBindings.Store(&next)
}

// UnbindChannel removes a channel binding.
func (r *Router) UnbindChannel(channelID string) {
	bindings := r.channelBindings.Load()
	next := bindings.Delete(channelID)
	r.channelBindings.Store(&next)
}

// UnbindNode removes every channel binding pointing at nodeID, called when
// the node deregisters.
func (r *Router) UnbindNode(nodeID string) {
	bindings := r.channelBindings.Load()
	next := bindings.Filter(func(_ string, target string) bool { return target != nodeID })
	r.channelBindings.Store(&next)
}

// SetAgentScope overrides the conversation scope used for a specific agent.
func (r *Router) SetAgentScope(agentID string, scope protocol.ConversationScope) {
	scopes := r.agentScopes.Load()
	next := scopes.Set(agentID, scope)
	r.agentScopes.Store(&next)
}

// Route implements the precedence rule: binding resolver first (if
// configured and it matches), then legacy channel binding. Dispatch failure
// surfaces ErrNodeNotFound/ErrNoBinding.
func (r *Router) Route(ctx RoutingContext, msg Message) (string, error) {
	var nodeID string

	if r.resolver != nil {
		if agentID, ok := r.resolver.Resolve(ctx); ok {
			nid, ok := r.resolveAgent(agentID)
			if !ok {
				return "", fmt.Errorf("%w: agent %q", ErrNodeNotFound, agentID)
			}
			nodeID = nid
		}
	}

	if nodeID == "" {
		bindings := r.channelBindings.Load()
		nid, ok := bindings.Get(ctx.ChannelID)
		if !ok {
			return "", fmt.Errorf("%w: channel %q", ErrNoBinding, ctx.ChannelID)
		}
		nodeID = nid
	}

	dispatch, ok := r.registry.Dispatcher(nodeID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	msg.NodeID = nodeID
	if r.delivery != nil {
		if _, err := r.delivery.Send(nodeID, msg); err != nil {
			return "", err
		}
		return nodeID, nil
	}
	if err := dispatch(msg); err != nil {
		return "", err
	}
	return nodeID, nil
}

// RouteWithScope computes the conversation key for (agentID, ctx), routes
// the message, and, only on successful dispatch, binds the conversation
// key to the resolved node.
func (r *Router) RouteWithScope(ctx RoutingContext, msg Message, agentID string) (RouteResult, error) {
	scope := r.defaultScope
	if override, ok := r.agentScopes.Load().Get(agentID); ok {
		scope = override
	}

	scopeResult := sessions.ResolveConversationKey(sessions.ScopeInput{
		Scope:       scope,
		AgentID:     agentID,
		ChannelID:   ctx.ChannelID,
		PeerID:      ctx.PeerID,
		AccountID:   ctx.AccountID,
		GroupID:     ctx.GroupID,
		MessageType: ctx.MessageType,
	})

	nodeID, err := r.Route(ctx, msg)
	if err != nil {
		return RouteResult{}, err
	}

	if r.conversation != nil {
		r.conversation.Bind(scopeResult.Key, nodeID)
	}
	if scopeResult.Degraded && r.onDegraded != nil {
		r.onDegraded(scopeResult)
	}
	return RouteResult{NodeID: nodeID, Scope: scopeResult}, nil
}
