package gateway

import (
	"errors"
	"testing"

	"github.com/nxlb/turnplane/internal/sessions"
	"github.com/nxlb/turnplane/pkg/protocol"
)

func newRoutedRegistry(t *testing.T, nodeID string) (*Registry, *[]Message) {
	t.Helper()
	var dispatched []Message
	r := NewRegistry()
	if err := r.Register(nodeID, "p", nil, func(msg Message) error {
		dispatched = append(dispatched, msg)
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return r, &dispatched
}

func TestRoutePrefersBindingResolverOverChannelBinding(t *testing.T) {
	registry, dispatched := newRoutedRegistry(t, "node-1")
	resolver := NewBindingResolver([]Binding{{AgentID: "support", Match: MatchPattern{"channelId": "discord-*"}}})
	router := NewRouter(registry, WithBindingResolver(resolver, func(agentID string) (string, bool) {
		if agentID == "support" {
			return "node-1", true
		}
		return "", false
	}))
	router.BindChannel("discord-general", "node-should-not-be-used")

	nodeID, err := router.Route(RoutingContext{ChannelID: "discord-general"}, Message{Lane: protocol.LaneCollect})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if nodeID != "node-1" {
		t.Fatalf("expected binding resolver to win, got %q", nodeID)
	}
	if len(*dispatched) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(*dispatched))
	}
}

func TestRouteFallsBackToChannelBinding(t *testing.T) {
	registry, _ := newRoutedRegistry(t, "node-1")
	router := NewRouter(registry)
	router.BindChannel("telegram-1", "node-1")

	nodeID, err := router.Route(RoutingContext{ChannelID: "telegram-1"}, Message{})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if nodeID != "node-1" {
		t.Fatalf("expected node-1, got %q", nodeID)
	}
}

func TestRouteNoBindingSurfacesError(t *testing.T) {
	registry, _ := newRoutedRegistry(t, "node-1")
	router := NewRouter(registry)

	_, err := router.Route(RoutingContext{ChannelID: "unbound"}, Message{})
	if !errors.Is(err, ErrNoBinding) {
		t.Fatalf("expected ErrNoBinding, got %v", err)
	}
}

func TestRouteWithScopeDoesNotBindConversationOnFailedRoute(t *testing.T) {
	registry := NewRegistry() // no nodes registered, so dispatch will fail
	conv := NewConversationBindings(10, 0)
	router := NewRouter(registry, WithConversationBindings(conv), WithDefaultScope(protocol.ScopePerChannel))
	router.BindChannel("chan", "absent-node")

	_, err := router.RouteWithScope(RoutingContext{ChannelID: "chan"}, Message{}, "agent-1")
	if err == nil {
		t.Fatal("expected routing to fail for an unregistered node")
	}
	if conv.Len() != 0 {
		t.Fatal("expected no conversation binding created on failed route")
	}
}

func TestRouteWithScopeBindsConversationOnSuccess(t *testing.T) {
	registry, _ := newRoutedRegistry(t, "node-1")
	conv := NewConversationBindings(10, 0)
	router := NewRouter(registry, WithConversationBindings(conv), WithDefaultScope(protocol.ScopePerChannelPeer))
	router.BindChannel("chan-1", "node-1")

	result, err := router.RouteWithScope(RoutingContext{ChannelID: "chan-1", PeerID: "peer-1"}, Message{}, "agent-1")
	if err != nil {
		t.Fatalf("routeWithScope: %v", err)
	}
	if conv.Len() != 1 {
		t.Fatal("expected one conversation binding recorded")
	}
	if bound, ok := conv.Get(result.Scope.Key); !ok || bound != "node-1" {
		t.Fatalf("expected conversation key bound to node-1, got %q ok=%v", bound, ok)
	}
}

func TestRouteDispatchesThroughDeliveryTracker(t *testing.T) {
	registry, dispatched := newRoutedRegistry(t, "node-1")
	delivery := NewDeliveryTracker(3, func(msg PendingMessage) error {
		dispatch, ok := registry.Dispatcher(msg.NodeID)
		if !ok {
			t.Fatalf("no dispatcher for %q", msg.NodeID)
		}
		return dispatch(msg.Payload.(Message))
	}, nil)
	router := NewRouter(registry, WithDelivery(delivery))
	router.BindChannel("chan-1", "node-1")

	if _, err := router.Route(RoutingContext{ChannelID: "chan-1"}, Message{Body: "work"}); err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(*dispatched) != 1 {
		t.Fatalf("expected dispatch via delivery tracker, got %d", len(*dispatched))
	}
	if pending := delivery.Pending("node-1"); len(pending) != 1 {
		t.Fatalf("expected one pending delivery-tracked message, got %d", len(pending))
	}
}

func TestRouteWithScopeNotifiesDegradationHandler(t *testing.T) {
	registry, _ := newRoutedRegistry(t, "node-1")
	var got sessions.ScopeResult
	router := NewRouter(registry,
		WithDefaultScope(protocol.ScopePerChannelPeer),
		WithDegradationHandler(func(result sessions.ScopeResult) { got = result }),
	)
	router.BindChannel("chan-1", "node-1")

	// PeerID omitted: per-channel-peer degrades to per-channel.
	_, err := router.RouteWithScope(RoutingContext{ChannelID: "chan-1"}, Message{}, "agent-1")
	if err != nil {
		t.Fatalf("routeWithScope: %v", err)
	}
	if !got.Degraded || len(got.Warnings) == 0 {
		t.Fatalf("expected degradation handler notified, got %+v", got)
	}
}
