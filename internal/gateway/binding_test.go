package gateway

import "testing"

func TestResolveFirstMatchWinsInDeclarationOrder(t *testing.T) {
	r := NewBindingResolver([]Binding{
		{AgentID: "support", Match: MatchPattern{"channelId": "discord-*"}},
		{AgentID: "catchall", Match: MatchPattern{}},
	})

	agentID, ok := r.Resolve(RoutingContext{ChannelID: "discord-general"})
	if !ok || agentID != "support" {
		t.Fatalf("expected support to match first, got %q ok=%v", agentID, ok)
	}

	agentID, ok = r.Resolve(RoutingContext{ChannelID: "telegram-1"})
	if !ok || agentID != "catchall" {
		t.Fatalf("expected catch-all fallback, got %q ok=%v", agentID, ok)
	}
}

func TestResolveNoMatchReturnsFalse(t *testing.T) {
	r := NewBindingResolver([]Binding{
		{AgentID: "support", Match: MatchPattern{"channelId": "discord-*"}},
	})
	if _, ok := r.Resolve(RoutingContext{ChannelID: "telegram-1"}); ok {
		t.Fatal("expected no match")
	}
}

func TestResolveRequiresAllFieldsToMatch(t *testing.T) {
	r := NewBindingResolver([]Binding{
		{AgentID: "vip", Match: MatchPattern{"channelId": "discord-*", "accountId": "vip-account"}},
	})
	if _, ok := r.Resolve(RoutingContext{ChannelID: "discord-general", AccountID: "other"}); ok {
		t.Fatal("expected no match when one field fails")
	}
	if _, ok := r.Resolve(RoutingContext{ChannelID: "discord-general", AccountID: "vip-account"}); !ok {
		t.Fatal("expected match when all fields satisfy their pattern")
	}
}

func TestHasCatchAllDetectsEmptyMatch(t *testing.T) {
	r := NewBindingResolver([]Binding{{AgentID: "a", Match: MatchPattern{"channelId": "x"}}})
	if r.HasCatchAll() {
		t.Fatal("expected no catch-all")
	}
	r2 := NewBindingResolver([]Binding{{AgentID: "a", Match: MatchPattern{}}})
	if !r2.HasCatchAll() {
		t.Fatal("expected catch-all detected")
	}
}
