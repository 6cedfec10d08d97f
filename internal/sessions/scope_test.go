package sessions

import (
	"testing"

	"github.com/nxlb/turnplane/pkg/protocol"
)

func TestResolveConversationKeyDeterministic(t *testing.T) {
	in := ScopeInput{Scope: protocol.ScopePerChannelPeer, AgentID: "A", ChannelID: "C", PeerID: "P"}
	r1 := ResolveConversationKey(in)
	r2 := ResolveConversationKey(in)
	if r1.Key != r2.Key {
		t.Fatalf("non-deterministic: %q vs %q", r1.Key, r2.Key)
	}
	if r1.Degraded {
		t.Fatalf("should not be degraded: %+v", r1)
	}
}

func TestResolveConversationKeyDegradesOnMissingPeer(t *testing.T) {
	in := ScopeInput{Scope: protocol.ScopePerChannelPeer, AgentID: "A", ChannelID: "C"}
	res := ResolveConversationKey(in)

	if !res.Degraded {
		t.Fatalf("expected degradation, got %+v", res)
	}
	if len(res.Warnings) != 1 || res.Warnings[0] != "missing peerId" {
		t.Fatalf("Warnings = %v", res.Warnings)
	}
	want := ResolveConversationKey(ScopeInput{Scope: protocol.ScopePerChannel, AgentID: "A", ChannelID: "C"}).Key
	if res.Key != want {
		t.Fatalf("Key = %q; want per-channel key %q", res.Key, want)
	}
}

func TestResolveConversationKeyDegradedIffWarnings(t *testing.T) {
	cases := []ScopeInput{
		{Scope: protocol.ScopeGlobal},
		{Scope: protocol.ScopePerAgent, AgentID: "A"},
		{Scope: protocol.ScopePerAgent},
		{Scope: protocol.ScopePerChannelAccount, AgentID: "A", ChannelID: "C", AccountID: "AC"},
		{Scope: protocol.ScopePerChannelAccount, AgentID: "A", ChannelID: "C"},
	}
	for _, in := range cases {
		res := ResolveConversationKey(in)
		if res.Degraded != (len(res.Warnings) > 0) {
			t.Fatalf("input %+v: Degraded=%v but Warnings=%v", in, res.Degraded, res.Warnings)
		}
	}
}
