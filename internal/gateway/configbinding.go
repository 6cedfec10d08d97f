package gateway

import "github.com/nxlb/turnplane/internal/config"

// BindingsFromConfig translates the declarative config.AgentBinding list
// into the MatchPattern shape NewBindingResolver compiles. The two shapes
// diverge because config.AgentBinding mirrors the JSON config file's
// nested channel/peer/guild structure while Binding.Match is a flat field
// map matched against a RoutingContext; this is the seam between them.
func BindingsFromConfig(bindings []config.AgentBinding) []Binding {
	out := make([]Binding, 0, len(bindings))
	for _, b := range bindings {
		match := MatchPattern{}
		if b.Match.Channel != "" {
			match["channelId"] = b.Match.Channel
		}
		if b.Match.AccountID != "" {
			match["accountId"] = b.Match.AccountID
		}
		if b.Match.GuildID != "" {
			match["groupId"] = b.Match.GuildID
		}
		if b.Match.Peer != nil {
			if b.Match.Peer.ID != "" {
				match["peerId"] = b.Match.Peer.ID
			}
			if b.Match.Peer.Kind != "" {
				match["messageType"] = b.Match.Peer.Kind
			}
		}
		out = append(out, Binding{AgentID: b.AgentID, Match: match})
	}
	return out
}
