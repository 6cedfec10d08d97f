package sessions

import (
	"fmt"
	"strings"

	"github.com/nxlb/turnplane/pkg/protocol"
)

// ScopeInput is the routing context a conversation key is derived from.
type ScopeInput struct {
	Scope       protocol.ConversationScope
	AgentID     string
	ChannelID   string
	PeerID      string
	AccountID   string
	GroupID     string
	MessageType string
}

// ScopeResult is the outcome of ResolveConversationKey: the derived key, a
// flag for whether any required field was missing and substituted, and the
// warnings recorded for each substitution.
type ScopeResult struct {
	Key      string
	Degraded bool
	Warnings []string
}

// scopeOrder lists the scopes from finest to coarsest. A scope whose
// required field is missing degrades as nextCoarserScope maps it, which can
// skip entries here (per-channel-peer falls back to per-channel).
var scopeOrder = []protocol.ConversationScope{
	protocol.ScopePerChannelAccount,
	protocol.ScopePerChannelPeer,
	protocol.ScopePerGroup,
	protocol.ScopePerChannel,
	protocol.ScopePerAgent,
	protocol.ScopeGlobal,
}

// ResolveConversationKey is the Conversation Scoper: a pure, deterministic
// function of its input. A scope whose required field is absent degrades to
// a coarser scope and records a warning; the key is still returned.
func ResolveConversationKey(in ScopeInput) ScopeResult {
	scope := in.Scope
	if scope == "" {
		scope = protocol.ScopePerChannelPeer
	}
	var warnings []string

	for {
		key, missing := buildKeyForScope(scope, in)
		if missing == "" {
			return ScopeResult{Key: key, Degraded: len(warnings) > 0, Warnings: warnings}
		}
		warnings = append(warnings, fmt.Sprintf("missing %s", missing))
		next := nextCoarserScope(scope)
		if next == scope {
			// global never has a missing field; unreachable in practice.
			return ScopeResult{Key: key, Degraded: true, Warnings: warnings}
		}
		scope = next
	}
}

// buildKeyForScope returns the canonical key for scope given in, or the name
// of the first missing required field (with key set to "" in that case).
func buildKeyForScope(scope protocol.ConversationScope, in ScopeInput) (key string, missingField string) {
	esc := escapeField
	switch scope {
	case protocol.ScopeGlobal:
		return "global", ""
	case protocol.ScopePerAgent:
		if in.AgentID == "" {
			return "", "agentId"
		}
		return fmt.Sprintf("agent:%s", esc(in.AgentID)), ""
	case protocol.ScopePerChannel:
		if in.AgentID == "" {
			return "", "agentId"
		}
		if in.ChannelID == "" {
			return "", "channelId"
		}
		return fmt.Sprintf("agent:%s:channel:%s", esc(in.AgentID), esc(in.ChannelID)), ""
	case protocol.ScopePerChannelPeer:
		if in.AgentID == "" {
			return "", "agentId"
		}
		if in.ChannelID == "" {
			return "", "channelId"
		}
		if in.PeerID == "" {
			return "", "peerId"
		}
		return fmt.Sprintf("agent:%s:channel:%s:peer:%s", esc(in.AgentID), esc(in.ChannelID), esc(in.PeerID)), ""
	case protocol.ScopePerChannelAccount:
		if in.AgentID == "" {
			return "", "agentId"
		}
		if in.ChannelID == "" {
			return "", "channelId"
		}
		if in.AccountID == "" {
			return "", "accountId"
		}
		return fmt.Sprintf("agent:%s:channel:%s:account:%s", esc(in.AgentID), esc(in.ChannelID), esc(in.AccountID)), ""
	case protocol.ScopePerGroup:
		if in.AgentID == "" {
			return "", "agentId"
		}
		if in.ChannelID == "" {
			return "", "channelId"
		}
		if in.GroupID == "" {
			return "", "groupId"
		}
		return fmt.Sprintf("agent:%s:channel:%s:group:%s", esc(in.AgentID), esc(in.ChannelID), esc(in.GroupID)), ""
	default:
		return "", "scope"
	}
}

// nextCoarserScope returns the scope that scope degrades to when one of its
// required fields is missing.
func nextCoarserScope(scope protocol.ConversationScope) protocol.ConversationScope {
	switch scope {
	case protocol.ScopePerChannelAccount:
		return protocol.ScopePerChannelPeer
	case protocol.ScopePerChannelPeer:
		return protocol.ScopePerChannel
	case protocol.ScopePerGroup:
		return protocol.ScopePerChannel
	case protocol.ScopePerChannel:
		return protocol.ScopePerAgent
	case protocol.ScopePerAgent:
		return protocol.ScopeGlobal
	default:
		return protocol.ScopeGlobal
	}
}

// escapeField escapes the canonical key separator within a field value.
func escapeField(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}
