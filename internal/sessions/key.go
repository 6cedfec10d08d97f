// Package sessions holds the per-node session state machine, the
// conversation scoper, and the session key/history bookkeeping.
//
// Session keys are the canonical addresses conversation state is stored
// under: "agent:{agentId}:{rest}", where {rest} encodes the conversation's
// origin:
//
//	DM:    {channel}:direct:{peerId}
//	Group: {channel}:group:{groupId}
//	Cron:  cron:{jobName}:run:{runId}
//
// Channel adapters and the cron scheduler build these; the session store
// treats them as opaque.
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// PeerKindFromGroup returns PeerGroup if isGroup is true, PeerDirect otherwise.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDirect
}

// BuildSessionKey builds the canonical session key for a channel conversation.
func BuildSessionKey(agentID, channel string, kind PeerKind, chatID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channel, kind, chatID)
}

// BuildCronSessionKey builds the session key for one run of a cron job.
// A jobID that is already a canonical session key is reduced to its rest
// part first so repeated runs don't stack "agent:X:cron:" prefixes.
func BuildCronSessionKey(agentID, jobID, runID string) string {
	if _, rest := ParseSessionKey(jobID); rest != "" {
		jobID = rest
	}
	return fmt.Sprintf("agent:%s:cron:%s:run:%s", agentID, jobID, runID)
}

// BuildScopedSessionKey builds the session key for an inbound channel
// message, honoring the configured session scope.
//
// scope "global" collapses everything into one session. Groups always get
// the full per-group key. For DMs, dmScope selects the isolation level:
//
//	"main"                     → agent:{agentId}:{mainKey} (all DMs share one session)
//	"per-peer"                 → agent:{agentId}:direct:{peerId}
//	"per-channel-peer"         → agent:{agentId}:{channel}:direct:{peerId} (default)
//	"per-account-channel-peer" → reserved; currently the per-channel-peer key
func BuildScopedSessionKey(agentID, channel string, kind PeerKind, chatID, scope, dmScope, mainKey string) string {
	if scope == "global" {
		return "global"
	}
	if kind == PeerGroup {
		return BuildSessionKey(agentID, channel, kind, chatID)
	}

	switch dmScope {
	case "main":
		if mainKey == "" {
			mainKey = "main"
		}
		return fmt.Sprintf("agent:%s:%s", agentID, mainKey)
	case "per-peer":
		return fmt.Sprintf("agent:%s:direct:%s", agentID, chatID)
	default:
		return BuildSessionKey(agentID, channel, kind, chatID)
	}
}

// ParseSessionKey extracts the agentID and rest from a canonical session key.
// Returns ("", "") if the key is not in the expected format.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}
