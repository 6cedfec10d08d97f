package store

import (
	"context"

	"github.com/google/uuid"
)

// Stores is the top-level container for the storage backends a running
// gateway needs. Pairing and Agents are optional. In standalone
// (file-backed, single-tenant) mode Agents is nil, and Pairing is a
// file-backed store only when pairing is enabled, nil otherwise.
type Stores struct {
	Sessions SessionStore
	Pairing  PairingStore // nil in standalone mode unless pairing is enabled
	Agents   AgentStore   // nil in standalone mode
}

// StoreConfig configures the managed (Postgres-backed) storage backend.
type StoreConfig struct {
	PostgresDSN string
}

// PairingStore tracks the credential/allowlist handshake between an
// external user and a channel: an unrecognized sender requests pairing,
// receives a short code out-of-band, and an operator approves it before the
// sender's messages are routed to an agent.
type PairingStore interface {
	// IsPaired reports whether userID is already approved on channel.
	IsPaired(userID, channel string) bool
	// RequestPairing issues (or re-issues) a pairing code for userID on
	// channel/chatID, to be approved against agentID.
	RequestPairing(userID, channel, chatID, agentID string) (code string, err error)
}

// AgentRecord identifies an agent by its configured key.
type AgentRecord struct {
	ID  uuid.UUID
	Key string
}

// AgentStore resolves agent keys to their stored UUIDs, used in managed
// mode to stamp sessions with the owning agent's identity.
type AgentStore interface {
	GetByKey(ctx context.Context, key string) (AgentRecord, error)
}
