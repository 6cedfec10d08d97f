// Package protocol defines the wire format spoken between the gateway and
// worker nodes: a UTF-8 JSON envelope with a type discriminator and a
// type-specific payload.
package protocol

import "encoding/json"

// Frame type discriminators.
const (
	FrameAuth       = "auth"
	FrameAuthResult = "auth.result"
	FrameRegister   = "register"
	FrameMessage    = "message"
	FrameAck        = "ack"
	FramePing       = "ping"
	FramePong       = "pong"
	FrameSession    = "session"
	FrameEvent      = "event"
)

// Priority lanes a Message frame can be queued on. Steer preempts collect;
// collect preempts followup. Order here is significance order, not wire order.
const (
	LaneSteer    = "steer"
	LaneCollect  = "collect"
	LaneFollowup = "followup"
)

// ConversationScope selects how a conversation key is degraded when deriving
// the session a message belongs to.
type ConversationScope string

const (
	ScopeGlobal           ConversationScope = "global"
	ScopePerAgent         ConversationScope = "per-agent"
	ScopePerChannel       ConversationScope = "per-channel"
	ScopePerChannelPeer   ConversationScope = "per-channel-peer"
	ScopePerChannelAccount ConversationScope = "per-channel-account"
	ScopePerGroup         ConversationScope = "per-group"
)

// Envelope is the outer frame every message on the wire is wrapped in.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthPayload is sent by a node immediately after connecting, before
// anything else is accepted.
type AuthPayload struct {
	Token  string `json:"token"`
	NodeID string `json:"nodeId"`
}

// AuthResultPayload answers an AuthPayload.
type AuthResultPayload struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// RegisterPayload declares a node's identity and capabilities after
// successful auth.
type RegisterPayload struct {
	NodeID       string   `json:"nodeId"`
	Capabilities []string `json:"capabilities,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// MessagePayload is routed application content. Lane picks the priority
// queue; RoutingContext carries binding-match fields (channelId, peerId,
// accountId, groupId, messageType); MessageID is assigned by the delivery tracker on send.
type MessagePayload struct {
	MessageID      string            `json:"messageId"`
	Lane           string            `json:"lane"`
	ChannelID      string            `json:"channelId"`
	ConversationKey string           `json:"conversationKey,omitempty"`
	RoutingContext map[string]string `json:"routingContext,omitempty"`
	Body           json.RawMessage   `json:"body"`
}

// AckPayload acknowledges receipt of a MessagePayload by MessageID.
// Acks are idempotent: repeating one for an already-acked ID is a no-op.
type AckPayload struct {
	MessageID string `json:"messageId"`
}

// SessionEventPayload reports a session state machine transition.
type SessionEventPayload struct {
	SessionKey string `json:"sessionKey"`
	Event      string `json:"event"`
	State      string `json:"state"`
}

// Marshal wraps a typed payload into an Envelope ready for json.Marshal.
func Marshal(frameType string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: frameType, Payload: raw}, nil
}
