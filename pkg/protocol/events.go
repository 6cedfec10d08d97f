package protocol

// ProtocolVersion is bumped whenever the wire frame shapes change incompatibly.
const ProtocolVersion = 3

// WebSocket event names pushed from server to subscribed clients via EventFrame.
const (
	EventAgent   = "agent"
	EventChat    = "chat"
	EventHealth  = "health"
	EventPresence = "presence"
	EventShutdown = "shutdown"

	// EventCacheInvalidate is internal bus traffic, never forwarded to node clients.
	EventCacheInvalidate = "cache.invalidate"
)

// Agent event subtypes (in payload.type).
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventRunRetrying  = "run.retrying"
	AgentEventToolCall     = "tool.call"
	AgentEventToolResult   = "tool.result"
	AgentEventStopReason   = "stop"
)

// Chat event subtypes (in payload.type).
const (
	ChatEventChunk    = "chunk"
	ChatEventMessage  = "message"
	ChatEventThinking = "thinking"
)

// EventFrame is the envelope for server→client event frames. Name identifies
// the event, Payload carries subtype-specific data.
type EventFrame struct {
	Type    string      `json:"type"`
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewEvent builds an EventFrame ready to send over the wire.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Type: FrameEvent, Name: name, Payload: payload}
}
