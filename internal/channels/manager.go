package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nxlb/turnplane/internal/bus"
	"github.com/nxlb/turnplane/pkg/protocol"
)

// RunContext tracks an active agent run so lifecycle events (chunks, tool
// calls, completion) can be forwarded back to the channel that started it.
type RunContext struct {
	ChannelName  string
	ChatID       string
	MessageID    int
	mu           sync.Mutex
	streamBuffer string // accumulated streaming text (chunks are deltas)
	inToolPhase  bool   // true after tool.call, reset on next chunk (new LLM iteration)
}

// Manager owns every registered channel's lifecycle: it starts and stops
// adapters, drains the bus's outbound side to the right adapter, and
// forwards run-scoped agent events to channels that support streaming
// previews or status reactions.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	bus      *bus.MessageBus
	runs     sync.Map // runID string -> *RunContext
	stopOut  context.CancelFunc
}

// NewManager creates a Manager over msgBus. Channels are registered with
// RegisterChannel before StartAll.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      msgBus,
	}
}

// RegisterChannel adds a channel under name, replacing any previous one.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// StartAll starts every registered channel and the outbound dispatch loop.
// A channel that fails to start is logged and skipped; the rest still come
// up.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	outCtx, cancel := context.WithCancel(ctx)
	m.stopOut = cancel
	go m.dispatchOutbound(outCtx)

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}
	for name, channel := range m.channels {
		if err := channel.Start(ctx); err != nil {
			slog.Error("channel start failed", "channel", name, "error", err)
			continue
		}
		slog.Info("channel started", "channel", name)
	}
	return nil
}

// StopAll stops the outbound dispatcher and every running channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopOut != nil {
		m.stopOut()
		m.stopOut = nil
	}
	for name, channel := range m.channels {
		if err := channel.Stop(ctx); err != nil {
			slog.Error("channel stop failed", "channel", name, "error", err)
		}
	}
	return nil
}

// dispatchOutbound drains outbound bus messages to their target adapter
// until ctx is cancelled. Internal channels (cli, system, subagent) have no
// adapter and are skipped.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		if IsInternalChannel(msg.Channel) {
			continue
		}

		m.mu.RLock()
		channel, exists := m.channels[msg.Channel]
		m.mu.RUnlock()
		if !exists {
			slog.Warn("outbound message for unknown channel", "channel", msg.Channel)
			continue
		}
		if err := channel.Send(ctx, msg); err != nil {
			slog.Error("outbound send failed", "channel", msg.Channel, "error", err)
		}
	}
}

// HandleBusEvent adapts a broadcast bus event into run-scoped forwarding.
// A run.started event carrying channel/chat fields registers the run; later
// events for the same run id drive streaming and reaction updates. Events
// that aren't agent/chat traffic, or that carry no run id, are ignored.
func (m *Manager) HandleBusEvent(ev bus.Event) {
	if ev.Name != protocol.EventAgent && ev.Name != protocol.EventChat {
		return
	}
	eventType := extractPayloadString(ev.Payload, "type")
	runID := extractPayloadString(ev.Payload, "run_id")
	if eventType == "" || runID == "" {
		return
	}
	if eventType == protocol.AgentEventRunStarted {
		if channel := extractPayloadString(ev.Payload, "channel"); channel != "" {
			m.RegisterRun(runID, channel, extractPayloadString(ev.Payload, "chat_id"), 0)
		}
	}
	m.HandleAgentEvent(eventType, runID, ev.Payload)
}

// RegisterRun associates a run ID with a channel context so agent events
// can be forwarded to the originating channel.
func (m *Manager) RegisterRun(runID, channelName, chatID string, messageID int) {
	m.runs.Store(runID, &RunContext{
		ChannelName: channelName,
		ChatID:      chatID,
		MessageID:   messageID,
	})
}

// UnregisterRun removes a run tracking entry.
func (m *Manager) UnregisterRun(runID string) {
	m.runs.Delete(runID)
}

// HandleAgentEvent routes one agent lifecycle event to the streaming and
// reaction surfaces of the channel that owns the run. Must be non-blocking
// relative to the bus; all adapter calls are best-effort.
func (m *Manager) HandleAgentEvent(eventType, runID string, payload interface{}) {
	val, ok := m.runs.Load(runID)
	if !ok {
		return
	}
	rc := val.(*RunContext)

	m.mu.RLock()
	ch, exists := m.channels[rc.ChannelName]
	m.mu.RUnlock()
	if !exists {
		return
	}

	ctx := context.Background()

	if sc, ok := ch.(StreamingChannel); ok && sc.StreamEnabled() {
		m.forwardStreamEvent(ctx, sc, rc, eventType, payload)
	}

	if eventType == protocol.AgentEventRunRetrying {
		attempt := extractPayloadString(payload, "attempt")
		maxAttempts := extractPayloadString(payload, "maxAttempts")
		m.bus.PublishOutbound(bus.OutboundMessage{
			Channel:  rc.ChannelName,
			ChatID:   rc.ChatID,
			Content:  fmt.Sprintf("Provider busy, retrying... (%s/%s)", attempt, maxAttempts),
			Metadata: map[string]string{"placeholder_update": "true"},
		})
	}

	if reactionCh, ok := ch.(ReactionChannel); ok {
		if status := reactionStatusFor(eventType); status != "" {
			if err := reactionCh.OnReactionEvent(ctx, rc.ChatID, rc.MessageID, status); err != nil {
				slog.Debug("reaction event failed", "channel", rc.ChannelName, "status", status, "error", err)
			}
		}
	}

	if eventType == protocol.AgentEventRunCompleted || eventType == protocol.AgentEventRunFailed {
		m.runs.Delete(runID)
	}
}

// forwardStreamEvent advances one run's streaming preview. Chunks are
// deltas, accumulated per LLM iteration: a tool call ends the current
// preview message, and the first chunk after it starts a fresh one.
func (m *Manager) forwardStreamEvent(ctx context.Context, sc StreamingChannel, rc *RunContext, eventType string, payload interface{}) {
	switch eventType {
	case protocol.AgentEventRunStarted:
		if err := sc.OnStreamStart(ctx, rc.ChatID); err != nil {
			slog.Debug("stream start failed", "channel", rc.ChannelName, "error", err)
		}
	case protocol.AgentEventToolCall:
		rc.mu.Lock()
		rc.inToolPhase = true
		rc.mu.Unlock()
		if err := sc.OnStreamEnd(ctx, rc.ChatID, ""); err != nil {
			slog.Debug("stream tool-phase end failed", "channel", rc.ChannelName, "error", err)
		}
	case protocol.ChatEventChunk:
		content := extractPayloadString(payload, "content")
		if content == "" {
			return
		}
		rc.mu.Lock()
		if rc.inToolPhase {
			rc.streamBuffer = ""
			rc.inToolPhase = false
			rc.mu.Unlock()
			if err := sc.OnStreamStart(ctx, rc.ChatID); err != nil {
				slog.Debug("stream restart failed", "channel", rc.ChannelName, "error", err)
			}
			rc.mu.Lock()
		}
		rc.streamBuffer += content
		fullText := rc.streamBuffer
		rc.mu.Unlock()
		if err := sc.OnChunkEvent(ctx, rc.ChatID, fullText); err != nil {
			slog.Debug("stream chunk failed", "channel", rc.ChannelName, "error", err)
		}
	case protocol.AgentEventRunCompleted:
		rc.mu.Lock()
		finalText := rc.streamBuffer
		rc.mu.Unlock()
		if err := sc.OnStreamEnd(ctx, rc.ChatID, finalText); err != nil {
			slog.Debug("stream end failed", "channel", rc.ChannelName, "error", err)
		}
	case protocol.AgentEventRunFailed:
		sc.OnStreamEnd(ctx, rc.ChatID, "")
	}
}

func reactionStatusFor(eventType string) string {
	switch eventType {
	case protocol.AgentEventRunStarted:
		return "thinking"
	case protocol.AgentEventToolCall:
		return "tool"
	case protocol.AgentEventRunCompleted:
		return "done"
	case protocol.AgentEventRunFailed:
		return "error"
	default:
		return ""
	}
}

// extractPayloadString extracts a string field from a payload shaped as
// either map[string]string or map[string]interface{}.
func extractPayloadString(payload interface{}, key string) string {
	switch p := payload.(type) {
	case map[string]string:
		return p[key]
	case map[string]interface{}:
		if v, ok := p[key].(string); ok {
			return v
		}
	}
	return ""
}
