package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nxlb/turnplane/internal/sessions"
	"github.com/nxlb/turnplane/pkg/protocol"
)

// ErrUnauthenticated is returned when a frame arrives before a successful
// auth handshake.
var ErrUnauthenticated = errors.New("gateway: unauthenticated")

// ErrUnknownFrame is returned for a frame type the client does not handle.
var ErrUnknownFrame = errors.New("gateway: unknown frame type")

// TokenValidator checks a bearer credential and returns the authenticated
// principal. Comparison must be constant-time; CompareToken below is the
// default implementation.
type TokenValidator func(token string) (principal string, ok bool)

// DeviceJWTVerifier optionally verifies an ed25519-signed device token,
// returning the device's principal id.
type DeviceJWTVerifier func(token string) (principal string, ok bool)

// CompareToken does a constant-time comparison against the configured
// bearer token, defeating timing attacks on credential length/prefix.
func CompareToken(want, got string) bool {
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// Conn is the subset of *websocket.Conn the Client depends on, so tests can
// substitute an in-memory pipe.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ClientDeps are the collaborators a Client dispatches frames to.
type ClientDeps struct {
	ValidateToken TokenValidator
	VerifyDeviceJWT DeviceJWTVerifier // optional, tried if ValidateToken rejects
	Registry      *Registry
	Sessions      *sessions.Machine
	Delivery      *DeliveryTracker
	RateLimiter   *RateLimiter
	Dispatch      func(nodeID string, msg Message) // inbound message from the node, handed to the server's node-message handler
	Logger        *slog.Logger
}

// Client terminates one node's WebSocket connection: it drives the auth
// handshake, demuxes frames by type, and bridges node traffic into the
// registry, session machine, and delivery tracker.
type Client struct {
	conn Conn
	deps ClientDeps

	mu            sync.Mutex
	nodeID        string
	authenticated bool

	writeMu sync.Mutex
}

// NewClient wraps conn with the given collaborators. The node id is not
// known until the register frame arrives.
func NewClient(conn Conn, deps ClientDeps) *Client {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Client{conn: conn, deps: deps}
}

// Run reads frames until the connection closes or ctx is done. Malformed
// frames close the connection; unknown frame types are rejected and logged
// but do not close it.
func (c *Client) Run(ctx context.Context) error {
	defer c.cleanup()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.deps.Logger.Warn("gateway: malformed frame, closing", "error", err)
			return fmt.Errorf("malformed frame: %w", err)
		}

		if err := c.handle(env); err != nil {
			if errors.Is(err, ErrUnknownFrame) {
				c.deps.Logger.Warn("gateway: unknown frame type", "type", env.Type)
				continue
			}
			c.deps.Logger.Warn("gateway: closing connection", "error", err)
			return err
		}
	}
}

func (c *Client) handle(env protocol.Envelope) error {
	c.mu.Lock()
	authenticated := c.authenticated
	c.mu.Unlock()

	if !authenticated && env.Type != protocol.FrameAuth {
		return ErrUnauthenticated
	}

	switch env.Type {
	case protocol.FrameAuth:
		return c.handleAuth(env)
	case protocol.FrameRegister:
		return c.handleRegister(env)
	case protocol.FrameMessage:
		return c.handleMessage(env)
	case protocol.FrameAck:
		return c.handleAck(env)
	case protocol.FrameSession:
		return c.handleSession(env)
	case protocol.FramePing:
		return c.sendFrame(protocol.FramePong, struct{}{})
	case protocol.FramePong:
		return nil
	default:
		return ErrUnknownFrame
	}
}

func (c *Client) handleAuth(env protocol.Envelope) error {
	var payload protocol.AuthPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("malformed auth payload: %w", err)
	}

	ok := false
	if c.deps.ValidateToken != nil {
		_, ok = c.deps.ValidateToken(payload.Token)
	}
	if !ok && c.deps.VerifyDeviceJWT != nil {
		_, ok = c.deps.VerifyDeviceJWT(payload.Token)
	}

	if !ok {
		c.sendFrame(protocol.FrameAuthResult, protocol.AuthResultPayload{OK: false, Reason: "invalid credential"})
		return fmt.Errorf("auth rejected for node %q", payload.NodeID)
	}

	c.mu.Lock()
	c.authenticated = true
	c.nodeID = payload.NodeID
	c.mu.Unlock()

	return c.sendFrame(protocol.FrameAuthResult, protocol.AuthResultPayload{OK: true})
}

func (c *Client) handleRegister(env protocol.Envelope) error {
	var payload protocol.RegisterPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("malformed register payload: %w", err)
	}

	c.mu.Lock()
	c.nodeID = payload.NodeID
	c.mu.Unlock()

	if _, ok := c.deps.Registry.Get(payload.NodeID); ok {
		c.deps.Registry.Rebind(payload.NodeID, func(msg Message) error {
			return c.sendMessage(msg)
		})
		c.deps.Registry.Touch(payload.NodeID)
		if c.deps.Sessions != nil {
			if _, ok := c.deps.Sessions.Get(payload.NodeID); ok {
				c.deps.Sessions.HandleEvent(payload.NodeID, sessions.EventReconnect)
			} else {
				c.deps.Sessions.Connect(payload.NodeID)
			}
		}
		if c.deps.Delivery != nil {
			c.deps.Delivery.Reconnect(payload.NodeID)
		}
		return nil
	}

	err := c.deps.Registry.Register(payload.NodeID, payload.NodeID, payload.Capabilities, func(msg Message) error {
		return c.sendMessage(msg)
	})
	if err != nil {
		return err
	}
	if c.deps.Sessions != nil {
		c.deps.Sessions.Connect(payload.NodeID)
	}
	return nil
}

func (c *Client) handleMessage(env protocol.Envelope) error {
	var payload protocol.MessagePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("malformed message payload: %w", err)
	}

	c.mu.Lock()
	nodeID := c.nodeID
	c.mu.Unlock()

	if c.deps.RateLimiter != nil && !c.deps.RateLimiter.Allow(nodeID) {
		return nil // silently drop over-rate inbound traffic, do not close the connection
	}
	if c.deps.Sessions != nil {
		c.deps.Sessions.HandleEvent(nodeID, sessions.EventActivity)
	}

	msg := Message{
		NodeID:         nodeID,
		ChannelID:      payload.ChannelID,
		RoutingContext: payload.RoutingContext,
		Body:           payload.Body,
		Lane:           payload.Lane,
		MessageID:      payload.MessageID,
	}
	if c.deps.Dispatch != nil {
		c.deps.Dispatch(nodeID, msg)
	}
	return nil
}

// handleSession applies an out-of-band session event from the node to the
// state machine. Invalid transitions are logged, never fatal.
func (c *Client) handleSession(env protocol.Envelope) error {
	var payload protocol.SessionEventPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("malformed session payload: %w", err)
	}
	if c.deps.Sessions == nil {
		return nil
	}

	c.mu.Lock()
	nodeID := c.nodeID
	c.mu.Unlock()

	result := c.deps.Sessions.HandleEvent(nodeID, sessions.Event(payload.Event))
	if !result.Valid {
		c.deps.Logger.Warn("gateway: rejected session event", "node", nodeID, "event", payload.Event, "state", result.From)
		return nil
	}
	if result.Event == sessions.EventReconnect && c.deps.Delivery != nil {
		c.deps.Delivery.Reconnect(nodeID)
	}
	return nil
}

func (c *Client) handleAck(env protocol.Envelope) error {
	var payload protocol.AckPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("malformed ack payload: %w", err)
	}
	var id uint64
	if _, err := fmt.Sscanf(payload.MessageID, "%d", &id); err == nil && c.deps.Delivery != nil {
		c.deps.Delivery.Ack(id)
	}
	return nil
}

// sendMessage pushes an outbound Message frame to the node, carrying the
// MessageID the caller set (the delivery tracker's id when one is used).
func (c *Client) sendMessage(msg Message) error {
	body, err := json.Marshal(msg.Body)
	if err != nil {
		return err
	}
	return c.sendFrame(protocol.FrameMessage, protocol.MessagePayload{
		MessageID:      msg.MessageID,
		Lane:           msg.Lane,
		ChannelID:      msg.ChannelID,
		RoutingContext: msg.RoutingContext,
		Body:           body,
	})
}

// SendEvent pushes a server-originated event frame (not delivery-tracked).
func (c *Client) SendEvent(event protocol.EventFrame) error {
	return c.sendFrame(protocol.FrameEvent, event)
}

func (c *Client) sendFrame(frameType string, payload interface{}) error {
	env, err := protocol.Marshal(frameType, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Client) cleanup() {
	c.mu.Lock()
	nodeID := c.nodeID
	c.mu.Unlock()
	if nodeID == "" {
		return
	}
	if c.deps.Sessions != nil {
		c.deps.Sessions.HandleEvent(nodeID, sessions.EventDisconnect)
	}
	if c.deps.RateLimiter != nil {
		c.deps.RateLimiter.Forget(nodeID)
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }
