package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/nxlb/turnplane/internal/sessions"
	"github.com/nxlb/turnplane/pkg/protocol"
)

// fakeConn feeds a scripted sequence of frames to a Client and records what
// the Client writes back.
type fakeConn struct {
	frames [][]byte
	writes [][]byte
	closed bool
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	if len(c.frames) == 0 {
		return 0, nil, io.EOF
	}
	next := c.frames[0]
	c.frames = c.frames[1:]
	return 1, next, nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func frame(t *testing.T, frameType string, payload any) []byte {
	t.Helper()
	env, err := protocol.Marshal(frameType, payload)
	if err != nil {
		t.Fatalf("marshal %s: %v", frameType, err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw
}

func lastWrite(t *testing.T, conn *fakeConn) protocol.Envelope {
	t.Helper()
	if len(conn.writes) == 0 {
		t.Fatal("expected at least one frame written")
	}
	var env protocol.Envelope
	if err := json.Unmarshal(conn.writes[len(conn.writes)-1], &env); err != nil {
		t.Fatalf("unmarshal written frame: %v", err)
	}
	return env
}

func TestClientRejectsFramesBeforeAuth(t *testing.T) {
	conn := &fakeConn{frames: [][]byte{
		frame(t, protocol.FrameRegister, protocol.RegisterPayload{NodeID: "node-1"}),
	}}
	c := NewClient(conn, ClientDeps{
		ValidateToken: func(token string) (string, bool) { return "", false },
		Registry:      NewRegistry(),
	})

	err := c.Run(context.Background())
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v; want ErrUnauthenticated", err)
	}
}

func TestClientAuthAndRegisterFlow(t *testing.T) {
	registry := NewRegistry()
	conn := &fakeConn{frames: [][]byte{
		frame(t, protocol.FrameAuth, protocol.AuthPayload{Token: "secret", NodeID: "node-1"}),
		frame(t, protocol.FrameRegister, protocol.RegisterPayload{NodeID: "node-1", Capabilities: []string{"chat"}}),
	}}
	c := NewClient(conn, ClientDeps{
		ValidateToken: func(token string) (string, bool) {
			return "owner", CompareToken("secret", token)
		},
		Registry: registry,
	})

	if err := c.Run(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("Run: %v; want EOF after scripted frames", err)
	}

	node, ok := registry.Get("node-1")
	if !ok {
		t.Fatal("expected node registered after auth+register")
	}
	if len(node.Capabilities) != 1 || node.Capabilities[0] != "chat" {
		t.Fatalf("Capabilities = %v", node.Capabilities)
	}

	var authResult protocol.AuthResultPayload
	env := lastWrite(t, conn)
	if env.Type != protocol.FrameAuthResult {
		t.Fatalf("last frame type = %q; want auth result", env.Type)
	}
	json.Unmarshal(env.Payload, &authResult)
	if !authResult.OK {
		t.Fatalf("auth result = %+v; want ok", authResult)
	}
}

func TestClientUnknownFrameDoesNotCloseConnection(t *testing.T) {
	conn := &fakeConn{frames: [][]byte{
		frame(t, protocol.FrameAuth, protocol.AuthPayload{Token: "t", NodeID: "node-1"}),
		frame(t, "mystery", struct{}{}),
		frame(t, protocol.FramePing, struct{}{}),
	}}
	c := NewClient(conn, ClientDeps{
		ValidateToken: func(string) (string, bool) { return "p", true },
		Registry:      NewRegistry(),
	})

	if err := c.Run(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("Run: %v; want EOF (unknown frame skipped, ping answered)", err)
	}
	env := lastWrite(t, conn)
	if env.Type != protocol.FramePong {
		t.Fatalf("last frame type = %q; want pong after ping", env.Type)
	}
}

func TestClientMalformedFrameClosesConnection(t *testing.T) {
	conn := &fakeConn{frames: [][]byte{
		frame(t, protocol.FrameAuth, protocol.AuthPayload{Token: "t", NodeID: "node-1"}),
		[]byte("{this is not json"),
	}}
	c := NewClient(conn, ClientDeps{
		ValidateToken: func(string) (string, bool) { return "p", true },
		Registry:      NewRegistry(),
	})

	err := c.Run(context.Background())
	if err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("Run: %v; want malformed-frame error", err)
	}
}

func TestClientAckReachesDeliveryTracker(t *testing.T) {
	delivery := NewDeliveryTracker(3, func(PendingMessage) error { return nil }, nil)
	id, _ := delivery.Send("node-1", "payload")

	conn := &fakeConn{frames: [][]byte{
		frame(t, protocol.FrameAuth, protocol.AuthPayload{Token: "t", NodeID: "node-1"}),
		frame(t, protocol.FrameAck, protocol.AckPayload{MessageID: strconv.FormatUint(id, 10)}),
	}}
	c := NewClient(conn, ClientDeps{
		ValidateToken: func(string) (string, bool) { return "p", true },
		Registry:      NewRegistry(),
		Delivery:      delivery,
	})
	c.Run(context.Background())

	if pending := delivery.Pending("node-1"); len(pending) != 0 {
		t.Fatalf("pending after ack of %d = %d entries; want 0", id, len(pending))
	}
}

func TestClientSessionFrameDrivesStateMachine(t *testing.T) {
	machine := sessions.NewMachine(sessions.Timeouts{SessionTimeout: time.Hour, SuspendTimeout: time.Hour})
	registry := NewRegistry()

	conn := &fakeConn{frames: [][]byte{
		frame(t, protocol.FrameAuth, protocol.AuthPayload{Token: "t", NodeID: "node-1"}),
		frame(t, protocol.FrameRegister, protocol.RegisterPayload{NodeID: "node-1"}),
		frame(t, protocol.FrameSession, protocol.SessionEventPayload{Event: "idle_timeout"}),
	}}
	var transitions []sessions.TransitionResult
	machine.OnTransition(func(r sessions.TransitionResult) { transitions = append(transitions, r) })

	c := NewClient(conn, ClientDeps{
		ValidateToken: func(string) (string, bool) { return "p", true },
		Registry:      registry,
		Sessions:      machine,
	})
	c.Run(context.Background())

	var sawIdle bool
	for _, r := range transitions {
		if r.Event == sessions.EventIdleTimeout && r.To == sessions.StateIdle {
			sawIdle = true
		}
	}
	if !sawIdle {
		t.Fatalf("transitions = %+v; want an idle_timeout -> idle transition", transitions)
	}
	// cleanup() fires a disconnect when Run returns, removing the session.
	if _, ok := machine.Get("node-1"); ok {
		t.Fatal("session should be removed after connection close")
	}
}
