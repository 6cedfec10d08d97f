package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nxlb/turnplane/internal/config"
	"github.com/nxlb/turnplane/internal/sessions"
	"github.com/nxlb/turnplane/pkg/protocol"
)

// ListenerFactory builds the net.Listener(s) a Server accepts WebSocket
// upgrades on. Injected so TLS-terminating deployments can supply their own
// (Tailscale tsnet, ACME, multiple concurrent listeners).
type ListenerFactory func(addr string) (net.Listener, error)

// Server is the gateway: it terminates per-node WebSocket connections,
// routes inbound channel traffic to the right node via Router, and tracks
// delivery/health/session lifecycle for every connected node.
type Server struct {
	cfg *config.GatewayConfig

	Registry  *Registry
	Sessions  *sessions.Machine
	Buffer    *Buffer
	Delivery  *DeliveryTracker
	Router    *Router
	Health    *HealthMonitor
	RateLimit *RateLimiter

	validateToken   TokenValidator
	verifyDeviceJWT DeviceJWTVerifier
	onNodeMessage   func(nodeID string, msg Message)

	upgrader websocket.Upgrader
	listen   ListenerFactory

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer builds a Server. registry/sessions/buffer/router are required;
// delivery/health may be nil if those features are disabled.
func NewServer(cfg *config.GatewayConfig, registry *Registry, sess *sessions.Machine, buf *Buffer, router *Router, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		Registry: registry,
		Sessions: sess,
		Buffer:   buf,
		Router:   router,
		clients:  make(map[string]*Client),
		logger:   logger,
	}
	s.RateLimit = NewRateLimiter(cfg.RateLimitRPM, 5)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetTokenValidator injects the bearer-token auth handshake check.
func (s *Server) SetTokenValidator(fn TokenValidator) { s.validateToken = fn }

// SetDeviceJWTVerifier injects an optional ed25519 device-JWT verifier,
// tried when bearer validation fails.
func (s *Server) SetDeviceJWTVerifier(fn DeviceJWTVerifier) { s.verifyDeviceJWT = fn }

// SetDelivery attaches a DeliveryTracker for at-least-once outbound
// delivery.
func (s *Server) SetDelivery(d *DeliveryTracker) { s.Delivery = d }

// SetHealthMonitor attaches a HealthMonitor; Server.Start starts it and
// shuts it down when the server stops.
func (s *Server) SetHealthMonitor(h *HealthMonitor) { s.Health = h }

// SetListenerFactory overrides how the Server obtains its net.Listener,
// enabling TLS-terminating or multi-listener deployments.
func (s *Server) SetListenerFactory(fn ListenerFactory) { s.listen = fn }

// SetNodeMessageHandler sets the callback invoked for every message frame a
// node sends to the gateway (replies and node-originated channel traffic).
func (s *Server) SetNodeMessageHandler(fn func(nodeID string, msg Message)) { s.onNodeMessage = fn }

// checkOrigin validates the WebSocket upgrade's Origin header against the
// configured allow-list. No config or empty Origin (non-browser clients)
// always allows.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	s.logger.Warn("gateway: origin rejected", "origin", origin)
	return false
}

// BuildMux registers the WebSocket upgrade endpoint and health check.
func (s *Server) BuildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins serving. It blocks until ctx is cancelled or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	var ln net.Listener
	var err error
	if s.listen != nil {
		ln, err = s.listen(addr)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", addr, err)
	}

	if s.Health != nil {
		s.Health.Start(ctx)
	}

	s.logger.Info("gateway starting", "addr", addr)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		if s.Health != nil {
			s.Health.Shutdown()
		}
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("gateway: websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, ClientDeps{
		ValidateToken:   s.validateToken,
		VerifyDeviceJWT: s.verifyDeviceJWT,
		Registry:        s.Registry,
		Sessions:        s.Sessions,
		Delivery:        s.Delivery,
		RateLimiter:     s.RateLimit,
		Dispatch:        s.dispatchInbound,
		Logger:          s.logger,
	})

	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	s.registerClient(client)
	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// dispatchInbound hands a message frame received from a node to the
// configured handler. Dropped (with a log line) when no handler is set.
func (s *Server) dispatchInbound(nodeID string, msg Message) {
	if s.onNodeMessage == nil {
		s.logger.Debug("gateway: node message dropped, no handler", "node", nodeID, "lane", msg.Lane)
		return
	}
	s.onNodeMessage(nodeID, msg)
}

// BroadcastEvent sends an event frame to every connected client.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.SendEvent(event)
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[fmt.Sprintf("%p", c)] = c
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, fmt.Sprintf("%p", c))
}
