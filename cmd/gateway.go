package cmd

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/nxlb/turnplane/internal/bus"
	"github.com/nxlb/turnplane/internal/channels"
	"github.com/nxlb/turnplane/internal/channels/discord"
	"github.com/nxlb/turnplane/internal/channels/telegram"
	"github.com/nxlb/turnplane/internal/config"
	"github.com/nxlb/turnplane/internal/gateway"
	"github.com/nxlb/turnplane/internal/hooks"
	"github.com/nxlb/turnplane/internal/middleware"
	"github.com/nxlb/turnplane/internal/modelrouter"
	"github.com/nxlb/turnplane/internal/providers"
	"github.com/nxlb/turnplane/internal/scheduler"
	"github.com/nxlb/turnplane/internal/sessions"
	"github.com/nxlb/turnplane/internal/store"
	"github.com/nxlb/turnplane/internal/store/file"
	"github.com/nxlb/turnplane/internal/store/pg"
	"github.com/nxlb/turnplane/internal/tracing"
	"github.com/nxlb/turnplane/pkg/protocol"

	"github.com/google/uuid"
)

// runGateway loads config, wires every core component (sessions, hooks,
// middleware, model router, gateway server, channel adapters, scheduler,
// config watcher, tracing) and blocks until interrupted.
func runGateway() error {
	logger := newLogger()
	slog.SetDefault(logger)

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
		Headers:     cfg.Telemetry.Headers,
	})
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	sessManager := sessions.NewManager(config.ExpandHome(cfg.WorkspacePath()))
	stores, err := openStores(cfg, sessManager)
	if err != nil {
		return err
	}

	sessMachine := sessions.NewMachine(sessions.Timeouts{
		SessionTimeout: durationMs(cfg.Gateway.SessionTimeoutMs, 5*time.Minute),
		SuspendTimeout: durationMs(cfg.Gateway.SuspendTimeoutMs, 30*time.Minute),
	})

	registry := gateway.NewRegistry()
	laneCaps := cfg.Gateway.LaneCapacities
	if laneCaps == nil {
		laneCaps = map[string]int{}
	}
	buffer := gateway.NewBuffer(laneCaps)

	// Node-bound traffic stages through the priority buffer and drains in
	// lane order (steer before collect before followup) to each node's
	// transport. Staging and draining happen in the same call today, but
	// the buffer still decides ordering whenever more than one message is
	// queued, and its overflow policy applies per lane.
	flushBuffer := func() {
		for _, m := range buffer.Drain() {
			dispatcher, ok := registry.Dispatcher(m.NodeID)
			if !ok {
				logger.Warn("gateway: buffered message for disconnected node", "node_id", m.NodeID)
				continue
			}
			if err := dispatcher(m); err != nil {
				logger.Warn("gateway: node send failed", "node_id", m.NodeID, "error", err)
			}
		}
	}
	delivery := gateway.NewDeliveryTracker(5, func(msg gateway.PendingMessage) error {
		if _, ok := registry.Dispatcher(msg.NodeID); !ok {
			return errors.New("gateway: node not connected")
		}
		m, _ := msg.Payload.(gateway.Message)
		m.NodeID = msg.NodeID
		m.MessageID = strconv.FormatUint(msg.MessageID, 10)
		if err := buffer.Dispatch(m); err != nil {
			return err
		}
		flushBuffer()
		buffer.SetInFlight(msg.NodeID, m.MessageID)
		return nil
	}, func(msg gateway.PendingMessage) {
		logger.Warn("gateway: message dead-lettered", "node_id", msg.NodeID, "message_id", msg.MessageID)
	})
	delivery.OnAck(func(nodeID string, _ uint64) {
		buffer.SetInFlight(nodeID, "")
	})

	resolver := gateway.NewBindingResolver(gateway.BindingsFromConfig(cfg.Bindings))
	router := gateway.NewRouter(registry,
		gateway.WithBindingResolver(resolver, func(agentID string) (string, bool) {
			_, ok := registry.Get(agentID)
			return agentID, ok
		}),
		gateway.WithConversationBindings(gateway.NewConversationBindings(4096, 3072)),
		gateway.WithDelivery(delivery),
	)
	for id, spec := range cfg.Agents.List {
		if spec.Scope != "" {
			router.SetAgentScope(id, protocol.ConversationScope(spec.Scope))
		}
	}

	health := gateway.NewHealthMonitor(registry,
		durationMs(cfg.Gateway.PingIntervalMs, 15*time.Second),
		durationMs(cfg.Gateway.DeadThresholdMs, 60*time.Second),
		func(nodeID string) (time.Time, bool) {
			if sess, ok := sessMachine.Get(nodeID); ok {
				return sess.LastActivityAt, true
			}
			node, ok := registry.Get(nodeID)
			return node.ConnectedAt, ok
		},
		func(nodeID string) error {
			dispatcher, ok := registry.Dispatcher(nodeID)
			if !ok {
				return errors.New("gateway: node not connected")
			}
			return dispatcher(gateway.Message{Body: "ping"})
		},
		func(nodeID string) {
			logger.Warn("gateway: node marked dead", "node_id", nodeID)
			delivery.Reconnect(nodeID)
		},
		func() {
			if s, ok := stores.Pairing.(interface{ Sweep() }); ok {
				s.Sweep()
			}
		},
	)

	server := gateway.NewServer(&cfg.Gateway, registry, sessMachine, buffer, router, logger)
	server.SetDelivery(delivery)
	server.SetHealthMonitor(health)

	// A steer message arriving while a node still has un-acked work fires
	// the preemption hook: tell the fleet which message to abandon. The
	// node decides whether to honor it; the gateway reports it did.
	buffer.OnPreempt(func(nodeID, inFlightMessageID string) bool {
		server.BroadcastEvent(protocol.EventFrame{
			Type: protocol.FrameEvent,
			Name: protocol.EventAgent,
			Payload: map[string]string{
				"type":       protocol.AgentEventStopReason,
				"node_id":    nodeID,
				"message_id": inFlightMessageID,
			},
		})
		return true
	})
	if cfg.Gateway.Token != "" {
		server.SetTokenValidator(func(token string) (string, bool) {
			if gateway.CompareToken(cfg.Gateway.Token, token) {
				return "owner", true
			}
			return "", false
		})
	}
	if cfg.Gateway.DevicePublicKey != "" {
		pub, err := base64.StdEncoding.DecodeString(cfg.Gateway.DevicePublicKey)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			logger.Warn("gateway: invalid device public key, device-JWT auth disabled")
		} else {
			server.SetDeviceJWTVerifier(gateway.NewEd25519JWTVerifier(ed25519.PublicKey(pub)))
		}
	}

	// The turn pipeline, execution-limits gate, and model router are
	// library components driven by whichever worker node is handling a
	// turn; the gateway constructs them here so a connecting node's
	// configuration (provider keys, loop thresholds) is validated at
	// startup rather than on first use.
	hookBus := hooks.New(logger, 8)
	pipeline := buildPipeline()
	limits := buildExecutionLimits(cfg)
	modelRouter := buildModelRouter(cfg, logger)
	hookBus.OnIntercept("PreModelCall", func(ctx context.Context, data any) (hooks.Result, error) {
		if !cfg.HasAnyProvider() {
			return hooks.Result{Action: hooks.ActionBlock, Reason: "no model provider configured"}, nil
		}
		return hooks.Result{Action: hooks.ActionContinue}, nil
	}, hooks.Options{Priority: 0})
	logger.Info("gateway: turn runtime ready",
		"middlewares", pipeline.Len(),
		"limits", limits != nil,
		"model_router", modelRouter != nil)

	msgBus := bus.NewWithCapacity(256)
	channelMgr := channels.NewManager(msgBus)
	wireChannels(cfg, msgBus, stores, channelMgr, logger)

	// Message frames from a node are agent replies: relay them onto the
	// outbound side of the bus, where the channel manager's dispatcher
	// delivers them to the originating channel adapter.
	server.SetNodeMessageHandler(func(nodeID string, msg gateway.Message) {
		var body struct {
			Content string `json:"content"`
			ChatID  string `json:"chatId"`
		}
		if raw, ok := msg.Body.(json.RawMessage); ok {
			json.Unmarshal(raw, &body)
		}
		chatID := body.ChatID
		if chatID == "" {
			chatID = msg.RoutingContext["peerId"]
		}
		if msg.ChannelID == "" || chatID == "" {
			logger.Warn("gateway: node reply without channel/chat target", "node_id", nodeID)
			return
		}
		msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.ChannelID,
			ChatID:  chatID,
			Content: body.Content,
		})
	})

	// Broadcast bus events fan out two ways: run-scoped agent events drive
	// the channel manager's streaming/reaction forwarding, and everything
	// except internal cache traffic is pushed to connected node clients.
	msgBus.Subscribe("gateway", func(ev bus.Event) {
		if ev.Name == protocol.EventCacheInvalidate {
			return
		}
		channelMgr.HandleBusEvent(ev)
		server.BroadcastEvent(protocol.EventFrame{Type: protocol.FrameEvent, Name: ev.Name, Payload: ev.Payload})
	})

	sched, err := buildScheduler(cfg, msgBus, logger)
	if err != nil {
		return err
	}

	watcher, err := config.NewWatcher(cfgPath, cfg, 500*time.Millisecond, logger)
	if err != nil {
		logger.Warn("gateway: config watcher disabled", "error", err)
	} else {
		watcher.OnUpdate(func(next, old *config.Config) {
			logger.Info("gateway: config reloaded")
		})
		watcher.OnRestartRequired(func(next, old *config.Config) {
			logger.Warn("gateway: config change requires restart", "host", next.Gateway.Host, "port", next.Gateway.Port)
		})
		watcher.Start(ctx)
		defer watcher.Stop()
	}

	// The health monitor's tick loop is started (and shut down) by
	// server.Start alongside the listener.
	if sched != nil {
		sched.Start(ctx)
		defer sched.Stop()
	}

	if err := channelMgr.StartAll(ctx); err != nil {
		logger.Error("gateway: channel startup failed", "error", err)
	}
	defer channelMgr.StopAll(context.Background())

	// Outbound replies are drained by the channel manager's own dispatcher
	// (started in StartAll); the gateway only pumps the inbound direction.
	go pumpInbound(ctx, msgBus, router, stores, cfg, logger)

	logger.Info("gateway: starting", "host", cfg.Gateway.Host, "port", cfg.Gateway.Port)
	return server.Start(ctx)
}

// buildPipeline assembles the turn middleware pipeline in declared order:
// tracing is first so its span wraps every other middleware's work. Each
// worker node that connects extends this same pipeline shape with its own
// tool-facing middlewares before driving a turn.
func buildPipeline() *middleware.Pipeline {
	return middleware.New(tracing.Middleware())
}

// buildExecutionLimits constructs the iteration/wall-clock/loop-detection
// gate a node consults via Check after each turn step.
func buildExecutionLimits(cfg *config.Config) *middleware.ExecutionLimits {
	lc := cfg.ExecutionLimits
	var detector *middleware.LoopDetector
	if lc.LoopDetection.IsEnabled() {
		d, err := middleware.NewLoopDetector(lc.LoopDetection.WindowSize, lc.LoopDetection.RepeatThreshold, lc.LoopDetection.MaxCycleLength)
		if err == nil {
			detector = d
		}
	}
	maxIterations := lc.MaxIterations
	if maxIterations <= 0 {
		maxIterations = cfg.ResolveAgent(cfg.ResolveDefaultAgentID()).MaxToolIterations
	}
	return middleware.NewExecutionLimits(middleware.LimitsConfig{
		MaxIterations:    maxIterations,
		MaxExecutionTime: durationMs(lc.MaxExecutionMs, 10*time.Minute),
		OnDetected:       middleware.LoopPolicy(lc.LoopDetection.OnDetected),
	}, detector)
}

// buildModelRouter wires the provider registry (one factory per configured
// provider with a non-empty API key) behind the model router's retry,
// circuit-breaking, and thinking-downgrade pipeline.
func buildModelRouter(cfg *config.Config, logger *slog.Logger) *modelrouter.Router {
	registry := providers.NewRegistry()
	keysByProvider := map[string][]string{}

	register := func(name string, pc config.ProviderConfig, factory func(apiKey, apiBase string) providers.Provider) {
		if pc.APIKey == "" {
			return
		}
		registry.Register(name, func(apiKey string) providers.Provider { return factory(apiKey, pc.APIBase) })
		keysByProvider[name] = append(keysByProvider[name], pc.APIKey)
	}
	register("anthropic", cfg.Providers.Anthropic, func(apiKey, _ string) providers.Provider {
		return providers.NewAnthropicProvider(apiKey)
	})
	register("openai", cfg.Providers.OpenAI, func(apiKey, apiBase string) providers.Provider {
		return providers.NewOpenAIProvider("openai", apiKey, apiBase, "gpt-4o")
	})
	register("openrouter", cfg.Providers.OpenRouter, func(apiKey, apiBase string) providers.Provider {
		return providers.NewOpenAIProvider("openrouter", apiKey, apiBase, "")
	})
	register("groq", cfg.Providers.Groq, func(apiKey, apiBase string) providers.Provider {
		return providers.NewOpenAIProvider("groq", apiKey, apiBase, "")
	})
	register("dashscope", cfg.Providers.DeepSeek, func(apiKey, apiBase string) providers.Provider {
		return providers.NewDashScopeProvider(apiKey, apiBase, "")
	})

	adapter := providers.NewRouterAdapter(registry)
	routerCfg := modelrouter.DefaultRouterConfig()
	r := modelrouter.New(adapter, providers.Classify, routerCfg, keysByProvider, logger)
	r.OnUsage(func(u modelrouter.Usage) {
		logger.Debug("modelrouter: usage", "prompt_tokens", u.PromptTokens, "completion_tokens", u.CompletionTokens)
	})
	return r
}

func openStores(cfg *config.Config, sessManager *sessions.Manager) (*store.Stores, error) {
	if cfg.IsManagedMode() {
		return pg.NewPGStores(store.StoreConfig{PostgresDSN: cfg.Database.PostgresDSN})
	}
	stores := &store.Stores{Sessions: file.NewFileSessionStore(sessManager)}
	if cfg.Pairing.Enabled {
		pairingStore, err := file.NewPairingStore(pairingStorePath(cfg), file.PairingOptions{
			CodeLength: cfg.Pairing.CodeLength,
			Expiry:     durationMs(cfg.Pairing.ExpiryMs, 10*time.Minute),
			MaxPending: cfg.Pairing.MaxPendingCodes,
		})
		if err != nil {
			return nil, err
		}
		stores.Pairing = pairingStore
	}
	return stores, nil
}

func pairingStorePath(cfg *config.Config) string {
	return filepath.Join(config.ExpandHome(cfg.WorkspacePath()), "pairing.json")
}

// pairingFor returns the pairing store for a channel, honoring the optional
// pairing.channels allow-list (empty means every channel pairs).
func pairingFor(cfg *config.Config, stores *store.Stores, channel string) store.PairingStore {
	if stores.Pairing == nil {
		return nil
	}
	if len(cfg.Pairing.Channels) == 0 {
		return stores.Pairing
	}
	for _, c := range cfg.Pairing.Channels {
		if c == channel {
			return stores.Pairing
		}
	}
	return nil
}

func wireChannels(cfg *config.Config, msgBus *bus.MessageBus, stores *store.Stores, mgr *channels.Manager, logger *slog.Logger) {
	if cfg.Channels.Discord.Enabled {
		ch, err := discord.New(cfg.Channels.Discord, msgBus, pairingFor(cfg, stores, "discord"))
		if err != nil {
			logger.Error("gateway: discord channel init failed", "error", err)
		} else {
			mgr.RegisterChannel(ch.Name(), ch)
		}
	}
	if cfg.Channels.Telegram.Enabled {
		ch, err := telegram.New(cfg.Channels.Telegram, msgBus, pairingFor(cfg, stores, "telegram"))
		if err != nil {
			logger.Error("gateway: telegram channel init failed", "error", err)
		} else {
			mgr.RegisterChannel(ch.Name(), ch)
		}
	}
}

// pumpInbound drains channel-adapter messages off the bus and pushes each
// through the core routing path: record it on its session, resolve the
// target agent, and dispatch to a worker node via the Router (agent
// bindings first, legacy channel bindings second). Routing failures are
// logged and dropped; the channel adapters have no node to fall back to.
func pumpInbound(ctx context.Context, msgBus *bus.MessageBus, router *gateway.Router, stores *store.Stores, cfg *config.Config, logger *slog.Logger) {
	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}

		agentID := msg.AgentID
		if agentID == "" {
			agentID = cfg.ResolveDefaultAgentID()
		}
		kind := sessions.PeerKind(msg.PeerKind)
		if kind == "" {
			kind = sessions.PeerDirect
		}
		sessionKey := msg.SessionKey
		if sessionKey == "" {
			sessionKey = sessions.BuildScopedSessionKey(agentID, msg.Channel, kind, msg.ChatID,
				cfg.Sessions.Scope, cfg.Sessions.DmScope, cfg.Sessions.MainKey)
		}
		if stores.Sessions != nil {
			stores.Sessions.GetOrCreate(sessionKey)
			stores.Sessions.AddMessage(sessionKey, providers.Message{Role: "user", Content: msg.Content})
			stores.Sessions.UpdateMetadata(sessionKey, "", "", msg.Channel)
			if stores.Agents != nil {
				if rec, err := stores.Agents.GetByKey(ctx, agentID); err == nil {
					stores.Sessions.SetAgentInfo(sessionKey, rec.ID, msg.UserID)
				}
			}
		}

		rc := gateway.RoutingContext{
			ChannelID:   msg.Channel,
			PeerID:      msg.SenderID,
			MessageType: string(kind),
		}
		if kind == sessions.PeerGroup {
			rc.GroupID = msg.ChatID
		}
		result, err := router.RouteWithScope(rc, gateway.Message{
			ChannelID: msg.Channel,
			RoutingContext: map[string]string{
				"channelId":   rc.ChannelID,
				"peerId":      rc.PeerID,
				"groupId":     rc.GroupID,
				"messageType": rc.MessageType,
			},
			Body: msg,
			Lane: protocol.LaneCollect,
		}, agentID)
		if err != nil {
			logger.Warn("gateway: inbound message not routable", "channel", msg.Channel, "error", err)
			continue
		}
		logger.Debug("gateway: inbound routed",
			"node", result.NodeID, "conversation", result.Scope.Key, "session", sessionKey)
	}
}

func buildScheduler(cfg *config.Config, msgBus *bus.MessageBus, logger *slog.Logger) (*scheduler.Scheduler, error) {
	if len(cfg.Cron.Jobs) == 0 {
		return nil, nil
	}
	run := func(ctx context.Context, job config.CronJob) error {
		agentID := job.AgentID
		if agentID == "" {
			agentID = cfg.ResolveDefaultAgentID()
		}
		msgBus.PublishInbound(bus.InboundMessage{
			Channel:    "system",
			ChatID:     job.SessionID,
			Content:    job.Prompt,
			AgentID:    agentID,
			SessionKey: sessions.BuildCronSessionKey(agentID, job.Name, uuid.NewString()),
			Metadata:   map[string]string{"cron_job": job.Name},
		})
		return nil
	}
	retry := scheduler.WithRetry(run, scheduler.ToRetryConfig(cfg.Cron), logger)
	return scheduler.New(cfg.Cron.Jobs, retry, logger)
}

func durationMs(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
