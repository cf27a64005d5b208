// Package runtime assembles a core instance: auth gate, agent registry,
// message fabric, planner, persistent store, and the event stream, wired
// per the loaded configuration and driven through one lifecycle.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/planmesh/core/internal/auth"
	"github.com/planmesh/core/internal/config"
	"github.com/planmesh/core/internal/events"
	"github.com/planmesh/core/internal/metrics"
	"github.com/planmesh/core/internal/planner"
	"github.com/planmesh/core/internal/registry"
	"github.com/planmesh/core/internal/router"
	"github.com/planmesh/core/internal/store"
)

// ReservedName is the core's own address on the fabric. Agents cannot
// register it; control operations target it.
const ReservedName = "core"

// Core owns every long-lived component of one instance.
type Core struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	promReg *prometheus.Registry

	bus     events.Emitter
	liveBus *events.Bus
	pubsub  *events.DurableBus

	baseStore store.Store
	store     store.Store
	monitor   *store.Monitor

	keys    *auth.Keyring
	gate    *auth.Gate
	revoker auth.Revoker

	agents *registry.Registry
	fabric *router.Router
	plans  *planner.Planner

	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	startedAt time.Time

	mu       sync.Mutex
	started  bool
	stopped  bool
	shutdown chan struct{}
}

// New wires a core from configuration. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Core, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Core{
		cfg:      cfg,
		logger:   logger.With("component", "core"),
		promReg:  prometheus.NewRegistry(),
		shutdown: make(chan struct{}),
	}
	c.metrics = metrics.NewMetrics(c.promReg)

	// Event stream: in-memory bus, doubled into Pub/Sub when configured.
	if cfg.Events.PubSubProject != "" {
		durable, err := events.NewDurableBus(cfg.Events.PubSubProject, cfg.Events.PubSubTopic, logger)
		if err != nil {
			// The audit stream must not keep the fabric down; fall back
			// to the in-memory bus and keep serving.
			c.logger.Warn("Pub/Sub event sink unavailable, using in-memory bus only",
				"project", cfg.Events.PubSubProject, "error", err)
		} else {
			c.pubsub = durable
			c.liveBus = durable.Bus
			c.bus = durable
		}
	}
	if c.bus == nil {
		c.liveBus = events.NewBus(logger)
		c.bus = c.liveBus
	}

	base, err := store.Open(ctx, cfg.Store.URL, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	c.baseStore = base
	c.monitor = store.NewMonitor(base, c.bus, logger)
	c.store = store.NewInstrumented(base, c.monitor, c.metrics)

	if cfg.Fabric.DataDir != "" {
		c.keys, err = auth.NewKeyring(cfg.Fabric.DataDir)
	} else {
		c.keys, err = auth.NewEphemeralKeyring()
	}
	if err != nil {
		base.Close()
		return nil, fmt.Errorf("load keyring: %w", err)
	}

	c.gate = auth.NewGate(auth.GateConfig{
		Keys:       c.keys,
		Store:      c.store,
		Bus:        c.bus,
		Metrics:    c.metrics,
		SessionTTL: cfg.SessionTTL(),
		Logger:     logger,
	})
	if cfg.Auth.RedisAddr != "" {
		c.revoker, err = auth.NewRedisRevoker(cfg.Auth.RedisAddr, c.gate.ApplyRemoteRevocation, logger)
		if err != nil {
			base.Close()
			return nil, fmt.Errorf("connect revocation fan-out: %w", err)
		}
		c.gate.SetRevoker(c.revoker)
	}

	c.agents = registry.New(registry.Config{
		MaxAgents: cfg.Registry.MaxAgents,
		Store:     c.store,
		Monitor:   c.monitor,
		Bus:       c.bus,
		Metrics:   c.metrics,
		Logger:    logger,
	})

	c.fabric = router.New(router.Config{
		DefaultDeadline: cfg.DefaultDeadline(),
		RingBytes:       cfg.SHMSize(),
		DataDir:         cfg.Fabric.DataDir,
		Registry:        c.agents,
		Bus:             c.bus,
		Metrics:         c.metrics,
		Logger:          logger,
	})

	c.plans = planner.New(planner.Config{
		Capacity:   c.capacityView,
		Thermal:    readThermalLevel,
		Directory:  c.agents,
		Dispatcher: &fabricDispatcher{fabric: c.fabric},
		Store:      c.store,
		Bus:        c.bus,
		Metrics:    c.metrics,
		Logger:     logger,
	})

	// A vanished agent loses its fabric binding and every live session.
	c.agents.OnEvict(func(name string) {
		c.fabric.Unbind(name)
		if n := c.gate.RevokeAllForAgent(context.Background(), name); n > 0 {
			c.logger.Info("Revoked sessions of departed agent", "agent", name, "sessions", n)
		}
	})

	return c, nil
}

// Start seeds the builtin roles and launches the background loops.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("core already started")
	}
	c.started = true
	c.mu.Unlock()

	if err := c.gate.EnsureBuiltinRoles(ctx); err != nil {
		// Degraded store. Builtins still resolve in-process; the monitor
		// keeps probing.
		c.logger.Warn("Could not persist builtin roles", "error", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.runCancel = cancel

	loops := []func(context.Context){
		c.agents.Run,
		c.fabric.Run,
		c.gate.Run,
		c.monitor.Run,
	}
	for _, loop := range loops {
		c.runWG.Add(1)
		go func(fn func(context.Context)) {
			defer c.runWG.Done()
			fn(runCtx)
		}(loop)
	}

	// Audit sink: every security event lands in the store.
	c.runWG.Add(1)
	go func() {
		defer c.runWG.Done()
		events.RunSink(runCtx, c.liveBus, func(ctx context.Context, ev *events.Event) error {
			return c.store.AppendEvent(ctx, ev)
		})
	}()

	c.startedAt = time.Now()
	c.logger.Info("Core started",
		"store", storeLabel(c.cfg.Store.URL),
		"max_agents", c.cfg.Registry.MaxAgents,
		"data_dir", c.cfg.Fabric.DataDir)
	return nil
}

// Shutdown stops the core. With drain, admission closes first and queued
// messages are delivered before the fabric unbinds; without it, the
// fabric stops immediately. Both paths are bounded by ctx.
func (c *Core) Shutdown(ctx context.Context, drain bool) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.shutdown)
	c.mu.Unlock()

	c.bus.Emit(events.TypeShutdown, events.SeverityInfo, "", map[string]interface{}{
		"drain": drain,
	})
	c.logger.Info("Core stopping", "drain", drain)

	c.agents.SetDraining(true)
	c.plans.Drain()

	var fabricErr error
	if drain {
		fabricErr = c.fabric.Shutdown(ctx)
	} else {
		immediate, cancel := context.WithCancel(ctx)
		cancel()
		c.fabric.Shutdown(immediate)
	}

	if err := c.plans.Shutdown(ctx); err != nil {
		c.logger.Warn("Planner shutdown interrupted", "error", err)
	}

	if c.runCancel != nil {
		c.runCancel()
	}
	c.runWG.Wait()

	if c.revoker != nil {
		c.revoker.Close()
	}
	if c.pubsub != nil {
		c.pubsub.Close()
	}
	if err := c.baseStore.Close(); err != nil {
		c.logger.Warn("Store close failed", "error", err)
	}

	c.logger.Info("Core stopped")
	return fabricErr
}

// Stopping is closed when Shutdown begins; servers select on it to exit.
func (c *Core) Stopping() <-chan struct{} {
	return c.shutdown
}

// Health is the snapshot served by the healthz endpoint.
type Health struct {
	Status   string  `json:"status"`
	Store    bool    `json:"store_healthy"`
	Agents   int     `json:"agents"`
	Sessions int     `json:"sessions"`
	UptimeS  float64 `json:"uptime_s"`
}

// Healthz reports liveness. A degraded store demotes the status without
// failing it; the core still serves in-memory.
func (c *Core) Healthz() Health {
	status := "ok"
	healthy := c.monitor.Healthy()
	if !healthy {
		status = "degraded"
	}
	return Health{
		Status:   status,
		Store:    healthy,
		Agents:   c.agents.Count(),
		Sessions: c.gate.SessionCount(),
		UptimeS:  time.Since(c.startedAt).Seconds(),
	}
}

// Component accessors for the API and gateway servers.

func (c *Core) Config() *config.Config             { return c.cfg }
func (c *Core) Gate() *auth.Gate                   { return c.gate }
func (c *Core) Agents() *registry.Registry         { return c.agents }
func (c *Core) Fabric() *router.Router             { return c.fabric }
func (c *Core) Plans() *planner.Planner            { return c.plans }
func (c *Core) Bus() *events.Bus                   { return c.liveBus }
func (c *Core) Store() store.Store                 { return c.store }
func (c *Core) PromRegistry() *prometheus.Registry { return c.promReg }
func (c *Core) Logger() *slog.Logger               { return c.logger }

func storeLabel(url string) string {
	if url == "" {
		return "memory"
	}
	for i := 0; i < len(url); i++ {
		if url[i] == ':' {
			return url[:i]
		}
	}
	return url
}
