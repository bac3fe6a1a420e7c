// Package app assembles the subsystems into one process: construction in
// dependency order, one errgroup supervising the loop goroutines, reverse
// teardown on the way out.
package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/urbanos/trafficd/internal/agent"
	"github.com/urbanos/trafficd/internal/config"
	"github.com/urbanos/trafficd/internal/density"
	"github.com/urbanos/trafficd/internal/detect"
	"github.com/urbanos/trafficd/internal/emergency"
	"github.com/urbanos/trafficd/internal/emit"
	"github.com/urbanos/trafficd/internal/feed"
	"github.com/urbanos/trafficd/internal/incident"
	"github.com/urbanos/trafficd/internal/observ"
	"github.com/urbanos/trafficd/internal/ops"
	"github.com/urbanos/trafficd/internal/predict"
	"github.com/urbanos/trafficd/internal/safety"
	"github.com/urbanos/trafficd/internal/signal"
	"github.com/urbanos/trafficd/internal/store"
	"github.com/urbanos/trafficd/internal/traffic"
)

// Grid geometry. 60 km/h comes out to roughly 16.7 px/s on this scale, which
// is also the posted limit the simulator rolls speeds against.
const (
	gridSpacingPx      = 1000
	gridCruisePxPerSec = 16.7
)

const (
	migrateBudget  = 30 * time.Second
	shutdownBudget = 10 * time.Second
)

// App owns every subsystem handle. Nil store handles mean the process runs
// without persistence: detections stay in the pipeline only as violations,
// incident inference and the audit trail answer 503 at the API.
type App struct {
	cfg config.Root

	bus        *emit.Bus
	hub        *emit.Hub
	outbox     *store.Outbox
	gateway    *store.Gateway
	recorder   *store.EventRecorder
	sampler    *store.HistorySampler
	grid       *traffic.Grid
	tracker    *density.Tracker
	signals    *signal.Sim
	kernel     *safety.Kernel
	engine     *predict.Engine
	alerts     *predict.AlertManager
	broadcast  *predict.Broadcaster
	detections *detect.Logger
	enforcer   *detect.Enforcer
	incidents  *incident.Registry
	corridors  *emergency.Registry
	agent      *agent.Agent
	watchdog   *safety.Watchdog
	producer   feed.Producer
	ingest     *feed.Ingest
	ops        *ops.Server
}

// New constructs the registry in dependency order: store, bus, density,
// signals, safety, prediction, detection, incidents, corridors, agent,
// watchdog, feed, ops.
func New(cfg config.Root) (*App, error) {
	a := &App{cfg: cfg}

	if cfg.Store.DSN != "" {
		outbox, err := store.NewOutbox(cfg.Store.OutboxDir)
		if err != nil {
			return nil, fmt.Errorf("app: outbox: %w", err)
		}
		gateway, err := store.Open(store.Config{
			DSN:              cfg.Store.DSN,
			AgentLogBatch:    cfg.Store.Batch.AgentLogSize,
			AgentLogInterval: time.Duration(cfg.Store.Batch.AgentLogIntervalS) * time.Second,
			BreakerFailures:  uint32(cfg.Store.Breaker.Failures),
			BreakerReset:     time.Duration(cfg.Store.Breaker.ResetS) * time.Second,
		}, outbox)
		if err != nil {
			return nil, fmt.Errorf("app: store: %w", err)
		}
		a.outbox = outbox
		a.gateway = gateway
	} else {
		observ.Log("app_store_disabled", map[string]any{"reason": "no dsn configured"})
	}

	a.bus = emit.NewBus(cfg.Emit.SubscriberBuffer)
	a.hub = emit.NewHub(a.bus, cfg.Emit.WS.RatePerSec, cfg.Emit.WS.Burst)
	if a.gateway != nil {
		a.recorder = store.NewEventRecorder(a.gateway, a.bus)
	}

	a.grid = traffic.NewGrid(cfg.Feed.GridRows, cfg.Feed.GridCols, gridSpacingPx, gridCruisePxPerSec)

	source := traffic.SourceSimulation
	if cfg.Feed.Mode == "api" {
		source = traffic.SourceAPI
	}
	a.tracker = density.NewTracker(densityConfig(cfg, source), a.bus)
	a.tracker.InitializeRoads(a.grid.Roads(), gridJunctions(a.grid))

	a.signals = signal.NewSim(a.grid.JunctionIDs(), nil)

	a.kernel = safety.New(safety.Config{
		Rules: safety.Rules{
			MinRed:             time.Duration(cfg.Safety.MinRedTimeS) * time.Second,
			MinGreen:           time.Duration(cfg.Safety.MinGreenTimeS) * time.Second,
			MaxRed:             time.Duration(cfg.Safety.MaxRedTimeS) * time.Second,
			AllRedGrace:        time.Duration(cfg.Safety.AllRedGraceS) * time.Second,
			AllowOpposingGreen: cfg.Safety.AllowOpposingGreen,
		},
		FailsafePattern: cfg.Safety.FailsafePattern,
	}, a.signals, a.bus)

	a.engine = predict.NewEngine(predict.Config{
		Algorithm:   predict.Algorithm(cfg.Prediction.Algorithm),
		HorizonsMin: cfg.Prediction.HorizonsMin,
		Alpha:       cfg.Prediction.Alpha,
		Beta:        cfg.Prediction.Beta,
		Window:      cfg.Prediction.Window,
	}, a.tracker)
	a.alerts = predict.NewAlertManager(
		time.Duration(cfg.Prediction.AlertCooldownS)*time.Second,
		traffic.CongestionLevel(cfg.Prediction.AlertLevel),
	)
	a.broadcast = predict.NewBroadcaster(a.engine, a.alerts, a.bus,
		time.Duration(cfg.Prediction.BroadcastIntervalS)*time.Second)

	if a.gateway != nil {
		a.detections = detect.NewLogger(detect.Config{
			BufferSize:      cfg.Detection.BufferSize,
			FlushInterval:   time.Duration(cfg.Detection.FlushIntervalS) * time.Second,
			Retention:       time.Duration(cfg.Detection.RetentionHours) * time.Hour,
			QuarantineAfter: cfg.Detection.QuarantineAfter,
		}, a.gateway, a.outbox)
		a.incidents = incident.NewRegistry(incident.Config{
			HistoryWindow: time.Duration(cfg.Incident.HistoryWindowMin) * time.Minute,
			MaxSpeedKmh:   cfg.Incident.MaxSpeedKmh,
			TopK:          cfg.Incident.TopK,
			Tau:           time.Duration(cfg.Incident.TauS) * time.Second,
		}, a.gateway, a.grid)
		a.sampler = store.NewHistorySampler(a.tracker, a.gateway,
			time.Duration(cfg.Store.HistorySampleIntervalS)*time.Second)
	}
	a.enforcer = detect.NewEnforcer(a.signals, a.tracker, a.bus)

	a.corridors = emergency.NewRegistry(emergency.Config{
		TTL: time.Duration(cfg.Emergency.CorridorTTLS) * time.Second,
	}, a.kernel, a.grid, a.bus)

	strat, err := buildStrategy(cfg)
	if err != nil {
		return nil, err
	}
	var logSink agent.LogSink
	if a.gateway != nil {
		logSink = a.gateway
	}
	a.agent = agent.New(agent.Config{
		Period:        time.Duration(cfg.Agent.LoopIntervalS * float64(time.Second)),
		GreenDuration: time.Duration(cfg.Agent.GreenDurationS) * time.Second,
		TopKPredict:   cfg.Agent.TopKPredict,
	}, a.kernel, a.tracker, a.signals, strat, a.engine, logSink)
	if rl, ok := strat.(*agent.RL); ok {
		a.engine.SetCritic(rl)
	}

	a.watchdog = safety.NewWatchdog(safety.WatchdogConfig{
		Interval:            time.Duration(cfg.Watchdog.IntervalS) * time.Second,
		MaxAgentLag:         time.Duration(cfg.Watchdog.MaxAgentLagS) * time.Second,
		MaxActuatorLag:      time.Duration(cfg.Watchdog.MaxActuatorLagS) * time.Second,
		CheckBudget:         time.Duration(cfg.Watchdog.CheckBudgetMs) * time.Millisecond,
		EmergencyIdleRevert: time.Duration(cfg.Watchdog.EmergencyIdleRevertS) * time.Second,
		RejectEscalation:    cfg.Watchdog.RejectEscalationTicks,
	}, a.kernel, a.signals, a.agent, a.corridors)

	if err := a.buildFeed(); err != nil {
		return nil, err
	}

	var detReader ops.DetectionReader
	if a.gateway != nil {
		detReader = a.gateway
	}
	var ingest ops.VehicleIngest
	if a.ingest != nil {
		ingest = a.ingest
	}
	a.ops = ops.NewServer(ops.Config{Listen: cfg.Ops.Listen, Token: cfg.Ops.Token}, ops.Deps{
		Kernel:     a.kernel,
		Agent:      a.agent,
		Corridors:  a.corridors,
		Incidents:  a.incidents,
		Tracker:    a.tracker,
		Predictor:  a.engine,
		Enforcer:   a.enforcer,
		Detections: detReader,
		Ingest:     ingest,
		Emitter:    a.bus,
		WS:         a.hub,
	})
	return a, nil
}

// buildFeed picks the frame producer for the configured mode. api mode has
// no producer goroutine; frames arrive through the ops ingest endpoint.
func (a *App) buildFeed() error {
	sink := detectionSink{logger: a.detections, enforcer: a.enforcer}
	switch a.cfg.Feed.Mode {
	case "fixture":
		fx, err := feed.LoadFixture(a.cfg.Feed.FixturePath, a.tracker, sink, a.bus)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.producer = fx
	case "api":
		a.ingest = feed.NewIngest(a.tracker, sink, a.bus)
	default:
		sim, err := feed.NewSim(feed.SimConfig{
			Seed:     a.cfg.Feed.Seed,
			Vehicles: a.cfg.Feed.Vehicles,
		}, a.grid, a.tracker, sink, a.bus)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.producer = sim
	}
	return nil
}

func densityConfig(cfg config.Root, source traffic.Source) density.Config {
	return density.Config{
		RetentionSeconds:    cfg.Density.RetentionSeconds,
		LowVehicles:         cfg.Density.Thresholds.LowVehicles,
		MediumVehicles:      cfg.Density.Thresholds.MediumVehicles,
		LowScore:            cfg.Density.Thresholds.LowScore,
		MediumScore:         cfg.Density.Thresholds.MediumScore,
		TrendSlopeThreshold: cfg.Density.TrendSlopeThreshold,
		Source:              source,
	}
}

// ApplyTunables absorbs a config reload on a running app. Only knobs the
// subsystems can move live are applied; listen addresses, the DSN and the
// grid shape need a restart.
func (a *App) ApplyTunables(cfg config.Root) {
	a.tracker.SetThresholds(densityConfig(cfg, ""))
	observ.Log("app_tunables_applied", map[string]any{
		"low_vehicles":    cfg.Density.Thresholds.LowVehicles,
		"medium_vehicles": cfg.Density.Thresholds.MediumVehicles,
	})
}

func buildStrategy(cfg config.Root) (agent.Strategy, error) {
	greenDur := time.Duration(cfg.Agent.GreenDurationS) * time.Second
	switch cfg.Agent.Strategy {
	case agent.StrategyRuleBased:
		return agent.NewRuleBased(time.Duration(cfg.Safety.MinGreenTimeS) * time.Second), nil
	case agent.StrategyRL:
		policy := agent.DefaultPolicy()
		if cfg.Agent.PolicyPath != "" {
			loaded, err := agent.LoadPolicy(cfg.Agent.PolicyPath)
			if err != nil {
				// a bad weights file must not keep the control plane down
				observ.LogError("app_policy_load_failed", err, map[string]any{"path": cfg.Agent.PolicyPath})
			} else {
				policy = loaded
			}
		}
		return agent.NewRL(policy, greenDur), nil
	case agent.StrategyManual:
		return agent.Manual{}, nil
	}
	return nil, fmt.Errorf("app: unknown strategy %q", cfg.Agent.Strategy)
}

// Run migrates the schema, starts every loop under one errgroup and blocks
// until the context ends or a subsystem fails, then tears down in reverse.
func (a *App) Run(ctx context.Context) error {
	if a.gateway != nil {
		mctx, cancel := context.WithTimeout(ctx, migrateBudget)
		err := a.gateway.Migrate(mctx)
		cancel()
		if err != nil {
			return fmt.Errorf("app: migrate: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	if a.gateway != nil {
		g.Go(func() error { a.gateway.Run(ctx); return nil })
		g.Go(func() error { a.recorder.Run(ctx); return nil })
		g.Go(func() error { a.sampler.Run(ctx); return nil })
		g.Go(func() error { a.detections.Run(ctx); return nil })
	}
	g.Go(func() error { a.hub.Start(ctx); return nil })
	g.Go(func() error { a.watchdog.Run(ctx); return nil })
	g.Go(func() error { a.broadcast.Run(ctx); return nil })
	g.Go(func() error { a.corridors.Run(ctx); return nil })
	if a.producer != nil {
		g.Go(func() error { return a.producer.Run(ctx) })
	}
	g.Go(func() error { return a.ops.Run(ctx) })

	if err := a.agent.Start(ctx); err != nil {
		return fmt.Errorf("app: agent: %w", err)
	}

	observ.Log("app_ready", map[string]any{
		"listen":    a.cfg.Ops.Listen,
		"feed_mode": a.cfg.Feed.Mode,
		"strategy":  a.agent.StrategyName(),
		"junctions": len(a.grid.JunctionIDs()),
		"roads":     len(a.grid.Roads()),
		"store":     a.gateway != nil,
	})

	err := g.Wait()
	a.teardown()
	return err
}

// teardown runs after every supervised loop has exited. The detection
// logger force-flushed on its own way out; what is left is the agent's
// grace stop, the batched agent logs, the bus, and the outbox.
func (a *App) teardown() {
	sctx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()

	if err := a.agent.Stop(); err != nil {
		observ.LogError("app_agent_stop_failed", err, nil)
	}
	if a.gateway != nil {
		if err := a.gateway.FlushAgentLogs(sctx); err != nil {
			observ.LogError("app_agent_log_flush_failed", err, nil)
		}
	}
	a.bus.Close()
	if a.gateway != nil {
		if n, err := a.gateway.DrainOutbox(sctx); err != nil {
			observ.LogError("app_outbox_drain_failed", err, map[string]any{"replayed": n})
		} else if n > 0 {
			observ.Log("app_outbox_drained", map[string]any{"replayed": n})
		}
		if err := a.gateway.Close(); err != nil {
			observ.LogError("app_store_close_failed", err, nil)
		}
	}
	observ.Log("app_stopped", nil)
}

// detectionSink fans a junction passage to the detection logger and the
// violation enforcer. A validation reject skips enforcement too.
type detectionSink struct {
	logger   *detect.Logger
	enforcer *detect.Enforcer
}

func (s detectionSink) Record(d detect.Detection) error {
	if s.logger != nil {
		if err := s.logger.Record(d); err != nil {
			return err
		}
	}
	s.enforcer.Inspect(d)
	return nil
}

func gridJunctions(g *traffic.Grid) []traffic.Junction {
	ids := g.JunctionIDs()
	out := make([]traffic.Junction, 0, len(ids))
	for _, id := range ids {
		if j, ok := g.Junction(id); ok {
			out = append(out, j)
		}
	}
	return out
}
