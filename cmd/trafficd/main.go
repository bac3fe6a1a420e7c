package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urbanos/trafficd/internal/app"
	"github.com/urbanos/trafficd/internal/config"
	"github.com/urbanos/trafficd/internal/observ"
)

var version = "dev" // set via -ldflags "-X main.version=..."

func main() {
	var cfgPath string
	var strategy string
	var feedMode string
	var oneshotTicks int
	flag.StringVar(&cfgPath, "config", "", "config path (defaults apply when empty)")
	flag.StringVar(&strategy, "strategy", "", "agent strategy: RULE_BASED, RL or MANUAL (overrides config)")
	flag.StringVar(&feedMode, "feed", "", "feed mode: sim, fixture or api (overrides config)")
	flag.IntVar(&oneshotTicks, "oneshot-ticks", 0, "stop after roughly this many agent ticks (for CI)")
	flag.Parse()

	cfg := config.Default()
	if cfgPath != "" {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			log.Fatalf("load config %s: %v", cfgPath, err)
		}
	}

	// Environment overrides keep secrets out of the config file.
	if v := os.Getenv("TRAFFICD_DB_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("TRAFFICD_OPS_TOKEN"); v != "" {
		cfg.Ops.Token = v
	}
	if v := os.Getenv("TRAFFICD_STRATEGY"); v != "" {
		cfg.Agent.Strategy = v
	}

	// Command line beats environment beats file.
	if strategy != "" {
		cfg.Agent.Strategy = strategy
	}
	if feedMode != "" {
		cfg.Feed.Mode = feedMode
	}

	observ.SetVersion(version)
	observ.Log("startup", map[string]any{
		"version":   version,
		"config":    cfgPath,
		"feed_mode": cfg.Feed.Mode,
		"strategy":  cfg.Agent.Strategy,
		"store":     cfg.Store.DSN != "",
		"listen":    cfg.Ops.Listen,
	})

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("wire: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if oneshotTicks > 0 {
		// Bound the run by wall clock: N loop periods plus startup slack.
		budget := time.Duration(float64(oneshotTicks)*cfg.Agent.LoopIntervalS*float64(time.Second)) + 2*time.Second
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
		observ.Log("oneshot", map[string]any{"ticks": oneshotTicks, "budget_ms": budget.Milliseconds()})
	}

	if cfgPath != "" {
		if err := config.Watch(ctx, cfgPath, a.ApplyTunables); err != nil {
			observ.LogError("config_watch_failed", err, map[string]any{"path": cfgPath})
		}
	}

	err = a.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		log.Fatalf("run: %v", err)
	}
}
