package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/WesGarrett/Medallion-Warehouse/internal/config"
)

// Checker polls batch-run health in the background. An alert is sent when
// its condition first appears and again only after it has cleared, so a
// batch stuck in flight pages once rather than on every tick.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	// firing holds the alert types raised by the previous check.
	firing map[AlertType]bool
}

// NewChecker creates a background batch-health checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		firing:    make(map[AlertType]bool),
	}
}

// Run checks on every tick until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting batch health checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
		zap.Duration("stale_after", c.cfg.StaleAfter()),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("batch health checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

// check collects one snapshot and sends the alerts that started firing. It
// returns how many were delivered.
func (c *Checker) check(ctx context.Context, log *zap.Logger) int {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: collect batch metrics", zap.Error(err))
		return 0
	}

	log.Debug("monitoring: batch status",
		zap.Int("pending_batches", snap.PendingBatches),
		zap.Int("runs_in_flight", snap.RunsInFlight),
		zap.Int("runs_stale", snap.RunsStale),
	)
	if snap.PendingBatches > 0 && snap.RunsInFlight == 0 {
		log.Info("monitoring: batches waiting for a load", zap.Int("pending_batches", snap.PendingBatches))
	}

	alerts := c.alerter.Evaluate(snap)
	started := c.transition(alerts)
	if len(started) == 0 {
		return 0
	}

	sent := c.alerter.SendAlerts(ctx, started)
	log.Info("monitoring: alerts raised",
		zap.Int("firing", len(alerts)),
		zap.Int("started", len(started)),
		zap.Int("sent", sent),
	)
	return sent
}

// transition replaces the firing set with alerts and returns the ones that
// were not firing before.
func (c *Checker) transition(alerts []Alert) []Alert {
	next := make(map[AlertType]bool, len(alerts))
	var started []Alert
	for _, a := range alerts {
		next[a.Type] = true
		if !c.firing[a.Type] {
			started = append(started, a)
		}
	}
	c.firing = next
	return started
}
