// Package monitoring watches batch runs and raises webhook alerts when
// loads fail, quarantine too much, or stall mid-pipeline.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/WesGarrett/Medallion-Warehouse/internal/model"
)

// maxRuns caps how many runs one collection reads.
const maxRuns = 10000

// MetricsSnapshot holds a point-in-time view of load health.
type MetricsSnapshot struct {
	// Batch runs started within the lookback window.
	RunsTotal     int     `json:"runs_total"`
	RunsCommitted int     `json:"runs_committed"`
	RunsFailed    int     `json:"runs_failed"`
	RunsInFlight  int     `json:"runs_in_flight"`
	RunsStale     int     `json:"runs_stale"`
	FailRate      float64 `json:"fail_rate"`

	// Row counts of committed runs.
	RowsRead        int     `json:"rows_read"`
	RowsQuarantined int     `json:"rows_quarantined"`
	QuarantineRate  float64 `json:"quarantine_rate"`

	// Batches with bronze rows but no committed run, regardless of window.
	PendingBatches int `json:"pending_batches"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunSource is the slice of the warehouse the collector reads.
type RunSource interface {
	Runs(ctx context.Context, batchID string, limit int) ([]model.BatchRun, error)
	UncommittedBatches(ctx context.Context) ([]string, error)
}

// Collector gathers load metrics from the warehouse run log.
type Collector struct {
	runs       RunSource
	staleAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a collector. A non-terminal run older than
// staleAfter counts as stale; zero disables the check.
func NewCollector(runs RunSource, staleAfter time.Duration) *Collector {
	return &Collector{runs: runs, staleAfter: staleAfter, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.runs.Runs(ctx, "", maxRuns)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	for _, r := range runs {
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.State {
		case model.StateCommitted:
			snap.RunsCommitted++
			if r.Summary != nil {
				for _, n := range r.Summary.RowsRead {
					snap.RowsRead += n
				}
				for _, n := range r.Summary.Quarantined {
					snap.RowsQuarantined += n
				}
			}
		case model.StateFailed:
			snap.RunsFailed++
		default:
			snap.RunsInFlight++
			if c.staleAfter > 0 && now.Sub(r.StartedAt) > c.staleAfter {
				snap.RunsStale++
			}
		}
	}

	if finished := snap.RunsCommitted + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if snap.RowsRead > 0 {
		snap.QuarantineRate = float64(snap.RowsQuarantined) / float64(snap.RowsRead)
	}

	pending, err := c.runs.UncommittedBatches(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list pending batches")
	}
	snap.PendingBatches = len(pending)

	return snap, nil
}
