package warehouse

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/WesGarrett/Medallion-Warehouse/internal/metrics"
)

// SecondsPerCredit is the query time billed as one credit.
const SecondsPerCredit = 60.0

// Credits converts query time into credits.
func Credits(d time.Duration) float64 {
	return d.Seconds() / SecondsPerCredit
}

// CreditLine aggregates the warehouse calls of one operation.
type CreditLine struct {
	Operation string        `json:"operation"`
	Calls     int           `json:"calls"`
	Elapsed   time.Duration `json:"elapsed"`
	Credits   float64       `json:"credits"`
}

// Tracker accumulates per-operation query time. It is safe for concurrent use.
type Tracker struct {
	mu  sync.Mutex
	ops map[string]*CreditLine
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{ops: make(map[string]*CreditLine)}
}

// Observe records one call of op that took d.
func (t *Tracker) Observe(backend, op string, d time.Duration) {
	metrics.QueryDuration.WithLabelValues(backend, op).Observe(d.Seconds())
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	line, ok := t.ops[op]
	if !ok {
		line = &CreditLine{Operation: op}
		t.ops[op] = line
	}
	line.Calls++
	line.Elapsed += d
	line.Credits = Credits(line.Elapsed)
}

// Report returns one line per operation, most expensive first.
func (t *Tracker) Report() []CreditLine {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]CreditLine, 0, len(t.ops))
	for _, line := range t.ops {
		out = append(out, *line)
	}
	slices.SortFunc(out, func(a, b CreditLine) int {
		if a.Elapsed != b.Elapsed {
			if a.Elapsed > b.Elapsed {
				return -1
			}
			return 1
		}
		if a.Operation < b.Operation {
			return -1
		}
		if a.Operation > b.Operation {
			return 1
		}
		return 0
	})
	return out
}

// Total sums every operation.
func (t *Tracker) Total() CreditLine {
	total := CreditLine{Operation: "total"}
	for _, line := range t.Report() {
		total.Calls += line.Calls
		total.Elapsed += line.Elapsed
	}
	total.Credits = Credits(total.Elapsed)
	return total
}

// Reset clears the accumulated report.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.ops)
}

// Options tunes a backend.
type Options struct {
	// QueryTimeout bounds every warehouse call. Zero means no per-call bound.
	QueryTimeout time.Duration
	// Credits, when set, receives the timing of every call.
	Credits *Tracker
}

// tracer applies the per-call timeout and records query time.
type tracer struct {
	backend string
	opts    Options
}

// begin derives the context of one warehouse call. The returned func must be
// deferred: it releases the context and records the elapsed time.
func (t tracer) begin(ctx context.Context, op string) (context.Context, func()) {
	start := time.Now()
	cancel := context.CancelFunc(func() {})
	if t.opts.QueryTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, t.opts.QueryTimeout)
	}
	return ctx, func() {
		cancel()
		t.opts.Credits.Observe(t.backend, op, time.Since(start))
	}
}
