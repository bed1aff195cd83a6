package model

import (
	"time"
)

// BatchState is a stage of the per-batch load state machine.
type BatchState string

const (
	StatePending          BatchState = "pending"
	StateCoercing         BatchState = "coercing"
	StateDeduplicating    BatchState = "deduplicating"
	StateDimensionLoading BatchState = "dimension_loading"
	StateFactLoading      BatchState = "fact_loading"
	StateCommitted        BatchState = "committed"
	StateFailed           BatchState = "failed"
)

// stateOrder is the forward path through the state machine.
var stateOrder = []BatchState{
	StatePending,
	StateCoercing,
	StateDeduplicating,
	StateDimensionLoading,
	StateFactLoading,
	StateCommitted,
}

// Terminal reports whether no further transition is possible.
func (s BatchState) Terminal() bool {
	return s == StateCommitted || s == StateFailed
}

// CanTransition reports whether moving from s to next is legal: one step
// forward along the stage order, or to Failed from any non-terminal state.
func (s BatchState) CanTransition(next BatchState) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	for i, st := range stateOrder {
		if st == s {
			return i+1 < len(stateOrder) && stateOrder[i+1] == next
		}
	}
	return false
}

// BatchSummary is the persisted outcome of one batch run.
type BatchSummary struct {
	RowsRead    map[Source]int          `json:"rows_read"`
	SilverRows  map[Source]int          `json:"silver_rows"`
	Quarantined map[RejectionKind]int   `json:"quarantined"`
	Dimensions  map[string]UpsertCounts `json:"dimensions"`
	Facts       UpsertCounts            `json:"facts"`
}

// BatchResult is returned by a batch load: the final state, counters, and
// every quarantined record with its reason.
type BatchResult struct {
	BatchID     string                  `json:"batch_id"`
	RunID       string                  `json:"run_id"`
	State       BatchState              `json:"state"`
	RowsRead    map[Source]int          `json:"rows_read"`
	SilverRows  map[Source]int          `json:"silver_rows"`
	Rejections  []Rejection             `json:"rejections"`
	Dimensions  map[string]UpsertCounts `json:"dimensions"`
	Facts       UpsertCounts            `json:"facts"`
	StartedAt   time.Time               `json:"started_at"`
	CompletedAt time.Time               `json:"completed_at"`
	Error       string                  `json:"error,omitempty"`
}

// NewBatchResult returns an empty result in the Pending state.
func NewBatchResult(batchID, runID string, started time.Time) *BatchResult {
	return &BatchResult{
		BatchID:    batchID,
		RunID:      runID,
		State:      StatePending,
		RowsRead:   make(map[Source]int),
		SilverRows: make(map[Source]int),
		Dimensions: make(map[string]UpsertCounts),
		StartedAt:  started,
	}
}

// Committed reports whether the batch reached the Committed state.
func (r *BatchResult) Committed() bool {
	return r.State == StateCommitted
}

// Quarantined counts rejections per kind.
func (r *BatchResult) Quarantined() map[RejectionKind]int {
	out := make(map[RejectionKind]int)
	for _, rej := range r.Rejections {
		out[rej.Kind]++
	}
	return out
}

// Summary projects the result onto its persisted form.
func (r *BatchResult) Summary() BatchSummary {
	return BatchSummary{
		RowsRead:    r.RowsRead,
		SilverRows:  r.SilverRows,
		Quarantined: r.Quarantined(),
		Dimensions:  r.Dimensions,
		Facts:       r.Facts,
	}
}

// BatchRun is one attempt at loading a batch, as recorded in meta.batch_runs.
type BatchRun struct {
	RunID       string        `json:"run_id"`
	BatchID     string        `json:"batch_id"`
	State       BatchState    `json:"state"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Summary     *BatchSummary `json:"summary,omitempty"`
	Error       string        `json:"error,omitempty"`
}
