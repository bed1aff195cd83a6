package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/WesGarrett/Medallion-Warehouse/internal/config"
	"github.com/WesGarrett/Medallion-Warehouse/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, LookbackWindowHours: 24, FailureRateThreshold: 0.10}
	checker := NewChecker(NewCollector(&mockRuns{}, 0), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&mockRuns{}, 0), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.NotNil(t, checker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckSendsAlerts(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.MonitoringConfig{LookbackWindowHours: 24, StaleRunMins: 1, WebhookURL: srv.URL}
	src := &mockRuns{runs: []model.BatchRun{
		{State: model.StateCoercing, StartedAt: time.Now().Add(-time.Hour)},
	}}
	checker := NewChecker(NewCollector(src, cfg.StaleAfter()), NewAlerter(cfg), cfg)

	assert.Equal(t, 1, checker.check(context.Background(), zap.NewNop()))
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_StaleRunAlertsOncePerEpisode(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.MonitoringConfig{LookbackWindowHours: 24, StaleRunMins: 1, WebhookURL: srv.URL}
	stuck := model.BatchRun{BatchID: "b1", State: model.StateFactLoading, StartedAt: time.Now().Add(-time.Hour)}
	src := &mockRuns{runs: []model.BatchRun{stuck}, pending: []string{"b1"}}
	checker := NewChecker(NewCollector(src, cfg.StaleAfter()), NewAlerter(cfg), cfg)
	ctx := context.Background()

	assert.Equal(t, 1, checker.check(ctx, zap.NewNop()))
	assert.Zero(t, checker.check(ctx, zap.NewNop()), "still stuck, already alerted")
	assert.Equal(t, int32(1), received.Load())

	// The run finishes, then another batch gets stuck.
	src.runs, src.pending = nil, nil
	assert.Zero(t, checker.check(ctx, zap.NewNop()))
	assert.Empty(t, checker.firing)

	src.runs = []model.BatchRun{stuck}
	assert.Equal(t, 1, checker.check(ctx, zap.NewNop()))
	assert.Equal(t, int32(2), received.Load())
}

func TestChecker_Transition(t *testing.T) {
	checker := NewChecker(NewCollector(&mockRuns{}, 0), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})

	started := checker.transition([]Alert{{Type: AlertStaleRuns}, {Type: AlertQuarantineRate}})
	assert.Len(t, started, 2)

	started = checker.transition([]Alert{{Type: AlertStaleRuns}, {Type: AlertBatchFailureRate}})
	assert.Equal(t, []Alert{{Type: AlertBatchFailureRate}}, started)
	assert.Equal(t, map[AlertType]bool{AlertStaleRuns: true, AlertBatchFailureRate: true}, checker.firing)

	assert.Empty(t, checker.transition(nil))
	assert.Empty(t, checker.firing)
}

func TestChecker_CollectErrorSendsNothing(t *testing.T) {
	cfg := config.MonitoringConfig{LookbackWindowHours: 24}
	checker := NewChecker(NewCollector(&mockRuns{runsErr: assert.AnError}, 0), NewAlerter(cfg), cfg)
	assert.Zero(t, checker.check(context.Background(), zap.NewNop()))
}
