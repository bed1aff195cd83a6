package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WesGarrett/Medallion-Warehouse/internal/config"
)

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		FailureRateThreshold:    0.10,
		QuarantineRateThreshold: 0.25,
		StaleRunMins:            60,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		RunsTotal:      100,
		RunsCommitted:  95,
		RunsFailed:     5,
		FailRate:       0.05,
		RowsRead:       1000,
		QuarantineRate: 0.02,
		LookbackHours:  24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_FailureRate(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		RunsTotal:     20,
		RunsCommitted: 12,
		RunsFailed:    8,
		FailRate:      0.4,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertBatchFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_FailureRateNeedsSample(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{RunsCommitted: 1, RunsFailed: 2, FailRate: 2.0 / 3.0, LookbackHours: 24}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_QuarantineRate(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		RowsRead:        100,
		RowsQuarantined: 40,
		QuarantineRate:  0.4,
		LookbackHours:   24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertQuarantineRate, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "40 of 100")

	cfg := testMonitoringConfig()
	cfg.QuarantineRateThreshold = 0
	assert.Empty(t, NewAlerter(cfg).Evaluate(snap))
}

func TestAlerter_Evaluate_StaleRuns(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	alerts := a.Evaluate(&MetricsSnapshot{RunsInFlight: 3, RunsStale: 2, LookbackHours: 24})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertStaleRuns, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "2 batch run(s)")
	assert.Contains(t, alerts[0].Message, "60 minutes")
}

func TestAlerter_SendAlerts(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert Alert
		if err := json.NewDecoder(r.Body).Decode(&alert); err != nil || alert.Type == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testMonitoringConfig()
	cfg.WebhookURL = srv.URL
	a := NewAlerter(cfg)

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertBatchFailureRate, Severity: "high", Message: "a"},
		{Type: AlertStaleRuns, Severity: "high", Message: "b"},
	})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testMonitoringConfig()
	cfg.WebhookURL = srv.URL
	sent := NewAlerter(cfg).SendAlerts(context.Background(), []Alert{{Type: AlertStaleRuns}})
	assert.Zero(t, sent)
}

func TestAlerter_SendAlerts_NoWebhook(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())
	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertStaleRuns}}))
}
