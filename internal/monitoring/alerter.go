package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/WesGarrett/Medallion-Warehouse/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertBatchFailureRate AlertType = "batch_failure_rate"
	AlertQuarantineRate   AlertType = "quarantine_rate"
	AlertStaleRuns        AlertType = "stale_runs"
)

// minFinishedRuns is the sample size below which the failure rate is not judged.
const minFinishedRuns = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.RunsCommitted + snap.RunsFailed
	if finished >= minFinishedRuns && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertBatchFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Batch failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RunsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if a.cfg.QuarantineRateThreshold > 0 && snap.QuarantineRate > a.cfg.QuarantineRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertQuarantineRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%.1f%% of rows quarantined (%d of %d) exceeds threshold %.1f%% in last %dh",
				snap.QuarantineRate*100, snap.RowsQuarantined, snap.RowsRead,
				a.cfg.QuarantineRateThreshold*100, snap.LookbackHours,
			),
			Details: map[string]any{
				"quarantine_rate": snap.QuarantineRate,
				"threshold":       a.cfg.QuarantineRateThreshold,
				"quarantined":     snap.RowsQuarantined,
				"rows_read":       snap.RowsRead,
			},
			Timestamp: now,
		})
	}

	if snap.RunsStale > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStaleRuns,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d batch run(s) have not finished after %d minutes",
				snap.RunsStale, a.cfg.StaleRunMins,
			),
			Details: map[string]any{
				"stale":     snap.RunsStale,
				"in_flight": snap.RunsInFlight,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
