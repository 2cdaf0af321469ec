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

	"github.com/rc-worldmap/worldmap/internal/config"
)

// minProcessedForSkipRate keeps a handful of unresolvable names from
// tripping the skip-rate alert.
const minProcessedForSkipRate = 20

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunAborted   AlertType = "run_aborted"
	AlertSkipRate     AlertType = "skip_rate"
	AlertStaleGeocode AlertType = "stale_geocode"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds
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
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if snap.Aborted > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertRunAborted,
			Severity: "high",
			Message:  fmt.Sprintf("%d run(s) aborted in last %dh", snap.Aborted, snap.LookbackHours),
			Details: map[string]any{
				"aborted":    snap.Aborted,
				"runs":       snap.Runs,
				"last_error": snap.LastError,
			},
			Timestamp: now,
		})
	}

	if a.cfg.SkipRateThreshold > 0 && snap.Processed >= minProcessedForSkipRate &&
		snap.SkipRate > a.cfg.SkipRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertSkipRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Geocode skip rate %.1f%% exceeds threshold %.1f%% (%d skipped / %d processed in last %dh)",
				snap.SkipRate*100, a.cfg.SkipRateThreshold*100,
				snap.Skipped, snap.Processed, snap.LookbackHours,
			),
			Details: map[string]any{
				"skip_rate": snap.SkipRate,
				"threshold": a.cfg.SkipRateThreshold,
				"skipped":   snap.Skipped,
				"processed": snap.Processed,
			},
			Timestamp: now,
		})
	}

	if a.cfg.StaleAfterHours > 0 {
		stale := time.Duration(a.cfg.StaleAfterHours) * time.Hour
		if snap.LastGeocodeAt == nil || now.Sub(*snap.LastGeocodeAt) > stale {
			msg := "No committed geocode run on record"
			if snap.LastGeocodeAt != nil {
				msg = fmt.Sprintf("Last committed geocode run finished %s ago",
					now.Sub(*snap.LastGeocodeAt).Round(time.Minute))
			}
			alerts = append(alerts, Alert{
				Type:      AlertStaleGeocode,
				Severity:  "medium",
				Message:   msg,
				Details:   map[string]any{"stale_after_hours": a.cfg.StaleAfterHours},
				Timestamp: now,
			})
		}
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
