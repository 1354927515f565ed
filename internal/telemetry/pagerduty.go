package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// eventsURL is PagerDuty's Events API v2 endpoint. Variable (not const) so
// tests can redirect it at an httptest server.
var eventsURL = "https://events.pagerduty.com/v2/enqueue"

// hibernationDedupKey correlates every hibernation trigger/resolve to the
// same incident, so repeated hibernation ticks update it instead of
// opening a new one each time.
const hibernationDedupKey = "kiln-hibernation"

// PagerDuty triggers and resolves the hibernation incident when the
// reconciler loses its connection to the ticket tracker. A zero-value
// PagerDuty (empty RoutingKey) makes every call a no-op — callers wire it
// unconditionally and let the routing key gate it, the same way
// init_pagerduty does.
type PagerDuty struct {
	RoutingKey string
	Client     *http.Client
	Logger     *slog.Logger
}

// NewPagerDuty builds a PagerDuty client. routingKey empty disables every
// alert call.
func NewPagerDuty(routingKey string, logger *slog.Logger) *PagerDuty {
	if logger == nil {
		logger = slog.Default()
	}
	return &PagerDuty{RoutingKey: routingKey, Client: &http.Client{Timeout: 10 * time.Second}, Logger: logger}
}

// TriggerHibernationAlert opens or refreshes the hibernation incident.
// Returns false (without error) when PagerDuty isn't configured.
func (p *PagerDuty) TriggerHibernationAlert(ctx context.Context, reason string, projectURLs []string) bool {
	if p == nil || p.RoutingKey == "" {
		return false
	}
	payload := map[string]any{
		"routing_key": p.RoutingKey,
		"event_action": "trigger",
		"dedup_key":    hibernationDedupKey,
		"payload": map[string]any{
			"summary":  fmt.Sprintf("kiln daemon entered hibernation: %s", reason),
			"severity": "warning",
			"source":   "kiln-daemon",
			"custom_details": map[string]any{
				"reason":       reason,
				"project_urls": projectURLs,
				"status":       "hibernating",
			},
		},
	}
	if err := p.send(ctx, payload); err != nil {
		p.Logger.Warn("failed to trigger pagerduty hibernation alert", "error", err)
		return false
	}
	p.Logger.Info("pagerduty alert triggered for hibernation")
	return true
}

// ResolveHibernationAlert closes the hibernation incident once the
// reconciler reaches the tracker successfully again.
func (p *PagerDuty) ResolveHibernationAlert(ctx context.Context) bool {
	if p == nil || p.RoutingKey == "" {
		return false
	}
	payload := map[string]any{
		"routing_key":  p.RoutingKey,
		"event_action": "resolve",
		"dedup_key":    hibernationDedupKey,
	}
	if err := p.send(ctx, payload); err != nil {
		p.Logger.Warn("failed to resolve pagerduty hibernation alert", "error", err)
		return false
	}
	p.Logger.Info("pagerduty alert resolved for hibernation")
	return true
}

func (p *PagerDuty) send(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding pagerduty event: %w", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, eventsURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.Client.Do(req)
		if err != nil {
			return err // transport errors are retryable
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("pagerduty returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("pagerduty returned %d", resp.StatusCode))
		}
		return nil
	}, policy)
}
