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

// slackAPIURL is Slack's chat.postMessage endpoint. Variable so tests can
// redirect it at an httptest server.
var slackAPIURL = "https://slack.com/api/chat.postMessage"

// Slack DMs a single configured user when an issue reaches a phase's final
// destination. A zero-value Slack (empty BotToken or UserID) makes every
// call a no-op, the same "missing credential disables the integration"
// shape as PagerDuty.
type Slack struct {
	BotToken string
	UserID   string
	Client   *http.Client
	Logger   *slog.Logger
}

// NewSlack builds a Slack client. An empty botToken or userID disables
// every notification call.
func NewSlack(botToken, userID string, logger *slog.Logger) *Slack {
	if logger == nil {
		logger = slog.Default()
	}
	return &Slack{BotToken: botToken, UserID: userID, Client: &http.Client{Timeout: 10 * time.Second}, Logger: logger}
}

// NotifyPhaseComplete DMs the configured user that issue #issueNumber has
// completed phase. Returns false (without error) when Slack isn't
// configured or the request fails — a missing or failed DM must never block
// the action that triggered it.
func (s *Slack) NotifyPhaseComplete(ctx context.Context, issueURL, phase, issueTitle string, issueNumber int) bool {
	if s == nil || s.BotToken == "" || s.UserID == "" {
		return false
	}
	text := fmt.Sprintf("Issue #%d has completed %s\n%s\n%s", issueNumber, phase, issueTitle, issueURL)
	payload := map[string]any{
		"channel": s.UserID,
		"text":    text,
	}
	if err := s.send(ctx, payload); err != nil {
		s.Logger.Warn("failed to send slack notification", "error", err)
		return false
	}
	s.Logger.Info("slack notification sent", "issue", issueNumber, "phase", phase)
	return true
}

func (s *Slack) send(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding slack payload: %w", err)
	}

	var apiErr string
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	err = backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, slackAPIURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+s.BotToken)
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.Client.Do(req)
		if err != nil {
			return err // transport errors are retryable
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("slack returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("slack returned %d", resp.StatusCode))
		}

		var out struct {
			OK    bool   `json:"ok"`
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding slack response: %w", err))
		}
		if !out.OK {
			// Slack's API returns 200 even on a logical failure.
			apiErr = out.Error
			return backoff.Permanent(fmt.Errorf("slack api error: %s", out.Error))
		}
		return nil
	}, policy)
	if err != nil && apiErr != "" {
		return fmt.Errorf("slack api error: %s", apiErr)
	}
	return err
}
