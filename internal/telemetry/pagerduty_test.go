package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func withTestEventsURL(t *testing.T, url string) {
	t.Helper()
	original := eventsURL
	eventsURL = url
	t.Cleanup(func() { eventsURL = original })
}

func TestTriggerHibernationAlert_Disabled_NoRequest(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	p := NewPagerDuty("", nil)
	if p.TriggerHibernationAlert(context.Background(), "network down", nil) {
		t.Error("expected disabled client to report no alert sent")
	}
	if called {
		t.Error("expected no HTTP request when PagerDuty is disabled")
	}
}

func TestTriggerHibernationAlert_SendsExpectedPayload(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewPagerDuty("routing-key-123", nil)
	p.Client = srv.Client()
	withTestEventsURL(t, srv.URL)

	if !p.TriggerHibernationAlert(context.Background(), "listing issues: timeout", []string{"https://github.com/orgs/acme/projects/1"}) {
		t.Fatal("expected alert to be sent successfully")
	}
	if body["event_action"] != "trigger" {
		t.Errorf("event_action = %v, want trigger", body["event_action"])
	}
	if body["dedup_key"] != hibernationDedupKey {
		t.Errorf("dedup_key = %v, want %v", body["dedup_key"], hibernationDedupKey)
	}
}

func TestResolveHibernationAlert_SendsResolveAction(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewPagerDuty("routing-key-123", nil)
	p.Client = srv.Client()
	withTestEventsURL(t, srv.URL)

	if !p.ResolveHibernationAlert(context.Background()) {
		t.Fatal("expected resolve to succeed")
	}
	if body["event_action"] != "resolve" {
		t.Errorf("event_action = %v, want resolve", body["event_action"])
	}
}

func TestTriggerHibernationAlert_PermanentOnClientError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewPagerDuty("routing-key-123", nil)
	p.Client = srv.Client()
	withTestEventsURL(t, srv.URL)

	if p.TriggerHibernationAlert(context.Background(), "reason", nil) {
		t.Error("expected alert to report failure on 400")
	}
	if attempts != 1 {
		t.Errorf("expected no retries on a permanent 4xx, got %d attempts", attempts)
	}
}
