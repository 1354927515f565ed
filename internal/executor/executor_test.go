package executor

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kiln-daemon/kiln/internal/events"
	"github.com/kiln-daemon/kiln/internal/kilnerr"
)

type recordingHandler struct {
	events []events.Event
}

func (h *recordingHandler) Handle(e events.Event) {
	h.events = append(h.events, e)
}

// fakeExecutor writes a tiny shell script standing in for the external CLI:
// it ignores its flags (--model, --mcp-config, --resume) and just runs body.
func fakeExecutor(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-executor.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fake executor: %v", err)
	}
	return path
}

func TestRun_EmitsSessionMarker(t *testing.T) {
	r := New()
	var log bytes.Buffer

	res, err := r.Run(context.Background(), Invocation{
		Bin:   fakeExecutor(t, `echo "kiln:session:abc123"`),
		Model: "fast",
		Log:   &log,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.SessionID != "abc123" {
		t.Errorf("SessionID = %q, want %q", res.SessionID, "abc123")
	}
	if !strings.Contains(log.String(), "kiln:session:abc123") {
		t.Errorf("expected marker line in log, got: %q", log.String())
	}
}

func TestRun_DispatchesTypedEvents(t *testing.T) {
	r := New()
	h := &recordingHandler{}

	_, err := r.Run(context.Background(), Invocation{
		Bin: fakeExecutor(t, `
echo "kiln:tool:Read:main.go"
echo "working on it"
echo "kiln:log:warn:retrying"
echo "kiln:session:abc123"
`),
		Model:  "fast",
		Events: h,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(h.events) != 5 {
		t.Fatalf("expected 5 events (4 lines + InvocationDone), got %d: %+v", len(h.events), h.events)
	}
	tool, ok := h.events[0].(events.ToolUse)
	if !ok || tool.Name != "Read" || tool.Detail != "main.go" {
		t.Errorf("events[0] = %+v, want ToolUse{Read, main.go}", h.events[0])
	}
	text, ok := h.events[1].(events.AgentText)
	if !ok || text.Text != "working on it" {
		t.Errorf("events[1] = %+v, want AgentText{working on it}", h.events[1])
	}
	logMsg, ok := h.events[2].(events.LogMessage)
	if !ok || logMsg.Level != "warn" || logMsg.Message != "retrying" {
		t.Errorf("events[2] = %+v, want LogMessage{warn, retrying}", h.events[2])
	}
	session, ok := h.events[3].(events.SessionResolved)
	if !ok || session.SessionID != "abc123" {
		t.Errorf("events[3] = %+v, want SessionResolved{abc123}", h.events[3])
	}
	if _, ok := h.events[4].(events.InvocationDone); !ok {
		t.Errorf("events[4] = %+v, want InvocationDone", h.events[4])
	}
}

func TestRun_NonTransientExit_IsTerminal(t *testing.T) {
	r := New()
	var log bytes.Buffer

	_, err := r.Run(context.Background(), Invocation{
		Bin:   fakeExecutor(t, `exit 1`),
		Model: "fast",
		Log:   &log,
	})
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if kilnerr.Classify(err) != kilnerr.WorkflowFailure {
		t.Errorf("Classify = %v, want WorkflowFailure", kilnerr.Classify(err))
	}
}

func TestRun_TransientExit_RetriesThenFails(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(dir, "attempts")

	r := &Runner{MaxRetries: 1}
	var log bytes.Buffer

	_, err := r.Run(context.Background(), Invocation{
		Bin:   fakeExecutor(t, `echo x >> `+counter+`; exit 88`),
		Model: "fast",
		Log:   &log,
		TransientExitCodes: []int{88},
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}

	data, readErr := os.ReadFile(counter)
	if readErr != nil {
		t.Fatalf("reading attempt counter: %v", readErr)
	}
	if got := strings.Count(string(data), "x"); got < 2 {
		t.Errorf("expected at least 2 attempts, got %d", got)
	}
}

func TestRun_PassesModelAndMCPConfigFlags(t *testing.T) {
	r := New()
	var log bytes.Buffer

	_, err := r.Run(context.Background(), Invocation{
		Bin:           fakeExecutor(t, `echo "$@"`),
		Model:         "thorough",
		AuxConfigPath: "/etc/kiln/aux.json",
		Log:           &log,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(log.String(), "--model thorough") {
		t.Errorf("expected --model flag in output, got %q", log.String())
	}
	if !strings.Contains(log.String(), "--mcp-config /etc/kiln/aux.json") {
		t.Errorf("expected --mcp-config flag in output, got %q", log.String())
	}
}

func TestIsTransientExit(t *testing.T) {
	if isTransientExit(1, []int{2, 3}) {
		t.Error("expected 1 not to be transient")
	}
	if !isTransientExit(2, []int{2, 3}) {
		t.Error("expected 2 to be transient")
	}
}
