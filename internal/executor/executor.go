// Package executor supervises subprocess execution of the external
// code-generation CLI: prompt injection, per-stage model selection, session
// resumption, timeout/cancellation, and transient-exit retry.
package executor

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kiln-daemon/kiln/internal/events"
	"github.com/kiln-daemon/kiln/internal/kilnerr"
	"github.com/kiln-daemon/kiln/internal/shell"
)

// sessionMarkerRe extracts a session id from a structured marker the
// executor may emit on its own line. The exact shape is the external
// binary's contract; this is the opaque regex the implementation refreshes
// as that contract evolves.
var sessionMarkerRe = regexp.MustCompile(`(?i)kiln:session:([a-zA-Z0-9_-]+)`)

// toolMarkerRe and logMarkerRe recognize the same family of structured
// markers as sessionMarkerRe, one line each, so a caller watching
// inv.Events gets typed progress instead of raw text.
var (
	toolMarkerRe = regexp.MustCompile(`(?i)^kiln:tool:([^:]+):(.*)$`)
	logMarkerRe  = regexp.MustCompile(`(?i)^kiln:log:([^:]+):(.*)$`)
)

// Invocation describes one executor run.
type Invocation struct {
	Bin string // executor binary name/path

	Model         string // --model value, per stage
	Prompt        string // piped to stdin
	Dir           string // working directory, the issue's workspace
	AuxConfigPath string // resolved third-party tool config, injected per workspace
	SessionID     string // prior session id to resume, if known

	WallClockTimeout time.Duration // default 60m
	IdleTimeout      time.Duration // default 10m
	GracePeriod      time.Duration // default 30s, on cancellation

	Log io.Writer // run log destination; receives each line as it streams

	// Events, when set, receives a typed events.Event for every line the
	// executor streams, in addition to the raw write to Log.
	Events events.EventHandler

	// TransientExitCodes marks exit codes that indicate a retryable
	// network/authentication failure, per the executor's own contract.
	TransientExitCodes []int
}

// Result is the outcome of a settled invocation.
type Result struct {
	SessionID string
	ExitCode  int
	Output    string
}

// Runner invokes the executor CLI, enforcing the wall-clock and
// idle-output timeouts and retrying transient failures with backoff.
type Runner struct {
	MaxRetries uint64 // default 2, per spec's "up to 2 retries"
}

// New returns a Runner with the default retry budget.
func New() *Runner {
	return &Runner{MaxRetries: 2}
}

// Run launches the executor, streaming its output to inv.Log, and blocks
// until it exits, the wall-clock timeout fires, the idle-output timeout
// fires, or ctx is cancelled. Transient exits are retried with exponential
// backoff (30s, 90s); any other non-zero exit is terminal.
func (r *Runner) Run(ctx context.Context, inv Invocation) (Result, error) {
	wallClock := inv.WallClockTimeout
	if wallClock <= 0 {
		wallClock = 60 * time.Minute
	}
	idle := inv.IdleTimeout
	if idle <= 0 {
		idle = 10 * time.Minute
	}

	var result Result
	attempt := func() error {
		res, err := r.runOnce(ctx, inv, wallClock, idle)
		result = res
		if err == nil {
			return nil
		}
		if isTransientExit(res.ExitCode, inv.TransientExitCodes) {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 30 * time.Second
	b.Multiplier = 3 // 30s, 90s
	policy := backoff.WithContext(backoff.WithMaxRetries(b, r.MaxRetries), ctx)

	err := backoff.Retry(attempt, policy)
	if err != nil {
		return result, kilnerr.Wrap(kilnerr.ClassifyExitCode(result.ExitCode), err)
	}
	return result, nil
}

func (r *Runner) runOnce(ctx context.Context, inv Invocation, wallClock, idle time.Duration) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, wallClock)
	defer cancel()

	var mu sync.Mutex
	lastLine := time.Now()
	var output []byte
	var sessionID string
	var turns int

	idleCtx, idleCancel := context.WithCancel(runCtx)
	defer idleCancel()

	watchdog := time.NewTicker(idle / 10)
	if idle < 10*time.Second {
		watchdog.Reset(time.Second)
	}
	defer watchdog.Stop()
	go func() {
		for {
			select {
			case <-idleCtx.Done():
				return
			case <-watchdog.C:
				mu.Lock()
				stale := time.Since(lastLine)
				mu.Unlock()
				if stale > idle {
					idleCancel()
					return
				}
			}
		}
	}()

	gracePeriod := inv.GracePeriod
	if gracePeriod <= 0 {
		gracePeriod = 30 * time.Second
	}
	runner := &shell.Runner{Dir: inv.Dir, GracePeriod: gracePeriod}
	args := buildArgs(inv)

	onLine := func(line string, recv time.Time) {
		mu.Lock()
		lastLine = recv
		output = append(output, line...)
		output = append(output, '\n')
		mu.Unlock()
		if inv.Log != nil {
			fmt.Fprintln(inv.Log, line)
		}
		if m := sessionMarkerRe.FindStringSubmatch(line); m != nil {
			mu.Lock()
			sessionID = m[1]
			mu.Unlock()
			if inv.Events != nil {
				inv.Events.Handle(events.SessionResolved{SessionID: m[1]})
			}
			return
		}
		if inv.Events == nil {
			return
		}
		if m := toolMarkerRe.FindStringSubmatch(line); m != nil {
			mu.Lock()
			turns++
			mu.Unlock()
			inv.Events.Handle(events.ToolUse{Name: m[1], Detail: m[2]})
			return
		}
		if m := logMarkerRe.FindStringSubmatch(line); m != nil {
			inv.Events.Handle(events.LogMessage{Level: m[1], Message: m[2]})
			return
		}
		mu.Lock()
		turns++
		mu.Unlock()
		inv.Events.Handle(events.AgentText{Text: line})
	}

	start := time.Now()
	_, err := runner.RunWithStdinStreaming(idleCtx, inv.Prompt, onLine, inv.Bin, args...)

	mu.Lock()
	res := Result{SessionID: sessionID, Output: string(output)}
	numTurns := turns
	mu.Unlock()

	if inv.Events != nil {
		inv.Events.Handle(events.InvocationDone{NumTurns: numTurns, DurationMS: time.Since(start).Milliseconds()})
	}

	if err == nil {
		return res, nil
	}

	if exitErr, ok := err.(*shell.ExitError); ok {
		res.ExitCode = exitErr.Code
		return res, exitErr
	}

	if idleCtx.Err() != nil && runCtx.Err() == nil {
		return res, fmt.Errorf("idle timeout after %s: %w", idle, err)
	}
	if runCtx.Err() != nil {
		return res, fmt.Errorf("wall-clock timeout after %s: %w", wallClock, err)
	}
	return res, err
}

func buildArgs(inv Invocation) []string {
	args := []string{"--model", inv.Model}
	if inv.AuxConfigPath != "" {
		args = append(args, "--mcp-config", inv.AuxConfigPath)
	}
	if inv.SessionID != "" {
		args = append(args, "--resume", inv.SessionID)
	}
	return args
}

func isTransientExit(code int, transientCodes []int) bool {
	for _, c := range transientCodes {
		if c == code {
			return true
		}
	}
	return false
}
