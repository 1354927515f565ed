// Package dispatcher runs a bounded worker pool keyed by issue ref,
// guaranteeing at-most-one concurrent action per issue and dropping
// submissions under backpressure rather than queueing them — the next
// reconciler tick will resubmit anything still needed.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kiln-daemon/kiln/internal/reconciler"
	"github.com/kiln-daemon/kiln/internal/ticket"
)

// Execute runs the work an Action describes. The dispatcher is agnostic to
// what an action actually does — Engine wires in the real implementation
// (workflow.Environment.Execute, reset cleanup, column moves, ...).
type Execute func(ctx context.Context, action reconciler.Action) error

type entry struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Dispatcher is a bounded worker pool. It satisfies both
// reconciler.Submitter and reconciler.InFlightChecker so a Reconciler can
// be wired directly against it.
type Dispatcher struct {
	maxWorkers int
	sem        chan struct{}
	execute    Execute
	logger     *slog.Logger

	mu     sync.Mutex
	active map[ticket.IssueRef]*entry
	wg     sync.WaitGroup
}

var _ reconciler.Submitter = (*Dispatcher)(nil)
var _ reconciler.InFlightChecker = (*Dispatcher)(nil)

// New builds a Dispatcher with maxWorkers concurrent slots. maxWorkers <= 0
// is treated as 1.
func New(maxWorkers int, execute Execute, logger *slog.Logger) *Dispatcher {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		maxWorkers: maxWorkers,
		sem:        make(chan struct{}, maxWorkers),
		execute:    execute,
		logger:     logger,
		active:     make(map[ticket.IssueRef]*entry),
	}
}

// Submit implements reconciler.Submitter. A Reset action first cancels and
// waits for any in-flight action on the same issue — reset must proceed
// even though something is running — then runs like any other action.
// Every other kind is dropped (not queued) if the issue already has an
// in-flight action or no worker slot is free.
func (d *Dispatcher) Submit(ctx context.Context, action reconciler.Action) bool {
	if action.Kind == reconciler.ActionReset {
		d.cancelAndWait(action.Ref)
	} else if d.InFlight(action.Ref) {
		d.logger.Debug("dropping submission: issue already in flight", "issue", action.Ref.String(), "kind", action.Kind)
		return false
	}

	select {
	case d.sem <- struct{}{}:
	default:
		d.logger.Debug("dropping submission: no worker slot available", "issue", action.Ref.String(), "max_workers", d.maxWorkers)
		return false
	}

	actionCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	d.mu.Lock()
	d.active[action.Ref] = &entry{cancel: cancel, done: done}
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(actionCtx, cancel, done, action)
	return true
}

func (d *Dispatcher) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}, action reconciler.Action) {
	defer d.wg.Done()
	defer close(done)
	defer func() {
		<-d.sem
		d.mu.Lock()
		delete(d.active, action.Ref)
		d.mu.Unlock()
		cancel()
	}()

	err := d.execute(ctx, action)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		d.logger.Info("action cancelled", "issue", action.Ref.String(), "kind", action.Kind)
	default:
		d.logger.Error("action failed", "issue", action.Ref.String(), "kind", action.Kind, "error", err)
	}
}

// InFlight implements reconciler.InFlightChecker.
func (d *Dispatcher) InFlight(ref ticket.IssueRef) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[ref]
	return ok
}

// cancelAndWait cancels ref's in-flight action, if any, and blocks until
// its goroutine has exited. A no-op when nothing is running for ref.
func (d *Dispatcher) cancelAndWait(ref ticket.IssueRef) {
	d.mu.Lock()
	e, ok := d.active[ref]
	d.mu.Unlock()
	if !ok {
		return
	}
	e.cancel()
	<-e.done
}

// ActiveCount returns the number of actions currently running.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Wait blocks until every dispatched action has finished, for clean
// shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
