// Package telemetry wires OpenTelemetry tracing, per-run structured
// logging, and GHES hostname/org masking for the daemon. Every exported
// piece here is optional — a zero-value Config produces working no-ops so
// callers never need to branch on whether telemetry is configured.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/kiln-daemon/kiln/internal/ticket"
)

// Config controls what Init wires up. GHESHost/OrgName drive masking;
// TraceWriter, when nil, disables span export rather than falling back to
// stdout, since a daemon usually runs detached with nothing reading its
// stdout.
type Config struct {
	ServiceName    string
	ServiceVersion string
	TraceWriter    io.Writer
	GHESHost       string
	OrgName        string
}

// Telemetry holds the process-wide tracer provider and masker built by
// Init. Shutdown must be called once, on daemon exit, to flush pending
// spans.
type Telemetry struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	masker   *Masker
}

// Init configures the global OpenTelemetry tracer provider (when
// cfg.TraceWriter is set) and builds the Masker described by
// cfg.GHESHost/cfg.OrgName. Safe to call with a zero Config: Tracer()
// returns a usable no-op tracer and Mask is the identity function.
func Init(cfg Config) (*Telemetry, error) {
	t := &Telemetry{masker: NewMasker(cfg.GHESHost, cfg.OrgName)}

	if cfg.TraceWriter == nil {
		t.tracer = otel.Tracer(cfg.ServiceName)
		return t, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(cfg.TraceWriter), stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("building trace exporter: %w", err)
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	t.provider = provider
	t.tracer = provider.Tracer(cfg.ServiceName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	return t, nil
}

// Tracer returns the tracer Init configured.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Mask applies the configured GHES hostname/org redaction to value. A
// no-op when masking is disabled.
func (t *Telemetry) Mask(value string) string {
	return t.masker.Mask(value)
}

// WrapHandler wraps next with the configured masker, for loggers built
// outside RunLogger (the daemon's own top-level logger). Returns next
// unwrapped when masking is disabled.
func (t *Telemetry) WrapHandler(next slog.Handler) slog.Handler {
	return NewHandler(next, t.masker)
}

// Shutdown flushes and stops the tracer provider. A no-op when tracing was
// never enabled.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// RunLogger opens the per-run log file and wraps it with the masking
// JSON slog handler, mirroring the engine's one-file-per-workflow-run
// layout: .kiln/logs/<host>/<owner>/<repo>/<issue>/<stage>-<timestamp>.log.
// The caller owns the returned file and must Close it.
func (t *Telemetry) RunLogger(logPath string) (*slog.Logger, *os.File, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.Create(logPath)
	if err != nil {
		return nil, nil, fmt.Errorf("creating run log %s: %w", logPath, err)
	}
	handler := NewHandler(slog.NewJSONHandler(f, nil), t.masker)
	return slog.New(handler), f, nil
}

// WriteSessionFile writes the .session companion file next to logPath,
// letting an operator find the executor conversation a run produced. A
// no-op when sessionID is empty — not every run resolves a session.
func WriteSessionFile(logPath, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	sessionPath := logPath[:len(logPath)-len(filepath.Ext(logPath))] + ".session"
	return os.WriteFile(sessionPath, []byte(sessionID), 0o644)
}

// IssueContext formats ref the way per-run log records identify the issue
// they belong to, e.g. "github.com/acme/widgets#42".
func IssueContext(ref ticket.IssueRef) string {
	return fmt.Sprintf("%s/%s/%s#%d", ref.Host, ref.Owner, ref.Repo, ref.Number)
}
