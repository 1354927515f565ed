package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/kiln-daemon/kiln/internal/config"
	"github.com/kiln-daemon/kiln/internal/engine"
	"github.com/kiln-daemon/kiln/internal/mcpcheck"
	"github.com/kiln-daemon/kiln/internal/ticket"
)

var version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, `kiln — kanban-driven code generation daemon

Usage:
  kiln run [flags]                Start the daemon
  kiln reset <host/owner/repo#n>  Apply the reset label to an issue
  kiln logs <host/owner/repo#n>   Print the run log paths recorded for an issue

Flags (run):
  --config                    Path to the key=value config file (default: ./.kiln/config)
  --poll-interval              Seconds between reconciliation ticks
  --max-concurrent-workflows   Dispatcher width
  --github-token               GitHub personal access token
  --project-urls               Comma-separated GitHub Projects v2 URLs to watch
  --allowed-username           The one username fully authorized to drive the engine
  --stage-models                Comma-separated stage=model overrides
  --ghes-logs-mask               Redact the GHES hostname and org name from log output
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	subcmd := os.Args[1]
	rest := os.Args[2:]

	var err error
	switch subcmd {
	case "run":
		err = runDaemon(rest)
	case "reset":
		err = runReset(rest)
	case "logs":
		err = runLogs(rest)
	case "--version", "version":
		fmt.Println("kiln " + version)
		return
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "kiln %s: %v\n", subcmd, err)
		os.Exit(1)
	}
}

// runDaemon is the only subcommand the engine itself cares about: every
// other subcommand is an operator utility that talks to the tracker or the
// filesystem directly, never to a running Engine.
func runDaemon(args []string) error {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	config.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(fs)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.App.AppID != 0 {
		if err := config.ValidateMinimumScope(ctx, cfg.App, cfg.GHESBaseURL); err != nil {
			return fmt.Errorf("checking installation scope: %w", err)
		}
	}

	logger := slog.Default()

	if cfg.MCPStartupCheck && cfg.AuxConfigPath != "" {
		if err := checkMCPServers(ctx, cfg.AuxConfigPath, logger); err != nil {
			return err
		}
	}

	e, err := engine.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	if count, err := e.RecoverInFlight(); err != nil {
		logger.Warn("recovering in-flight runs", "error", err)
	} else if count > 0 {
		logger.Info("recovered in-flight runs", "count", count)
	}

	fmt.Fprintf(os.Stderr, "kiln listening for %d project(s), polling every %s\n", len(cfg.ProjectURLs), cfg.PollInterval)

	e.Run(ctx)
	return e.Close(context.Background())
}

// checkMCPServers probes every MCP server in mcpConfigPath and logs each
// result, failing startup if any configured server is unreachable: an
// Implement run discovering a dead tool server hours into a workflow is far
// more expensive than refusing to start.
func checkMCPServers(ctx context.Context, mcpConfigPath string, logger *slog.Logger) error {
	cfg, err := mcpcheck.LoadConfig(mcpConfigPath)
	if err != nil {
		return fmt.Errorf("loading mcp config: %w", err)
	}
	results := mcpcheck.CheckAll(ctx, cfg.MCPServers, 30*time.Second)
	var failed []string
	for _, r := range results {
		if r.Success {
			logger.Info("mcp server reachable", "server", r.ServerName, "tools", r.Tools)
			continue
		}
		logger.Error("mcp server unreachable", "server", r.ServerName, "error", r.Error)
		failed = append(failed, r.ServerName)
	}
	if len(failed) > 0 {
		return fmt.Errorf("mcp startup check failed for: %s", strings.Join(failed, ", "))
	}
	return nil
}

// runReset applies the reset label to an issue via a standalone ticket
// client, without starting the engine: the next running daemon's
// reconciler tick picks up the label and clears the stage labels itself.
func runReset(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: kiln reset <host/owner/repo#number>")
	}
	ref, err := parseIssueRef(args[0])
	if err != nil {
		return err
	}

	cfg, err := config.Load(nil)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	client, err := engine.NewTicketClient(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("constructing ticket client: %w", err)
	}
	return client.AddLabel(context.Background(), ref, "reset")
}

// runLogs lists the per-run log files recorded on disk for an issue, newest
// first, under cfg.LogRoot/<host>/<owner>/<repo>/<issue>/.
func runLogs(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: kiln logs <host/owner/repo#number>")
	}
	ref, err := parseIssueRef(args[0])
	if err != nil {
		return err
	}

	cfg, err := config.Load(nil)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	dir := filepath.Join(cfg.LogRoot, ref.Host, ref.Owner, ref.Repo, strconv.Itoa(ref.Number))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "no runs recorded for %s\n", ref)
			return nil
		}
		return fmt.Errorf("reading %s: %w", dir, err)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].IsDir() {
			continue
		}
		fmt.Println(filepath.Join(dir, entries[i].Name()))
	}
	return nil
}

// parseIssueRef parses "host/owner/repo#number", the format IssueRef.String
// produces.
func parseIssueRef(s string) (ticket.IssueRef, error) {
	hashIdx := strings.LastIndex(s, "#")
	if hashIdx < 0 {
		return ticket.IssueRef{}, fmt.Errorf("expected host/owner/repo#number, got %q", s)
	}
	number, err := strconv.Atoi(s[hashIdx+1:])
	if err != nil {
		return ticket.IssueRef{}, fmt.Errorf("parsing issue number in %q: %w", s, err)
	}
	parts := strings.Split(s[:hashIdx], "/")
	if len(parts) != 3 {
		return ticket.IssueRef{}, fmt.Errorf("expected host/owner/repo#number, got %q", s)
	}
	return ticket.IssueRef{
		RepoRef: ticket.RepoRef{Host: parts[0], Owner: parts[1], Repo: parts[2]},
		Number:  number,
	}, nil
}
