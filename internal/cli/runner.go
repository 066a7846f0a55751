package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/seantiz/foundry/internal/config"
	"github.com/seantiz/foundry/internal/engine"
	"github.com/seantiz/foundry/internal/launcher"
	"github.com/seantiz/foundry/internal/project"
	"github.com/seantiz/foundry/internal/protocol"
	"github.com/seantiz/foundry/internal/store"
)

// RunnerArgs is the command line of the protocol runner:
//
//	foundry-run <project> <ledger> <protocol-id> [--stdout F] [--stderr F] [--launch]
type RunnerArgs struct {
	ProjectPath string
	LedgerPath  string
	ProtocolID  int64
	Stdout      string
	Stderr      string
	// Launch starts the runner on this host and prints its pid or job id
	// instead of running the protocol.
	Launch      bool
}

// ParseRunnerArgs parses the runner command line. help is true when usage
// was requested.
func ParseRunnerArgs(args []string, output io.Writer) (ra RunnerArgs, help bool, err error) {
	fs := flag.NewFlagSet("foundry-run", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprint(output, `
Usage:
  foundry-run <project> <ledger> <protocol-id> [options]

Runs one protocol to completion, recording its progress in the ledger.

Options:
`)
		fs.PrintDefaults()
	}
	fs.StringVar(&ra.Stdout, "stdout", "", "File receiving the output of the protocol's jobs.")
	fs.StringVar(&ra.Stderr, "stderr", "", "File receiving the runner's own diagnostics.")
	fs.BoolVar(&ra.Launch, "launch", false, "Start the runner on this host and print its id.")

	positional, err := parseSub(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ra, true, nil
		}
		return ra, false, err
	}
	if len(positional) != 3 {
		fs.Usage()
		return ra, false, usageError("foundry-run: expected <project> <ledger> <protocol-id>")
	}
	ids, err := parseIDs(positional[2:3])
	if err != nil || len(ids) != 1 {
		return ra, false, usageError("foundry-run: invalid protocol id %q", positional[2])
	}
	ra.ProjectPath, ra.LedgerPath, ra.ProtocolID = positional[0], positional[1], ids[0]
	return ra, false, nil
}

// Runner runs or launches one protocol.
type Runner struct {
	Config   config.Config
	Registry *protocol.Registry
	Stdout   io.Writer
	Stderr   io.Writer
}

// Main parses args and runs the protocol they name.
func (r *Runner) Main(ctx context.Context, args []string) error {
	ra, help, err := ParseRunnerArgs(args, r.Stderr)
	if err != nil || help {
		return err
	}
	return r.Run(ctx, ra)
}

// Run executes ra. The runner logs to run.log next to the ledger.
func (r *Runner) Run(ctx context.Context, ra RunnerArgs) error {
	if err := os.MkdirAll(filepath.Dir(ra.LedgerPath), 0o755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(filepath.Dir(ra.LedgerPath), "run.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	defer logFile.Close()
	logger := config.NewLogger(logFile, r.Config.LogLevel).With("protocol_id", ra.ProtocolID)

	ledger, err := store.OpenLedger(ra.LedgerPath)
	if err != nil {
		logger.Error("open ledger", "error", err)
		return err
	}
	defer ledger.Close()

	catalog, err := project.LoadHosts(ra.ProjectPath, r.Config)
	if err != nil {
		logger.Error("load hosts", "error", err)
		return err
	}

	if ra.Launch {
		return r.launch(ctx, ra, ledger, launcher.New(ra.ProjectPath, catalog, r.Config, logger), logger)
	}

	p, err := ledger.GetProtocol(ctx, ra.ProtocolID)
	if err != nil {
		logger.Error("load protocol", "error", err)
		return err
	}
	// A queued runner is known by its job id instead.
	if !p.UsesQueueForProtocol() {
		p.PID = os.Getpid()
		if err := ledger.SaveProtocol(ctx, p); err != nil {
			logger.Error("record runner pid", "error", err)
			return err
		}
	}

	out, closeOut, err := openOutput(ra.Stdout, r.Stdout)
	if err != nil {
		logger.Error("open job output", "error", err)
		return err
	}
	defer closeOut()
	diag, closeDiag, err := openOutput(ra.Stderr, r.Stderr)
	if err != nil {
		logger.Error("open runner stderr", "error", err)
		return err
	}
	defer closeDiag()

	logger.Info("runner started", "pid", os.Getpid(), "ledger", ra.LedgerPath)
	err = engine.New(ledger, r.Registry, catalog, r.Config, logger, out).RunID(ctx, ra.ProtocolID)
	if err != nil {
		logger.Error("protocol run ended with error", "error", err)
		fmt.Fprintf(diag, "protocol %d: %v\n", ra.ProtocolID, err)
		return err
	}
	logger.Info("runner finished")
	return nil
}

// launch starts the runner detached, or submits it to the queue, and prints
// the id the project records.
func (r *Runner) launch(ctx context.Context, ra RunnerArgs, ledger store.Store, l *launcher.Launcher, logger *slog.Logger) error {
	p, err := ledger.GetProtocol(ctx, ra.ProtocolID)
	if err != nil {
		logger.Error("load protocol", "error", err)
		return err
	}
	id, err := l.LaunchLocal(ctx, p)
	if err != nil {
		logger.Error("launch protocol", "error", err)
		return err
	}
	if p.UsesQueueForProtocol() {
		if err := ledger.SaveProtocol(ctx, p); err != nil {
			logger.Warn("record job id in ledger", "job_id", id, "error", err)
		}
	}
	fmt.Fprintln(r.Stdout, id)
	return nil
}

// openOutput returns the job output writer: path opened for appending, or
// fallback when path is empty.
func openOutput(path string, fallback io.Writer) (io.Writer, func(), error) {
	if path == "" {
		return fallback, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}
