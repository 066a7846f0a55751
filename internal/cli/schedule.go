package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/seantiz/foundry/internal/config"
	"github.com/seantiz/foundry/internal/launcher"
	"github.com/seantiz/foundry/internal/process"
	"github.com/seantiz/foundry/internal/project"
	"github.com/seantiz/foundry/internal/protocol"
	"github.com/seantiz/foundry/internal/scheduler"
)

// ScheduleArgs is the command line of the scheduler agent:
//
//	foundry-schedule <project> <ledger> <protocol-id> <log> [--initial_sleep S] [--sleep_time S] [--wait_for IDS]
type ScheduleArgs struct {
	ProjectPath  string
	LedgerPath   string
	ProtocolID   int64
	LogPath      string
	InitialSleep time.Duration
	SleepTime    time.Duration
	WaitFor      []int64
}

// seconds is a duration flag given in seconds or as a Go duration.
type seconds struct{ d *time.Duration }

func (s seconds) String() string {
	if s.d == nil {
		return "0"
	}
	return strconv.FormatFloat(s.d.Seconds(), 'f', -1, 64)
}

func (s seconds) Set(v string) error {
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		*s.d = d
		return nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 {
		return fmt.Errorf("invalid duration %q", v)
	}
	*s.d = time.Duration(secs * float64(time.Second))
	return nil
}

// ParseScheduleArgs parses the scheduler agent command line. Wait ids may
// be given as a comma list, by repeating --wait_for, or as trailing ids.
func ParseScheduleArgs(args []string, output io.Writer) (sa ScheduleArgs, help bool, err error) {
	fs := flag.NewFlagSet("foundry-schedule", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprint(output, `
Usage:
  foundry-schedule <project> <ledger> <protocol-id> <log> [options] [wait-id ...]

Waits until a scheduled protocol's inputs and prerequisites are ready and
launches it.

Options:
`)
		fs.PrintDefaults()
	}
	var waitFor idList
	fs.Var(seconds{&sa.InitialSleep}, "initial_sleep", "Seconds to wait before the first check.")
	fs.Var(seconds{&sa.SleepTime}, "sleep_time", "Base seconds between checks.")
	fs.Var(&waitFor, "wait_for", "Comma separated protocol ids to wait for.")

	positional, err := parseSub(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return sa, true, nil
		}
		return sa, false, err
	}
	if len(positional) < 4 {
		fs.Usage()
		return sa, false, usageError("foundry-schedule: expected <project> <ledger> <protocol-id> <log>")
	}
	ids, err := parseIDs(positional[2:3])
	if err != nil || len(ids) != 1 {
		return sa, false, usageError("foundry-schedule: invalid protocol id %q", positional[2])
	}
	extra, err := parseIDs(positional[4:])
	if err != nil {
		return sa, false, usageError("foundry-schedule: %v", err)
	}

	sa.ProjectPath, sa.LedgerPath, sa.ProtocolID, sa.LogPath = positional[0], positional[1], ids[0], positional[3]
	sa.WaitFor = append(waitFor, extra...)
	return sa, false, nil
}

// Scheduler runs the scheduler agent of one protocol.
type Scheduler struct {
	Config   config.Config
	Registry *protocol.Registry
	Stdout   io.Writer
	Stderr   io.Writer
	// Detach restarts the agent in its own session and returns the new pid.
	// Nil uses process.StartDetached on the current executable.
	Detach   func(argv []string) (int, error)
}

// Main parses args and runs the agent. Unless the launcher already started
// it detached, the agent first restarts itself in a new session so it
// outlives the caller.
func (s *Scheduler) Main(ctx context.Context, args []string) error {
	sa, help, err := ParseScheduleArgs(args, s.Stderr)
	if err != nil || help {
		return err
	}
	if os.Getenv(launcher.EnvDetached) != "1" {
		detach := s.Detach
		if detach == nil {
			detach = detachSelf
		}
		pid, err := detach(args)
		if err != nil {
			return fmt.Errorf("detach scheduler: %w", err)
		}
		fmt.Fprintln(s.Stdout, pid)
		return nil
	}
	return s.Run(ctx, sa, os.Args)
}

func detachSelf(args []string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return 0, err
	}
	argv := append([]string{exe}, args...)
	return process.StartDetached(process.Join(argv...), cwd, []string{launcher.EnvDetached + "=1"}, "", "")
}

// Run waits for the protocol and launches it, logging to sa.LogPath.
func (s *Scheduler) Run(ctx context.Context, sa ScheduleArgs, argv []string) error {
	if err := os.MkdirAll(filepath.Dir(sa.LogPath), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(sa.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open schedule log: %w", err)
	}
	defer logFile.Close()
	logger := config.NewLogger(logFile, s.Config.LogLevel)

	pr, err := project.Open(sa.ProjectPath, s.Config, s.Registry, logger)
	if err != nil {
		logger.Error("open project", "path", sa.ProjectPath, "error", err)
		return err
	}
	defer pr.Close()

	sleep := sa.SleepTime
	if sleep <= 0 {
		sleep = s.Config.SleepTime
	}
	logger.Info("scheduler started", "protocol_id", sa.ProtocolID, "pid", os.Getpid(), "ledger", sa.LedgerPath)
	agent := scheduler.New(pr, sa.ProtocolID, scheduler.Options{
		InitialSleep: sa.InitialSleep,
		SleepTime:    sleep,
		MaxSleep:     s.Config.MaxSleepTime,
		WaitFor:      sa.WaitFor,
		Args:         argv,
	}, logger)
	return agent.Run(ctx)
}
