// Package cli parses and runs the foundry command lines: the project tool,
// the protocol runner and the scheduler agent.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/seantiz/foundry/internal/config"
	"github.com/seantiz/foundry/internal/protocol"
	"github.com/seantiz/foundry/internal/protocol/builtin"
)

// EnvProject names the project directory when -project is not given.
const EnvProject = "FOUNDRY_PROJECT"

// ExitError is an error that carries the process exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// usageError is returned for malformed command lines.
func usageError(format string, args ...any) *ExitError {
	return &ExitError{Code: 2, Message: fmt.Sprintf(format, args...)}
}

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

// Registry returns the protocol definitions compiled into the binaries.
func Registry() *protocol.Registry {
	r := protocol.NewRegistry()
	builtin.Register(r)
	return r
}

// App runs the foundry project tool.
type App struct {
	Config   config.Config
	Registry *protocol.Registry
	Stdout   io.Writer
	Stderr   io.Writer
}

// NewApp returns an App configured from the environment.
func NewApp(stdout, stderr io.Writer) *App {
	return &App{
		Config:   config.Load(),
		Registry: Registry(),
		Stdout:   stdout,
		Stderr:   stderr,
	}
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, a *App, env *cmdEnv, args []string) error
}

// cmdEnv is what every subcommand receives.
type cmdEnv struct {
	projectPath string
	logger      *slog.Logger
}

var commands = []command{
	{"serve", "run the HTTP API over the project", runServe},
	{"new", "create a protocol: new <class> [flags]", runNew},
	{"list", "list the project's protocols", runList},
	{"show", "print one protocol as JSON: show <id>", runShow},
	{"steps", "list the steps of a protocol: steps <id>", runSteps},
	{"launch", "launch a protocol now: launch <id>", runLaunch},
	{"schedule", "launch a protocol once its inputs are ready: schedule <id>", runSchedule},
	{"schedule-all", "schedule protocols by dependency level: schedule-all [ids]", runScheduleAll},
	{"stop", "stop a protocol: stop <id>", runStop},
	{"reset", "forget a protocol's run: reset <id>", runReset},
	{"delete", "delete a protocol that is not active: delete <id>", runDelete},
	{"continue", "confirm the interactive step of a protocol: continue <id>", runContinue},
	{"graph", "print the dependency graph", runGraph},
	{"hosts", "list the configured hosts", runHosts},
}

// Run parses args and executes the selected subcommand.
func (a *App) Run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("foundry", flag.ContinueOnError)
	fs.SetOutput(a.Stderr)
	fs.Usage = func() {
		fmt.Fprint(a.Stderr, `
Foundry - runs protocols of steps over a project directory.

Usage:
  foundry [options] <command> [arguments]

Commands:
`)
		for _, c := range commands {
			fmt.Fprintf(a.Stderr, "  %-13s %s\n", c.name, c.summary)
		}
		fmt.Fprint(a.Stderr, "\nOptions:\n")
		fs.PrintDefaults()
	}

	projectFlag := fs.String("project", os.Getenv(EnvProject), "Project directory. Defaults to $FOUNDRY_PROJECT or the working directory.")
	logLevelFlag := fs.String("log-level", "", "Override the logging level: 'debug', 'info', 'warn' or 'error'.")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return &ExitError{Code: 2, Message: err.Error()}
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return usageError("no command given")
	}

	level := a.Config.LogLevel
	if *logLevelFlag != "" {
		l, err := parseLevel(*logLevelFlag)
		if err != nil {
			return err
		}
		level = l
	}

	env := &cmdEnv{
		projectPath: *projectFlag,
		logger:      config.NewLogger(a.Stderr, level),
	}
	if env.projectPath == "" {
		env.projectPath = "."
	}

	name := fs.Arg(0)
	for _, c := range commands {
		if c.name == name {
			return c.run(ctx, a, env, fs.Args()[1:])
		}
	}
	fs.Usage()
	return usageError("unknown command %q", name)
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, usageError("invalid log-level: must be 'debug', 'info', 'warn', or 'error'")
}
