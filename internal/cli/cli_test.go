package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/foundry/internal/config"
	"github.com/seantiz/foundry/internal/launcher"
	"github.com/seantiz/foundry/internal/model"
)

func newTestApp(t *testing.T) (*App, *bytes.Buffer, *bytes.Buffer, string) {
	t.Helper()
	cfg := config.Load()
	cfg.DBDriver = "sqlite"
	cfg.DBDSN = ""
	cfg.HostsFile = ""
	cfg.LogLevel = slog.LevelError

	var stdout, stderr bytes.Buffer
	app := &App{Config: cfg, Registry: Registry(), Stdout: &stdout, Stderr: &stderr}
	return app, &stdout, &stderr, t.TempDir()
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{errors.New("boom"), 1},
		{&ExitError{Code: 2, Message: "usage"}, 2},
		{usageError("bad %s", "flag"), 2},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestParseRunnerArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    RunnerArgs
		help    bool
		wantErr bool
	}{
		{
			name: "flags after positionals",
			args: []string{"/p", "/p/runs/1/logs/run.db", "7", "--stdout", "out", "--stderr", "err"},
			want: RunnerArgs{ProjectPath: "/p", LedgerPath: "/p/runs/1/logs/run.db", ProtocolID: 7, Stdout: "out", Stderr: "err"},
		},
		{
			name: "launch",
			args: []string{"/p", "ledger", "3", "--launch"},
			want: RunnerArgs{ProjectPath: "/p", LedgerPath: "ledger", ProtocolID: 3, Launch: true},
		},
		{name: "missing id", args: []string{"/p", "ledger"}, wantErr: true},
		{name: "bad id", args: []string{"/p", "ledger", "x"}, wantErr: true},
		{name: "unknown flag", args: []string{"/p", "ledger", "1", "--nope"}, wantErr: true},
		{name: "help", args: []string{"-h"}, help: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, help, err := ParseRunnerArgs(tt.args, &bytes.Buffer{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if ExitCode(err) != 2 {
					t.Errorf("exit code = %d, want 2", ExitCode(err))
				}
				return
			}
			if help != tt.help {
				t.Errorf("help = %v, want %v", help, tt.help)
			}
			if !tt.help && got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseScheduleArgs(t *testing.T) {
	args := []string{"/p", "ledger", "4", "/p/schedule.log",
		"--initial_sleep", "30", "--sleep_time", "2.5", "--wait_for", "1,2", "3"}
	got, help, err := ParseScheduleArgs(args, &bytes.Buffer{})
	if err != nil || help {
		t.Fatalf("ParseScheduleArgs: help=%v err=%v", help, err)
	}
	want := ScheduleArgs{
		ProjectPath:  "/p",
		LedgerPath:   "ledger",
		ProtocolID:   4,
		LogPath:      "/p/schedule.log",
		InitialSleep: 30 * time.Second,
		SleepTime:    2500 * time.Millisecond,
		WaitFor:      []int64{1, 2, 3},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestParseScheduleArgsDurations(t *testing.T) {
	got, _, err := ParseScheduleArgs([]string{"/p", "l", "1", "log", "--sleep_time", "1m"}, &bytes.Buffer{})
	if err != nil {
		t.Fatal(err)
	}
	if got.SleepTime != time.Minute || got.InitialSleep != 0 || len(got.WaitFor) != 0 {
		t.Errorf("got %+v", got)
	}

	for _, bad := range [][]string{
		{"/p", "l", "1"},
		{"/p", "l", "1", "log", "--sleep_time", "-3"},
		{"/p", "l", "1", "log", "--wait_for", "a"},
		{"/p", "l", "1", "log", "zero"},
	} {
		if _, _, err := ParseScheduleArgs(bad, &bytes.Buffer{}); err == nil {
			t.Errorf("ParseScheduleArgs(%q) succeeded", bad)
		}
	}
}

func TestParsePointer(t *testing.T) {
	tests := []struct {
		in      string
		want    model.Pointer
		wantErr bool
	}{
		{in: "7", want: model.ProtocolRef(7)},
		{in: "7:outputSet", want: model.ExtendedRef(7, "outputSet")},
		{in: "#12", want: model.LegacyRef(12)},
		{in: "7:", wantErr: true},
		{in: "#x", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "abc", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parsePointer(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parsePointer(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parsePointer(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestAppRequiresCommand(t *testing.T) {
	app, _, stderr, dir := newTestApp(t)

	err := app.Run(context.Background(), []string{"-project", dir})
	if ExitCode(err) != 2 {
		t.Errorf("no command: exit code = %d (%v), want 2", ExitCode(err), err)
	}
	if !strings.Contains(stderr.String(), "schedule-all") {
		t.Errorf("usage does not list commands:\n%s", stderr.String())
	}

	err = app.Run(context.Background(), []string{"-project", dir, "explode"})
	if ExitCode(err) != 2 {
		t.Errorf("unknown command: exit code = %d (%v), want 2", ExitCode(err), err)
	}
}

func TestAppNewListShowGraph(t *testing.T) {
	app, stdout, _, dir := newTestApp(t)
	ctx := context.Background()
	params := `{"steps":[{"program":"true"}]}`

	if err := app.Run(ctx, []string{"-project", dir, "new", "command", "-label", "producer", "-params", params}); err != nil {
		t.Fatalf("new producer: %v", err)
	}
	if got := strings.TrimSpace(stdout.String()); got != "1" {
		t.Fatalf("new printed %q, want 1", got)
	}

	paramsFile := filepath.Join(t.TempDir(), "params.json")
	if err := os.WriteFile(paramsFile, []byte(params), 0o644); err != nil {
		t.Fatal(err)
	}
	stdout.Reset()
	err := app.Run(ctx, []string{"-project", dir, "new", "command",
		"-label", "consumer", "-params", "@" + paramsFile, "-input", "data=1", "-threads", "4", "-steps-mode", "parallel"})
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	stdout.Reset()
	if err := app.Run(ctx, []string{"-project", dir, "list"}); err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, want := range []string{"ID", "producer", "consumer", string(model.StatusSaved)} {
		if !strings.Contains(stdout.String(), want) {
			t.Errorf("list output missing %q:\n%s", want, stdout.String())
		}
	}

	stdout.Reset()
	if err := app.Run(ctx, []string{"-project", dir, "show", "2"}); err != nil {
		t.Fatalf("show: %v", err)
	}
	var p model.Protocol
	if err := json.Unmarshal(stdout.Bytes(), &p); err != nil {
		t.Fatalf("decode show output: %v", err)
	}
	if p.Threads != 4 || p.StepsMode != model.StepsParallel || p.Inputs["data"] != model.ProtocolRef(1) {
		t.Errorf("show = %+v", p)
	}

	stdout.Reset()
	if err := app.Run(ctx, []string{"-project", dir, "graph"}); err != nil {
		t.Fatalf("graph: %v", err)
	}
	want := "PROJECT\n  1 (producer) saved\n    2 (consumer) saved\n"
	if stdout.String() != want {
		t.Errorf("graph output:\n%s\nwant:\n%s", stdout.String(), want)
	}
}

func TestAppNewRejectsBadFlags(t *testing.T) {
	app, _, _, dir := newTestApp(t)
	ctx := context.Background()

	tests := [][]string{
		{"new"},
		{"new", "command", "-params", "{not json"},
		{"new", "command", "-run-mode", "sometimes"},
		{"new", "command", "-input", "data"},
	}
	for _, args := range tests {
		err := app.Run(ctx, append([]string{"-project", dir}, args...))
		if ExitCode(err) != 2 {
			t.Errorf("%q: exit code = %d (%v), want 2", args, ExitCode(err), err)
		}
	}

	err := app.Run(ctx, []string{"-project", dir, "new", "nosuchclass"})
	if err == nil || ExitCode(err) != 1 {
		t.Errorf("unknown class: err = %v", err)
	}
}

func TestAppResetSavedProtocol(t *testing.T) {
	app, stdout, _, dir := newTestApp(t)
	ctx := context.Background()

	if err := app.Run(ctx, []string{"-project", dir, "new", "command", "-params", `{"steps":[{"program":"true"}]}`}); err != nil {
		t.Fatal(err)
	}
	stdout.Reset()
	if err := app.Run(ctx, []string{"-project", dir, "reset", "1"}); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "1\t") {
		t.Errorf("reset output = %q", stdout.String())
	}

	if err := app.Run(ctx, []string{"-project", dir, "stop"}); ExitCode(err) != 2 {
		t.Errorf("stop without id: %v", err)
	}
}

func TestAppDeleteProtocol(t *testing.T) {
	app, stdout, _, dir := newTestApp(t)
	ctx := context.Background()

	if err := app.Run(ctx, []string{"-project", dir, "new", "command", "-params", `{"steps":[{"program":"true"}]}`}); err != nil {
		t.Fatal(err)
	}
	if err := app.Run(ctx, []string{"-project", dir, "stop", "1"}); ExitCode(err) != 1 {
		t.Errorf("stop of saved protocol: %v", err)
	}

	stdout.Reset()
	if err := app.Run(ctx, []string{"-project", dir, "delete", "1"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := stdout.String(); got != "1\tdeleted\n" {
		t.Errorf("delete output = %q", got)
	}
	if err := app.Run(ctx, []string{"-project", dir, "show", "1"}); err == nil {
		t.Error("show succeeded after delete")
	}
}

func TestSchedulerDetachesFirst(t *testing.T) {
	t.Setenv(launcher.EnvDetached, "")
	var stdout bytes.Buffer
	var detached []string
	s := &Scheduler{
		Config:   config.Load(),
		Registry: Registry(),
		Stdout:   &stdout,
		Stderr:   &bytes.Buffer{},
		Detach: func(argv []string) (int, error) {
			detached = argv
			return 4242, nil
		},
	}

	args := []string{"/p", "ledger", "5", "/p/schedule.log", "--wait_for", "2"}
	if err := s.Main(context.Background(), args); err != nil {
		t.Fatalf("Main: %v", err)
	}
	if !reflect.DeepEqual(detached, args) {
		t.Errorf("detached with %q, want %q", detached, args)
	}
	if got := strings.TrimSpace(stdout.String()); got != "4242" {
		t.Errorf("printed %q, want 4242", got)
	}
}

func TestRunnerMissingProtocol(t *testing.T) {
	dir := t.TempDir()
	ledger := filepath.Join(dir, "runs", "1", "logs", "run.db")
	var stderr bytes.Buffer
	r := &Runner{Config: config.Load(), Registry: Registry(), Stdout: &bytes.Buffer{}, Stderr: &stderr}

	err := r.Main(context.Background(), []string{dir, ledger, "1"})
	if err == nil {
		t.Fatal("Main succeeded without a protocol in the ledger")
	}
	data, readErr := os.ReadFile(filepath.Join(filepath.Dir(ledger), "run.log"))
	if readErr != nil {
		t.Fatalf("read run log: %v", readErr)
	}
	if !strings.Contains(string(data), "load protocol") {
		t.Errorf("run log does not record the failure:\n%s", data)
	}
}
