// Package launcher starts protocol runners and scheduler agents, locally, on
// a batch queue or on a remote host, and stops them again.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/foundry/internal/config"
	"github.com/seantiz/foundry/internal/hosts"
	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/process"
)

// ErrUnknownJobID is returned when a launch produced no usable job id.
var ErrUnknownJobID = errors.New("no job id returned")

// EnvDetached is set in the environment of agents the launcher already
// started in their own session.
const EnvDetached = "FOUNDRY_DETACHED"

// Launch modes used in metrics and logs.
const (
	modeLocal    = "local"
	modeQueue    = "queue"
	modeRemote   = "remote"
	modeSchedule = "schedule"
)

// Remote runs a shell command on a remote host and returns its output.
type Remote interface {
	Run(ctx context.Context, host *hosts.Host, command string) (string, error)
}

// Launcher starts and stops the processes working on a project's protocols.
type Launcher struct {
	projectPath string
	hosts       *hosts.Catalog
	cfg         config.Config
	logger      *slog.Logger
	remote      Remote
}

// Option customises a Launcher.
type Option func(*Launcher)

// WithRemote replaces the SSH transport used for non-local hosts.
func WithRemote(r Remote) Option { return func(l *Launcher) { l.remote = r } }

// New creates a launcher for the project at projectPath.
func New(projectPath string, catalog *hosts.Catalog, cfg config.Config, logger *slog.Logger, opts ...Option) *Launcher {
	if catalog == nil {
		catalog = hosts.Default()
	}
	l := &Launcher{
		projectPath: projectPath,
		hosts:       catalog,
		cfg:         cfg,
		logger:      logger,
		remote:      NewSSH(logger),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RunnerCommand is the command line that runs p from its ledger.
func (l *Launcher) RunnerCommand(p *model.Protocol, extra ...string) string {
	argv := []string{
		l.cfg.RunnerBin,
		l.projectPath,
		p.LedgerPath(),
		strconv.FormatInt(p.ID, 10),
		"--stdout", p.StdoutPath(),
		"--stderr", p.StderrPath(),
	}
	return process.Join(append(argv, extra...)...)
}

// Launch starts the runner for p and records its pid or job id on p. The
// returned id is the pid of a local runner, or the job id of a queued or
// remote one.
func (l *Launcher) Launch(ctx context.Context, p *model.Protocol) (int64, error) {
	host, err := l.hosts.Get(p.Host)
	if err != nil {
		return 0, err
	}
	if !host.IsLocal() {
		return l.launchRemote(ctx, p, host)
	}
	return l.LaunchLocal(ctx, p)
}

// LaunchLocal starts p on this machine: submitted to the host's queue when
// the protocol itself is queued, otherwise as a detached process.
func (l *Launcher) LaunchLocal(ctx context.Context, p *model.Protocol) (int64, error) {
	host, err := l.hosts.Get(p.Host)
	if err != nil {
		return 0, err
	}
	logger := l.logger.With("protocol_id", p.ID, "attempt", model.NewID())

	if p.UsesQueueForProtocol() && host.QueueSystem.Configured() {
		q := host.QueueSystem
		vars := q.SubmitDict(p)
		q.FillJob(vars, p.LogsDir(), strconv.FormatInt(p.ID, 10), l.RunnerCommand(p))
		jobID, err := process.Submit(ctx, q, vars)
		if err != nil {
			launches.WithLabelValues(modeQueue, "error").Inc()
			return 0, fmt.Errorf("submit protocol %d: %w", p.ID, err)
		}
		if jobID == model.UnknownJobID {
			launches.WithLabelValues(modeQueue, "error").Inc()
			return 0, fmt.Errorf("submit protocol %d: %w", p.ID, ErrUnknownJobID)
		}
		p.PID = 0
		p.ClearJobs()
		p.AppendJobID(jobID)
		launches.WithLabelValues(modeQueue, "ok").Inc()
		logger.Info("protocol submitted to queue", "job_id", jobID, "queue", q.Name)
		return jobID, nil
	}

	pid, err := process.StartDetached(l.RunnerCommand(p), p.WorkingDir, nil, "", "")
	if err != nil {
		launches.WithLabelValues(modeLocal, "error").Inc()
		return 0, fmt.Errorf("start runner for protocol %d: %w", p.ID, err)
	}
	p.PID = pid
	p.ClearJobs()
	launches.WithLabelValues(modeLocal, "ok").Inc()
	logger.Info("protocol runner started", "pid", pid)
	return int64(pid), nil
}

// launchRemote asks the runner on host to launch p there and parses the job
// id it prints.
func (l *Launcher) launchRemote(ctx context.Context, p *model.Protocol, host *hosts.Host) (int64, error) {
	command := "cd " + process.Quote(p.WorkingDir) + " && " + remoteBin(host, l.RunnerCommand(p, "--launch"))
	out, err := l.remote.Run(ctx, host, command)
	if err != nil {
		launches.WithLabelValues(modeRemote, "error").Inc()
		return 0, fmt.Errorf("launch protocol %d on %s: %w", p.ID, host.HostName, err)
	}
	jobID := process.ParseJobID(out, 0)
	if jobID == model.UnknownJobID {
		launches.WithLabelValues(modeRemote, "error").Inc()
		return 0, fmt.Errorf("launch protocol %d on %s: %w: %q", p.ID, host.HostName, ErrUnknownJobID, strings.TrimSpace(out))
	}
	p.PID = 0
	p.ClearJobs()
	p.AppendJobID(jobID)
	launches.WithLabelValues(modeRemote, "ok").Inc()
	l.logger.Info("protocol launched on remote host", "protocol_id", p.ID, "host", host.HostName, "job_id", jobID)
	return jobID, nil
}

// remoteBin prefixes the runner binary with the host's foundry home.
func remoteBin(host *hosts.Host, command string) string {
	if host.Home == "" {
		return command
	}
	return strings.TrimRight(host.Home, "/") + "/" + command
}

// ScheduleOptions are passed to the scheduler agent.
type ScheduleOptions struct {
	InitialSleep time.Duration
	SleepTime    time.Duration
	WaitFor      []int64
}

// SchedulerCommand is the command line of the scheduler agent for p.
func (l *Launcher) SchedulerCommand(p *model.Protocol, opts ScheduleOptions) string {
	argv := []string{
		l.cfg.SchedulerBin,
		l.projectPath,
		p.LedgerPath(),
		strconv.FormatInt(p.ID, 10),
		p.ScheduleLogPath(),
	}
	if opts.InitialSleep > 0 {
		argv = append(argv, "--initial_sleep", formatSeconds(opts.InitialSleep))
	}
	if opts.SleepTime > 0 {
		argv = append(argv, "--sleep_time", formatSeconds(opts.SleepTime))
	}
	if len(opts.WaitFor) > 0 {
		ids := make([]string, len(opts.WaitFor))
		for i, id := range opts.WaitFor {
			ids[i] = strconv.FormatInt(id, 10)
		}
		argv = append(argv, "--wait_for", strings.Join(ids, ","))
	}
	return process.Join(argv...)
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// Schedule starts the scheduler agent for p in its own session and records
// its pid on p.
func (l *Launcher) Schedule(_ context.Context, p *model.Protocol, opts ScheduleOptions) (int, error) {
	pid, err := process.StartDetached(l.SchedulerCommand(p, opts), l.projectPath, []string{EnvDetached + "=1"}, "", "")
	if err != nil {
		launches.WithLabelValues(modeSchedule, "error").Inc()
		return 0, fmt.Errorf("start scheduler for protocol %d: %w", p.ID, err)
	}
	p.PID = pid
	launches.WithLabelValues(modeSchedule, "ok").Inc()
	l.logger.Info("scheduler started", "protocol_id", p.ID, "pid", pid, "wait_for", opts.WaitFor)
	return pid, nil
}

// Stop cancels the queue jobs of p through the host's cancel command and
// kills its process tree. A protocol that queues its step jobs has both a
// runner pid and job ids.
func (l *Launcher) Stop(ctx context.Context, p *model.Protocol) error {
	host, err := l.hosts.Get(p.Host)
	if err != nil {
		return err
	}
	if !host.IsLocal() {
		return l.stopRemote(ctx, p, host)
	}

	var errs []error
	if p.UseQueue {
		for _, id := range p.JobIDs {
			if id == model.UnknownJobID {
				continue
			}
			if err := process.Cancel(ctx, host.QueueSystem, id); err != nil {
				errs = append(errs, err)
				continue
			}
			l.logger.Info("queue job cancelled", "protocol_id", p.ID, "job_id", id)
		}
	}
	if p.PID > 0 {
		if err := process.KillTree(p.PID); err != nil {
			errs = append(errs, fmt.Errorf("stop protocol %d: %w", p.ID, err))
		} else {
			l.logger.Info("protocol process killed", "protocol_id", p.ID, "pid", p.PID)
		}
	}
	return errors.Join(errs...)
}

func (l *Launcher) stopRemote(ctx context.Context, p *model.Protocol, host *hosts.Host) error {
	var errs []error
	for _, id := range p.JobIDs {
		if id == model.UnknownJobID {
			continue
		}
		var command string
		if p.UsesQueueForProtocol() && host.QueueSystem != nil && host.QueueSystem.CancelCommand != "" {
			rendered, err := hosts.Render("cancel_command", host.QueueSystem.CancelCommand, map[string]any{"JOB_ID": id})
			if err != nil {
				errs = append(errs, err)
				continue
			}
			command = rendered
		} else {
			pid := strconv.FormatInt(id, 10)
			command = "kill -KILL -" + pid + " " + pid
		}
		if _, err := l.remote.Run(ctx, host, command); err != nil {
			errs = append(errs, fmt.Errorf("stop job %d on %s: %w", id, host.HostName, err))
		}
	}
	return errors.Join(errs...)
}
