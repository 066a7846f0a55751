// Package scheduler implements the agent that waits for a scheduled
// protocol's inputs and prerequisites and then launches it. The agent runs
// in its own process and reports its outcome only through the protocol's
// records.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/project"
	"github.com/seantiz/foundry/internal/store"
)

// ErrAbandoned is returned when the protocol left SCHEDULED while the agent
// was waiting, e.g. because it was stopped or reset.
var ErrAbandoned = errors.New("protocol is no longer scheduled")

// Options tune an Agent.
type Options struct {
	InitialSleep time.Duration
	// SleepTime is the base polling interval.
	SleepTime time.Duration
	// MaxSleep caps any computed sleep.
	MaxSleep time.Duration
	// WaitFor adds protocol ids to wait for on top of the prerequisites.
	WaitFor []int64
	// Args are the invocation arguments, logged when scheduling fails.
	Args []string
}

// Agent polls one scheduled protocol until it can be launched.
type Agent struct {
	project *project.Project
	id      int64
	opts    Options
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	pid     int
}

// Option customises an Agent.
type Option func(*Agent)

// WithSleep replaces the function the agent waits with.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Agent) { a.sleep = fn }
}

// WithPID sets the process id the agent records as the protocol's.
func WithPID(pid int) Option { return func(a *Agent) { a.pid = pid } }

// New returns an agent for protocol id of pr.
func New(pr *project.Project, id int64, opts Options, logger *slog.Logger, options ...Option) *Agent {
	if opts.SleepTime <= 0 {
		opts.SleepTime = 5 * time.Second
	}
	if opts.MaxSleep < opts.SleepTime {
		opts.MaxSleep = max(120*time.Second, opts.SleepTime)
	}
	a := &Agent{
		project: pr,
		id:      id,
		opts:    opts,
		logger:  logger.With("protocol_id", id),
		sleep:   sleepContext,
		pid:     os.Getpid(),
	}
	for _, o := range options {
		o(a)
	}
	return a
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run waits until the protocol is ready and launches it. A failure other
// than cancellation is logged with the invocation arguments and stored as
// the protocol's error.
func (a *Agent) Run(ctx context.Context) error {
	err := a.run(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, ErrAbandoned):
		a.logger.Info("scheduling stopped", "error", err)
		return err
	}
	a.logger.Error("scheduling failed", "args", a.opts.Args, "error", err)
	a.recordFailure(context.WithoutCancel(ctx), err)
	return err
}

func (a *Agent) run(ctx context.Context) error {
	p, err := a.project.Get(ctx, a.id)
	if err != nil {
		return err
	}
	if err := a.recordPID(ctx, p); err != nil {
		return err
	}
	a.logger.Info("scheduling protocol", "pid", a.pid, "prerequisites", a.prerequisites(p),
		"streaming", p.Streaming, "initial_sleep", a.opts.InitialSleep.String())

	if err := a.sleep(ctx, a.opts.InitialSleep); err != nil {
		return err
	}

	for {
		iterations.Inc()
		ready, wait, err := a.check(ctx)
		if err != nil {
			return err
		}
		if ready {
			break
		}
		wait = Clamp(wait, a.opts.SleepTime, a.opts.MaxSleep)
		sleepSeconds.Observe(wait.Seconds())
		a.logger.Info("still not ready", "sleep", wait.String())
		if err := a.sleep(ctx, wait); err != nil {
			return err
		}
	}

	a.logger.Info("launching protocol")
	_, err = a.project.Launch(ctx, a.id, project.LaunchOptions{Scheduled: true, Force: true})
	return err
}

// recordPID stores the agent's pid in the protocol's ledger and project
// records so liveness checks find the agent.
func (a *Agent) recordPID(ctx context.Context, p *model.Protocol) error {
	ledger, err := store.OpenLedger(p.LedgerPath())
	if err != nil {
		return err
	}
	defer ledger.Close()

	lp, err := ledger.GetProtocol(ctx, a.id)
	if errors.Is(err, store.ErrNotFound) {
		lp = p.Clone()
	} else if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	lp.PID = a.pid
	if err := ledger.SaveProtocol(ctx, lp); err != nil {
		return fmt.Errorf("record pid in ledger: %w", err)
	}

	p.PID = a.pid
	return a.project.Store().SaveProtocol(ctx, p)
}

// check reports whether the protocol can be launched and otherwise how long
// to wait before checking again.
func (a *Agent) check(ctx context.Context) (bool, time.Duration, error) {
	p, err := a.project.Get(ctx, a.id)
	if err != nil {
		return false, 0, err
	}
	if !p.IsScheduled() {
		return false, 0, fmt.Errorf("protocol %d is %s: %w", a.id, p.Status, ErrAbandoned)
	}

	base := a.opts.SleepTime
	wait := base
	ps := a.project.Producers()

	missing, penalty, err := a.checkInputs(ctx, p, ps)
	if err != nil {
		return false, 0, err
	}
	wait += penalty

	waiting, penalty, err := a.checkPrerequisites(ctx, p, ps)
	if err != nil {
		return false, 0, err
	}
	wait += penalty

	return !missing && !waiting, wait, nil
}

func (a *Agent) penalty(p, producer *model.Protocol) time.Duration {
	d := Penalty(producer.Status, producer.Streaming, a.opts.SleepTime)
	if !p.Streaming {
		d += 3 * a.opts.SleepTime
	}
	return d
}

func (a *Agent) checkInputs(ctx context.Context, p *model.Protocol, ps *project.Producers) (bool, time.Duration, error) {
	states, err := a.project.Inputs(ctx, p, ps)
	if err != nil {
		return false, 0, err
	}
	var (
		missing bool
		penalty time.Duration
	)
	for _, s := range states {
		penalty += a.penalty(p, s.Producer)
		if !s.Ready {
			missing = true
			a.logger.Info("waiting for input", "input", s.Name, "producer", s.Producer.ID, "producer_status", s.Producer.Status)
		}
	}

	if err := a.project.Validate(p); err != nil {
		missing = true
		a.logger.Info("protocol does not validate yet", "error", err)
	}
	return missing, penalty, nil
}

func (a *Agent) checkPrerequisites(ctx context.Context, p *model.Protocol, ps *project.Producers) (bool, time.Duration, error) {
	ids := a.prerequisites(p)
	if len(ids) == 0 {
		return false, 0, nil
	}
	g, err := a.project.RunsGraph(ctx, false)
	if err != nil {
		return false, 0, err
	}

	var (
		waiting   bool
		penalty   time.Duration
		refreshed bool
	)
	for _, id := range ids {
		if _, ok := g.Node(id); !ok && !refreshed {
			a.logger.Info("prerequisite missing from runs graph, refreshing", "prerequisite", id)
			if g, err = a.project.RunsGraph(ctx, true); err != nil {
				return false, 0, err
			}
			refreshed = true
		}
		if _, ok := g.Node(id); !ok {
			a.logger.Warn("prerequisite does not exist, not waiting for it", "prerequisite", id)
			continue
		}

		prod, err := ps.Get(ctx, id)
		if err != nil {
			return false, 0, fmt.Errorf("prerequisite %d: %w", id, err)
		}
		penalty += a.penalty(p, prod)
		if !prod.IsStopped() {
			waiting = true
			a.logger.Info("waiting for prerequisite", "prerequisite", id, "prerequisite_status", prod.Status)
		}
	}
	return waiting, penalty, nil
}

// prerequisites merges the protocol's prerequisites with the extra ids the
// agent was asked to wait for.
func (a *Agent) prerequisites(p *model.Protocol) []int64 {
	ids := slices.Clone(p.Prerequisites)
	for _, id := range a.opts.WaitFor {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (a *Agent) recordFailure(ctx context.Context, cause error) {
	p, err := a.project.Get(ctx, a.id)
	if err != nil {
		a.logger.Error("record scheduling failure", "error", err)
		return
	}
	if p.IsStopped() {
		return
	}
	p.SetFailed(fmt.Sprintf("Scheduling failed: %v", cause))
	p.ClearJobs()
	if err := a.project.Store().SaveProtocol(ctx, p); err != nil {
		a.logger.Error("record scheduling failure", "error", err)
	}
}
