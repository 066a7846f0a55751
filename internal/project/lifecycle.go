package project

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/seantiz/foundry/internal/launcher"
	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/protocol"
	"github.com/seantiz/foundry/internal/store"
)

// LaunchOptions tune Launch.
type LaunchOptions struct {
	// Scheduled is set by the scheduler agent, which already waited for the
	// protocol's inputs and owns the SCHEDULED status.
	Scheduled bool
	// Force skips the readiness check.
	Force bool
}

// Launch validates protocol id, seeds its ledger from the project database
// and starts its runner.
func (pr *Project) Launch(ctx context.Context, id int64, opts LaunchOptions) (*model.Protocol, error) {
	p, err := pr.store.GetProtocol(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.IsActive() && !(opts.Scheduled && p.IsScheduled()) {
		return p, fmt.Errorf("launch protocol %d (%s): %w", id, p.Status, ErrActive)
	}

	def, err := pr.registry.Resolve(p.Class)
	if err != nil {
		return p, err
	}
	if err := protocol.Validate(def, p); err != nil {
		return p, err
	}
	// Prerequisites make a launch wait for them like a schedule would.
	if len(p.Prerequisites) > 0 && !opts.Scheduled && !opts.Force {
		return pr.Schedule(ctx, id, ScheduleOptions{})
	}
	if !opts.Scheduled && !opts.Force {
		waits, err := pr.PendingInputs(ctx, p)
		if err != nil {
			return p, err
		}
		if len(waits) > 0 {
			return p, fmt.Errorf("launch protocol %d: %w: %s", id, ErrNotReady, describeWaits(waits))
		}
	}

	if err := os.MkdirAll(p.LogsDir(), 0o755); err != nil {
		return p, fmt.Errorf("create working dir: %w", err)
	}
	if err := pr.transition(ctx, p, model.StatusLaunched, ""); err != nil {
		return p, err
	}
	p.SetStatus(model.StatusLaunched)
	p.Error = ""
	p.EndTime = nil
	p.ClearJobs()
	if err := pr.store.SaveProtocol(ctx, p); err != nil {
		return p, err
	}
	if err := pr.snapshot(ctx, p); err != nil {
		return p, pr.failLaunch(ctx, p, err)
	}

	if _, err := pr.launcher.Launch(ctx, p); err != nil {
		return p, pr.failLaunch(ctx, p, err)
	}
	if err := pr.store.SaveProtocol(ctx, p); err != nil {
		return p, err
	}
	pr.invalidateGraph()
	pr.logger.Info("protocol launched", "protocol_id", p.ID, "pid", p.PID, "job_ids", p.JobIDs)
	return p, nil
}

func (pr *Project) failLaunch(ctx context.Context, p *model.Protocol, cause error) error {
	if err := pr.transition(ctx, p, model.StatusFailed, cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	p.SetFailed(cause.Error())
	p.ClearJobs()
	if err := pr.store.SaveProtocol(ctx, p); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// snapshot copies the project records into the ledger of p so the runner
// sees the current state of every producer.
func (pr *Project) snapshot(ctx context.Context, p *model.Protocol) error {
	ledger, err := store.OpenLedger(p.LedgerPath())
	if err != nil {
		return err
	}
	defer ledger.Close()
	if err := store.CopyRecords(ctx, ledger, pr.store); err != nil {
		return fmt.Errorf("seed ledger: %w", err)
	}
	return nil
}

func describeWaits(waits []Wait) string {
	parts := make([]string, len(waits))
	for i, w := range waits {
		parts[i] = w.String()
	}
	return strings.Join(parts, ", ")
}

// ScheduleOptions tune Schedule.
type ScheduleOptions struct {
	InitialSleep time.Duration
	SleepTime    time.Duration
	// WaitFor adds protocol ids to wait for on top of the prerequisites.
	WaitFor []int64
}

// Schedule hands protocol id to a scheduler agent that launches it once its
// inputs are ready.
func (pr *Project) Schedule(ctx context.Context, id int64, opts ScheduleOptions) (*model.Protocol, error) {
	p, err := pr.store.GetProtocol(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.IsActive() {
		return p, fmt.Errorf("schedule protocol %d (%s): %w", id, p.Status, ErrActive)
	}
	def, err := pr.registry.Resolve(p.Class)
	if err != nil {
		return p, err
	}
	if err := protocol.Validate(def, p); err != nil {
		return p, err
	}

	if err := os.MkdirAll(p.LogsDir(), 0o755); err != nil {
		return p, fmt.Errorf("create working dir: %w", err)
	}
	if err := pr.transition(ctx, p, model.StatusScheduled, ""); err != nil {
		return p, err
	}
	p.SetStatus(model.StatusScheduled)
	p.Error = ""
	p.ClearJobs()
	p.AddPrerequisites(opts.WaitFor...)
	if err := pr.store.SaveProtocol(ctx, p); err != nil {
		return p, err
	}
	if err := pr.snapshot(ctx, p); err != nil {
		return p, pr.failLaunch(ctx, p, err)
	}

	if _, err := pr.launcher.Schedule(ctx, p, launcher.ScheduleOptions(opts)); err != nil {
		return p, pr.failLaunch(ctx, p, err)
	}
	if err := pr.store.SaveProtocol(ctx, p); err != nil {
		return p, err
	}
	pr.invalidateGraph()
	return p, nil
}

// ScheduleAll schedules protocols ids, or every protocol that is not active
// when ids is empty. Each protocol's initial sleep grows with its depth in the
// runs graph so producers start before their consumers.
func (pr *Project) ScheduleAll(ctx context.Context, ids []int64) error {
	g, err := pr.RunsGraph(ctx, true)
	if err != nil {
		return err
	}
	levels := g.Levels()

	if len(ids) == 0 {
		for i := 1; i < len(g.Nodes); i++ {
			if n := g.Nodes[i]; n.Protocol != nil && !n.Protocol.IsActive() {
				ids = append(ids, n.ID)
			}
		}
	}
	sort.SliceStable(ids, func(i, j int) bool { return levels[ids[i]] < levels[ids[j]] })

	var errs []error
	for _, id := range ids {
		level := max(levels[id]-1, 0)
		opts := ScheduleOptions{InitialSleep: time.Duration(level) * pr.cfg.InitialSleep}
		if _, err := pr.Schedule(ctx, id, opts); err != nil {
			errs = append(errs, err)
			continue
		}
		pr.logger.Info("protocol scheduled", "protocol_id", id, "level", levels[id], "initial_sleep", opts.InitialSleep.String())
	}
	return errors.Join(errs...)
}

// Stop kills the runner or scheduler of protocol id, cancels its queue jobs
// and marks it ABORTED in the project and in its ledger. Stopped and saved
// protocols cannot be aborted.
func (pr *Project) Stop(ctx context.Context, id int64) (*model.Protocol, error) {
	p, err := pr.store.GetProtocol(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := pr.transition(ctx, p, model.StatusAborted, model.AbortedMessage); err != nil {
		return p, err
	}
	// The runner records the jobs it submits in its ledger only.
	if err := pr.mergeLedgerJobs(ctx, p); err != nil {
		pr.logger.Warn("read job ids from ledger", "protocol_id", id, "error", err)
	}
	if err := pr.launcher.Stop(ctx, p); err != nil {
		pr.logger.Warn("stop protocol processes", "protocol_id", id, "error", err)
	}

	p.SetAborted()
	p.ClearJobs()
	if _, err := pr.store.CloseOpenSets(ctx, id); err != nil {
		return p, err
	}
	if err := pr.store.SaveProtocol(ctx, p); err != nil {
		return p, err
	}

	ledger, err := openExistingLedger(p)
	if err != nil {
		return p, err
	}
	if ledger != nil {
		defer ledger.Close()
		if err := ledger.AbortRunningSteps(ctx, id); err != nil {
			return p, err
		}
		if _, err := ledger.CloseOpenSets(ctx, id); err != nil {
			return p, err
		}
		if err := ledger.SaveProtocol(ctx, p); err != nil {
			return p, err
		}
	}
	pr.invalidateGraph()
	pr.logger.Info("protocol stopped", "protocol_id", id)
	return p, nil
}

// transition moves protocol p to status in the project database, refusing
// moves the status machine does not allow.
func (pr *Project) transition(ctx context.Context, p *model.Protocol, status model.Status, msg string) error {
	if err := pr.store.UpdateProtocolStatus(ctx, p.ID, status, msg); err != nil {
		return fmt.Errorf("protocol %d: %w", p.ID, err)
	}
	return nil
}

// Delete removes protocol id, its outputs and its working directory.
func (pr *Project) Delete(ctx context.Context, id int64) (*model.Protocol, error) {
	p, err := pr.store.GetProtocol(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.IsActive() {
		return p, fmt.Errorf("delete protocol %d (%s): %w", id, p.Status, ErrActive)
	}
	if err := pr.store.DeleteProtocol(ctx, id); err != nil {
		return p, err
	}
	if p.WorkingDir != "" {
		if err := os.RemoveAll(p.WorkingDir); err != nil {
			pr.logger.Warn("remove working dir", "protocol_id", id, "path", p.WorkingDir, "error", err)
		}
	}
	pr.invalidateGraph()
	pr.logger.Info("protocol deleted", "protocol_id", id)
	return p, nil
}

// Reset returns protocol id to SAVED, discarding its ledger and outputs. The
// next launch starts from scratch.
func (pr *Project) Reset(ctx context.Context, id int64) (*model.Protocol, error) {
	p, err := pr.store.GetProtocol(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.IsActive() && !p.IsInteractive() {
		return p, fmt.Errorf("reset protocol %d (%s): %w", id, p.Status, ErrActive)
	}

	if err := pr.store.DeleteObjects(ctx, id); err != nil {
		return p, err
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(p.LedgerPath() + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return p, fmt.Errorf("remove ledger: %w", err)
		}
	}

	p.Lifecycle = model.Lifecycle{Status: model.StatusSaved}
	p.RunMode = model.RunModeRestart
	p.StepsDone = 0
	p.NumberOfSteps = 0
	p.Outputs = nil
	p.ClearJobs()
	if err := pr.store.SaveProtocol(ctx, p); err != nil {
		return p, err
	}
	pr.invalidateGraph()
	pr.logger.Info("protocol reset", "protocol_id", id)
	return p, nil
}

// Continue confirms the interactive step protocol id is waiting on and
// relaunches it in resume mode.
func (pr *Project) Continue(ctx context.Context, id int64) (*model.Protocol, error) {
	p, err := pr.Update(ctx, id)
	if err != nil {
		return p, err
	}
	if !p.IsInteractive() {
		return p, fmt.Errorf("continue protocol %d (%s): %w", id, p.Status, ErrNotInteractive)
	}

	ledger, err := openExistingLedger(p)
	if err != nil {
		return p, err
	}
	if ledger == nil {
		return p, fmt.Errorf("continue protocol %d: ledger %w", id, store.ErrNotFound)
	}
	steps, err := ledger.ListSteps(ctx, id)
	if err != nil {
		ledger.Close()
		return p, err
	}
	for _, s := range steps {
		if s.IsInteractive() {
			s.SetFinished()
			if err := ledger.UpdateStep(ctx, id, s); err != nil {
				ledger.Close()
				return p, err
			}
			pr.logger.Info("interactive step confirmed", "protocol_id", id, "step", s.Index)
		}
	}
	ledger.Close()

	// Interactive is active; the protocol must leave it before relaunch.
	p.SetStatus(model.StatusSaved)
	p.RunMode = model.RunModeResume
	if err := pr.store.SaveProtocol(ctx, p); err != nil {
		return p, err
	}
	return pr.Launch(ctx, id, LaunchOptions{Force: true})
}
