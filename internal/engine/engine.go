package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/seantiz/foundry/internal/config"
	"github.com/seantiz/foundry/internal/executor"
	"github.com/seantiz/foundry/internal/hosts"
	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/protocol"
	"github.com/seantiz/foundry/internal/store"
)

// StepError reports the step that made a protocol fail.
type StepError struct {
	ProtocolID int64
	Step       int
	FuncName   string
	Msg        string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("protocol %d failed at step %d (%s): %s", e.ProtocolID, e.Step, e.FuncName, e.Msg)
}

// Engine executes protocols stored in a run ledger.
type Engine struct {
	ledger   store.Store
	registry *protocol.Registry
	hosts    *hosts.Catalog
	cfg      config.Config
	logger   *slog.Logger
	// output receives the output of every job.
	output io.Writer
}

// New creates an engine writing to ledger. output receives job output and
// may be nil.
func New(ledger store.Store, reg *protocol.Registry, catalog *hosts.Catalog, cfg config.Config, logger *slog.Logger, output io.Writer) *Engine {
	if catalog == nil {
		catalog = hosts.Default()
	}
	if output == nil {
		output = io.Discard
	}
	return &Engine{
		ledger:   ledger,
		registry: reg,
		hosts:    catalog,
		cfg:      cfg,
		logger:   logger,
		output:   output,
	}
}

// RunID loads protocol id from the ledger and runs it.
func (e *Engine) RunID(ctx context.Context, id int64) error {
	p, err := e.ledger.GetProtocol(ctx, id)
	if err != nil {
		return fmt.Errorf("load protocol %d: %w", id, err)
	}
	return e.Run(ctx, p)
}

// run is the state of one protocol execution. mu guards p and ledger writes
// of p, which job callbacks make from worker goroutines.
type run struct {
	e       *Engine
	p       *model.Protocol
	def     protocol.Definition
	b       *protocol.Builder
	outputs *outputs
	logger  *slog.Logger

	mu sync.Mutex
	// failed is the first step that failed.
	failed *model.Step
}

// Run executes p to a final status and persists every transition in the
// ledger. It returns a *protocol.ValidationError when p is not runnable, a
// *StepError when a step failed and the context error when aborted.
func (e *Engine) Run(ctx context.Context, p *model.Protocol) error {
	logger := e.logger.With("protocol_id", p.ID, "class", p.Class)

	def, err := e.registry.Resolve(p.Class)
	if err != nil {
		e.fail(p, err.Error())
		return err
	}
	if err := protocol.Validate(def, p); err != nil {
		logger.Error("protocol validation failed", "error", err)
		e.fail(p, err.Error())
		return err
	}

	r := &run{e: e, p: p, def: def, logger: logger}
	if err := r.prepare(ctx); err != nil {
		logger.Error("prepare run", "error", err)
		e.fail(p, err.Error())
		return err
	}
	return r.execute(ctx)
}

// fail marks p FAILED before any step ran.
func (e *Engine) fail(p *model.Protocol, msg string) {
	p.SetFailed(msg)
	p.PID = 0
	if err := e.ledger.SaveProtocol(context.Background(), p); err != nil {
		e.logger.Error("failed to save failed protocol", "protocol_id", p.ID, "error", err)
	}
}

// prepare sets the protocol running, creates its directories, builds the
// step list and stores it in the ledger.
func (r *run) prepare(ctx context.Context) error {
	p := r.p
	resume := p.IsResume()
	if err := r.e.ledger.UpdateProtocolStatus(ctx, p.ID, model.StatusRunning, ""); err != nil {
		return fmt.Errorf("start protocol: %w", err)
	}
	p.SetRunning(resume)

	if !resume {
		if err := r.wipe(ctx); err != nil {
			return err
		}
	}
	for _, dir := range []string{p.WorkingDir, p.LogsDir(), p.TmpDir(), p.ExtraDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	outs, err := newOutputs(ctx, r.e.ledger, p, r.e.cfg.UpdateSetAttempts, r.e.cfg.UpdateSetWait, r.outputAdded)
	if err != nil {
		return err
	}
	r.outputs = outs
	r.b = protocol.NewBuilder(outs)
	if err := r.def.InsertSteps(ctx, r.b, p); err != nil {
		return fmt.Errorf("insert steps: %w", err)
	}
	if err := r.b.Err(); err != nil {
		return fmt.Errorf("insert steps: %w", err)
	}

	done := 0
	if resume {
		prev, err := r.e.ledger.ListSteps(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("load previous steps: %w", err)
		}
		done = Resume(r.b.Steps(), prev)
		r.logger.Info("resuming", "previous_steps", len(prev), "kept", done)
	}
	if err := r.e.ledger.ReplaceSteps(ctx, p.ID, r.b.Steps()); err != nil {
		return fmt.Errorf("store steps: %w", err)
	}

	p.StepsDone = done
	p.NumberOfSteps = r.b.Len()
	// Any later run of this protocol continues from its ledger.
	p.RunMode = model.RunModeResume
	return r.save(ctx)
}

// wipe discards the previous ledger steps, outputs and scratch files.
func (r *run) wipe(ctx context.Context) error {
	p := r.p
	if err := r.e.ledger.ReplaceSteps(ctx, p.ID, nil); err != nil {
		return fmt.Errorf("clear steps: %w", err)
	}
	if err := r.e.ledger.DeleteObjects(ctx, p.ID); err != nil {
		return fmt.Errorf("clear outputs: %w", err)
	}
	p.Outputs = nil
	for _, dir := range []string{p.TmpDir(), p.ExtraDir()} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove %s: %w", dir, err)
		}
	}
	r.logger.Info("restart: previous steps and outputs removed")
	return nil
}

// outputAdded records a new output object on the protocol.
func (r *run) outputAdded(ctx context.Context, o *model.Object) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.p.Outputs = append(r.p.Outputs, o.ID)
	return r.saveLocked(ctx)
}

func (r *run) save(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked(ctx)
}

func (r *run) saveLocked(ctx context.Context) error {
	if err := r.e.ledger.SaveProtocol(ctx, r.p); err != nil {
		return fmt.Errorf("save protocol: %w", err)
	}
	return nil
}

func (r *run) execute(ctx context.Context) error {
	p := r.p
	steps := r.b.Steps()
	if p.StepsDone == len(steps) {
		r.logger.Info("all steps seem to be finished, nothing to be done")
		return r.finish(ctx, nil)
	}

	exec, err := r.newExecutor()
	if err != nil {
		r.e.fail(p, err.Error())
		return err
	}

	hooks := executor.Hooks{
		OnStart:       r.stepStarted,
		OnFinish:      r.stepFinished,
		CheckInterval: r.e.cfg.StepsCheckInterval,
	}
	if sd, ok := r.def.(protocol.StreamingDefinition); ok {
		hooks.OnCheck = func() []*model.Step { return r.checkNewSteps(ctx, sd) }
	}

	r.logger.Info("running steps", "executor", exec.Kind(), "steps", len(steps), "done", p.StepsDone)
	runErr := exec.RunSteps(ctx, steps, hooks)
	return r.finish(ctx, runErr)
}

// newExecutor picks the executor variant for the protocol.
func (r *run) newExecutor() (executor.Executor, error) {
	p := r.p
	host, err := r.e.hosts.Get(p.Host)
	if err != nil {
		return nil, err
	}

	spec := executor.Spec{
		Kind:    executor.KindSerial,
		Workers: 1,
		GPUs:    p.GPUs,
		VoidGPU: r.e.cfg.VoidGPU,
	}
	// One thread is kept for the controlling loop.
	workers := max(1, p.Threads-1)
	parallel := (p.StepsMode == model.StepsParallel || p.Streaming) && p.Threads > 1
	switch {
	case p.UsesQueueForJobs():
		spec.Kind = executor.KindQueue
		spec.Workers = workers
		spec.Queue = host.QueueSystem
		spec.SubmitVars = host.QueueSystem.SubmitDict(p)
	case parallel:
		spec.Kind = executor.KindThread
		spec.Workers = workers
	}

	return executor.New(spec, executor.Deps{
		Logger:         r.logger,
		Host:           host,
		Output:         r.e.output,
		JobsDir:        p.LogsDir(),
		OnJobSubmitted: r.jobSubmitted,
		OnJobDone:      r.jobDone,
	})
}

func (r *run) stepStarted(s *model.Step) {
	r.logger.Info("STARTED", "step", s.Index, "func", s.FuncName)
	if err := r.e.ledger.UpdateStep(context.Background(), r.p.ID, s); err != nil {
		r.logger.Error("failed to store started step", "step", s.Index, "error", err)
	}
}

// stepFinished records s and decides whether execution continues.
func (r *run) stepFinished(s *model.Step) bool {
	ctx := context.Background()
	r.logger.Info(string(s.Status), "step", s.Index, "func", s.FuncName, "elapsed", s.Elapsed().String())
	if err := r.e.ledger.UpdateStep(ctx, r.p.ID, s); err != nil {
		r.logger.Error("failed to store finished step", "step", s.Index, "error", err)
	}

	r.mu.Lock()
	doContinue := true
	switch {
	case s.IsInteractive():
		doContinue = false
	case s.IsFailed():
		doContinue = false
		if r.failed == nil {
			r.failed = s
		}
		r.p.SetFailed("Protocol failed: " + s.Error)
		r.logger.Error("protocol failed", "step", s.Index, "error", s.Error)
	}
	if s.IsFinished() {
		r.p.StepsDone++
	}
	if err := r.saveLocked(ctx); err != nil {
		r.logger.Error("failed to store protocol", "error", err)
	}
	r.mu.Unlock()

	if s.IsFailed() {
		if err := r.outputs.closeAll(ctx); err != nil {
			r.logger.Error("failed to close outputs", "error", err)
		}
	}
	return doContinue
}

// checkNewSteps lets a streaming definition add or release steps and stores
// the updated list.
func (r *run) checkNewSteps(ctx context.Context, sd protocol.StreamingDefinition) []*model.Step {
	before := r.b.Len()
	changed, err := sd.CheckNewSteps(ctx, r.b, r.p)
	if err != nil {
		r.logger.Error("check for new steps", "error", err)
		return nil
	}
	if err := r.b.Err(); err != nil {
		r.logger.Error("new steps rejected", "error", err)
	}
	if !changed {
		return nil
	}
	if err := r.e.ledger.ReplaceSteps(ctx, r.p.ID, r.b.Steps()); err != nil {
		r.logger.Error("failed to store new steps", "error", err)
	}
	added := r.b.Steps()[before:]

	r.mu.Lock()
	r.p.NumberOfSteps = r.b.Len()
	if err := r.saveLocked(ctx); err != nil {
		r.logger.Error("failed to store protocol", "error", err)
	}
	r.mu.Unlock()

	if len(added) > 0 {
		r.logger.Info("new steps inserted", "count", len(added), "total", r.b.Len())
	}
	return added
}

func (r *run) jobSubmitted(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.p.AppendJobID(id)
	if err := r.saveLocked(context.Background()); err != nil {
		r.logger.Error("failed to store job id", "job_id", id, "error", err)
	}
}

func (r *run) jobDone(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.p.RemoveJobID(id)
	if err := r.saveLocked(context.Background()); err != nil {
		r.logger.Error("failed to remove job id", "job_id", id, "error", err)
	}
}

// finish derives the final protocol status from its steps and persists it.
func (r *run) finish(ctx context.Context, runErr error) error {
	// The run context may be cancelled; final writes must still happen.
	bg := context.Background()
	p := r.p
	steps := r.b.Steps()

	var result error
	switch {
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		p.SetAborted()
		if err := r.e.ledger.AbortRunningSteps(bg, p.ID); err != nil {
			r.logger.Error("failed to abort running steps", "error", err)
		}
		result = runErr
	case r.failed != nil:
		p.SetFailed("Protocol failed: " + r.failed.Error)
		result = &StepError{ProtocolID: p.ID, Step: r.failed.Index, FuncName: r.failed.FuncName, Msg: r.failed.Error}
	case anyStep(steps, (*model.Step).IsInteractive):
		p.SetInteractive()
	case allFinished(steps):
		p.SetFinished()
		if err := os.RemoveAll(p.TmpDir()); err != nil {
			r.logger.Warn("failed to clean temporary directory", "error", err)
		}
	default:
		msg := "steps left unfinished with no runnable work"
		if runErr != nil {
			msg = runErr.Error()
		}
		p.SetFailed(msg)
		result = errors.New(msg)
	}

	if !p.IsFinished() && !p.IsInteractive() {
		if err := r.outputs.closeAll(bg); err != nil {
			r.logger.Error("failed to close outputs", "error", err)
		}
	}

	r.mu.Lock()
	p.PID = 0
	p.StepsDone = countFinished(steps)
	err := r.saveLocked(bg)
	r.mu.Unlock()
	if err != nil {
		return errors.Join(result, err)
	}
	r.logger.Info("protocol finished", "status", p.Status, "elapsed", p.Elapsed().String())
	return result
}

func anyStep(steps []*model.Step, pred func(*model.Step) bool) bool {
	for _, s := range steps {
		if pred(s) {
			return true
		}
	}
	return false
}

func allFinished(steps []*model.Step) bool {
	return !anyStep(steps, func(s *model.Step) bool { return !s.IsFinished() })
}

func countFinished(steps []*model.Step) int {
	n := 0
	for _, s := range steps {
		if s.IsFinished() {
			n++
		}
	}
	return n
}
