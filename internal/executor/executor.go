package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/foundry/internal/hosts"
	"github.com/seantiz/foundry/internal/model"
)

// Kind names an executor variant.
type Kind string

const (
	KindSerial Kind = "serial"
	KindThread Kind = "thread"
	KindQueue  Kind = "queue"
)

// ErrUnknownKind is returned by New for an unsupported variant.
var ErrUnknownKind = errors.New("unknown executor kind")

// DefaultCheckInterval is used when Hooks.CheckInterval is zero.
const DefaultCheckInterval = 5 * time.Second

// Hooks are the callbacks an executor invokes while running steps. They are
// always called from the goroutine running RunSteps.
type Hooks struct {
	// OnStart is called after a step was set RUNNING and before its body runs.
	OnStart func(s *model.Step)
	// OnFinish is called once the step reached its final status. Returning
	// false stops dispatching new steps.
	OnFinish func(s *model.Step) bool
	// OnCheck is called every CheckInterval and once at the end. It returns
	// steps appended to the protocol since the previous call.
	OnCheck       func() []*model.Step
	CheckInterval time.Duration
}

func (h Hooks) withDefaults() Hooks {
	if h.OnStart == nil {
		h.OnStart = func(*model.Step) {}
	}
	if h.OnFinish == nil {
		h.OnFinish = func(s *model.Step) bool { return !s.IsFailed() && !s.IsInteractive() }
	}
	if h.OnCheck == nil {
		h.OnCheck = func() []*model.Step { return nil }
	}
	if h.CheckInterval <= 0 {
		h.CheckInterval = DefaultCheckInterval
	}
	return h
}

// Executor drives a batch of steps to completion respecting prerequisite
// order and its own concurrency limit.
type Executor interface {
	Kind() Kind
	RunSteps(ctx context.Context, steps []*model.Step, hooks Hooks) error
}

// Spec selects and configures an executor variant.
type Spec struct {
	Kind    Kind
	Workers int
	// Queue and SubmitVars are required for KindQueue. SubmitVars is the
	// protocol's submission dictionary; each job derives its own from it.
	Queue      *hosts.QueueSystem
	SubmitVars map[string]any
	GPUs       []int
	VoidGPU    int
}

// Deps are the collaborators shared by every variant.
type Deps struct {
	Logger *slog.Logger
	Host   *hosts.Host
	// Output receives the output lines of every job.
	Output io.Writer
	// JobsDir is where queue job scripts and logs are written.
	JobsDir string
	// OnJobSubmitted and OnJobDone let the owner track active queue jobs.
	// They may be called concurrently.
	OnJobSubmitted func(jobID int64)
	OnJobDone      func(jobID int64)
}

// New returns the executor for spec.
func New(spec Spec, deps Deps) (Executor, error) {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Output == nil {
		deps.Output = io.Discard
	}
	deps.Output = &lockedWriter{w: deps.Output}
	local := &localRunner{host: deps.Host, out: deps.Output, logger: deps.Logger}

	switch spec.Kind {
	case KindSerial, "":
		return &serialExecutor{
			gpus:   withoutVoid(spec.GPUs, spec.VoidGPU),
			jobs:   local,
			logger: deps.Logger,
			idle:   500 * time.Millisecond,
		}, nil
	case KindThread:
		return newThreadExecutor(KindThread, spec, deps, local), nil
	case KindQueue:
		if !spec.Queue.Configured() {
			return nil, fmt.Errorf("queue executor: host %s has no usable queue system", hostName(deps.Host))
		}
		q := newQueueRunner(spec, deps)
		t := newThreadExecutor(KindQueue, spec, deps, q)
		t.gpus.Renumber()
		return t, nil
	default:
		return nil, fmt.Errorf("%q: %w", spec.Kind, ErrUnknownKind)
	}
}

func hostName(h *hosts.Host) string {
	if h == nil {
		return hosts.LocalHost
	}
	return h.HostName
}

func withoutVoid(gpus []int, void int) []int {
	var out []int
	for _, g := range gpus {
		if g != void {
			out = append(out, g)
		}
	}
	return out
}

// pending reports whether any step is running or waiting, so that more work
// may become runnable later.
func pending(steps []*model.Step) bool {
	for _, s := range steps {
		if s.IsRunning() || s.Status == model.StatusWaiting {
			return true
		}
	}
	return false
}

// execute runs the step body, converting panics into errors.
func execute(ctx context.Context, s *model.Step, env model.StepEnv) (err error) {
	fn := s.Func()
	if fn == nil {
		return fmt.Errorf("step %d (%s) has no body", s.Index, s.FuncName)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %d (%s) panicked: %v", s.Index, s.FuncName, r)
		}
	}()
	return fn(ctx, env)
}

// complete sets the final status of s from the body's result and its
// postconditions.
func complete(kind Kind, s *model.Step, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		s.SetAborted()
	case err != nil:
		s.SetFailed(err.Error())
	default:
		if missing := s.MissingResults(); len(missing) > 0 {
			s.SetFailed("missing result files: " + strings.Join(missing, " "))
		} else if s.Interactive {
			s.SetInteractive()
		} else {
			s.SetFinished()
		}
	}
	stepsTotal.WithLabelValues(string(kind), string(s.Status)).Inc()
	stepDuration.WithLabelValues(string(kind)).Observe(s.Elapsed().Seconds())
}

// stepEnv is the model.StepEnv handed to a running step body.
type stepEnv struct {
	node   int
	gpus   []int
	jobs   jobRunner
	logger *slog.Logger
}

func (e *stepEnv) GPUs() []int { return append([]int(nil), e.gpus...) }

func (e *stepEnv) RunJob(ctx context.Context, job model.Job) error {
	return e.jobs.runJob(ctx, job, e.node, e.gpus)
}

func (e *stepEnv) Logger() *slog.Logger { return e.logger }

func newStepEnv(s *model.Step, node int, gpus []int, jobs jobRunner, logger *slog.Logger) *stepEnv {
	return &stepEnv{
		node:   node,
		gpus:   gpus,
		jobs:   jobs,
		logger: logger.With("step", s.Index, "func", s.FuncName),
	}
}

// lockedWriter serialises writes from concurrent jobs.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
