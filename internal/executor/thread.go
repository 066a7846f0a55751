package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/foundry/internal/gpu"
	"github.com/seantiz/foundry/internal/model"
)

// threadExecutor runs up to workers steps concurrently, one goroutine per
// step. Free worker slots are a pool of labelled nodes 1..workers.
type threadExecutor struct {
	kind    Kind
	workers int
	gpus    *gpu.Table
	jobs    jobRunner
	logger  *slog.Logger
	idle    time.Duration
}

func newThreadExecutor(kind Kind, spec Spec, deps Deps, jobs jobRunner) *threadExecutor {
	workers := max(1, spec.Workers)
	return &threadExecutor{
		kind:    kind,
		workers: workers,
		gpus:    gpu.Partition(spec.GPUs, workers, spec.VoidGPU, deps.Logger),
		jobs:    jobs,
		logger:  deps.Logger,
		idle:    3 * time.Second,
	}
}

func (e *threadExecutor) Kind() Kind { return e.kind }

type outcome struct {
	node int
	step *model.Step
	err  error
}

func (e *threadExecutor) RunSteps(ctx context.Context, steps []*model.Step, hooks Hooks) error {
	hooks = hooks.withDefaults()

	free := make([]int, 0, e.workers)
	for n := 1; n <= e.workers; n++ {
		free = append(free, n)
	}
	running := make(map[int]*model.Step, e.workers)
	// Buffered to the worker count so a finishing step never blocks.
	results := make(chan outcome, e.workers)
	var wg sync.WaitGroup

	e.logger.Info("running steps", "executor", e.kind, "workers", e.workers)

	// settle returns the node and GPU slot of a finished step before its
	// finish hook runs.
	settle := func(o outcome) bool {
		delete(running, o.node)
		free = append(free, o.node)
		e.gpus.Free(o.step.ID())
		complete(e.kind, o.step, o.err)
		return hooks.OnFinish(o.step)
	}

	lastCheck := time.Now()
	doContinue := true
	for doContinue && ctx.Err() == nil {
	drain:
		for {
			select {
			case o := <-results:
				if !settle(o) {
					doContinue = false
				}
			default:
				break drain
			}
		}
		if !doContinue {
			break
		}

		launched := 0
		for _, s := range steps {
			if len(free) == 0 {
				break
			}
			if !s.Runnable(steps) {
				continue
			}
			gpus, ok := e.book(s)
			if !ok {
				e.logger.Debug("step needs a gpu and no slot is free", "step", s.Index)
				continue
			}
			node := free[0]
			free = free[1:]
			running[node] = s
			s.SetRunning(false)
			hooks.OnStart(s)
			launched++

			e.logger.Debug("running step on node", "step", s.Index, "node", node, "gpus", gpus)
			env := newStepEnv(s, node, gpus, e.jobs, e.logger)
			wg.Add(1)
			go func(node int, s *model.Step) {
				defer wg.Done()
				results <- outcome{node: node, step: s, err: execute(ctx, s, env)}
			}(node, s)
		}

		if time.Since(lastCheck) >= hooks.CheckInterval {
			steps = append(steps, hooks.OnCheck()...)
			lastCheck = time.Now()
		}

		if launched == 0 {
			if len(running) == 0 && !pending(steps) {
				break
			}
			select {
			case o := <-results:
				if !settle(o) {
					doContinue = false
				}
			case <-time.After(min(e.idle, hooks.CheckInterval)):
			case <-ctx.Done():
			}
		}
	}

	hooks.OnCheck()

	// Steps already dispatched are not interrupted; wait for them and record
	// their final status.
	wg.Wait()
	close(results)
	for o := range results {
		settle(o)
	}
	return ctx.Err()
}

// book reserves a GPU slot for s when it needs one and GPUs are configured.
func (e *threadExecutor) book(s *model.Step) ([]int, bool) {
	if !s.NeedsGPU || e.gpus.Empty() {
		return nil, true
	}
	return e.gpus.Book(s.ID())
}
