package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/seantiz/foundry/internal/model"
)

// serialExecutor runs one step at a time on the calling goroutine. Every step
// sees the whole GPU list.
type serialExecutor struct {
	gpus   []int
	jobs   jobRunner
	logger *slog.Logger
	idle   time.Duration
}

func (e *serialExecutor) Kind() Kind { return KindSerial }

func (e *serialExecutor) RunSteps(ctx context.Context, steps []*model.Step, hooks Hooks) error {
	hooks = hooks.withDefaults()
	lastCheck := time.Now()

	for ctx.Err() == nil {
		if s := firstRunnable(steps); s != nil {
			s.SetRunning(false)
			hooks.OnStart(s)
			err := execute(ctx, s, newStepEnv(s, 1, e.gpus, e.jobs, e.logger))
			complete(KindSerial, s, err)
			if !hooks.OnFinish(s) {
				break
			}
		} else if pending(steps) {
			select {
			case <-ctx.Done():
			case <-time.After(e.idle):
			}
		} else {
			break
		}

		if time.Since(lastCheck) >= hooks.CheckInterval {
			steps = append(steps, hooks.OnCheck()...)
			lastCheck = time.Now()
		}
	}

	hooks.OnCheck()
	return ctx.Err()
}

func firstRunnable(steps []*model.Step) *model.Step {
	for _, s := range steps {
		if s.Runnable(steps) {
			return s
		}
	}
	return nil
}
