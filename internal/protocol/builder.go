package protocol

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/seantiz/foundry/internal/model"
)

// Outputs lets step bodies and definitions publish the outputs of a run.
// Implementations are safe for concurrent use.
type Outputs interface {
	// Register records a produced output. A set registered open stays
	// appendable until closed through UpdateSet.
	Register(ctx context.Context, name string, kind model.ObjectKind, open bool) (*model.Object, error)
	// UpdateSet grows a registered set by added items and optionally
	// closes it.
	UpdateSet(ctx context.Context, name string, added int, close bool) error
	// Get returns the output registered under name.
	Get(name string) (*model.Object, bool)
}

// StepOption customises a step at insertion.
type StepOption func(*model.Step)

// Prerequisites replaces the default prerequisite. No indices means the step
// has none.
func Prerequisites(indices ...int) StepOption {
	return func(s *model.Step) { s.Prerequisites = append([]int{}, indices...) }
}

// Interactive makes the step wait for manual confirmation after it ran.
func Interactive() StepOption { return func(s *model.Step) { s.Interactive = true } }

// NeedsGPU makes the step book a GPU slot before it runs.
func NeedsGPU() StepOption { return func(s *model.Step) { s.NeedsGPU = true } }

// ResultFiles declares files the step must produce.
func ResultFiles(files ...string) StepOption {
	return func(s *model.Step) { s.ResultFiles = append(s.ResultFiles, files...) }
}

// Wait inserts the step WAITING. It will not run until released.
func Wait() StepOption { return func(s *model.Step) { s.SetStatus(model.StatusWaiting) } }

// Builder collects the steps of one run in order.
type Builder struct {
	steps   []*model.Step
	outputs Outputs
	err     error
}

// NewBuilder returns an empty builder publishing outputs through outputs.
func NewBuilder(outputs Outputs) *Builder {
	return &Builder{outputs: outputs}
}

// Insert appends a step running fn. args are encoded as canonical JSON and
// compared on resume. By default the step depends on the previously inserted
// one. Insert returns the 1-based index of the new step; the first encoding
// or prerequisite problem is kept and reported by Err.
func (b *Builder) Insert(funcName string, fn model.StepFunc, args any, opts ...StepOption) int {
	encoded, err := json.Marshal(args)
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("encode args of step %s: %w", funcName, err)
	}

	s := model.NewStep(funcName, string(encoded), fn)
	s.Index = len(b.steps) + 1
	if len(b.steps) > 0 {
		s.Prerequisites = []int{len(b.steps)}
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, p := range s.Prerequisites {
		if (p < 1 || p >= s.Index) && b.err == nil {
			b.err = fmt.Errorf("step %d (%s): prerequisite %d is not an earlier step", s.Index, funcName, p)
		}
	}
	b.steps = append(b.steps, s)
	return s.Index
}

// Err returns the first insertion error.
func (b *Builder) Err() error { return b.err }

// Len returns the number of steps.
func (b *Builder) Len() int { return len(b.steps) }

// Step returns the step at 1-based index i, or nil.
func (b *Builder) Step(i int) *model.Step {
	if i < 1 || i > len(b.steps) {
		return nil
	}
	return b.steps[i-1]
}

// Steps returns the steps in order. The slice is shared with the builder.
func (b *Builder) Steps() []*model.Step { return b.steps }

// Replace swaps the step list, used when a previous run's finished steps are
// kept on resume.
func (b *Builder) Replace(steps []*model.Step) { b.steps = steps }

// Outputs returns the output publisher of the run.
func (b *Builder) Outputs() Outputs { return b.outputs }
