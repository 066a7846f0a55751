package model

import (
	"context"
	"log/slog"
	"os"
)

// Job describes one program invocation requested by a step body.
type Job struct {
	Program string
	Args    []string
	// MPI > 1 wraps the program with the host's MPI command.
	MPI     int
	Threads int
	Dir     string
	Env     []string
}

// StepEnv is what an executor hands to a running step body.
type StepEnv interface {
	// GPUs returns the GPU ids booked for this step, possibly renumbered.
	GPUs() []int
	// RunJob runs a program to completion using the executor's job model.
	RunJob(ctx context.Context, job Job) error
	Logger() *slog.Logger
}

// StepFunc is the body of a function step.
type StepFunc func(ctx context.Context, env StepEnv) error

// Step is a single resumable unit of work inside a protocol.
type Step struct {
	Lifecycle
	// Index is the 1-based position of the step in its protocol.
	Index    int    `json:"index"`
	FuncName string `json:"func_name"`
	// Args is the canonical JSON encoding of the step arguments and is
	// compared byte for byte on resume.
	Args string `json:"args"`
	// Prerequisites holds 1-based indices of steps that must finish first.
	Prerequisites []int    `json:"prerequisites"`
	Interactive   bool     `json:"interactive,omitempty"`
	NeedsGPU      bool     `json:"needs_gpu,omitempty"`
	ResultFiles   []string `json:"result_files,omitempty"`

	fn StepFunc
}

// NewStep returns a NEW step bound to fn.
func NewStep(funcName, args string, fn StepFunc) *Step {
	return &Step{
		Lifecycle: Lifecycle{Status: StatusNew},
		FuncName:  funcName,
		Args:      args,
		fn:        fn,
	}
}

// Bind attaches the runtime body. Steps reloaded from a ledger have none.
func (s *Step) Bind(fn StepFunc) { s.fn = fn }

// Func returns the runtime body, nil for reloaded steps that were not rebound.
func (s *Step) Func() StepFunc { return s.fn }

// ID returns a stable identifier for the step within its protocol.
func (s *Step) ID() int { return s.Index }

// SameDefinition reports whether other was built from the same function with
// byte-identical arguments.
func (s *Step) SameDefinition(other *Step) bool {
	return s.FuncName == other.FuncName && s.Args == other.Args
}

// PostconditionsHold reports whether every declared result file exists.
func (s *Step) PostconditionsHold() bool {
	for _, f := range s.ResultFiles {
		if _, err := os.Stat(f); err != nil {
			return false
		}
	}
	return true
}

// MissingResults returns the declared result files that do not exist.
func (s *Step) MissingResults() []string {
	var missing []string
	for _, f := range s.ResultFiles {
		if _, err := os.Stat(f); err != nil {
			missing = append(missing, f)
		}
	}
	return missing
}

// Runnable reports whether the step is NEW and all of its prerequisites
// in steps are FINISHED. steps is indexed from 0; prerequisites from 1.
func (s *Step) Runnable(steps []*Step) bool {
	if s.Status != StatusNew {
		return false
	}
	for _, p := range s.Prerequisites {
		if p < 1 || p > len(steps) {
			return false
		}
		if steps[p-1].Status != StatusFinished {
			return false
		}
	}
	return true
}
