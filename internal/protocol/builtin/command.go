package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/protocol"
)

// CommandStep is one program run by a command protocol.
type CommandStep struct {
	Program string   `json:"program"`
	Args    []string `json:"args,omitempty"`
	// Prerequisites are 1-based step indices. Nil means the previous step.
	Prerequisites *[]int `json:"prerequisites,omitempty"`
	NeedsGPU      bool   `json:"needs_gpu,omitempty"`
	Interactive   bool   `json:"interactive,omitempty"`
	// Outputs are file names the program writes into the run's extra
	// directory. Each becomes an output of the protocol.
	Outputs []string `json:"outputs,omitempty"`
	MPI     int      `json:"mpi,omitempty"`
	Threads int      `json:"threads,omitempty"`
}

// CommandParams are the params of a command protocol.
type CommandParams struct {
	Steps []CommandStep `json:"steps"`
}

// Command runs a fixed list of programs as steps.
type Command struct{}

func (Command) Name() string { return "command" }

func (Command) Validate(p *model.Protocol) []string {
	params, err := decodeCommand(p)
	if err != nil {
		return []string{err.Error()}
	}
	if len(params.Steps) == 0 {
		return []string{"at least one step is required"}
	}
	var problems []string
	for i, s := range params.Steps {
		if s.Program == "" {
			problems = append(problems, fmt.Sprintf("step %d: program is required", i+1))
		}
		if s.Prerequisites != nil {
			for _, pre := range *s.Prerequisites {
				if pre < 1 || pre > i {
					problems = append(problems, fmt.Sprintf("step %d: prerequisite %d is not an earlier step", i+1, pre))
				}
			}
		}
		for _, o := range s.Outputs {
			if o == "" || filepath.IsAbs(o) || o != filepath.Base(o) {
				problems = append(problems, fmt.Sprintf("step %d: output %q must be a plain file name", i+1, o))
			}
		}
	}
	return problems
}

func (Command) InsertSteps(_ context.Context, b *protocol.Builder, p *model.Protocol) error {
	params, err := decodeCommand(p)
	if err != nil {
		return err
	}
	for _, cs := range params.Steps {
		var opts []protocol.StepOption
		if cs.Prerequisites != nil {
			opts = append(opts, protocol.Prerequisites(*cs.Prerequisites...))
		}
		if cs.NeedsGPU {
			opts = append(opts, protocol.NeedsGPU())
		}
		if cs.Interactive {
			opts = append(opts, protocol.Interactive())
		}
		files := make([]string, len(cs.Outputs))
		for i, o := range cs.Outputs {
			files[i] = filepath.Join(p.ExtraDir(), o)
		}
		if len(files) > 0 {
			opts = append(opts, protocol.ResultFiles(files...))
		}
		b.Insert("run_command", runCommand(cs, p, b.Outputs()), cs, opts...)
	}
	return nil
}

func runCommand(cs CommandStep, p *model.Protocol, outputs protocol.Outputs) model.StepFunc {
	mpi, threads := cs.MPI, cs.Threads
	if mpi == 0 {
		mpi = p.MPI
	}
	if threads == 0 {
		threads = 1
	}
	return func(ctx context.Context, env model.StepEnv) error {
		err := env.RunJob(ctx, model.Job{
			Program: cs.Program,
			Args:    cs.Args,
			MPI:     mpi,
			Threads: threads,
			Dir:     p.ExtraDir(),
		})
		if err != nil {
			return err
		}
		for _, o := range cs.Outputs {
			if _, err := outputs.Register(ctx, o, model.KindObject, false); err != nil {
				return fmt.Errorf("register output %s: %w", o, err)
			}
		}
		return nil
	}
}

func decodeCommand(p *model.Protocol) (CommandParams, error) {
	var params CommandParams
	if len(p.Params) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(p.Params, &params); err != nil {
		return params, fmt.Errorf("decode command params: %w", err)
	}
	return params, nil
}
