package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/protocol"
)

// Watch steps.
const (
	watchOpenStep  = 1
	watchCloseStep = 2
)

// DefaultDoneMarker is the file name that tells a watch protocol its input
// is complete.
const DefaultDoneMarker = "DONE"

// WatchParams are the params of a watch protocol.
type WatchParams struct {
	InputDir   string   `json:"input_dir"`
	Pattern    string   `json:"pattern,omitempty"`
	DoneMarker string   `json:"done_marker,omitempty"`
	Output     string   `json:"output,omitempty"`
	Program    string   `json:"program,omitempty"`
	Args       []string `json:"args,omitempty"`
	NeedsGPU   bool     `json:"needs_gpu,omitempty"`
}

func (w WatchParams) withDefaults() WatchParams {
	if w.Pattern == "" {
		w.Pattern = "*"
	}
	if w.DoneMarker == "" {
		w.DoneMarker = DefaultDoneMarker
	}
	if w.Output == "" {
		w.Output = "files"
	}
	return w
}

// Watch processes files as they appear in a directory and publishes them as a
// streaming set. The set stays open until the done marker appears and every
// file seen so far has been processed.
type Watch struct{}

func (Watch) Name() string { return "watch" }

func (Watch) Validate(p *model.Protocol) []string {
	params, err := decodeWatch(p)
	if err != nil {
		return []string{err.Error()}
	}
	var problems []string
	if params.InputDir == "" {
		problems = append(problems, "input_dir is required")
	}
	if _, err := filepath.Match(params.Pattern, "x"); err != nil {
		problems = append(problems, fmt.Sprintf("invalid pattern %q", params.Pattern))
	}
	return problems
}

func (Watch) InsertSteps(_ context.Context, b *protocol.Builder, p *model.Protocol) error {
	params, err := decodeWatch(p)
	if err != nil {
		return err
	}
	outputs := b.Outputs()
	b.Insert("open_output", func(ctx context.Context, _ model.StepEnv) error {
		if _, ok := outputs.Get(params.Output); ok {
			return nil
		}
		_, err := outputs.Register(ctx, params.Output, model.KindSet, true)
		return err
	}, params, protocol.Prerequisites())
	b.Insert("close_output", func(ctx context.Context, _ model.StepEnv) error {
		return outputs.UpdateSet(ctx, params.Output, 0, true)
	}, params.Output, protocol.Prerequisites(watchOpenStep), protocol.Wait())
	return nil
}

// CheckNewSteps adds one processing step per new input file and releases the
// closing step once the done marker exists.
func (Watch) CheckNewSteps(_ context.Context, b *protocol.Builder, p *model.Protocol) (bool, error) {
	closer := b.Step(watchCloseStep)
	if closer == nil || closer.Status != model.StatusWaiting {
		return false, nil
	}
	params, err := decodeWatch(p)
	if err != nil {
		return false, err
	}

	seen := make(map[string]bool)
	for _, s := range b.Steps() {
		if s.FuncName == "process_file" {
			seen[s.Args] = true
		}
	}

	matches, err := filepath.Glob(filepath.Join(params.InputDir, params.Pattern))
	if err != nil {
		return false, fmt.Errorf("list input dir: %w", err)
	}
	sort.Strings(matches)

	changed := false
	for _, path := range matches {
		if filepath.Base(path) == params.DoneMarker {
			continue
		}
		if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
			continue
		}
		key, _ := json.Marshal(path)
		if seen[string(key)] {
			continue
		}
		opts := []protocol.StepOption{protocol.Prerequisites(watchOpenStep)}
		if params.NeedsGPU {
			opts = append(opts, protocol.NeedsGPU())
		}
		idx := b.Insert("process_file", processFile(params, path, p, b.Outputs()), path, opts...)
		closer.Prerequisites = append(closer.Prerequisites, idx)
		changed = true
	}

	if _, err := os.Stat(filepath.Join(params.InputDir, params.DoneMarker)); err == nil {
		closer.SetStatus(model.StatusNew)
		changed = true
	}
	return changed, nil
}

func processFile(params WatchParams, path string, p *model.Protocol, outputs protocol.Outputs) model.StepFunc {
	return func(ctx context.Context, env model.StepEnv) error {
		if params.Program != "" {
			err := env.RunJob(ctx, model.Job{
				Program: params.Program,
				Args:    append(append([]string(nil), params.Args...), path),
				MPI:     p.MPI,
				Threads: 1,
				Dir:     p.ExtraDir(),
			})
			if err != nil {
				return err
			}
		}
		env.Logger().Info("file processed", "file", path)
		return outputs.UpdateSet(ctx, params.Output, 1, false)
	}
}

func decodeWatch(p *model.Protocol) (WatchParams, error) {
	var params WatchParams
	if len(p.Params) > 0 {
		if err := json.Unmarshal(p.Params, &params); err != nil {
			return params, fmt.Errorf("decode watch params: %w", err)
		}
	}
	return params.withDefaults(), nil
}
