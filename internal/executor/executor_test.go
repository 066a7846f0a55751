package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/foundry/internal/hosts"
	"github.com/seantiz/foundry/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder tracks step start and end order and peak concurrency.
type recorder struct {
	mu      sync.Mutex
	events  []string
	active  int
	peak    int
	gpuHeld map[int]int
	gpuPeak int
}

func (r *recorder) body(name string, d time.Duration) model.StepFunc {
	return func(ctx context.Context, env model.StepEnv) error {
		r.mu.Lock()
		r.events = append(r.events, "start "+name)
		r.active++
		r.peak = max(r.peak, r.active)
		for _, g := range env.GPUs() {
			r.gpuHeld[g]++
			r.gpuPeak = max(r.gpuPeak, r.gpuHeld[g])
		}
		r.mu.Unlock()

		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}

		r.mu.Lock()
		r.events = append(r.events, "end "+name)
		r.active--
		for _, g := range env.GPUs() {
			r.gpuHeld[g]--
		}
		r.mu.Unlock()
		return nil
	}
}

func (r *recorder) index(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.events {
		if e == event {
			return i
		}
	}
	return -1
}

func newRecorder() *recorder { return &recorder{gpuHeld: make(map[int]int)} }

// makeStep builds a NEW step at 1-based index i with explicit prerequisites.
func makeStep(i int, fn model.StepFunc, prereqs ...int) *model.Step {
	s := model.NewStep(fmt.Sprintf("step%d", i), "[]", fn)
	s.Index = i
	s.Prerequisites = prereqs
	return s
}

func mustNew(t *testing.T, spec Spec) Executor {
	t.Helper()
	e, err := New(spec, Deps{Logger: testLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestNewKinds(t *testing.T) {
	tests := []struct {
		kind Kind
		want Kind
	}{
		{"", KindSerial},
		{KindSerial, KindSerial},
		{KindThread, KindThread},
	}
	for _, tt := range tests {
		e := mustNew(t, Spec{Kind: tt.kind, Workers: 2})
		if e.Kind() != tt.want {
			t.Errorf("Kind() = %s, want %s", e.Kind(), tt.want)
		}
	}

	if _, err := New(Spec{Kind: "mpi"}, Deps{}); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("err = %v, want ErrUnknownKind", err)
	}
	if _, err := New(Spec{Kind: KindQueue, Workers: 1}, Deps{}); err == nil {
		t.Error("queue executor without queue system should fail")
	}
}

func TestSerialRunsInPrerequisiteOrder(t *testing.T) {
	r := newRecorder()
	steps := []*model.Step{
		makeStep(1, r.body("1", 0)),
		makeStep(2, r.body("2", 0), 3),
		makeStep(3, r.body("3", 0), 1),
	}

	var started []int
	e := mustNew(t, Spec{Kind: KindSerial})
	err := e.RunSteps(context.Background(), steps, Hooks{
		OnStart: func(s *model.Step) { started = append(started, s.Index) },
	})
	if err != nil {
		t.Fatalf("RunSteps: %v", err)
	}

	want := []int{1, 3, 2}
	if fmt.Sprint(started) != fmt.Sprint(want) {
		t.Errorf("start order = %v, want %v", started, want)
	}
	for _, s := range steps {
		if !s.IsFinished() {
			t.Errorf("step %d status = %s, want finished", s.Index, s.Status)
		}
	}
}

func TestThreadThreeStepsNoGPUs(t *testing.T) {
	r := newRecorder()
	steps := []*model.Step{
		makeStep(1, r.body("1", 20*time.Millisecond)),
		makeStep(2, r.body("2", 20*time.Millisecond)),
		makeStep(3, r.body("3", 20*time.Millisecond)),
	}

	e := mustNew(t, Spec{Kind: KindThread, Workers: 2})
	if err := e.RunSteps(context.Background(), steps, Hooks{}); err != nil {
		t.Fatalf("RunSteps: %v", err)
	}
	for _, s := range steps {
		if !s.IsFinished() {
			t.Errorf("step %d status = %s, want finished", s.Index, s.Status)
		}
	}
	if r.peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", r.peak)
	}
}

func TestThreadPrerequisitesFinishBeforeStart(t *testing.T) {
	r := newRecorder()
	steps := []*model.Step{
		makeStep(1, r.body("1", 30*time.Millisecond)),
		makeStep(2, r.body("2", 10*time.Millisecond)),
		makeStep(3, r.body("3", 0), 1, 2),
		makeStep(4, r.body("4", 0), 3),
	}

	e := mustNew(t, Spec{Kind: KindThread, Workers: 4})
	if err := e.RunSteps(context.Background(), steps, Hooks{}); err != nil {
		t.Fatalf("RunSteps: %v", err)
	}

	for _, pair := range [][2]string{{"end 1", "start 3"}, {"end 2", "start 3"}, {"end 3", "start 4"}} {
		before, after := r.index(pair[0]), r.index(pair[1])
		if before < 0 || after < 0 || before > after {
			t.Errorf("%q at %d must precede %q at %d", pair[0], before, pair[1], after)
		}
	}
}

func TestThreadGPUStepsWaitForSlot(t *testing.T) {
	r := newRecorder()
	s1 := makeStep(1, r.body("1", 50*time.Millisecond))
	s1.NeedsGPU = true
	s2 := makeStep(2, r.body("2", 10*time.Millisecond))
	s2.NeedsGPU = true
	steps := []*model.Step{s1, s2}

	e := mustNew(t, Spec{Kind: KindThread, Workers: 2, GPUs: []int{0}, VoidGPU: 99})
	if err := e.RunSteps(context.Background(), steps, Hooks{}); err != nil {
		t.Fatalf("RunSteps: %v", err)
	}

	for _, s := range steps {
		if !s.IsFinished() {
			t.Errorf("step %d status = %s, want finished", s.Index, s.Status)
		}
	}
	if r.gpuPeak != 1 {
		t.Errorf("gpu 0 held by %d steps at once, want 1", r.gpuPeak)
	}
	if r.index("end 1") > r.index("start 2") {
		t.Errorf("step 2 started before step 1 released the gpu: %v", r.events)
	}
}

func TestThreadGPUSlotsPerStep(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[int][]int)
	body := func(ctx context.Context, env model.StepEnv) error {
		mu.Lock()
		defer mu.Unlock()
		seen[len(seen)+1] = env.GPUs()
		return nil
	}
	steps := []*model.Step{makeStep(1, body), makeStep(2, body)}
	for _, s := range steps {
		s.NeedsGPU = true
	}

	e := mustNew(t, Spec{Kind: KindThread, Workers: 2, GPUs: []int{0, 1, 2}, VoidGPU: 99})
	if err := e.RunSteps(context.Background(), steps, Hooks{}); err != nil {
		t.Fatalf("RunSteps: %v", err)
	}
	total := 0
	for _, g := range seen {
		total += len(g)
	}
	if total != 3 {
		t.Errorf("gpus handed out = %v, want all 3 across both steps", seen)
	}
}

func TestFailureStopsDispatch(t *testing.T) {
	var ran atomic.Bool
	steps := []*model.Step{
		makeStep(1, func(context.Context, model.StepEnv) error { return errors.New("boom") }),
		makeStep(2, func(context.Context, model.StepEnv) error { ran.Store(true); return nil }, 1),
		makeStep(3, func(context.Context, model.StepEnv) error { ran.Store(true); return nil }, 1),
	}

	for _, kind := range []Kind{KindSerial, KindThread} {
		for _, s := range steps {
			s.SetStatus(model.StatusNew)
		}
		e := mustNew(t, Spec{Kind: kind, Workers: 2})
		finished := 0
		err := e.RunSteps(context.Background(), steps, Hooks{
			OnFinish: func(s *model.Step) bool {
				finished++
				return !s.IsFailed()
			},
		})
		if err != nil {
			t.Fatalf("%s: RunSteps: %v", kind, err)
		}
		if !steps[0].IsFailed() || steps[0].Error != "boom" {
			t.Errorf("%s: step 1 = %s %q, want failed boom", kind, steps[0].Status, steps[0].Error)
		}
		if ran.Load() {
			t.Errorf("%s: dependent step ran after failure", kind)
		}
		if finished != 1 {
			t.Errorf("%s: OnFinish called %d times, want 1", kind, finished)
		}
	}
}

func TestMissingResultFilesFailStep(t *testing.T) {
	s := makeStep(1, func(context.Context, model.StepEnv) error { return nil })
	s.ResultFiles = []string{filepath.Join(t.TempDir(), "never-written")}

	e := mustNew(t, Spec{Kind: KindSerial})
	if err := e.RunSteps(context.Background(), []*model.Step{s}, Hooks{}); err != nil {
		t.Fatalf("RunSteps: %v", err)
	}
	if !s.IsFailed() {
		t.Errorf("status = %s, want failed", s.Status)
	}
}

func TestInteractiveStepStops(t *testing.T) {
	s1 := makeStep(1, func(context.Context, model.StepEnv) error { return nil })
	s1.Interactive = true
	s2 := makeStep(2, func(context.Context, model.StepEnv) error { return nil }, 1)

	e := mustNew(t, Spec{Kind: KindThread, Workers: 1})
	if err := e.RunSteps(context.Background(), []*model.Step{s1, s2}, Hooks{}); err != nil {
		t.Fatalf("RunSteps: %v", err)
	}
	if !s1.IsInteractive() {
		t.Errorf("step 1 = %s, want interactive", s1.Status)
	}
	if !s2.IsNew() {
		t.Errorf("step 2 = %s, want new", s2.Status)
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	s := makeStep(1, func(context.Context, model.StepEnv) error { panic("bad step") })
	e := mustNew(t, Spec{Kind: KindThread, Workers: 1})
	if err := e.RunSteps(context.Background(), []*model.Step{s}, Hooks{}); err != nil {
		t.Fatalf("RunSteps: %v", err)
	}
	if !s.IsFailed() {
		t.Errorf("status = %s, want failed", s.Status)
	}
}

func TestCheckHookAddsSteps(t *testing.T) {
	r := newRecorder()
	closer := makeStep(2, r.body("close", 0), 1)
	closer.SetStatus(model.StatusWaiting)
	steps := []*model.Step{makeStep(1, r.body("1", 0)), closer}

	checks := 0
	e := mustNew(t, Spec{Kind: KindSerial})
	err := e.RunSteps(context.Background(), steps, Hooks{
		CheckInterval: time.Millisecond,
		OnCheck: func() []*model.Step {
			checks++
			if closer.Status != model.StatusWaiting {
				return nil
			}
			added := makeStep(3, r.body("3", 0))
			closer.Prerequisites = append(closer.Prerequisites, 3)
			closer.SetStatus(model.StatusNew)
			return []*model.Step{added}
		},
	})
	if err != nil {
		t.Fatalf("RunSteps: %v", err)
	}
	if r.index("start 3") < 0 {
		t.Fatalf("added step never ran: %v", r.events)
	}
	if r.index("end 3") > r.index("start close") {
		t.Errorf("closing step ran before added step finished: %v", r.events)
	}
	if !closer.IsFinished() {
		t.Errorf("closer = %s, want finished", closer.Status)
	}
	if checks < 2 {
		t.Errorf("checks = %d, want periodic and final checks", checks)
	}
}

func TestCancelAbortsRunningSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	s := makeStep(1, func(ctx context.Context, _ model.StepEnv) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	e := mustNew(t, Spec{Kind: KindThread, Workers: 1})
	done := make(chan error, 1)
	go func() { done <- e.RunSteps(ctx, []*model.Step{s}, Hooks{}) }()

	<-started
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunSteps did not return after cancel")
	}
	if !s.IsAborted() {
		t.Errorf("status = %s, want aborted", s.Status)
	}
}

func TestLocalRunJob(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	s := makeStep(1, func(ctx context.Context, env model.StepEnv) error {
		return env.RunJob(ctx, model.Job{
			Program: "/bin/sh",
			Args:    []string{"-c", "echo $CUDA_VISIBLE_DEVICES > " + out},
		})
	})
	s.NeedsGPU = true
	s.ResultFiles = []string{out}

	e := mustNew(t, Spec{Kind: KindThread, Workers: 1, GPUs: []int{3}, VoidGPU: 99})
	if err := e.RunSteps(context.Background(), []*model.Step{s}, Hooks{}); err != nil {
		t.Fatalf("RunSteps: %v", err)
	}
	if !s.IsFinished() {
		t.Fatalf("status = %s (%s), want finished", s.Status, s.Error)
	}
}

func TestQueueExecutorSubmitsAndPolls(t *testing.T) {
	dir := t.TempDir()
	queue := &hosts.QueueSystem{
		Name:           "fake",
		SubmitCommand:  "echo Submitted batch job 4242",
		SubmitTemplate: "#!/bin/sh\n{{.JOB_COMMAND}}",
		CheckCommand:   "test -f " + filepath.Join(dir, "done-{{.JOB_ID}}"),
		CancelCommand:  "true",
	}

	var mu sync.Mutex
	var submitted, completed []int64
	e, err := New(Spec{
		Kind:       KindQueue,
		Workers:    1,
		Queue:      queue,
		SubmitVars: map[string]any{"JOB_NAME": "7"},
		GPUs:       []int{4, 5},
		VoidGPU:    99,
	}, Deps{
		Logger:  testLogger(),
		JobsDir: dir,
		OnJobSubmitted: func(id int64) {
			mu.Lock()
			defer mu.Unlock()
			submitted = append(submitted, id)
		},
		OnJobDone: func(id int64) {
			mu.Lock()
			defer mu.Unlock()
			completed = append(completed, id)
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runner := e.(*threadExecutor).jobs.(*queueRunner)
	runner.pollStart, runner.pollStep = 5*time.Millisecond, 5*time.Millisecond

	var gpus []int
	s := makeStep(1, func(ctx context.Context, env model.StepEnv) error {
		gpus = env.GPUs()
		// The check command fails because the marker never exists, which
		// the engine reports as a job that left the queue.
		return env.RunJob(ctx, model.Job{Program: "echo", Args: []string{"hi"}})
	})
	s.NeedsGPU = true

	if err := e.RunSteps(context.Background(), []*model.Step{s}, Hooks{}); err != nil {
		t.Fatalf("RunSteps: %v", err)
	}
	if !s.IsFinished() {
		t.Fatalf("status = %s (%s), want finished", s.Status, s.Error)
	}
	if fmt.Sprint(submitted) != "[4242]" || fmt.Sprint(completed) != "[4242]" {
		t.Errorf("submitted = %v, completed = %v", submitted, completed)
	}
	if fmt.Sprint(gpus) != "[0 1]" {
		t.Errorf("gpus = %v, want renumbered [0 1]", gpus)
	}
	if _, err := os.Stat(filepath.Join(dir, "7-1-1.job")); err != nil {
		t.Errorf("job script not written: %v", err)
	}
}

func TestQueueSubmitFailureFailsStep(t *testing.T) {
	queue := &hosts.QueueSystem{
		Name:           "fake",
		SubmitCommand:  "exit 1",
		SubmitTemplate: "{{.JOB_COMMAND}}",
		CheckCommand:   "true",
	}
	e, err := New(Spec{Kind: KindQueue, Workers: 1, Queue: queue}, Deps{Logger: testLogger(), JobsDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := makeStep(1, func(ctx context.Context, env model.StepEnv) error {
		return env.RunJob(ctx, model.Job{Program: "true"})
	})
	if err := e.RunSteps(context.Background(), []*model.Step{s}, Hooks{}); err != nil {
		t.Fatalf("RunSteps: %v", err)
	}
	if !s.IsFailed() {
		t.Errorf("status = %s, want failed", s.Status)
	}
}

func TestStepsTotalMetric(t *testing.T) {
	before := counterValue(t, "foundry_steps_total", "serial", "finished")
	s := makeStep(1, func(context.Context, model.StepEnv) error { return nil })
	e := mustNew(t, Spec{Kind: KindSerial})
	if err := e.RunSteps(context.Background(), []*model.Step{s}, Hooks{}); err != nil {
		t.Fatalf("RunSteps: %v", err)
	}
	if got := counterValue(t, "foundry_steps_total", "serial", "finished"); got != before+1 {
		t.Errorf("foundry_steps_total = %v, want %v", got, before+1)
	}
}

func counterValue(t *testing.T, name, executor, status string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["executor"] == executor && labels["status"] == status {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}
