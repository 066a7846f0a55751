package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/seantiz/foundry/internal/hosts"
	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/process"
)

// jobRunner runs one program on behalf of a step running on node.
type jobRunner interface {
	runJob(ctx context.Context, job model.Job, node int, gpus []int) error
}

// localRunner runs jobs as child processes of this process.
type localRunner struct {
	host   *hosts.Host
	out    io.Writer
	logger *slog.Logger
}

func (r *localRunner) runJob(ctx context.Context, job model.Job, _ int, gpus []int) error {
	command, err := process.BuildCommand(job, r.host)
	if err != nil {
		return err
	}
	env := append([]string(nil), job.Env...)
	if v := process.GPUEnv(gpus); v != "" {
		env = append(env, v)
	}
	if job.Threads > 0 {
		env = append(env, fmt.Sprintf("OMP_NUM_THREADS=%d", job.Threads))
	}
	_, err = process.Run(ctx, command, process.RunOptions{
		Dir:    job.Dir,
		Env:    env,
		Log:    r.out,
		Logger: r.logger,
	})
	return err
}

// Queue polling backoff.
const (
	pollStart = 3 * time.Second
	pollStep  = 3 * time.Second
	pollMax   = 300 * time.Second
)

// queueRunner submits every job to the host's queue engine and blocks the
// worker until the engine reports the job done.
type queueRunner struct {
	queue  *hosts.QueueSystem
	base   map[string]any
	dir    string
	host   *hosts.Host
	logger *slog.Logger

	onSubmit func(int64)
	onDone   func(int64)

	mu       sync.Mutex
	commands map[int]int // jobs submitted per node

	pollStart, pollStep, pollMax time.Duration
}

func newQueueRunner(spec Spec, deps Deps) *queueRunner {
	q := &queueRunner{
		queue:     spec.Queue,
		base:      maps.Clone(spec.SubmitVars),
		dir:       deps.JobsDir,
		host:      deps.Host,
		logger:    deps.Logger,
		onSubmit:  deps.OnJobSubmitted,
		onDone:    deps.OnJobDone,
		commands:  make(map[int]int),
		pollStart: pollStart,
		pollStep:  pollStep,
		pollMax:   pollMax,
	}
	if q.base == nil {
		q.base = make(map[string]any)
	}
	if _, ok := q.base["JOB_NAME"]; !ok {
		q.base["JOB_NAME"] = "job"
	}
	if q.onSubmit == nil {
		q.onSubmit = func(int64) {}
	}
	if q.onDone == nil {
		q.onDone = func(int64) {}
	}
	return q
}

func (q *queueRunner) next(node int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.commands[node]++
	return q.commands[node]
}

func (q *queueRunner) runJob(ctx context.Context, job model.Job, node int, gpus []int) error {
	command, err := process.BuildCommand(job, q.host)
	if err != nil {
		return err
	}

	nodes, threads := max(1, job.MPI), max(1, job.Threads)
	vars := maps.Clone(q.base)
	vars["JOB_NODES"] = nodes
	vars["JOB_THREADS"] = threads
	vars["JOB_CORES"] = nodes * threads
	vars["GPU_COUNT"] = len(gpus)
	name := fmt.Sprintf("%v-%d-%d", q.base["JOB_NAME"], node, q.next(node))
	q.queue.FillJob(vars, q.dir, name, command)

	jobID, err := process.Submit(ctx, q.queue, vars)
	if err != nil {
		return fmt.Errorf("submit job %s: %w", name, err)
	}
	if jobID == model.UnknownJobID {
		return fmt.Errorf("failed to submit job %s to queue %s", name, q.queue.Name)
	}
	q.onSubmit(jobID)
	defer q.onDone(jobID)
	q.logger.Info("job submitted", "job_name", name, "job_id", jobID, "node", node)

	wait := q.pollStart
	for {
		done, err := process.JobDone(ctx, q.queue, jobID)
		queuePolls.Inc()
		if err != nil {
			return fmt.Errorf("check job %d: %w", jobID, err)
		}
		if done {
			q.logger.Info("job left the queue", "job_id", jobID)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if wait < q.pollMax {
			wait += q.pollStep
		}
	}
}
