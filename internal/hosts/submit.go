package hosts

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/seantiz/foundry/internal/model"
)

// DefaultJobHours is the wall-clock limit offered to queue templates.
const DefaultJobHours = 72

// SubmitDict builds the substitution dictionary for submitting p to the queue
// engine. Queue defaults and then the run's own queue parameters override the
// computed values. jobName, command and the derived file paths are filled in
// per submission by FillJob.
func (q *QueueSystem) SubmitDict(p *model.Protocol) map[string]any {
	nodes := max(1, p.MPI)
	threads := max(1, p.Threads)
	vars := map[string]any{
		"JOB_NAME":         strconv.FormatInt(p.ID, 10),
		"JOB_QUEUE":        p.QueueName,
		"JOB_NODES":        nodes,
		"JOB_THREADS":      threads,
		"JOB_CORES":        nodes * threads,
		"JOB_HOURS":        DefaultJobHours,
		"GPU_COUNT":        len(p.GPUs),
		model.QueueForJobs: model.QueueNo,
		"FOUNDRY_PROTOCOL": p.ID,
		"FOUNDRY_WORKDIR":  p.WorkingDir,
	}
	if q != nil {
		for k, v := range q.QueuesDefault {
			vars[k] = v
		}
		for k, v := range q.Queues[p.QueueName] {
			vars[k] = v
		}
	}
	for k, v := range p.QueueParams {
		vars[k] = v
	}
	return vars
}

// FillJob sets the per-submission entries of vars: the job name, the script
// and log paths under dir and the command to run.
func (q *QueueSystem) FillJob(vars map[string]any, dir, jobName, command string) {
	prefix := ""
	if q != nil {
		prefix = q.SubmitPrefix
	}
	script := filepath.Join(dir, prefix+jobName+".job")
	vars["JOB_NAME"] = jobName
	vars["JOB_SCRIPT"] = script
	vars["JOB_LOGS"] = filepath.Join(dir, prefix+jobName)
	vars["JOB_NODEFILE"] = strings.TrimSuffix(script, ".job") + ".nodefile"
	vars["JOB_COMMAND"] = command
}
