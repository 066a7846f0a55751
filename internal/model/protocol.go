package model

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"time"
)

// RunMode selects how a protocol treats a previous run's ledger.
type RunMode string

const (
	RunModeResume  RunMode = "resume"
	RunModeRestart RunMode = "restart"
)

// StepsMode selects serial or parallel step execution.
type StepsMode string

const (
	StepsSerial   StepsMode = "serial"
	StepsParallel StepsMode = "parallel"
)

// UnknownJobID is recorded when a queue submission returned no usable id.
const UnknownJobID int64 = -1

// Queue parameter keys with meaning to the engine.
const (
	QueueForJobs = "QUEUE_FOR_JOBS"
	QueueYes     = "Y"
	QueueNo      = "N"
)

// LocalHost is the host name meaning "this machine".
const LocalHost = "localhost"

// Layout is the opaque 2-D position kept for graph viewers.
type Layout struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Protocol is a composite step owning an ordered list of steps, its inputs
// and outputs, and the execution settings of one run.
type Protocol struct {
	Lifecycle
	ID        int64           `json:"id"`
	Label     string          `json:"label"`
	Class     string          `json:"class"`
	RunMode   RunMode         `json:"run_mode"`
	StepsMode StepsMode       `json:"steps_mode"`
	Params    json.RawMessage `json:"params,omitempty"`

	Threads     int               `json:"threads"`
	MPI         int               `json:"mpi"`
	GPUs        []int             `json:"gpus,omitempty"`
	UseQueue    bool              `json:"use_queue"`
	QueueName   string            `json:"queue_name,omitempty"`
	QueueParams map[string]string `json:"queue_params,omitempty"`
	Host        string            `json:"host"`

	PID    int     `json:"pid"`
	JobIDs []int64 `json:"job_ids,omitempty"`

	// Prerequisites are protocol ids that must leave the active set first.
	Prerequisites []int64            `json:"prerequisites,omitempty"`
	Inputs        map[string]Pointer `json:"inputs,omitempty"`
	// Outputs are object ids of produced outputs.
	Outputs []int64 `json:"outputs,omitempty"`

	WorkingDir string `json:"working_dir"`
	Streaming  bool   `json:"streaming"`
	// ParentID is set on runs created by another run.
	ParentID int64 `json:"parent_id,omitempty"`

	StepsDone     int       `json:"steps_done"`
	NumberOfSteps int       `json:"number_of_steps"`
	Layout        Layout    `json:"layout"`
	LastUpdate    time.Time `json:"last_update"`

	Steps []*Step `json:"-"`
}

// String identifies the protocol in log lines.
func (p *Protocol) String() string {
	if p.Label != "" {
		return fmt.Sprintf("%d (%s)", p.ID, p.Label)
	}
	return fmt.Sprintf("%d (%s)", p.ID, p.Class)
}

// IsChild reports whether the run was created by another run.
func (p *Protocol) IsChild() bool { return p.ParentID != 0 }

// IsLocal reports whether the run executes on this machine.
func (p *Protocol) IsLocal() bool { return p.Host == "" || p.Host == LocalHost }

// UsesGPU reports whether GPUs were configured for the run.
func (p *Protocol) UsesGPU() bool { return len(p.GPUs) > 0 }

// UsesQueueForJobs reports whether each step job is submitted to the queue.
func (p *Protocol) UsesQueueForJobs() bool {
	return p.UseQueue && p.QueueParams[QueueForJobs] == QueueYes
}

// UsesQueueForProtocol reports whether the whole runner is submitted to the queue.
func (p *Protocol) UsesQueueForProtocol() bool {
	return p.UseQueue && !p.UsesQueueForJobs()
}

// IsResume reports whether a previous ledger should be reused.
func (p *Protocol) IsResume() bool { return p.RunMode != RunModeRestart }

// JobID returns the most recent job id or UnknownJobID.
func (p *Protocol) JobID() int64 {
	if len(p.JobIDs) == 0 {
		return UnknownJobID
	}
	return p.JobIDs[len(p.JobIDs)-1]
}

// AppendJobID records a submitted job.
func (p *Protocol) AppendJobID(id int64) { p.JobIDs = append(p.JobIDs, id) }

// RemoveJobID forgets a completed job.
func (p *Protocol) RemoveJobID(id int64) {
	if i := slices.Index(p.JobIDs, id); i >= 0 {
		p.JobIDs = slices.Delete(p.JobIDs, i, i+1)
	}
}

// AddPrerequisites records more protocols p waits for, skipping p itself and
// ids already present.
func (p *Protocol) AddPrerequisites(ids ...int64) {
	for _, id := range ids {
		if id != p.ID && !slices.Contains(p.Prerequisites, id) {
			p.Prerequisites = append(p.Prerequisites, id)
		}
	}
}

// ClearJobs forgets the pid and all job ids.
func (p *Protocol) ClearJobs() {
	p.PID = 0
	p.JobIDs = nil
}

// LogsDir returns the run's log directory.
func (p *Protocol) LogsDir() string { return filepath.Join(p.WorkingDir, "logs") }

// TmpDir returns the run's scratch directory.
func (p *Protocol) TmpDir() string { return filepath.Join(p.WorkingDir, "tmp") }

// ExtraDir returns the directory where step results are written.
func (p *Protocol) ExtraDir() string { return filepath.Join(p.WorkingDir, "extra") }

// LedgerPath returns the path of the run's private ledger database.
func (p *Protocol) LedgerPath() string { return filepath.Join(p.LogsDir(), "run.db") }

// LogPath returns the runner's structured log file.
func (p *Protocol) LogPath() string { return filepath.Join(p.LogsDir(), "run.log") }

// StdoutPath returns the runner's captured standard output.
func (p *Protocol) StdoutPath() string { return filepath.Join(p.LogsDir(), "run.stdout") }

// StderrPath returns the runner's captured standard error.
func (p *Protocol) StderrPath() string { return filepath.Join(p.LogsDir(), "run.stderr") }

// ScheduleLogPath returns the scheduler agent's log file.
func (p *Protocol) ScheduleLogPath() string { return filepath.Join(p.LogsDir(), "schedule.log") }

// Clone returns a deep copy without runtime steps.
func (p *Protocol) Clone() *Protocol {
	c := *p
	c.Params = slices.Clone(p.Params)
	c.GPUs = slices.Clone(p.GPUs)
	c.JobIDs = slices.Clone(p.JobIDs)
	c.Prerequisites = slices.Clone(p.Prerequisites)
	c.Outputs = slices.Clone(p.Outputs)
	if p.QueueParams != nil {
		c.QueueParams = make(map[string]string, len(p.QueueParams))
		for k, v := range p.QueueParams {
			c.QueueParams[k] = v
		}
	}
	if p.Inputs != nil {
		c.Inputs = make(map[string]Pointer, len(p.Inputs))
		for k, v := range p.Inputs {
			c.Inputs[k] = v
		}
	}
	if p.InitTime != nil {
		t := *p.InitTime
		c.InitTime = &t
	}
	if p.EndTime != nil {
		t := *p.EndTime
		c.EndTime = &t
	}
	c.Steps = nil
	return &c
}

// InputNames returns input attribute names in sorted order.
func (p *Protocol) InputNames() []string {
	names := make([]string, 0, len(p.Inputs))
	for k := range p.Inputs {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}
