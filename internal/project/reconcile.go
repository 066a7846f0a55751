package project

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/store"
)

// Ledger reads race with the runner's writes and are retried.
const (
	updateAttempts = 3
	updateWait     = 500 * time.Millisecond
	refreshWorkers = 4
)

// LivenessError reports an active protocol whose process or queue job is gone.
type LivenessError struct {
	ProtocolID int64
	PID        int
	JobID      int64
}

func (e *LivenessError) Error() string {
	if e.PID != 0 {
		return fmt.Sprintf("Process %d not found running. It probably died or was killed without reporting its status; the run logs may tell what happened.", e.PID)
	}
	if e.JobID == 0 {
		return fmt.Sprintf("Protocol %d has neither a process nor a queue job.", e.ProtocolID)
	}
	return fmt.Sprintf("JOB ID %d not found running on the queue engine. The protocol is not running anymore.", e.JobID)
}

// Update reconciles protocol id with its ledger and checks that an active
// protocol still has a live process or queue job. The reconciled protocol is
// returned and stored in the project database.
func (pr *Project) Update(ctx context.Context, id int64) (*model.Protocol, error) {
	p, err := pr.store.GetProtocol(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsActive() {
		return p, nil
	}

	changed, err := pr.reconcile(ctx, p)
	if err != nil {
		pr.logger.Error("reconcile protocol from ledger", "protocol_id", id, "error", err)
		p.SetFailed(fmt.Sprintf("update from run ledger: %v", err))
		p.ClearJobs()
		changed = true
	}

	var liveness *LivenessError
	if err := pr.CheckIsAlive(ctx, p); errors.As(err, &liveness) {
		pr.logger.Warn("protocol not alive", "protocol_id", id, "error", err)
		if _, err := pr.store.CloseOpenSets(ctx, id); err != nil {
			return p, err
		}
		changed = true
	} else if err != nil {
		pr.logger.Warn("liveness check", "protocol_id", id, "error", err)
	}

	if changed {
		if err := pr.store.SaveProtocol(ctx, p); err != nil {
			return p, err
		}
		pr.invalidateGraph()
	}
	return p, nil
}

// reconcile copies the runner's view of p from its ledger into p and the
// project's objects. It reports whether anything was copied.
func (pr *Project) reconcile(ctx context.Context, p *model.Protocol) (bool, error) {
	var (
		lp      *model.Protocol
		objects []*model.Object
	)
	err := store.Retry(ctx, updateAttempts, updateWait, func() error {
		ledger, err := openExistingLedger(p)
		if err != nil || ledger == nil {
			return err
		}
		defer ledger.Close()
		if lp, err = ledger.GetProtocol(ctx, p.ID); err != nil {
			return err
		}
		objects, err = ledger.ListObjects(ctx, p.ID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) || (err == nil && lp == nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !newer(lp, p) {
		return false, nil
	}

	ids, err := pr.mergeOutputs(ctx, p.ID, lp.Outputs, objects)
	if err != nil {
		return false, err
	}

	p.Lifecycle = lp.Lifecycle
	p.StepsDone = lp.StepsDone
	p.NumberOfSteps = lp.NumberOfSteps
	p.RunMode = lp.RunMode
	p.Outputs = ids
	// A queued runner cannot know its own job id; the project recorded it.
	if !p.UsesQueueForProtocol() {
		p.PID = lp.PID
		p.JobIDs = lp.JobIDs
	}
	return true, nil
}

// mergeLedgerJobs adds the pid and job ids the runner of p recorded in its
// ledger to p. A protocol queued as a whole keeps the job id the project
// recorded at launch.
func (pr *Project) mergeLedgerJobs(ctx context.Context, p *model.Protocol) error {
	if p.UsesQueueForProtocol() {
		return nil
	}
	ledger, err := openExistingLedger(p)
	if err != nil || ledger == nil {
		return err
	}
	defer ledger.Close()
	lp, err := ledger.GetProtocol(ctx, p.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if p.PID == 0 {
		p.PID = lp.PID
	}
	for _, id := range lp.JobIDs {
		if !slices.Contains(p.JobIDs, id) {
			p.AppendJobID(id)
		}
	}
	return nil
}

// newer reports whether the ledger copy carries state the project lacks.
// Runner-written statuses always win over the launch statuses the project
// set itself.
func newer(ledger, project *model.Protocol) bool {
	switch ledger.Status {
	case model.StatusLaunched, model.StatusScheduled, model.StatusSaved, model.StatusNew:
		return ledger.LastUpdate.After(project.LastUpdate)
	}
	return ledger.Status != project.Status ||
		ledger.StepsDone != project.StepsDone ||
		ledger.NumberOfSteps != project.NumberOfSteps ||
		ledger.LastUpdate.After(project.LastUpdate)
}

// mergeOutputs stores the ledger outputs of protocol id in the project. The
// two databases number objects independently, so objects are matched by
// name. It returns the project ids of ledgerOutputs.
func (pr *Project) mergeOutputs(ctx context.Context, id int64, ledgerOutputs []int64, objects []*model.Object) ([]int64, error) {
	existing, err := pr.store.ListObjects(ctx, id)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*model.Object, len(existing))
	for _, o := range existing {
		byName[o.Name] = o
	}

	projectID := make(map[int64]int64, len(objects))
	for _, lo := range objects {
		o, ok := byName[lo.Name]
		if !ok {
			o = &model.Object{ProtocolID: id, Name: lo.Name}
			byName[lo.Name] = o
		}
		o.Kind = lo.Kind
		o.StreamState = lo.StreamState
		o.Size = lo.Size
		if err := pr.store.SaveObject(ctx, o); err != nil {
			return nil, fmt.Errorf("merge output %s: %w", lo.Name, err)
		}
		projectID[lo.ID] = o.ID
	}

	ids := make([]int64, 0, len(ledgerOutputs))
	for _, lid := range ledgerOutputs {
		if pid, ok := projectID[lid]; ok {
			ids = append(ids, pid)
		}
	}
	return ids, nil
}

// CheckIsAlive verifies that an active protocol still has a live process or
// queue job. A dead one is set FAILED and a *LivenessError is returned.
// Protocols waiting for confirmation have no process and are not checked.
func (pr *Project) CheckIsAlive(ctx context.Context, p *model.Protocol) error {
	if !p.IsActive() || p.IsInteractive() {
		return nil
	}
	host, err := pr.hosts.Get(p.Host)
	if err != nil {
		return err
	}

	if p.PID != 0 {
		if pr.alive(p.PID) {
			return nil
		}
		return pr.markDead(p, &LivenessError{ProtocolID: p.ID, PID: p.PID})
	}

	jobID := p.JobID()
	switch {
	case len(p.JobIDs) == 0:
		return pr.markDead(p, &LivenessError{ProtocolID: p.ID})
	case jobID == model.UnknownJobID:
		return nil
	case !host.IsLocal() && !p.UseQueue:
		// A remote runner's pid cannot be probed from here.
		return nil
	}

	done, err := pr.jobDone(ctx, host.QueueSystem, jobID)
	if err != nil {
		return fmt.Errorf("check job %d: %w", jobID, err)
	}
	if !done {
		return nil
	}
	return pr.markDead(p, &LivenessError{ProtocolID: p.ID, JobID: jobID})
}

func (pr *Project) markDead(p *model.Protocol, err *LivenessError) error {
	p.SetFailed(err.Error())
	p.ClearJobs()
	return err
}

// RefreshAll reconciles every active protocol, a few at a time.
func (pr *Project) RefreshAll(ctx context.Context) error {
	protocols, err := pr.store.ListProtocols(ctx)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshWorkers)
	for _, p := range protocols {
		if !p.IsActive() {
			continue
		}
		id := p.ID
		g.Go(func() error {
			_, err := pr.Update(ctx, id)
			return err
		})
	}
	return g.Wait()
}
