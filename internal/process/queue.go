package process

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/seantiz/foundry/internal/hosts"
	"github.com/seantiz/foundry/internal/model"
)

var firstInt = regexp.MustCompile(`(\d+)`)

// Submit renders the queue's script template with vars, writes it to
// vars["JOB_SCRIPT"] and runs the submit command. The first integer printed by
// a successful submit command is the job id; otherwise model.UnknownJobID is
// returned. Template problems are returned as *hosts.TemplateError.
func Submit(ctx context.Context, q *hosts.QueueSystem, vars map[string]any) (int64, error) {
	if !q.Configured() {
		return model.UnknownJobID, fmt.Errorf("submit: queue system not configured")
	}
	script, ok := vars["JOB_SCRIPT"].(string)
	if !ok || script == "" {
		return model.UnknownJobID, fmt.Errorf("submit: JOB_SCRIPT not set")
	}

	body, err := hosts.Render("submit_template", q.SubmitTemplate, vars)
	if err != nil {
		return model.UnknownJobID, err
	}
	if err := os.MkdirAll(filepath.Dir(script), 0o755); err != nil {
		return model.UnknownJobID, fmt.Errorf("create script dir: %w", err)
	}
	if err := os.WriteFile(script, []byte(body+"\n\n"), 0o644); err != nil {
		return model.UnknownJobID, fmt.Errorf("write job script: %w", err)
	}

	command, err := hosts.Render("submit_command", q.SubmitCommand, vars)
	if err != nil {
		return model.UnknownJobID, err
	}
	out, code, err := Output(ctx, command, filepath.Dir(script), nil)
	if err != nil {
		return model.UnknownJobID, err
	}
	return ParseJobID(out, code), nil
}

// ParseJobID returns the first integer in out when code is zero.
func ParseJobID(out string, code int) int64 {
	if code != 0 {
		return model.UnknownJobID
	}
	m := firstInt.FindString(out)
	if m == "" {
		return model.UnknownJobID
	}
	id, err := strconv.ParseInt(m, 10, 64)
	if err != nil {
		return model.UnknownJobID
	}
	return id
}

// JobDone asks the queue engine whether jobID has left the queue. With a
// done regex configured a match means done; otherwise a failing check command
// means the engine no longer knows the job.
func JobDone(ctx context.Context, q *hosts.QueueSystem, jobID int64) (bool, error) {
	if q == nil || q.CheckCommand == "" {
		return false, fmt.Errorf("check job %d: no check command", jobID)
	}
	command, err := hosts.Render("check_command", q.CheckCommand, map[string]any{"JOB_ID": jobID})
	if err != nil {
		return false, err
	}
	out, code, err := Output(ctx, command, "", nil)
	if err != nil {
		return false, err
	}
	if q.JobDoneRegex != "" {
		re, err := regexp.Compile(q.JobDoneRegex)
		if err != nil {
			return false, fmt.Errorf("compile job_done_regex: %w", err)
		}
		if re.MatchString(out) {
			return true, nil
		}
	}
	return code != 0, nil
}

// Cancel runs the queue's cancel command for jobID.
func Cancel(ctx context.Context, q *hosts.QueueSystem, jobID int64) error {
	if q == nil || q.CancelCommand == "" {
		return fmt.Errorf("cancel job %d: no cancel command", jobID)
	}
	command, err := hosts.Render("cancel_command", q.CancelCommand, map[string]any{"JOB_ID": jobID})
	if err != nil {
		return err
	}
	out, code, err := Output(ctx, command, "", nil)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("cancel job %d: exit code %d: %s", jobID, code, out)
	}
	return nil
}
