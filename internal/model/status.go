package model

import "time"

// Status is the lifecycle state shared by steps and protocols.
type Status string

// Status constants.
const (
	StatusNew         Status = "new"
	StatusLaunched    Status = "launched"
	StatusRunning     Status = "running"
	StatusFinished    Status = "finished"
	StatusFailed      Status = "failed"
	StatusAborted     Status = "aborted"
	StatusInteractive Status = "interactive"
	StatusWaiting     Status = "waiting"
	StatusSaved       Status = "saved"
	StatusScheduled   Status = "scheduled"
)

// AbortedMessage is stored as the error of anything stopped by the user.
const AbortedMessage = "Aborted by user."

// Statuses lists every status in a stable order.
var Statuses = []Status{
	StatusNew, StatusLaunched, StatusRunning, StatusFinished, StatusFailed,
	StatusAborted, StatusInteractive, StatusWaiting, StatusSaved, StatusScheduled,
}

// IsActive reports whether s belongs to the active set: something is, or
// will shortly be, executing on behalf of the owner.
func (s Status) IsActive() bool {
	switch s {
	case StatusLaunched, StatusRunning, StatusInteractive, StatusScheduled:
		return true
	}
	return false
}

// IsStopped reports whether s is one of finished, aborted or failed.
func (s Status) IsStopped() bool {
	switch s {
	case StatusFinished, StatusAborted, StatusFailed:
		return true
	}
	return false
}

// validTransitions maps each status to the set of statuses it may transition to.
// Reset (saved) and restart (new) are reachable from anywhere and handled
// separately in ValidTransition.
var validTransitions = map[Status]map[Status]bool{
	StatusNew: {
		StatusRunning:   true,
		StatusLaunched:  true,
		StatusScheduled: true,
		StatusWaiting:   true,
		StatusAborted:   true,
		StatusFailed:    true,
	},
	StatusSaved: {
		StatusLaunched:  true,
		StatusScheduled: true,
		StatusRunning:   true,
	},
	StatusScheduled: {
		StatusLaunched: true,
		StatusRunning:  true,
		StatusAborted:  true,
		StatusFailed:   true,
	},
	StatusLaunched: {
		StatusRunning: true,
		StatusAborted: true,
		StatusFailed:  true,
	},
	StatusWaiting: {
		StatusRunning: true,
		StatusAborted: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusFinished:    true,
		StatusFailed:      true,
		StatusAborted:     true,
		StatusInteractive: true,
	},
	StatusInteractive: {
		StatusFinished: true,
		StatusRunning:  true,
		StatusAborted:  true,
		StatusFailed:   true,
	},
	StatusFinished: {
		StatusLaunched:  true,
		StatusScheduled: true,
		StatusRunning:   true,
	},
	StatusFailed: {
		StatusLaunched:  true,
		StatusScheduled: true,
		StatusRunning:   true,
	},
	StatusAborted: {
		StatusLaunched:  true,
		StatusScheduled: true,
		StatusRunning:   true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to Status) bool {
	if to == StatusSaved || to == StatusNew {
		return true
	}
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

var now = func() time.Time { return time.Now().UTC() }

// Lifecycle carries the state machine fields common to steps and protocols.
type Lifecycle struct {
	Status   Status     `json:"status"`
	InitTime *time.Time `json:"init_time,omitempty"`
	EndTime  *time.Time `json:"end_time,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// SetRunning marks the start of an execution attempt. An existing InitTime is
// kept when preserveInit is set so resumed runs keep their elapsed clock.
func (l *Lifecycle) SetRunning(preserveInit bool) {
	if !preserveInit || l.InitTime == nil {
		t := now()
		l.InitTime = &t
	}
	l.EndTime = nil
	l.Error = ""
	l.Status = StatusRunning
}

// SetFinished marks a successful end.
func (l *Lifecycle) SetFinished() { l.finish(StatusFinished, "") }

// SetFailed marks a failed end with the given message.
func (l *Lifecycle) SetFailed(msg string) { l.finish(StatusFailed, msg) }

// SetAborted marks a user-requested stop.
func (l *Lifecycle) SetAborted() { l.finish(StatusAborted, AbortedMessage) }

// SetInteractive marks a run that waits for manual confirmation.
func (l *Lifecycle) SetInteractive() { l.finish(StatusInteractive, "") }

func (l *Lifecycle) finish(s Status, msg string) {
	t := now()
	l.EndTime = &t
	l.Status = s
	l.Error = msg
}

// SetStatus sets a holding status (saved, scheduled, launched, waiting, new)
// without touching timestamps.
func (l *Lifecycle) SetStatus(s Status) { l.Status = s }

func (l *Lifecycle) IsActive() bool      { return l.Status.IsActive() }
func (l *Lifecycle) IsStopped() bool     { return l.Status.IsStopped() }
func (l *Lifecycle) IsNew() bool         { return l.Status == StatusNew }
func (l *Lifecycle) IsRunning() bool     { return l.Status == StatusRunning }
func (l *Lifecycle) IsFinished() bool    { return l.Status == StatusFinished }
func (l *Lifecycle) IsFailed() bool      { return l.Status == StatusFailed }
func (l *Lifecycle) IsAborted() bool     { return l.Status == StatusAborted }
func (l *Lifecycle) IsInteractive() bool { return l.Status == StatusInteractive }
func (l *Lifecycle) IsScheduled() bool   { return l.Status == StatusScheduled }
func (l *Lifecycle) IsSaved() bool       { return l.Status == StatusSaved }

// Elapsed returns the time between InitTime and EndTime, or now when the
// run has not ended.
func (l *Lifecycle) Elapsed() time.Duration {
	if l.InitTime == nil {
		return 0
	}
	end := now()
	if l.EndTime != nil {
		end = *l.EndTime
	}
	return end.Sub(*l.InitTime)
}
