package model

import (
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"testing"
	"time"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestStatusSets(t *testing.T) {
	active := map[Status]bool{
		StatusLaunched: true, StatusRunning: true,
		StatusInteractive: true, StatusScheduled: true,
	}
	stopped := map[Status]bool{
		StatusFinished: true, StatusAborted: true, StatusFailed: true,
	}
	for _, s := range Statuses {
		if got := s.IsActive(); got != active[s] {
			t.Errorf("%s.IsActive() = %v, want %v", s, got, active[s])
		}
		if got := s.IsStopped(); got != stopped[s] {
			t.Errorf("%s.IsStopped() = %v, want %v", s, got, stopped[s])
		}
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusNew, StatusRunning, true},
		{StatusRunning, StatusFinished, true},
		{StatusRunning, StatusInteractive, true},
		{StatusFinished, StatusRunning, true},
		{StatusFinished, StatusSaved, true},
		{StatusFailed, StatusNew, true},
		{StatusFinished, StatusFailed, false},
		{StatusAborted, StatusFinished, false},
		{StatusLaunched, StatusFinished, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSetRunningClearsErrorAndStampsInit(t *testing.T) {
	s := NewStep("f", "[]", nil)
	s.SetFailed("boom")
	if s.EndTime == nil || s.Error != "boom" {
		t.Fatalf("SetFailed did not stamp: %+v", s.Lifecycle)
	}

	s.SetRunning(false)
	if s.Status != StatusRunning {
		t.Errorf("Status = %s, want running", s.Status)
	}
	if s.Error != "" {
		t.Errorf("Error = %q, want empty", s.Error)
	}
	if s.InitTime == nil || s.EndTime != nil {
		t.Errorf("times = %v/%v, want init set and end cleared", s.InitTime, s.EndTime)
	}
}

func TestSetRunningPreservesInitOnResume(t *testing.T) {
	p := &Protocol{}
	earlier := time.Now().UTC().Add(-time.Hour)
	p.InitTime = &earlier

	p.SetRunning(true)
	if !p.InitTime.Equal(earlier) {
		t.Errorf("InitTime = %v, want preserved %v", p.InitTime, earlier)
	}

	p.SetRunning(false)
	if p.InitTime.Equal(earlier) {
		t.Error("InitTime should be restamped on restart")
	}
}

func TestAbortStoresMessage(t *testing.T) {
	var l Lifecycle
	l.SetAborted()
	if l.Status != StatusAborted || l.Error != AbortedMessage || l.EndTime == nil {
		t.Errorf("after SetAborted: %+v", l)
	}
}

func TestStepRunnable(t *testing.T) {
	s1 := NewStep("a", "", nil)
	s2 := NewStep("b", "", nil)
	s2.Prerequisites = []int{1}
	s3 := NewStep("c", "", nil)
	s3.Prerequisites = []int{1, 2}
	steps := []*Step{s1, s2, s3}

	if !s1.Runnable(steps) {
		t.Error("step without prerequisites should be runnable")
	}
	if s2.Runnable(steps) {
		t.Error("step 2 runnable before step 1 finished")
	}

	s1.SetFinished()
	if s1.Runnable(steps) {
		t.Error("finished step should not be runnable")
	}
	if !s2.Runnable(steps) {
		t.Error("step 2 should be runnable after step 1 finished")
	}
	if s3.Runnable(steps) {
		t.Error("step 3 runnable before step 2 finished")
	}

	bad := NewStep("d", "", nil)
	bad.Prerequisites = []int{9}
	if bad.Runnable(steps) {
		t.Error("out of range prerequisite should block the step")
	}
}

func TestPostconditions(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	s := NewStep("f", "", nil)
	s.ResultFiles = []string{out}

	if s.PostconditionsHold() {
		t.Error("postconditions hold before file exists")
	}
	if got := s.MissingResults(); len(got) != 1 || got[0] != out {
		t.Errorf("MissingResults = %v", got)
	}

	if err := os.WriteFile(out, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !s.PostconditionsHold() {
		t.Error("postconditions should hold once the file exists")
	}
}

func TestSameDefinition(t *testing.T) {
	a := NewStep("convert", `{"n":1}`, nil)
	b := NewStep("convert", `{"n":1}`, nil)
	c := NewStep("convert", `{"n": 1}`, nil)
	if !a.SameDefinition(b) {
		t.Error("identical steps should match")
	}
	if a.SameDefinition(c) {
		t.Error("args must be compared byte for byte")
	}
}

func TestPointerProducer(t *testing.T) {
	creators := map[int64]int64{40: 4}
	lookup := func(id int64) (int64, bool) {
		p, ok := creators[id]
		return p, ok
	}

	tests := []struct {
		name    string
		ptr     Pointer
		want    int64
		wantErr bool
	}{
		{"direct", ProtocolRef(3), 3, false},
		{"extended", ExtendedRef(5, "outputMicrographs"), 5, false},
		{"legacy", LegacyRef(40), 4, false},
		{"legacy unknown", LegacyRef(41), 0, true},
		{"invalid", Pointer{Kind: "bogus"}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.ptr.Producer(lookup)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Producer = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestProtocolJobIDs(t *testing.T) {
	p := &Protocol{}
	if p.JobID() != UnknownJobID {
		t.Errorf("JobID() = %d, want %d", p.JobID(), UnknownJobID)
	}
	p.AppendJobID(10)
	p.AppendJobID(11)
	if p.JobID() != 11 {
		t.Errorf("JobID() = %d, want 11", p.JobID())
	}
	p.RemoveJobID(11)
	if p.JobID() != 10 || len(p.JobIDs) != 1 {
		t.Errorf("JobIDs = %v, want [10]", p.JobIDs)
	}
}

func TestAddPrerequisites(t *testing.T) {
	p := &Protocol{ID: 3, Prerequisites: []int64{1}}
	p.AddPrerequisites(1, 2, 3, 2)
	if !reflect.DeepEqual(p.Prerequisites, []int64{1, 2}) {
		t.Errorf("Prerequisites = %v, want [1 2]", p.Prerequisites)
	}
}

func TestQueueModes(t *testing.T) {
	p := &Protocol{UseQueue: true, QueueParams: map[string]string{QueueForJobs: QueueNo}}
	if !p.UsesQueueForProtocol() || p.UsesQueueForJobs() {
		t.Error("QUEUE_FOR_JOBS=N should submit the whole protocol")
	}
	p.QueueParams[QueueForJobs] = QueueYes
	if p.UsesQueueForProtocol() || !p.UsesQueueForJobs() {
		t.Error("QUEUE_FOR_JOBS=Y should submit each job")
	}
	p.UseQueue = false
	if p.UsesQueueForProtocol() || p.UsesQueueForJobs() {
		t.Error("no queue configured")
	}
}

func TestCloneIsDeep(t *testing.T) {
	p := &Protocol{GPUs: []int{0, 1}, Inputs: map[string]Pointer{"in": ProtocolRef(1)}}
	c := p.Clone()
	c.GPUs[0] = 7
	c.Inputs["in"] = ProtocolRef(2)
	if p.GPUs[0] != 0 || p.Inputs["in"].ProtocolID != 1 {
		t.Error("Clone shares memory with the original")
	}
}
