package e2e

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

type commandStep struct {
	Program string   `json:"program"`
	Args    []string `json:"args,omitempty"`
	Outputs []string `json:"outputs,omitempty"`
}

type pointer struct {
	Kind    string `json:"kind"`
	OwnerID int64  `json:"owner_id,omitempty"`
	Path    string `json:"path,omitempty"`
}

func createCommand(t *testing.T, sp *serverProc, label string, inputs map[string]pointer, steps ...commandStep) protocolView {
	t.Helper()
	body := map[string]any{
		"class":  "command",
		"label":  label,
		"params": map[string]any{"steps": steps},
	}
	if inputs != nil {
		body["inputs"] = inputs
	}
	var p protocolView
	sp.do(t, http.MethodPost, "/v1/protocols", body, http.StatusCreated, &p)
	if p.Status != "saved" {
		t.Fatalf("new protocol status = %q, want saved", p.Status)
	}
	return p
}

func TestServerHealthAndMetrics(t *testing.T) {
	sp := startServer(t, getBinaries(t))

	var health map[string]any
	sp.do(t, http.MethodGet, "/healthz", nil, http.StatusOK, &health)
	if health["status"] != "ok" {
		t.Errorf("status = %v, want ok", health["status"])
	}

	resp, err := http.Get(sp.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"foundry_http_requests_total", "foundry_protocols"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestScheduledConsumerRunsAfterProducer(t *testing.T) {
	sp := startServer(t, getBinaries(t))

	producer := createCommand(t, sp, "producer", nil, commandStep{
		Program: "sh",
		Args:    []string{"-c", "echo 42 > result.txt"},
		Outputs: []string{"result.txt"},
	})
	consumer := createCommand(t, sp, "consumer",
		map[string]pointer{"data": {Kind: "extended", OwnerID: producer.ID, Path: "result.txt"}},
		commandStep{Program: "true"})

	// The consumer waits for an output that does not exist yet.
	sp.do(t, http.MethodPost, fmt.Sprintf("/v1/protocols/%d/launch", consumer.ID), nil, http.StatusConflict, nil)

	var scheduled protocolView
	sp.do(t, http.MethodPost, fmt.Sprintf("/v1/protocols/%d/schedule", consumer.ID),
		map[string]any{"sleep_time_s": 1}, http.StatusOK, &scheduled)
	if scheduled.Status != "scheduled" || scheduled.PID == 0 {
		t.Fatalf("after schedule: %+v", scheduled)
	}

	sp.do(t, http.MethodPost, fmt.Sprintf("/v1/protocols/%d/launch", producer.ID), nil, http.StatusOK, nil)

	done := sp.waitStatus(t, producer.ID, "finished", "failed")
	if done.Status != "finished" {
		t.Fatalf("producer %s: %s", done.Status, done.Error)
	}
	if len(done.Outputs) != 1 {
		t.Errorf("producer outputs = %v, want one", done.Outputs)
	}
	data, err := os.ReadFile(filepath.Join(sp.project, "runs", fmt.Sprint(producer.ID), "extra", "result.txt"))
	if err != nil || strings.TrimSpace(string(data)) != "42" {
		t.Errorf("result.txt = %q, %v", data, err)
	}

	done = sp.waitStatus(t, consumer.ID, "finished", "failed")
	if done.Status != "finished" {
		t.Fatalf("consumer %s: %s", done.Status, done.Error)
	}

	var graph struct {
		Levels map[string]int `json:"levels"`
	}
	sp.do(t, http.MethodGet, "/v1/graph", nil, http.StatusOK, &graph)
	if graph.Levels[fmt.Sprint(consumer.ID)] != graph.Levels[fmt.Sprint(producer.ID)]+1 {
		t.Errorf("levels = %v, want consumer one below producer", graph.Levels)
	}
}

func TestStopAbortsRunningProtocol(t *testing.T) {
	sp := startServer(t, getBinaries(t))

	p := createCommand(t, sp, "sleeper", nil, commandStep{Program: "sleep", Args: []string{"60"}})
	sp.do(t, http.MethodPost, fmt.Sprintf("/v1/protocols/%d/launch", p.ID), nil, http.StatusOK, nil)
	sp.waitStatus(t, p.ID, "running")

	var stopped protocolView
	sp.do(t, http.MethodPost, fmt.Sprintf("/v1/protocols/%d/stop", p.ID), nil, http.StatusOK, &stopped)
	if stopped.Status != "aborted" {
		t.Errorf("after stop: status = %q, want aborted", stopped.Status)
	}

	var steps []struct {
		Status string `json:"status"`
	}
	sp.do(t, http.MethodGet, fmt.Sprintf("/v1/protocols/%d/steps", p.ID), nil, http.StatusOK, &steps)
	if len(steps) != 1 || steps[0].Status == "running" {
		t.Errorf("steps after stop = %+v", steps)
	}
}

func TestCLIReadsServerProject(t *testing.T) {
	bins := getBinaries(t)
	sp := startServer(t, bins)
	createCommand(t, sp, "listed", nil, commandStep{Program: "true"})

	cmd := exec.Command(bins.foundry, "-project", sp.project, "list")
	cmd.Env = sp.env
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("foundry list: %v\n%s", err, out)
	}
	if !strings.Contains(string(out), "listed") {
		t.Errorf("foundry list output:\n%s", out)
	}
}
