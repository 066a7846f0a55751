package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/project"
)

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
}

func TestGetStatsCounts(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	for range 2 {
		if _, err := srv.project.NewProtocol(ctx, "command", project.ProtocolOptions{Params: commandParams(t)}); err != nil {
			t.Fatal(err)
		}
	}
	w, err := srv.project.NewProtocol(ctx, "watch", project.ProtocolOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.project.Store().SaveObject(ctx, &model.Object{
		ProtocolID: w.ID, Name: "files", Kind: model.KindSet, StreamState: model.StreamOpen,
	}); err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var stats statsResponse
	if code := doJSON(t, "GET", ts.URL+"/v1/stats", nil, &stats); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}

	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}
	if stats.ByStatus[model.StatusSaved] != 3 {
		t.Errorf("by_status[saved] = %d, want 3", stats.ByStatus[model.StatusSaved])
	}
	if stats.ByClass["command"] != 2 || stats.ByClass["watch"] != 1 {
		t.Errorf("by_class = %v", stats.ByClass)
	}
	if stats.OpenSets != 1 {
		t.Errorf("open_sets = %d, want 1", stats.OpenSets)
	}
}
