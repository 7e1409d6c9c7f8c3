package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func getStats(t *testing.T, url string) statsResponse {
	t.Helper()
	resp, err := http.Get(url + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return stats
}

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	stats := getStats(t, ts.URL)

	if stats.Engine.Total != 0 {
		t.Errorf("engine total = %d, want 0", stats.Engine.Total)
	}
	if stats.Stored == nil || stats.Stored.Total != 0 {
		t.Errorf("stored = %+v, want empty", stats.Stored)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for range 3 {
		resp, err := http.Post(ts.URL+"/v1/tasks", "application/json", bytes.NewBufferString(`{"name":"/bin/true"}`))
		if err != nil {
			t.Fatalf("POST /v1/tasks: %v", err)
		}
		resp.Body.Close()
	}
	progress(t, srv, 3)

	stats := getStats(t, ts.URL)

	if stats.Engine.Total != 3 || stats.Engine.Terminated != 3 || stats.Engine.OK != 3 {
		t.Errorf("engine = %+v, want 3 terminated ok", stats.Engine)
	}
	if got := stats.ByKind["application"].Total; got != 3 {
		t.Errorf("by_kind[application].total = %d, want 3", got)
	}
	if got := stats.ByKind["parallel"].Total; got != 0 {
		t.Errorf("by_kind[parallel].total = %d, want 0", got)
	}
	if stats.Stored.Total != 3 {
		t.Errorf("stored total = %d, want 3", stats.Stored.Total)
	}
	if got := stats.Stored.CountByState["TERMINATED"]; got != 3 {
		t.Errorf("stored count_by_state[TERMINATED] = %d, want 3", got)
	}
	if got := stats.Stored.CountByResource["local"]; got != 3 {
		t.Errorf("stored count_by_resource[local] = %d, want 3", got)
	}
}
