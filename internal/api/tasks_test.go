package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/taskgrid/internal/model"
)

func createTask(t *testing.T, url, body string) taskView {
	t.Helper()
	resp, err := http.Post(url+"/v1/tasks", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/tasks: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var v taskView
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func getTask(t *testing.T, url, id string) (taskView, int) {
	t.Helper()
	resp, err := http.Get(url + "/v1/tasks/" + id)
	if err != nil {
		t.Fatalf("GET /v1/tasks/%s: %v", id, err)
	}
	defer resp.Body.Close()

	var v taskView
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return v, resp.StatusCode
}

func postAction(t *testing.T, url, id, action string) int {
	t.Helper()
	resp, err := http.Post(url+"/v1/tasks/"+id+"/"+action, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", action, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestCreateTaskValid(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	v := createTask(t, ts.URL, `{"name":"/bin/echo","arguments":["hello"],"requested":{"cores":2,"memory":"512MiB","walltime":"30m"}}`)

	if len(v.ID) != 26 {
		t.Errorf("ID length = %d, want 26", len(v.ID))
	}
	if v.Kind != model.KindApplication || v.State != model.StateNew {
		t.Errorf("kind=%s state=%s", v.Kind, v.State)
	}
	if v.Name != "/bin/echo" {
		t.Errorf("Name = %q, want /bin/echo", v.Name)
	}
	if v.Requested == nil || v.Requested.Cores != 2 || v.Requested.Memory != 512<<20 || v.Requested.Walltime != 30*time.Minute {
		t.Errorf("Requested = %+v", v.Requested)
	}
	if c := srv.engine.Counts(); c.New != 1 {
		t.Errorf("engine counts = %+v, want one new task", c)
	}
}

func TestCreateTaskInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid JSON", "not json"},
		{"missing name", `{"arguments":["x"]}`},
		{"blank name", `{"name":"  "}`},
		{"negative cores", `{"name":"a","requested":{"cores":-1}}`},
		{"bad memory", `{"name":"a","requested":{"memory":"plenty"}}`},
		{"bad walltime", `{"name":"a","requested":{"walltime":"a while"}}`},
	}

	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/v1/tasks", "application/json", bytes.NewBufferString(tt.body))
			if err != nil {
				t.Fatalf("POST /v1/tasks: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			var errResp map[string]string
			json.NewDecoder(resp.Body).Decode(&errResp)
			if errResp["error"] == "" {
				t.Error("expected error message in response")
			}
		})
	}
	if c := srv.engine.Counts(); c.Total != 0 {
		t.Errorf("invalid requests created tasks: %+v", c)
	}
}

func TestGetTaskFollowsEngine(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	created := createTask(t, ts.URL, `{"name":"/bin/true"}`)
	progress(t, srv, 1)

	got, status := getTask(t, ts.URL, created.ID)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if got.State != model.StateSubmitted || got.ResourceName != "local" || got.JobID == "" {
		t.Errorf("task = %+v, want submitted to local", got)
	}

	progress(t, srv, 2)
	got, _ = getTask(t, ts.URL, created.ID)
	if got.State != model.StateTerminated {
		t.Fatalf("state = %s, want TERMINATED", got.State)
	}
	if got.ReturnCode == nil || *got.ReturnCode != 0 {
		t.Errorf("return code = %v, want 0", got.ReturnCode)
	}
	if got.OutputDir == "" {
		t.Error("output dir not reported")
	}
}

func TestGetTaskFromStore(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	created := createTask(t, ts.URL, `{"name":"/bin/true"}`)
	task, ok := srv.engine.Task(created.ID)
	if !ok {
		t.Fatal("task not managed")
	}
	srv.engine.Remove(task)

	got, status := getTask(t, ts.URL, created.ID)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if got.ID != created.ID || got.State != model.StateNew {
		t.Errorf("task = %+v", got)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	if _, status := getTask(t, ts.URL, "nonexistent"); status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
}

func TestListTasks(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for i := range 5 {
		createTask(t, ts.URL, fmt.Sprintf(`{"name":"job-%d"}`, i))
	}

	tests := []struct {
		name      string
		query     string
		status    int
		wantLen   int
		wantTotal int
	}{
		{"default", "", http.StatusOK, 5, 5},
		{"paginated", "?limit=2&offset=1", http.StatusOK, 2, 5},
		{"by state", "?state=new", http.StatusOK, 5, 5},
		{"no match", "?state=RUNNING", http.StatusOK, 0, 0},
		{"by kind", "?kind=application", http.StatusOK, 5, 5},
		{"bad limit falls back", "?limit=1000", http.StatusOK, 5, 5},
		{"invalid state", "?state=sleeping", http.StatusBadRequest, 0, 0},
		{"invalid kind", "?kind=batch", http.StatusBadRequest, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(ts.URL + "/v1/tasks" + tt.query)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if tt.status != http.StatusOK {
				return
			}
			var list listTasksResponse
			if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(list.Tasks) != tt.wantLen || list.Total != tt.wantTotal {
				t.Errorf("got %d tasks, total %d; want %d, %d", len(list.Tasks), list.Total, tt.wantLen, tt.wantTotal)
			}
		})
	}
}

func TestKillTask(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	created := createTask(t, ts.URL, `{"name":"/bin/sleep","arguments":["60"]}`)
	progress(t, srv, 1)

	if status := postAction(t, ts.URL, created.ID, "kill"); status != http.StatusAccepted {
		t.Fatalf("kill status = %d, want 202", status)
	}
	progress(t, srv, 1)

	got, _ := getTask(t, ts.URL, created.ID)
	if got.State != model.StateTerminated {
		t.Errorf("state = %s, want TERMINATED", got.State)
	}
	if got.Signal != model.SignalCancelled.String() {
		t.Errorf("signal = %q, want %q", got.Signal, model.SignalCancelled.String())
	}
}

func TestKillTaskNotManaged(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	if status := postAction(t, ts.URL, "nonexistent", "kill"); status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
}

func TestRedoTask(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	created := createTask(t, ts.URL, `{"name":"/bin/true"}`)

	if status := postAction(t, ts.URL, created.ID, "redo"); status != http.StatusConflict {
		t.Errorf("redo of new task: status = %d, want 409", status)
	}

	progress(t, srv, 3)
	if status := postAction(t, ts.URL, created.ID, "redo"); status != http.StatusAccepted {
		t.Fatalf("redo status = %d, want 202", status)
	}

	got, _ := getTask(t, ts.URL, created.ID)
	if got.State != model.StateNew {
		t.Errorf("state after redo = %s, want NEW", got.State)
	}

	if status := postAction(t, ts.URL, "nonexistent", "redo"); status != http.StatusNotFound {
		t.Errorf("redo of unknown task: status = %d, want 404", status)
	}
}
