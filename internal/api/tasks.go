package api

import (
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/seantiz/taskgrid/internal/engine"
	"github.com/seantiz/taskgrid/internal/model"
	"github.com/seantiz/taskgrid/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createTaskRequest is the JSON body for POST /v1/tasks.
type createTaskRequest struct {
	Name        string            `json:"name"`
	Arguments   []string          `json:"arguments"`
	Environment map[string]string `json:"environment"`
	Inputs      map[string]string `json:"inputs"`
	Outputs     map[string]string `json:"outputs"`
	Stdout      string            `json:"stdout"`
	Stderr      string            `json:"stderr"`
	Requested   *requirementsReq  `json:"requested"`
}

// requirementsReq carries human-readable requirements, e.g.
// {"cores": 2, "memory": "4GiB", "walltime": "2h"}.
type requirementsReq struct {
	Cores        int    `json:"cores"`
	Memory       string `json:"memory"`
	Walltime     string `json:"walltime"`
	Architecture string `json:"architecture"`
}

func (r *requirementsReq) requirements() (model.Requirements, error) {
	req := model.Requirements{Cores: r.Cores, Architecture: r.Architecture}
	if r.Cores < 0 {
		return req, errors.New("cores must not be negative")
	}
	if r.Memory != "" {
		mem, err := humanize.ParseBytes(r.Memory)
		if err != nil {
			return req, errors.New("invalid memory: " + r.Memory)
		}
		req.Memory = mem
	}
	if r.Walltime != "" {
		wt, err := time.ParseDuration(r.Walltime)
		if err != nil || wt < 0 {
			return req, errors.New("invalid walltime: " + r.Walltime)
		}
		req.Walltime = wt
	}
	return req, nil
}

// taskView is the JSON representation of a task. Views are detached copies,
// safe to encode while the engine keeps running.
type taskView struct {
	ID           string                    `json:"id"`
	Kind         model.Kind                `json:"kind"`
	Name         string                    `json:"name"`
	State        model.State               `json:"state"`
	ResourceName string                    `json:"resource_name,omitempty"`
	JobID        string                    `json:"job_id,omitempty"`
	Info         string                    `json:"info,omitempty"`
	Signal       string                    `json:"signal,omitempty"`
	ExitCode     *int                      `json:"exit_code,omitempty"`
	ReturnCode   *int                      `json:"return_code,omitempty"`
	OutputDir    string                    `json:"output_dir,omitempty"`
	Requested    *model.Requirements       `json:"requested,omitempty"`
	History      []model.HistoryEntry      `json:"history,omitempty"`
	Timestamps   map[model.State]time.Time `json:"timestamps,omitempty"`
	Children     []taskView                `json:"children,omitempty"`
}

func newTaskView(t model.Task) taskView {
	exec := t.Execution()
	v := taskView{
		ID:           t.ID(),
		Kind:         t.Kind(),
		State:        exec.State,
		ResourceName: exec.ResourceName,
		JobID:        exec.JobID,
		Info:         exec.Info,
		History:      append([]model.HistoryEntry(nil), exec.History...),
		Timestamps:   maps.Clone(exec.Timestamps),
	}
	if exec.Signal != model.SignalNone {
		v.Signal = exec.Signal.String()
	}
	if exec.ExitCode != nil {
		code := *exec.ExitCode
		v.ExitCode = &code
	}
	if rc, ok := exec.ReturnCode(); ok {
		v.ReturnCode = &rc
	}

	var children []model.Task
	switch task := t.(type) {
	case *model.Application:
		v.Name = task.Name
		v.OutputDir = task.OutputDir
		req := task.Requested
		v.Requested = &req
	case *model.ParallelCollection:
		v.Name, v.OutputDir, children = task.Name, task.OutputDir, task.Children
	case *model.SequentialCollection:
		v.Name, v.OutputDir, children = task.Name, task.OutputDir, task.Children
	}
	for _, c := range children {
		v.Children = append(v.Children, newTaskView(c))
	}
	return v
}

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []taskView `json:"tasks"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// actionResponse acknowledges a kill or redo request. The action takes
// effect on the engine's next cycle.
type actionResponse struct {
	TaskID string `json:"task_id"`
	Action string `json:"action"`
	Status string `json:"status"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		recordTaskAction("create", outcomeInvalid)
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if strings.TrimSpace(req.Name) == "" {
		recordTaskAction("create", outcomeInvalid)
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	app := model.NewApplication(req.Name, req.Arguments...)
	app.Environment = req.Environment
	app.Inputs = req.Inputs
	app.Outputs = req.Outputs
	if req.Stdout != "" {
		app.Stdout = req.Stdout
	}
	if req.Stderr != "" {
		app.Stderr = req.Stderr
	}
	if req.Requested != nil {
		requested, err := req.Requested.requirements()
		if err != nil {
			recordTaskAction("create", outcomeInvalid)
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		app.Requested = requested
	}

	// The view is taken before the engine owns the task.
	view := newTaskView(app)
	s.engine.Add(r.Context(), app)
	s.logger.Info("task created", "task_id", app.ID(), "name", app.Name)
	recordTaskAction("create", outcomeAccepted)

	s.writeJSON(w, http.StatusAccepted, view)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if view := s.managedTask(id); view != nil {
		s.writeJSON(w, http.StatusOK, view)
		return
	}

	task, err := s.store.Load(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("load task", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusOK, newTaskView(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	f := store.ListFilter{Limit: limit, Offset: offset}
	if v := r.URL.Query().Get("state"); v != "" {
		f.State = model.State(strings.ToUpper(v))
		if !f.State.Valid() {
			s.writeError(w, http.StatusBadRequest, "invalid state: "+v)
			return
		}
	}
	if v := r.URL.Query().Get("kind"); v != "" {
		f.Kind = model.Kind(strings.ToLower(v))
		switch f.Kind {
		case model.KindApplication, model.KindParallel, model.KindSequential:
		default:
			s.writeError(w, http.StatusBadRequest, "invalid kind: "+v)
			return
		}
	}

	tasks, total, err := s.store.List(r.Context(), f)
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	views := make([]taskView, len(tasks))
	for i, t := range tasks {
		views[i] = newTaskView(t)
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  views,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleKillTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, ok := s.engine.Task(id)
	if !ok {
		recordTaskAction("kill", outcomeNotFound)
		s.writeError(w, http.StatusNotFound, "task not managed")
		return
	}
	if err := s.engine.Kill(r.Context(), task); err != nil {
		recordTaskAction("kill", outcomeError)
		s.logger.Error("kill task", "task_id", id, "error_class", model.ClassName(err), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to kill task")
		return
	}
	recordTaskAction("kill", outcomeAccepted)

	s.writeJSON(w, http.StatusAccepted, actionResponse{TaskID: id, Action: "kill", Status: "accepted"})
}

func (s *Server) handleRedoTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	view := s.managedTask(id)
	task, ok := s.engine.Task(id)
	if view == nil || !ok {
		recordTaskAction("redo", outcomeNotFound)
		s.writeError(w, http.StatusNotFound, "task not managed")
		return
	}
	if view.State != model.StateTerminated {
		recordTaskAction("redo", outcomeConflict)
		s.writeError(w, http.StatusConflict, "task is "+string(view.State)+", only TERMINATED tasks can be redone")
		return
	}

	if err := s.engine.Redo(r.Context(), task); err != nil {
		if errors.Is(err, model.ErrInvalidOperation) {
			recordTaskAction("redo", outcomeConflict)
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		recordTaskAction("redo", outcomeError)
		s.logger.Error("redo task", "task_id", id, "error_class", model.ClassName(err), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to redo task")
		return
	}

	recordTaskAction("redo", outcomeAccepted)
	s.writeJSON(w, http.StatusAccepted, actionResponse{TaskID: id, Action: "redo", Status: "accepted"})
}

// managedTask returns a view of the managed task with the given ID, or nil.
func (s *Server) managedTask(id string) *taskView {
	return engine.CachedRead(s.engine, "task_view", id, func(e *engine.Engine) *taskView {
		t, ok := e.Task(id)
		if !ok {
			return nil
		}
		v := newTaskView(t)
		return &v
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
