// Package store persists task trees so that a restarted engine can resume
// managing them.
package store

import (
	"context"
	"errors"

	"github.com/seantiz/taskgrid/internal/model"
)

// ErrNotFound is returned when a task is not in the store.
var ErrNotFound = errors.New("task not found")

// ListFilter narrows a List call. Zero fields match everything.
type ListFilter struct {
	State  model.State
	Kind   model.Kind
	Limit  int
	Offset int
}

// TaskStats holds aggregate counts over stored tasks.
type TaskStats struct {
	Total           int            `json:"total"`
	CountByState    map[string]int `json:"count_by_state"`
	CountByKind     map[string]int `json:"count_by_kind"`
	CountByResource map[string]int `json:"count_by_resource"`
}

// Store defines the persistence operations for task trees. Only root tasks
// are stored; children travel inside their parent's record.
type Store interface {
	// Save inserts or replaces the task record.
	Save(ctx context.Context, task model.Task) error
	Load(ctx context.Context, id string) (model.Task, error)
	// List returns matching tasks ordered by creation time, newest first,
	// and the number of matching tasks ignoring pagination.
	List(ctx context.Context, f ListFilter) ([]model.Task, int, error)
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context) (*TaskStats, error)
	Close() error
}
