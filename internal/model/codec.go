package model

import (
	"encoding/json"
	"fmt"
)

// record is the persisted form of a task. Collections nest their children.
type record struct {
	Kind        Kind              `json:"kind"`
	ID          string            `json:"id"`
	Execution   Execution         `json:"execution"`
	Application *Application      `json:"application,omitempty"`
	Name        string            `json:"name,omitempty"`
	OutputDir   string            `json:"output_dir,omitempty"`
	Current     *int              `json:"current,omitempty"`
	Children    []json.RawMessage `json:"children,omitempty"`
}

// Marshal encodes a task, including any children, as JSON. Hooks and custom
// ranking functions are not persisted.
func Marshal(t Task) ([]byte, error) {
	rec := record{Kind: t.Kind(), ID: t.ID(), Execution: *t.Execution()}

	switch v := t.(type) {
	case *Application:
		rec.Application = v
	case *ParallelCollection:
		if err := rec.setCollection(&v.collection); err != nil {
			return nil, err
		}
	case *SequentialCollection:
		if err := rec.setCollection(&v.collection); err != nil {
			return nil, err
		}
		cur := v.Current
		rec.Current = &cur
	default:
		return nil, fmt.Errorf("%w: cannot encode task of type %T", ErrInternal, t)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.ID(), err)
	}
	return data, nil
}

func (r *record) setCollection(c *collection) error {
	r.Name = c.Name
	r.OutputDir = c.OutputDir
	for _, child := range c.Children {
		data, err := Marshal(child)
		if err != nil {
			return err
		}
		r.Children = append(r.Children, data)
	}
	return nil
}

// Unmarshal decodes a task produced by Marshal. The result is not marked
// as changed.
func Unmarshal(data []byte) (Task, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	base := Base{id: rec.ID, exec: rec.Execution}

	switch rec.Kind {
	case KindApplication:
		if rec.Application == nil {
			return nil, fmt.Errorf("%w: application record %s has no body", ErrInternal, rec.ID)
		}
		app := rec.Application
		app.Base = base
		return app, nil

	case KindParallel:
		c, err := rec.collection(base)
		if err != nil {
			return nil, err
		}
		return &ParallelCollection{collection: c}, nil

	case KindSequential:
		c, err := rec.collection(base)
		if err != nil {
			return nil, err
		}
		s := &SequentialCollection{collection: c, Current: -1}
		if rec.Current != nil {
			s.Current = *rec.Current
		}
		return s, nil

	default:
		return nil, fmt.Errorf("%w: unknown task kind %q", ErrInternal, rec.Kind)
	}
}

func (r *record) collection(base Base) (collection, error) {
	c := collection{Base: base, Name: r.Name, OutputDir: r.OutputDir}
	for _, raw := range r.Children {
		child, err := Unmarshal(raw)
		if err != nil {
			return collection{}, fmt.Errorf("decode child of %s: %w", r.ID, err)
		}
		c.Children = append(c.Children, child)
	}
	return c, nil
}
