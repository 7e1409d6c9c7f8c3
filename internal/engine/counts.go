package engine

import "github.com/seantiz/taskgrid/internal/model"

// Counts tallies managed tasks by state. Terminated tasks are further split
// into those that succeeded and those that did not.
type Counts struct {
	New         int `json:"new"`
	Submitted   int `json:"submitted"`
	Running     int `json:"running"`
	Stopped     int `json:"stopped"`
	Terminating int `json:"terminating"`
	Terminated  int `json:"terminated"`
	Unknown     int `json:"unknown"`

	OK     int `json:"ok"`
	Failed int `json:"failed"`
	Total  int `json:"total"`
}

// Of returns the tally for state s.
func (c Counts) Of(s model.State) int {
	if p := c.slot(s); p != nil {
		return *p
	}
	return 0
}

// InFlight returns the number of tasks submitted, running or unknown.
func (c Counts) InFlight() int { return c.Submitted + c.Running + c.Unknown }

func (c *Counts) slot(s model.State) *int {
	switch s {
	case model.StateNew:
		return &c.New
	case model.StateSubmitted:
		return &c.Submitted
	case model.StateRunning:
		return &c.Running
	case model.StateStopped:
		return &c.Stopped
	case model.StateTerminating:
		return &c.Terminating
	case model.StateTerminated:
		return &c.Terminated
	case model.StateUnknown:
		return &c.Unknown
	}
	return nil
}

func (c *Counts) add(s model.State, succeeded bool, delta int) {
	if p := c.slot(s); p != nil {
		*p += delta
	}
	if s == model.StateTerminated {
		if succeeded {
			c.OK += delta
		} else {
			c.Failed += delta
		}
	}
	c.Total += delta
}

func (c *Counts) merge(o Counts) {
	c.New += o.New
	c.Submitted += o.Submitted
	c.Running += o.Running
	c.Stopped += o.Stopped
	c.Terminating += o.Terminating
	c.Terminated += o.Terminated
	c.Unknown += o.Unknown
	c.OK += o.OK
	c.Failed += o.Failed
	c.Total += o.Total
}
