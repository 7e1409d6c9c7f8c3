package model

import (
	"fmt"
	"time"
)

// State is the execution state of a task.
type State string

// Task states.
const (
	StateNew         State = "NEW"
	StateSubmitted   State = "SUBMITTED"
	StateRunning     State = "RUNNING"
	StateStopped     State = "STOPPED"
	StateTerminating State = "TERMINATING"
	StateTerminated  State = "TERMINATED"
	StateUnknown     State = "UNKNOWN"
)

// States lists every task state in life-cycle order.
var States = []State{
	StateNew,
	StateSubmitted,
	StateRunning,
	StateStopped,
	StateTerminating,
	StateTerminated,
	StateUnknown,
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	for _, v := range States {
		if s == v {
			return true
		}
	}
	return false
}

// redoable lists the states from which a task may be reset to NEW.
var redoable = map[State]bool{
	StateNew:         true,
	StateStopped:     true,
	StateTerminating: true,
	StateTerminated:  true,
	StateUnknown:     true,
}

// ValidTransition reports whether a task may move from one state to another.
// TERMINATED is absorbing except for an explicit reset to NEW.
func ValidTransition(from, to State) bool {
	if !to.Valid() {
		return false
	}
	if from == StateTerminated {
		return to == StateNew || to == StateTerminated
	}
	return true
}

// Signal is a pseudo-signal number recorded in a task's return code when the
// task did not terminate through a normal remote exit.
type Signal int

// Pseudo-signals describing abnormal termination.
const (
	SignalNone               Signal = 0
	SignalLost               Signal = 120
	SignalCancelled          Signal = 121
	SignalRemoteKill         Signal = 122
	SignalDataStagingFailure Signal = 123
	SignalRemoteError        Signal = 124
	SignalSubmissionFailed   Signal = 125
)

// Exit codes used when the engine synthesizes a return code.
const (
	ExitSoftware = 70
	ExitIOError  = 74
)

func (s Signal) String() string {
	switch s {
	case SignalNone:
		return "none"
	case SignalLost:
		return "lost"
	case SignalCancelled:
		return "cancelled"
	case SignalRemoteKill:
		return "remote kill"
	case SignalDataStagingFailure:
		return "data staging failure"
	case SignalRemoteError:
		return "remote error"
	case SignalSubmissionFailed:
		return "submission failed"
	default:
		return fmt.Sprintf("signal %d", int(s))
	}
}

// HistoryEntry is a timestamped informational message about a task.
type HistoryEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Execution is the run-time record attached to every task.
type Execution struct {
	State        State               `json:"state"`
	ResourceName string              `json:"resource_name,omitempty"`
	JobID        string              `json:"job_id,omitempty"`
	Info         string              `json:"info,omitempty"`
	Signal       Signal              `json:"signal,omitempty"`
	ExitCode     *int                `json:"exit_code,omitempty"`
	History      []HistoryEntry      `json:"history,omitempty"`
	Timestamps   map[State]time.Time `json:"timestamps,omitempty"`
}

// NewExecution returns an execution record in state NEW.
func NewExecution() Execution {
	now := time.Now().UTC()
	return Execution{
		State:      StateNew,
		Timestamps: map[State]time.Time{StateNew: now},
	}
}

// SetInfo records msg as the current info line and appends it to the history.
func (e *Execution) SetInfo(msg string) {
	e.Info = msg
	e.History = append(e.History, HistoryEntry{At: time.Now().UTC(), Message: msg})
}

// Stamp records the time at which state s was entered.
func (e *Execution) Stamp(s State) {
	if e.Timestamps == nil {
		e.Timestamps = make(map[State]time.Time)
	}
	e.Timestamps[s] = time.Now().UTC()
}

// SetReturnCode records both the termination signal and the exit code.
func (e *Execution) SetReturnCode(sig Signal, exitCode int) {
	e.Signal = sig
	e.ExitCode = &exitCode
}

// SetExitCode records a normal exit with no signal.
func (e *Execution) SetExitCode(exitCode int) {
	e.SetReturnCode(SignalNone, exitCode)
}

// ClearReturnCode forgets any recorded termination status.
func (e *Execution) ClearReturnCode() {
	e.Signal = SignalNone
	e.ExitCode = nil
}

// ReturnCode returns the encoded termination status and whether one is known.
// The encoding packs the low byte of the exit code in bits 8-15 and the
// signal number in bits 0-6.
func (e *Execution) ReturnCode() (int, bool) {
	if e.ExitCode == nil && e.Signal == SignalNone {
		return 0, false
	}
	exit := 0
	if e.ExitCode != nil {
		exit = *e.ExitCode
	}
	return (exit&0xff)<<8 | int(e.Signal)&0x7f, true
}

// Succeeded reports whether the execution terminated with a zero return code.
func (e *Execution) Succeeded() bool {
	rc, ok := e.ReturnCode()
	return ok && rc == 0
}
