package scheduler

import (
	"fmt"
	"time"

	"github.com/itskum47/hostforge/hostd/messages"
)

// Reserved step units. Any other unit names a framework component.
const (
	UnitShell   = "shell"
	UnitFetch   = "fetch"
	UnitSetConf = "setconf"
)

// Step is one action within a Task.
//
//	shell:   Order is the command line; Data may carry "stdin" and "dir".
//	fetch:   Order (or Data "url") is the URL; Data "path" is the destination and
//	         optional "extract" a directory to unpack the archive into.
//	setconf: Order is "section.key" and Data "value" the value, or Data carries
//	         "section", "key" and "value".
//	other:   Order is a method of the component named by Unit; Data are its kwargs.
type Step struct {
	Unit  string                 `json:"unit" validate:"required"`
	Order string                 `json:"order"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// ConfigMarker is a config value written after a task fully succeeds.
type ConfigMarker struct {
	Section string      `json:"section" validate:"required"`
	Key     string      `json:"key" validate:"required"`
	Value   interface{} `json:"value"`
}

// Task is an ordered, queued unit of privileged work. Immutable once enqueued.
// A task with Group set runs the sub-tasks in order instead of Steps and stops at
// the first failing sub-task.
type Task struct {
	ID          string             `json:"id"`
	Steps       []Step             `json:"steps,omitempty" validate:"dive"`
	Message     *messages.Template `json:"message,omitempty"`
	Group       []Task             `json:"group,omitempty" validate:"dive"`
	OnSuccess   *ConfigMarker      `json:"on_success,omitempty"`
	SubmittedAt time.Time          `json:"submitted_at,omitempty"`
}

// IsGroup reports whether t runs sub-tasks.
func (t *Task) IsGroup() bool {
	return len(t.Group) > 0
}

// ScheduledTask is a Task with a due time and optional recurrence, both in seconds.
type ScheduledTask struct {
	Task               Task  `json:"task"`
	DueAt              int64 `json:"due_at"`
	RescheduleInterval int64 `json:"reschedule_interval,omitempty" validate:"min=0"`
}

// State of a task.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// StepError records the first failing step of a task.
type StepError struct {
	TaskID string
	Index  int
	Unit   string
	Order  string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("task %s step %d (%s %s): %v", e.TaskID, e.Index, e.Unit, e.Order, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Config holds configuration for the worker pool and the scheduler loop.
type Config struct {
	// Workers is the number of concurrent task workers.
	Workers int
	// PollInterval bounds how long a worker blocks waiting for a task.
	PollInterval time.Duration
	// SchedulerInterval is the time between scheduler ticks.
	SchedulerInterval time.Duration
	// StepTimeout cancels a single step after this long. Zero disables it.
	StepTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:           1,
		PollInterval:      time.Second,
		SchedulerInterval: 5 * time.Second,
	}
}
