package events

import (
	"time"

	"github.com/aristath/multiworker/internal/task"
	"github.com/aristath/multiworker/internal/telemetry"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask = "task"
	TopicTurn = "turn"
)

// Event type constants
const (
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskRetrying  = "task.retrying"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeDashboard     = "turn.dashboard"
	EventTypeTurnFinished  = "turn.finished"
)

// TaskStartedEvent is published when a worker or the synthesizer is launched.
type TaskStartedEvent struct {
	ID        string // Role name
	Stage     string // "worker" or "synthesis"
	Model     string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskRetryingEvent is published before a task sleeps ahead of a retry.
type TaskRetryingEvent struct {
	ID        string
	Attempt   int // The attempt that just failed, 1-based
	Delay     time.Duration
	Reason    string
	Timestamp time.Time
}

func (e TaskRetryingEvent) EventType() string { return EventTypeTaskRetrying }
func (e TaskRetryingEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task succeeds.
type TaskCompletedEvent struct {
	ID        string
	Usage     task.Usage
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task gives up after its last attempt.
type TaskFailedEvent struct {
	ID        string
	Err       string
	Attempts  int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// DashboardEvent carries one monitor frame. Final is set on the frame sent
// after every task reached a terminal outcome.
type DashboardEvent struct {
	Dashboard telemetry.Dashboard
	Final     bool
}

func (e DashboardEvent) EventType() string { return EventTypeDashboard }
func (e DashboardEvent) TaskID() string    { return "" }

// TurnFinishedEvent is published once RunTurn has returned.
type TurnFinishedEvent struct {
	Answer    string
	Totals    telemetry.RunningTotals
	Timestamp time.Time
}

func (e TurnFinishedEvent) EventType() string { return EventTypeTurnFinished }
func (e TurnFinishedEvent) TaskID() string    { return "" }
