package monitor

import "time"

type EventType string

const (
	EventScheduled          EventType = "scheduled"
	EventExecutionStarted   EventType = "execution_started"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionFailed    EventType = "execution_failed"
	EventStopped            EventType = "stopped"
	EventInitialRunFailed   EventType = "initial_run_failed"
)

// Metadata keys shared by producers and the stats fold.
const (
	MetaDuration    = "duration" // milliseconds
	MetaExecutionID = "executionId"
	MetaExitCode    = "exitCode"
	MetaError       = "error"
	MetaKind        = "kind"
	MetaReason      = "reason"
	MetaSchedule    = "schedule"
)

type Metadata map[string]any

// Event is one immutable execution record.
type Event struct {
	TaskID    string    `json:"taskId"`
	Type      EventType `json:"eventType"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  Metadata  `json:"metadata,omitempty"`
}

// Stats is derived per task from events only.
type Stats struct {
	TotalExecutions      int        `json:"totalExecutions"`
	SuccessfulExecutions int        `json:"successfulExecutions"`
	FailedExecutions     int        `json:"failedExecutions"`
	TotalDurationMs      int64      `json:"totalDuration"`
	AverageDurationMs    float64    `json:"averageDuration"`
	LastExecution        *time.Time `json:"lastExecution,omitempty"`
	LastSuccess          *time.Time `json:"lastSuccess,omitempty"`
	LastFailure          *time.Time `json:"lastFailure,omitempty"`
}

// SuccessRate is successful/total, or 0 with no executions.
func (s Stats) SuccessRate() float64 {
	if s.TotalExecutions == 0 {
		return 0
	}
	return float64(s.SuccessfulExecutions) / float64(s.TotalExecutions)
}

// HealthyThreshold is the minimum success rate of a healthy task.
const HealthyThreshold = 0.8

// Healthy reports whether the task has executions and a success rate of at
// least HealthyThreshold. Tasks that never ran are unhealthy.
func (s Stats) Healthy() bool {
	return s.TotalExecutions > 0 && s.SuccessRate() >= HealthyThreshold
}

type Health struct {
	TotalTasks     int     `json:"totalTasks"`
	HealthyTasks   int     `json:"healthyTasks"`
	UnhealthyTasks int     `json:"unhealthyTasks"`
	OverallHealth  float64 `json:"overallHealth"`
}

// Observer receives every recorded event with the task's updated stats.
// Calls are synchronous and must not block.
type Observer interface {
	ObserveEvent(e Event, stats Stats)
}
