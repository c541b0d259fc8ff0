package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskrunner/internal/monitor"
	"taskrunner/internal/runner"
	"taskrunner/internal/taskdef"
)

// Recorder receives execution events (implemented by monitor.Monitor).
type Recorder interface {
	RecordEvent(taskID string, typ monitor.EventType, md monitor.Metadata)
}

// Executor runs one command (implemented by runner.Runner).
type Executor interface {
	Run(ctx context.Context, spec runner.Spec, executionID string) (runner.Result, error)
}

type OverlapPolicy string

const (
	// OverlapSkip skips a cron firing while a run of the same task is in flight.
	OverlapSkip OverlapPolicy = "skip"
	// OverlapAllow lets runs of the same task overlap.
	OverlapAllow OverlapPolicy = "allow"
)

const (
	defaultRetryDelay    = 60 * time.Second
	defaultRepoDir       = "repo"
	defaultPackageRunner = "npm"
)

type Config struct {
	Timezone          string // IANA TZ; empty = Local
	Overlap           OverlapPolicy
	DefaultRetryDelay time.Duration // used when a task has no retry_delay
	RepoDir           string        // root for npm script_location
	PackageRunner     string        // e.g. "npm", "pnpm"
}

// Report summarizes one reconciliation pass.
type Report struct {
	Added   []string // newly scheduled
	Removed []string // delisted
	RanOnce []string // non-recurring tasks handled this pass
	Failed  []string // schedule registration failed
}

// taskState is the scheduler-owned record for one definition instance.
// The definition itself is never mutated.
type taskState struct {
	def taskdef.Definition

	mu        sync.Mutex
	remaining int  // retry budget left
	inflight  int  // runs in progress
	removed   bool // delisted; pending retries are dropped
}

func newTaskState(def taskdef.Definition) *taskState {
	return &taskState{def: def, remaining: def.MaxRetries}
}

// tryAcquire registers a run unless one is already in flight.
func (s *taskState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *taskState) acquire() {
	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()
}

func (s *taskState) release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// takeRetry consumes one unit of retry budget.
func (s *taskState) takeRetry() (left int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed || s.remaining <= 0 {
		return 0, false
	}
	s.remaining--
	return s.remaining, true
}

func (s *taskState) isRemoved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed
}

type activeJob struct {
	state   *taskState
	entryID cron.EntryID
}

// JobInfo describes one active job.
type JobInfo struct {
	ID               string    `json:"id"`
	Schedule         string    `json:"schedule"`
	Next             time.Time `json:"next"`
	Prev             time.Time `json:"prev"`
	RemainingRetries int       `json:"remainingRetries"`
	Running          int       `json:"running"`
}

type Snapshot struct {
	Timezone       string    `json:"timezone"`
	Overlap        string    `json:"overlap"`
	Jobs           []JobInfo `json:"jobs"`
	PendingRetries int       `json:"pendingRetries"`
}
