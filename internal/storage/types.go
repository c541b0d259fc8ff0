package storage

import (
	"errors"
	"time"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// EventRecord is one execution event as persisted.
type EventRecord struct {
	TaskID    string         `json:"taskId"`
	EventType string         `json:"eventType"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

const (
	eventLogName  = "task-monitor.log"
	statsFileName = "task-stats-final.json"
)
