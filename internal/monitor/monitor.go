// Package monitor keeps the execution event log and per-task statistics.
//
// RecordEvent never fails the caller: persistence is asynchronous and
// best-effort, and every storage error is logged and dropped.
package monitor

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"taskrunner/internal/storage"
	logx "taskrunner/pkg/logx"
)

const (
	defaultMaxEvents  = 1000
	defaultSweepEvery = 60 * time.Second
	defaultWriteQueue = 1024
	writeTimeout      = 5 * time.Second
)

type Config struct {
	MaxEvents  int           // events kept in memory after a sweep (default 1000)
	SweepEvery time.Duration // default 60s
	WriteQueue int           // async writer queue size (default 1024)
}

type Monitor struct {
	cfg   Config
	log   logx.Logger
	store storage.Store
	now   func() time.Time

	mu     sync.Mutex
	events []Event
	stats  map[string]*Stats

	obsMu     sync.RWMutex
	observers []Observer

	// async writer
	qmu      sync.RWMutex
	qclosed  bool
	queue    chan Event
	dropped  atomic.Uint64
	warnLim  *rate.Limiter
	started  atomic.Bool
	writerWG sync.WaitGroup

	stopSweep chan struct{}
	sweepWG   sync.WaitGroup
	stopOnce  sync.Once
}

// New builds a monitor. store may be nil (no persistence).
func New(cfg Config, store storage.Store, log logx.Logger) *Monitor {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = defaultMaxEvents
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = defaultSweepEvery
	}
	if cfg.WriteQueue <= 0 {
		cfg.WriteQueue = defaultWriteQueue
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{
		cfg:       cfg,
		log:       log,
		store:     store,
		now:       time.Now,
		stats:     map[string]*Stats{},
		queue:     make(chan Event, cfg.WriteQueue),
		warnLim:   rate.NewLimiter(rate.Every(30*time.Second), 1),
		stopSweep: make(chan struct{}),
	}
}

// SetClock replaces the time source. Call before recording events.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

func (m *Monitor) AddObserver(o Observer) {
	if o == nil {
		return
	}
	m.obsMu.Lock()
	m.observers = append(m.observers, o)
	m.obsMu.Unlock()
}

// Start launches the periodic sweep and the persistence writer.
func (m *Monitor) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.writerWG.Add(1)
	go func() {
		defer m.writerWG.Done()
		for e := range m.queue {
			m.persist(context.WithoutCancel(ctx), e)
		}
	}()

	m.sweepWG.Add(1)
	go func() {
		defer m.sweepWG.Done()
		t := time.NewTicker(m.cfg.SweepEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopSweep:
				return
			case <-t.C:
				m.Sweep()
			}
		}
	}()
}

// RecordEvent appends an event, folds it into the task's stats, notifies
// observers and queues it for persistence.
func (m *Monitor) RecordEvent(taskID string, typ EventType, md Metadata) {
	e := Event{TaskID: taskID, Type: typ, Timestamp: m.now(), Metadata: md}

	m.mu.Lock()
	m.events = append(m.events, e)
	st := m.stats[taskID]
	if st == nil {
		st = &Stats{}
		m.stats[taskID] = st
	}
	fold(st, e)
	snap := *st
	m.mu.Unlock()

	m.obsMu.RLock()
	for _, o := range m.observers {
		o.ObserveEvent(e, snap)
	}
	m.obsMu.RUnlock()

	m.enqueue(e)
}

func fold(st *Stats, e Event) {
	ts := e.Timestamp
	switch e.Type {
	case EventExecutionStarted:
		st.TotalExecutions++
		st.LastExecution = &ts
	case EventExecutionCompleted:
		st.SuccessfulExecutions++
		st.LastSuccess = &ts
		if d := DurationMs(e.Metadata); d > 0 {
			st.TotalDurationMs += d
			st.AverageDurationMs = float64(st.TotalDurationMs) / float64(st.SuccessfulExecutions)
		}
	case EventExecutionFailed:
		st.FailedExecutions++
		st.LastFailure = &ts
		if d := DurationMs(e.Metadata); d > 0 {
			st.TotalDurationMs += d
			st.AverageDurationMs = float64(st.TotalDurationMs) / float64(st.SuccessfulExecutions+st.FailedExecutions)
		}
	}
}

// DurationMs reads the duration metadata in milliseconds, or 0 when absent.
func DurationMs(md Metadata) int64 {
	switch v := md[MetaDuration].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case time.Duration:
		return v.Milliseconds()
	}
	return 0
}

func (m *Monitor) enqueue(e Event) {
	if m.store == nil {
		return
	}
	m.qmu.RLock()
	defer m.qmu.RUnlock()
	if m.qclosed {
		return
	}
	select {
	case m.queue <- e:
	default:
		n := m.dropped.Add(1)
		if m.warnLim.Allow() {
			m.log.Warn("event persistence queue full; dropping", logx.Int64("dropped_total", int64(n)))
		}
	}
}

func (m *Monitor) persist(ctx context.Context, e Event) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	err := m.store.AppendEvent(wctx, storage.EventRecord{
		TaskID:    e.TaskID,
		EventType: string(e.Type),
		Timestamp: e.Timestamp,
		Metadata:  e.Metadata,
	})
	if err != nil && m.warnLim.Allow() {
		m.log.Warn("event persistence failed", logx.String("task", e.TaskID), logx.Err(err))
	}
}

// Sweep trims the in-memory log to the most recent MaxEvents.
func (m *Monitor) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if over := len(m.events) - m.cfg.MaxEvents; over > 0 {
		kept := make([]Event, m.cfg.MaxEvents)
		copy(kept, m.events[over:])
		m.events = kept
		m.log.Debug("event log trimmed", logx.Int("removed", over))
	}
}

func (m *Monitor) Stats(taskID string) (Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stats[taskID]
	if !ok {
		return Stats{}, false
	}
	return *st, true
}

func (m *Monitor) AllStats() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Stats, len(m.stats))
	for id, st := range m.stats {
		out[id] = *st
	}
	return out
}

// RecentEvents returns the last limit events in recording order.
// limit <= 0 returns all events.
func (m *Monitor) RecentEvents(limit int) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if limit > 0 && len(m.events) > limit {
		start = len(m.events) - limit
	}
	out := make([]Event, len(m.events)-start)
	copy(out, m.events[start:])
	return out
}

func (m *Monitor) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := Health{TotalTasks: len(m.stats)}
	for _, st := range m.stats {
		if st.Healthy() {
			h.HealthyTasks++
		}
	}
	h.UnhealthyTasks = h.TotalTasks - h.HealthyTasks
	h.OverallHealth = 1
	if h.TotalTasks > 0 {
		h.OverallHealth = float64(h.HealthyTasks) / float64(h.TotalTasks)
	}
	return h
}

// Dropped returns the number of events the writer queue rejected.
func (m *Monitor) Dropped() uint64 { return m.dropped.Load() }

// Shutdown stops the sweep, drains the writer queue and saves the stats
// snapshot. Failures are logged, never returned.
func (m *Monitor) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() {
		close(m.stopSweep)
		m.sweepWG.Wait()

		m.qmu.Lock()
		m.qclosed = true
		close(m.queue)
		m.qmu.Unlock()

		if m.started.Load() {
			done := make(chan struct{})
			go func() { m.writerWG.Wait(); close(done) }()
			select {
			case <-done:
			case <-ctx.Done():
				m.log.Warn("event writer drain interrupted", logx.Err(ctx.Err()))
			}
		} else if m.store != nil {
			for e := range m.queue {
				m.persist(ctx, e)
			}
		}

		m.saveStats(ctx)
	})
}

func (m *Monitor) saveStats(ctx context.Context) {
	if m.store == nil {
		return
	}
	all := m.AllStats()
	b, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		m.log.Warn("stats encode failed", logx.Err(err))
		return
	}
	if err := m.store.SaveStats(ctx, b); err != nil {
		m.log.Warn("stats save failed", logx.Err(err))
		return
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	m.log.Info("stats saved", logx.Int("tasks", len(ids)), logx.Strings("ids", ids))
}
