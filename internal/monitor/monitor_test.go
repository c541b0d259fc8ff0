package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrunner/internal/storage"
	logx "taskrunner/pkg/logx"
)

type memStore struct {
	mu     sync.Mutex
	events []storage.EventRecord
	stats  []byte
	err    error
}

func (s *memStore) AppendEvent(_ context.Context, e storage.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	return nil
}

func (s *memStore) SaveStats(_ context.Context, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.stats = b
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type recObserver struct {
	mu   sync.Mutex
	last map[string]Stats
}

func (o *recObserver) ObserveEvent(e Event, st Stats) {
	o.mu.Lock()
	o.last[e.TaskID] = st
	o.mu.Unlock()
}

func fixedClock(t0 time.Time) func() time.Time {
	var mu sync.Mutex
	cur := t0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(time.Second)
		return cur
	}
}

func TestStatsFold(t *testing.T) {
	m := New(Config{}, nil, logx.Nop())
	m.SetClock(fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))

	m.RecordEvent("a", EventScheduled, Metadata{MetaSchedule: "* * * * *"})
	st, ok := m.Stats("a")
	require.True(t, ok)
	assert.Zero(t, st.TotalExecutions)

	m.RecordEvent("a", EventExecutionStarted, nil)
	m.RecordEvent("a", EventExecutionCompleted, Metadata{MetaDuration: int64(100)})
	m.RecordEvent("a", EventExecutionStarted, nil)
	m.RecordEvent("a", EventExecutionFailed, Metadata{MetaDuration: int64(300)})
	m.RecordEvent("a", EventExecutionStarted, nil)
	m.RecordEvent("a", EventExecutionCompleted, Metadata{MetaDuration: int64(0)})

	st, _ = m.Stats("a")
	assert.Equal(t, 3, st.TotalExecutions)
	assert.Equal(t, 2, st.SuccessfulExecutions)
	assert.Equal(t, 1, st.FailedExecutions)
	assert.Equal(t, int64(400), st.TotalDurationMs)
	// last update came from the failure: 400 / (1 + 1)
	assert.InDelta(t, 200.0, st.AverageDurationMs, 0.001)
	require.NotNil(t, st.LastExecution)
	require.NotNil(t, st.LastSuccess)
	require.NotNil(t, st.LastFailure)
	assert.True(t, st.LastSuccess.After(*st.LastFailure))

	_, ok = m.Stats("missing")
	assert.False(t, ok)
}

func TestHealthRatio(t *testing.T) {
	m := New(Config{}, nil, logx.Nop())
	run := func(id string, ok, fail int) {
		for i := 0; i < ok; i++ {
			m.RecordEvent(id, EventExecutionStarted, nil)
			m.RecordEvent(id, EventExecutionCompleted, nil)
		}
		for i := 0; i < fail; i++ {
			m.RecordEvent(id, EventExecutionStarted, nil)
			m.RecordEvent(id, EventExecutionFailed, nil)
		}
	}
	run("a", 5, 0)
	run("b", 4, 1) // exactly 0.8
	run("c", 1, 1)

	h := m.Health()
	assert.Equal(t, 3, h.TotalTasks)
	assert.Equal(t, 2, h.HealthyTasks)
	assert.Equal(t, 1, h.UnhealthyTasks)
	assert.InDelta(t, 2.0/3.0, h.OverallHealth, 0.0001)
}

func TestZeroExecutionTaskIsUnhealthy(t *testing.T) {
	m := New(Config{}, nil, logx.Nop())
	assert.Equal(t, 1.0, m.Health().OverallHealth)

	m.RecordEvent("idle", EventScheduled, nil)
	h := m.Health()
	assert.Equal(t, 1, h.TotalTasks)
	assert.Equal(t, 0, h.HealthyTasks)
	assert.Equal(t, 0.0, h.OverallHealth)
}

func TestRecentEventsAndSweep(t *testing.T) {
	m := New(Config{MaxEvents: 3}, nil, logx.Nop())
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		m.RecordEvent(id, EventScheduled, nil)
	}
	recent := m.RecentEvents(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "d", recent[0].TaskID)
	assert.Equal(t, "e", recent[1].TaskID)

	m.Sweep()
	all := m.RecentEvents(0)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].TaskID)
	// stats are not trimmed
	assert.Len(t, m.AllStats(), 5)
}

func TestObserverReceivesStats(t *testing.T) {
	m := New(Config{}, nil, logx.Nop())
	obs := &recObserver{last: map[string]Stats{}}
	m.AddObserver(obs)
	m.RecordEvent("a", EventExecutionStarted, nil)
	assert.Equal(t, 1, obs.last["a"].TotalExecutions)
}

func TestPersistenceAndShutdown(t *testing.T) {
	store := &memStore{}
	m := New(Config{}, store, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	m.RecordEvent("a", EventExecutionStarted, nil)
	m.RecordEvent("a", EventExecutionCompleted, Metadata{MetaDuration: int64(10)})
	m.Shutdown(context.Background())

	assert.Equal(t, 2, store.count())
	var saved map[string]Stats
	require.NoError(t, json.Unmarshal(store.stats, &saved))
	assert.Equal(t, 1, saved["a"].SuccessfulExecutions)

	// after shutdown events are still folded but not persisted
	m.RecordEvent("a", EventExecutionStarted, nil)
	assert.Equal(t, 2, store.count())
	m.Shutdown(context.Background())
}

func TestShutdownWithoutStartDrainsQueue(t *testing.T) {
	store := &memStore{}
	m := New(Config{}, store, logx.Nop())
	m.RecordEvent("a", EventScheduled, nil)
	m.Shutdown(context.Background())
	assert.Equal(t, 1, store.count())
	assert.NotEmpty(t, store.stats)
}

func TestPersistenceErrorsAreSwallowed(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	m := New(Config{}, store, logx.Nop())
	m.Start(context.Background())
	m.RecordEvent("a", EventExecutionStarted, nil)
	m.Shutdown(context.Background())
	st, ok := m.Stats("a")
	require.True(t, ok)
	assert.Equal(t, 1, st.TotalExecutions)
}

func TestQueueFullDrops(t *testing.T) {
	store := &memStore{}
	m := New(Config{WriteQueue: 1}, store, logx.Nop())
	// writer not started: the second event overflows
	m.RecordEvent("a", EventScheduled, nil)
	m.RecordEvent("b", EventScheduled, nil)
	assert.Equal(t, uint64(1), m.Dropped())
	m.Shutdown(context.Background())
	assert.Equal(t, 1, store.count())
}
