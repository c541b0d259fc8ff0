package diag

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrunner/internal/monitor"
	"taskrunner/internal/runner"
	"taskrunner/internal/scheduler"
	logx "taskrunner/pkg/logx"
)

type fakeMonitor struct {
	stats map[string]monitor.Stats
}

func (f fakeMonitor) Health() monitor.Health {
	return monitor.Health{TotalTasks: len(f.stats), HealthyTasks: len(f.stats), OverallHealth: 1}
}
func (f fakeMonitor) AllStats() map[string]monitor.Stats { return f.stats }
func (f fakeMonitor) RecentEvents(int) []monitor.Event   { return nil }
func (f fakeMonitor) Dropped() uint64                    { return 3 }

type fakeScheduler struct{ next time.Time }

func (f fakeScheduler) Snapshot() scheduler.Snapshot {
	return scheduler.Snapshot{Overlap: "skip", Jobs: []scheduler.JobInfo{{ID: "backup", Schedule: "0 * * * *", Next: f.next}}}
}

type fakeRunner struct{}

func (fakeRunner) ListActive() []runner.Active {
	return []runner.Active{{ExecutionID: "backup_1", Name: "backup", PID: 42}}
}

func get(t *testing.T, h http.Handler, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzAndStatus(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-2 * time.Minute)
	src := Sources{
		Monitor:   fakeMonitor{stats: map[string]monitor.Stats{"backup": {TotalExecutions: 4, SuccessfulExecutions: 4, LastExecution: &last}}},
		Scheduler: fakeScheduler{next: now.Add(time.Hour)},
		Runner:    fakeRunner{},
	}
	s := New(Config{Enabled: true}, src, nil, logx.Nop())
	s.now = func() time.Time { return now }
	h := s.Handler()

	rec := get(t, h, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = get(t, h, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Health  monitor.Health `json:"health"`
		Dropped uint64         `json:"droppedEvents"`
		Tasks   map[string]struct {
			SuccessRate float64 `json:"successRate"`
			Healthy     bool    `json:"healthy"`
			LastExecAgo string  `json:"lastExecutionAgo"`
			NextRunIn   string  `json:"nextRunIn"`
		} `json:"tasks"`
		Scheduler scheduler.Snapshot `json:"scheduler"`
		Active    []runner.Active    `json:"active"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Health.TotalTasks)
	assert.Equal(t, uint64(3), body.Dropped)
	require.Contains(t, body.Tasks, "backup")
	assert.True(t, body.Tasks["backup"].Healthy)
	assert.Equal(t, 1.0, body.Tasks["backup"].SuccessRate)
	assert.Equal(t, "2 minutes ago", body.Tasks["backup"].LastExecAgo)
	assert.Equal(t, "1 hour from now", body.Tasks["backup"].NextRunIn)
	require.Len(t, body.Active, 1)
	assert.Equal(t, 42, body.Active[0].PID)
	assert.Len(t, body.Scheduler.Jobs, 1)
}

func TestStatusRejectsPost(t *testing.T) {
	s := New(Config{Enabled: true}, Sources{}, nil, logx.Nop())
	req := httptest.NewRequest(http.MethodPost, "/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestTokenAuth(t *testing.T) {
	s := New(Config{Enabled: true, Token: "s3cret"}, Sources{}, nil, logx.Nop())
	h := s.Handler()

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz?token=nope", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz", map[string]string{"Authorization": "Bearer nope"}).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz?token=s3cret", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz", map[string]string{"Authorization": "Bearer s3cret"}).Code)
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	off := New(Config{Enabled: true}, Sources{}, nil, logx.Nop()).Handler()
	assert.Equal(t, http.StatusNotFound, get(t, off, "/debug/pprof/", nil).Code)

	on := New(Config{Enabled: true, Pprof: true}, Sources{}, nil, logx.Nop()).Handler()
	assert.Equal(t, http.StatusOK, get(t, on, "/debug/pprof/", nil).Code)
}

func TestCORSOnStatus(t *testing.T) {
	s := New(Config{Enabled: true, CORSOrigins: []string{"http://dash.local"}}, Sources{}, nil, logx.Nop())
	rec := get(t, s.Handler(), "/status", map[string]string{"Origin": "http://dash.local"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://dash.local", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = get(t, s.Handler(), "/status", map[string]string{"Origin": "http://evil.local"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsObserveEvent(t *testing.T) {
	m := NewMetrics()
	m.ObserveEvent(monitor.Event{TaskID: "backup", Type: monitor.EventExecutionStarted}, monitor.Stats{})
	m.ObserveEvent(monitor.Event{
		TaskID:   "backup",
		Type:     monitor.EventExecutionCompleted,
		Metadata: monitor.Metadata{monitor.MetaDuration: int64(1500)},
	}, monitor.Stats{TotalExecutions: 1, SuccessfulExecutions: 1})
	m.ObserveEvent(monitor.Event{
		TaskID:   "backup",
		Type:     monitor.EventExecutionFailed,
		Metadata: monitor.Metadata{monitor.MetaDuration: int64(10)},
	}, monitor.Stats{TotalExecutions: 2, SuccessfulExecutions: 1, FailedExecutions: 1})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("backup", "execution_started")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("backup", "execution_failed")))
	assert.Equal(t, 0.5, testutil.ToFloat64(m.successRate.WithLabelValues("backup")))

	m.ObserveEvent(monitor.Event{TaskID: "backup", Type: monitor.EventStopped, Metadata: monitor.Metadata{monitor.MetaReason: "delisted"}}, monitor.Stats{})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stopped.WithLabelValues("delisted")))

	require.NoError(t, m.RegisterGauge("taskrunner_active_processes", "Live child processes", func() float64 { return 2 }))

	s := New(Config{Enabled: true}, Sources{}, m, logx.Nop())
	rec := get(t, s.Handler(), "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	out := string(body)
	assert.True(t, strings.Contains(out, `taskrunner_execution_duration_seconds_count{outcome="success",task="backup"} 1`), out)
	assert.Contains(t, out, "taskrunner_active_processes 2")
	assert.Contains(t, out, "go_goroutines")
}

func TestRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Sources{}, nil, logx.Nop())
	err := s.serveOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure bind")
}

func TestStartStop(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Sources{}, nil, logx.Nop())
	s.Start(context.Background())
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.srv != nil
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Nil(t, s.sup)
	assert.Nil(t, s.srv)
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:9464"))
	assert.True(t, isLoopbackAddr("localhost:80"))
	assert.True(t, isLoopbackAddr("[::1]:80"))
	assert.False(t, isLoopbackAddr(":9464"))
	assert.False(t, isLoopbackAddr("10.0.0.1:9464"))
	assert.False(t, isLoopbackAddr("garbage"))
}
