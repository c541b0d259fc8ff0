package app

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrunner/internal/scheduler"
	"taskrunner/internal/secrets"
	"taskrunner/internal/taskdef"
	"taskrunner/internal/validate"
	logx "taskrunner/pkg/logx"
)

type fakeSource struct {
	doc taskdef.Document
	err error
}

func (f *fakeSource) Load(context.Context) (taskdef.Document, error) { return f.doc, f.err }

type fakeSched struct {
	mu    sync.Mutex
	calls []map[string]taskdef.Definition
}

func (f *fakeSched) Reconcile(_ context.Context, defs map[string]taskdef.Definition) scheduler.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, defs)
	ids := make([]string, 0, len(defs))
	for id := range defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return scheduler.Report{Added: ids}
}

type fakeSecrets struct {
	vals map[string]string
	err  error
}

func (f fakeSecrets) Name() string { return "fake" }
func (f fakeSecrets) Fetch(context.Context) (map[string]string, error) {
	return f.vals, f.err
}

func TestPassSkipsInvalidTasks(t *testing.T) {
	src := &fakeSource{doc: taskdef.Document{Path: "tasks.json", Tasks: map[string]taskdef.Raw{
		"ok":        {"bash_script": "echo hi", "schedule": "*/5 * * * *"},
		"no_cmd":    {"schedule": "*/5 * * * *"},
		"bad_sched": {"bash_script": "echo", "schedule": "* *"},
	}}}
	sched := &fakeSched{}
	r := NewReconciler(src, nil, validate.New(), sched, logx.Nop())

	rep, err := r.Pass(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, rep.Added)
	require.Len(t, sched.calls, 1)
	assert.Contains(t, sched.calls[0], "ok")
	assert.Equal(t, "*/5 * * * *", sched.calls[0]["ok"].Schedule)
	assert.Equal(t, int64(1), r.Passes())
}

func TestPassLoadFailureKeepsJobs(t *testing.T) {
	src := &fakeSource{err: errors.New("no such file")}
	sched := &fakeSched{}
	r := NewReconciler(src, nil, nil, sched, logx.Nop())

	_, err := r.Pass(context.Background(), "test")
	require.Error(t, err)
	assert.Empty(t, sched.calls)
	assert.Zero(t, r.Passes())
}

func TestPassAppliesSecretsAndToleratesFailure(t *testing.T) {
	var got []string
	prev := secrets.Setenv
	secrets.Setenv = func(k, v string) error { got = append(got, k+"="+v); return nil }
	t.Cleanup(func() { secrets.Setenv = prev })

	src := &fakeSource{doc: taskdef.Document{Tasks: map[string]taskdef.Raw{}}}
	sched := &fakeSched{}

	r := NewReconciler(src, fakeSecrets{vals: map[string]string{"B": "2", "A": "1"}}, nil, sched, logx.Nop())
	_, err := r.Pass(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=2"}, got)

	r = NewReconciler(src, fakeSecrets{err: errors.New("table not found")}, nil, sched, logx.Nop())
	_, err = r.Pass(context.Background(), "test")
	require.NoError(t, err)
	assert.Len(t, sched.calls, 2)
}

func TestPassesAreSerialized(t *testing.T) {
	src := &fakeSource{doc: taskdef.Document{Tasks: map[string]taskdef.Raw{
		"a": {"bash_script": "true", "no_schedule": true},
	}}}
	sched := &fakeSched{}
	r := NewReconciler(src, nil, nil, sched, logx.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Pass(context.Background(), "test")
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(8), r.Passes())
	assert.Len(t, sched.calls, 8)
}
