package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"taskrunner/internal/scheduler"
	"taskrunner/internal/secrets"
	"taskrunner/internal/taskdef"
	"taskrunner/internal/validate"
	logx "taskrunner/pkg/logx"
)

// TaskSource loads the current task document.
type TaskSource interface {
	Load(ctx context.Context) (taskdef.Document, error)
}

// TaskScheduler applies a validated task set.
type TaskScheduler interface {
	Reconcile(ctx context.Context, defs map[string]taskdef.Definition) scheduler.Report
}

// Reconciler runs reconciliation passes:
// secrets → task file → validation → scheduler.
type Reconciler struct {
	mu      sync.Mutex
	src     TaskSource
	secrets secrets.Provider
	val     *validate.Validator
	sched   TaskScheduler
	log     logx.Logger

	passes atomic.Int64
}

func NewReconciler(src TaskSource, sec secrets.Provider, val *validate.Validator, sched TaskScheduler, log logx.Logger) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if val == nil {
		val = validate.New()
	}
	return &Reconciler{src: src, secrets: sec, val: val, sched: sched, log: log}
}

// Passes returns the number of passes that reached the scheduler.
func (r *Reconciler) Passes() int64 { return r.passes.Load() }

// Pass runs one reconciliation pass. Concurrent calls run one after another.
// A secrets failure is logged and the pass continues with the current
// environment. A load failure aborts the pass and leaves the job set as is.
// Invalid tasks are logged and skipped.
func (r *Reconciler) Pass(ctx context.Context, trigger string) (scheduler.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	log := r.log.With(logx.String("trigger", trigger))

	if r.secrets != nil {
		keys, err := secrets.Apply(ctx, r.secrets)
		if err != nil {
			log.Warn("secrets refresh failed; using current environment", logx.Err(err))
		} else if len(keys) > 0 {
			log.Debug("secrets applied", logx.String("provider", r.secrets.Name()), logx.Int("keys", len(keys)))
		}
	}

	doc, err := r.src.Load(ctx)
	if err != nil {
		log.Error("task file load failed; keeping current jobs", logx.Err(err))
		return scheduler.Report{}, fmt.Errorf("load tasks: %w", err)
	}

	res := r.val.Validate(doc.Tasks)
	for _, e := range res.Errors {
		log.Error("invalid task skipped", logx.String("task", e.TaskID), logx.String("problem", e.Message))
	}

	defs := make(map[string]taskdef.Definition, len(res.ValidIDs))
	for _, id := range res.ValidIDs {
		raw := doc.Tasks[id]
		if log.Enabled(logx.LevelDebug) {
			for _, s := range r.val.SuggestImprovements(id, raw) {
				log.Debug("task suggestion", logx.String("task", id), logx.String("suggestion", s))
			}
		}
		def, err := taskdef.Decode(id, raw)
		if err != nil {
			log.Error("invalid task skipped", logx.String("task", id), logx.Err(err))
			continue
		}
		defs[id] = def
	}

	rep := r.sched.Reconcile(ctx, defs)
	r.passes.Add(1)

	log.Info("reconciliation pass done",
		logx.String("path", doc.Path),
		logx.Int("tasks", res.Total),
		logx.Int("valid", len(defs)),
		logx.Strings("added", rep.Added),
		logx.Strings("removed", rep.Removed),
		logx.Strings("ran_once", rep.RanOnce),
		logx.Strings("failed", rep.Failed),
		logx.Duration("took", time.Since(start)),
	)
	return rep, nil
}
