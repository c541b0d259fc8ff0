// Package app wires the task runner together and owns its start/stop
// sequence.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"taskrunner/internal/config"
	"taskrunner/internal/diag"
	"taskrunner/internal/monitor"
	"taskrunner/internal/runner"
	rtsup "taskrunner/internal/runtime/supervisor"
	"taskrunner/internal/scheduler"
	"taskrunner/internal/secrets"
	"taskrunner/internal/storage"
	"taskrunner/internal/taskdef"
	"taskrunner/internal/validate"
	logx "taskrunner/pkg/logx"
)

// ErrShutdownTimeout is returned by Stop when a step did not finish before
// the caller's deadline.
var ErrShutdownTimeout = errors.New("shutdown deadline exceeded")

type App struct {
	cfg *config.Config
	log logx.Logger

	store   storage.Store
	mon     *monitor.Monitor
	run     *runner.Runner
	sched   *scheduler.Service
	src     *taskdef.FileSource
	rec     *Reconciler
	metrics *diag.Metrics
	diag    *diag.Server

	sup     *rtsup.Supervisor
	cadence *cron.Cron
	trigger chan string
}

// New builds every component from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, log logx.Logger) (*App, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }

	// the durable log is best-effort: without it the monitor stays in memory
	store, err := storage.Open(mapStorage(cfg), comp("storage"))
	if err != nil {
		log.Warn("storage unavailable; events kept in memory only", logx.String("driver", cfg.Storage.Driver), logx.Err(err))
		store = nil
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	}

	sec, err := secrets.Open(ctx, mapSecrets(cfg), comp("secrets"))
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	mon := monitor.New(mapMonitor(cfg), store, comp("monitor"))
	run := runner.New(mapRunner(cfg), comp("runner"))
	sched := scheduler.New(mapScheduler(cfg), mon, run, comp("scheduler"))
	src := taskdef.NewFileSource(cfg.Tasks.File, cfg.Tasks.InitialDir, cfg.Tasks.ReloadDir, comp("tasks"))
	rec := NewReconciler(src, sec, validate.New(), sched, comp("reconcile"))

	a := &App{
		cfg:     cfg,
		log:     comp("app"),
		store:   store,
		mon:     mon,
		run:     run,
		sched:   sched,
		src:     src,
		rec:     rec,
		trigger: make(chan string, 1),
	}

	if cfg.Diagnostics.Enabled {
		a.metrics = diag.NewMetrics()
		mon.AddObserver(a.metrics)
		if err := a.metrics.RegisterGauge("taskrunner_active_processes", "Child processes currently running",
			func() float64 { return float64(run.ActiveCount()) }); err != nil {
			log.Warn("metrics gauge register failed", logx.Err(err))
		}
	}
	return a, nil
}

func (a *App) Monitor() *monitor.Monitor     { return a.mon }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Runner() *runner.Runner        { return a.run }

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start starts the components, runs the startup pass and arms the
// reconciliation cadence.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.mon.Start(runCtx)
	a.sched.Start(runCtx)

	if a.cfg.Diagnostics.Enabled {
		a.diag = diag.New(mapDiag(a.cfg), diag.Sources{
			Monitor:    a.mon,
			Scheduler:  a.sched,
			Runner:     a.run,
			Supervisor: a.sup,
		}, a.metrics, a.log.With(logx.String("comp", "diag")))
		a.diag.Start(runCtx)
	}

	if _, err := a.rec.Pass(runCtx, "startup"); err != nil {
		a.log.Warn("startup pass failed; retrying on the next reconciliation", logx.Err(err))
	}

	a.sup.Go0("reconcile.loop", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case why := <-a.trigger:
				_, _ = a.rec.Pass(c, why)
			}
		}
	})

	loc := time.Local
	if tz := strings.TrimSpace(a.cfg.Scheduler.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	a.cadence = cron.New(cron.WithLocation(loc))
	if _, err := a.cadence.AddFunc(a.cfg.Tasks.ReconcileSchedule, func() { a.requestPass("schedule") }); err != nil {
		return fmt.Errorf("tasks.reconcile_schedule: %w", err)
	}
	a.cadence.Start()

	if a.cfg.Tasks.Watch {
		a.sup.Go("tasks.watch", func(c context.Context) error {
			return a.src.Watch(c, func() { a.requestPass("watch") })
		})
	}

	a.log.Info("taskrunner started",
		logx.String("tasks", a.src.Path()),
		logx.String("reconcile", a.cfg.Tasks.ReconcileSchedule),
		logx.Bool("watch", a.cfg.Tasks.Watch),
	)
	return nil
}

// requestPass queues a pass. Requests made while one is queued are merged.
func (a *App) requestPass(why string) {
	select {
	case a.trigger <- why:
	default:
	}
}

// Stop drains the runner: stop reconciliation, stop the scheduler, flush
// the monitor, kill child processes, close storage. Steps are bounded by
// ctx; ErrShutdownTimeout is returned if any step ran out of time.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	var late atomic.Bool

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			late.Store(true)
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	step("reconcile", 5*time.Second, func(c context.Context) error {
		if a.cadence != nil {
			select {
			case <-a.cadence.Stop().Done():
			case <-c.Done():
				return c.Err()
			}
		}
		a.sup.Cancel()
		err := a.sup.Wait(c)
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
	step("diag", time.Second, func(c context.Context) error {
		if a.diag != nil {
			a.diag.Stop(c)
		}
		return nil
	})
	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("monitor", 5*time.Second, func(c context.Context) error { a.mon.Shutdown(c); return nil })
	step("runner", 0, func(c context.Context) error { return a.run.KillAll(c) })
	step("storage", 2*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	if late.Load() || ctx.Err() != nil {
		return ErrShutdownTimeout
	}
	a.log.Info("stopped")
	return nil
}
