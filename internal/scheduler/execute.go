package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskrunner/internal/monitor"
	"taskrunner/internal/runner"
	"taskrunner/internal/taskdef"
	logx "taskrunner/pkg/logx"
)

// execute runs one invocation of the task and records its outcome.
// When gated, the run is skipped if another run of the task is in flight.
// On failure a retry may be scheduled; the failure is still returned.
func (s *Service) execute(ctx context.Context, st *taskState, gated bool) error {
	def := st.def
	if gated {
		if !st.tryAcquire() {
			s.log.Info("previous run still in flight; skipping", logx.String("task", def.ID))
			return nil
		}
	} else {
		st.acquire()
	}
	defer st.release()

	execID := def.ID + "_" + uuid.NewString()
	start := time.Now()
	s.rec.RecordEvent(def.ID, monitor.EventExecutionStarted, monitor.Metadata{monitor.MetaExecutionID: execID})

	res, err := s.invoke(ctx, def, execID)
	dur := res.Duration
	if dur <= 0 {
		dur = time.Since(start)
	}

	if err == nil {
		s.rec.RecordEvent(def.ID, monitor.EventExecutionCompleted, monitor.Metadata{
			monitor.MetaExecutionID: execID,
			monitor.MetaDuration:    dur.Milliseconds(),
			monitor.MetaExitCode:    res.ExitCode,
		})
		s.log.Info("task completed", logx.String("task", def.ID), logx.String("execution", execID), logx.Duration("took", dur))
		return nil
	}

	md := monitor.Metadata{
		monitor.MetaExecutionID: execID,
		monitor.MetaDuration:    dur.Milliseconds(),
		monitor.MetaError:       err.Error(),
		monitor.MetaKind:        runner.Kind(err),
	}
	if code := runner.ExitCode(err); code >= 0 {
		md[monitor.MetaExitCode] = code
	}
	s.rec.RecordEvent(def.ID, monitor.EventExecutionFailed, md)
	s.log.Error("task failed", logx.String("task", def.ID), logx.String("execution", execID), logx.Err(err))

	s.scheduleRetry(st)
	return err
}

// invoke calls the executor and converts a panic into an error.
func (s *Service) invoke(ctx context.Context, def taskdef.Definition, execID string) (res runner.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in task execution", logx.String("task", def.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.exec.Run(ctx, s.specFor(def), execID)
}

func (s *Service) specFor(def taskdef.Definition) runner.Spec {
	spec := runner.Spec{Name: def.ID, Script: def.Script, Timeout: def.Timeout}
	if def.IsNpm() {
		spec.Script = s.cfg.PackageRunner + " run " + shellQuote(def.NpmScript)
		spec.Dir = filepath.Join(s.cfg.RepoDir, def.ScriptLocation)
	}
	return spec
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// scheduleRetry schedules one more run after the task's retry delay if the
// task retries on failure and has budget left.
func (s *Service) scheduleRetry(st *taskState) {
	def := st.def
	if !def.RetryOnFailure {
		return
	}
	left, ok := st.takeRetry()
	if !ok {
		if !st.isRemoved() {
			s.log.Warn("retries exhausted", logx.String("task", def.ID), logx.Int("max_retries", def.MaxRetries))
		}
		return
	}
	delay := def.RetryDelay
	if delay <= 0 {
		delay = s.cfg.DefaultRetryDelay
	}

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if s.stopping {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.tmu.Lock()
		_, live := s.timers[t]
		delete(s.timers, t)
		s.tmu.Unlock()
		if !live || st.isRemoved() {
			return
		}
		_ = s.execute(s.context(), st, false)
	})
	s.timers[t] = struct{}{}
	s.log.Info("retry scheduled", logx.String("task", def.ID), logx.Duration("delay", delay), logx.Int("retries_left", left))
}
