// Package runner launches task commands as supervised child processes.
package runner

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	logx "taskrunner/pkg/logx"
)

const (
	defaultShell      = "bash"
	defaultKillGrace  = 5 * time.Second
	defaultDrainGrace = 10 * time.Second
)

type Config struct {
	Shell      string        // default "bash"
	KillGrace  time.Duration // SIGTERM -> SIGKILL delay on timeout/cancel (default 5s)
	DrainGrace time.Duration // SIGTERM -> SIGKILL delay in KillAll (default 10s)
}

// Spec describes one command invocation.
type Spec struct {
	Name    string
	Script  string
	Dir     string
	Env     []string // appended to the process environment
	Timeout time.Duration
}

// Result of a successful run.
type Result struct {
	ExitCode int
	Duration time.Duration
}

// Active describes an in-flight process.
type Active struct {
	ExecutionID string        `json:"executionId"`
	Name        string        `json:"name"`
	PID         int           `json:"pid"`
	StartTime   time.Time     `json:"startTime"`
	Elapsed     time.Duration `json:"elapsed"`
}

type proc struct {
	id    string
	name  string
	start time.Time
	cmd   *exec.Cmd
	done  chan struct{} // closed after Wait returns
	err   error         // Wait result, valid after done

	termOnce sync.Once
}

type Runner struct {
	cfg Config
	log logx.Logger

	mu     sync.Mutex
	active map[string]*proc

	now func() time.Time
}

func New(cfg Config, log logx.Logger) *Runner {
	if strings.TrimSpace(cfg.Shell) == "" {
		cfg.Shell = defaultShell
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = defaultDrainGrace
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{cfg: cfg, log: log, active: map[string]*proc{}, now: time.Now}
}

// Run executes spec.Script with "<shell> -c" and blocks until the process
// exits, the timeout fires or ctx is cancelled.
//
// On timeout the call returns a *TimeoutError right away while the process
// is terminated in the background (SIGTERM, then SIGKILL after KillGrace).
// On cancellation the same escalation runs and Run waits for the exit.
func (r *Runner) Run(ctx context.Context, spec Spec, executionID string) (Result, error) {
	cmd := exec.Command(r.cfg.Shell, "-c", spec.Script)
	cmd.Dir = spec.Dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	setProcessGroup(cmd)

	start := r.now()
	if err := cmd.Start(); err != nil {
		return Result{}, &LaunchError{Name: spec.Name, Err: err}
	}

	p := &proc{id: executionID, name: spec.Name, start: start, cmd: cmd, done: make(chan struct{})}
	r.mu.Lock()
	r.active[executionID] = p
	r.mu.Unlock()
	r.log.Debug("process started", logx.String("task", spec.Name), logx.String("execution", executionID), logx.Int("pid", cmd.Process.Pid))

	go func() {
		p.err = cmd.Wait()
		r.remove(executionID, p)
		close(p.done)
	}()

	var timeoutC <-chan time.Time
	if spec.Timeout > 0 {
		t := time.NewTimer(spec.Timeout)
		defer t.Stop()
		timeoutC = t.C
	}

	select {
	case <-p.done:
		d := r.now().Sub(start)
		if p.err == nil {
			return Result{ExitCode: 0, Duration: d}, nil
		}
		code := -1
		var ee *exec.ExitError
		if errors.As(p.err, &ee) {
			code = ee.ExitCode()
		}
		return Result{ExitCode: code, Duration: d}, &ExitError{Name: spec.Name, Code: code, Err: p.err}

	case <-timeoutC:
		r.log.Warn("process timed out; terminating",
			logx.String("task", spec.Name),
			logx.String("execution", executionID),
			logx.Duration("timeout", spec.Timeout),
		)
		go r.escalate(p, r.cfg.KillGrace)
		return Result{ExitCode: -1, Duration: r.now().Sub(start)}, &TimeoutError{Name: spec.Name, Timeout: spec.Timeout}

	case <-ctx.Done():
		r.escalate(p, r.cfg.KillGrace)
		<-p.done
		return Result{ExitCode: -1, Duration: r.now().Sub(start)}, ctx.Err()
	}
}

// escalate sends SIGTERM and, if the process is still running after grace,
// SIGKILL. Only the first call per process signals; later calls just wait.
func (r *Runner) escalate(p *proc, grace time.Duration) {
	p.termOnce.Do(func() {
		if err := terminate(p.cmd); err != nil {
			r.log.Debug("terminate failed", logx.String("execution", p.id), logx.Err(err))
		}
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-p.done:
			return
		case <-t.C:
		}
		r.log.Warn("process ignored SIGTERM; killing", logx.String("task", p.name), logx.String("execution", p.id))
		if err := kill(p.cmd); err != nil {
			r.log.Debug("kill failed", logx.String("execution", p.id), logx.Err(err))
		}
	})
}

// remove deletes the entry if it still belongs to p.
func (r *Runner) remove(id string, p *proc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.active[id]; ok && cur == p {
		delete(r.active, id)
		return true
	}
	return false
}

// ListActive returns in-flight processes ordered by start time.
func (r *Runner) ListActive() []Active {
	now := r.now()
	r.mu.Lock()
	out := make([]Active, 0, len(r.active))
	for _, p := range r.active {
		pid := 0
		if p.cmd.Process != nil {
			pid = p.cmd.Process.Pid
		}
		out = append(out, Active{ExecutionID: p.id, Name: p.name, PID: pid, StartTime: p.start, Elapsed: now.Sub(p.start)})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// ActiveCount returns the number of in-flight processes.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// KillAll terminates every tracked process concurrently: SIGTERM, up to
// DrainGrace for exit, then SIGKILL. Entries still present after that (or
// when ctx ends) are force-removed, so the active set is empty on return.
func (r *Runner) KillAll(ctx context.Context) error {
	r.mu.Lock()
	procs := make([]*proc, 0, len(r.active))
	for _, p := range r.active {
		procs = append(procs, p)
	}
	r.mu.Unlock()
	if len(procs) == 0 {
		return nil
	}
	r.log.Info("killing active processes", logx.Int("count", len(procs)))

	var g errgroup.Group
	for _, p := range procs {
		g.Go(func() error {
			go r.escalate(p, r.cfg.DrainGrace)
			// after SIGKILL the exit is normally immediate; bound it anyway
			t := time.NewTimer(r.cfg.DrainGrace + time.Second)
			defer t.Stop()
			select {
			case <-p.done:
			case <-t.C:
				r.log.Warn("process did not exit; dropping", logx.String("task", p.name), logx.String("execution", p.id))
			case <-ctx.Done():
			}
			r.remove(p.id, p)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}
