package scheduler

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskrunner/internal/monitor"
	"taskrunner/internal/taskdef"
	logx "taskrunner/pkg/logx"
)

// Parser accepts 5-field specs, 6-field specs with leading seconds and
// descriptors such as "@hourly".
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Service struct {
	cfg  Config
	log  logx.Logger
	rec  Recorder
	exec Executor

	// serializes Reconcile
	recMu sync.Mutex

	mu      sync.Mutex
	loc     *time.Location
	c       *cron.Cron
	jobs    map[string]*activeJob
	runCtx  context.Context
	running bool

	// retry timers
	tmu      sync.Mutex
	timers   map[*time.Timer]struct{}
	stopping bool
}

func New(cfg Config, rec Recorder, exec Executor, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Overlap == "" {
		cfg.Overlap = OverlapSkip
	}
	if cfg.DefaultRetryDelay <= 0 {
		cfg.DefaultRetryDelay = defaultRetryDelay
	}
	if strings.TrimSpace(cfg.RepoDir) == "" {
		cfg.RepoDir = defaultRepoDir
	}
	if strings.TrimSpace(cfg.PackageRunner) == "" {
		cfg.PackageRunner = defaultPackageRunner
	}
	s := &Service{
		cfg:    cfg,
		log:    log,
		rec:    rec,
		exec:   exec,
		jobs:   map[string]*activeJob{},
		runCtx: context.Background(),
		timers: map[*time.Timer]struct{}{},
	}
	s.loc = s.loadLocation()
	s.c = cron.New(cron.WithParser(Parser), cron.WithLocation(s.loc))
	return s
}

func (s *Service) loadLocation() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Start starts cron triggering. Runs fired by cron or retries use a context
// derived from ctx that is not cancelled with it; child processes are
// stopped by the runner's KillAll during shutdown.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.runCtx = context.WithoutCancel(ctx)
	s.c.Start()
	s.running = true
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)), logx.String("overlap", string(s.cfg.Overlap)))
}

// Stop stops cron triggering and cancels pending retries. Runs already in
// flight are not waited for: their processes are drained by the runner.
func (s *Service) Stop(ctx context.Context) {
	_ = ctx
	start := time.Now()
	s.log.Info("stop requested")

	s.tmu.Lock()
	s.stopping = true
	pending := len(s.timers)
	for t := range s.timers {
		t.Stop()
	}
	s.timers = map[*time.Timer]struct{}{}
	s.tmu.Unlock()

	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	if wasRunning {
		s.c.Stop()
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)), logx.Int("retries_cancelled", pending), logx.Int("in_flight", s.inFlight()))
}

// inFlight counts runs in progress across active jobs.
func (s *Service) inFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		j.state.mu.Lock()
		n += j.state.inflight
		j.state.mu.Unlock()
	}
	return n
}

func (s *Service) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx
}

// Reconcile brings the active job set in line with defs:
// delisted ids are removed, new ids registered, existing ids left alone.
func (s *Service) Reconcile(ctx context.Context, defs map[string]taskdef.Definition) Report {
	s.recMu.Lock()
	defer s.recMu.Unlock()

	var rep Report

	s.mu.Lock()
	var delisted []string
	for id, job := range s.jobs {
		if _, ok := defs[id]; ok {
			continue
		}
		s.c.Remove(job.entryID)
		job.state.mu.Lock()
		job.state.removed = true
		job.state.mu.Unlock()
		delete(s.jobs, id)
		delisted = append(delisted, id)
	}
	s.mu.Unlock()

	sort.Strings(delisted)
	for _, id := range delisted {
		s.rec.RecordEvent(id, monitor.EventStopped, monitor.Metadata{monitor.MetaReason: "delisted"})
		s.log.Info("task delisted", logx.String("task", id))
	}
	rep.Removed = delisted

	ids := make([]string, 0, len(defs))
	for id := range defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		s.mu.Lock()
		_, active := s.jobs[id]
		s.mu.Unlock()
		if active {
			continue
		}

		def := defs[id]
		st := newTaskState(def)

		if def.RunOnLoad {
			if err := s.execute(ctx, st, false); err != nil {
				s.rec.RecordEvent(id, monitor.EventInitialRunFailed, monitor.Metadata{monitor.MetaError: err.Error()})
				s.log.Warn("initial run failed", logx.String("task", id), logx.Err(err))
			}
		}

		if !def.Recurring() {
			rep.RanOnce = append(rep.RanOnce, id)
			continue
		}

		if err := s.register(st); err != nil {
			s.log.Error("schedule register failed", logx.String("task", id), logx.String("spec", def.Schedule), logx.Err(err))
			rep.Failed = append(rep.Failed, id)
			continue
		}
		s.rec.RecordEvent(id, monitor.EventScheduled, monitor.Metadata{monitor.MetaSchedule: def.Schedule})
		rep.Added = append(rep.Added, id)
	}
	return rep
}

func (s *Service) register(st *taskState) error {
	job := cron.FuncJob(func() { s.fire(st) })

	s.mu.Lock()
	defer s.mu.Unlock()
	eid, err := s.c.AddJob(st.def.Schedule, job)
	if err != nil {
		return err
	}
	s.jobs[st.def.ID] = &activeJob{state: st, entryID: eid}

	fields := []logx.Field{logx.String("task", st.def.ID), logx.String("spec", st.def.Schedule)}
	if next := s.previewNextRunsLocked(st.def.Schedule, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("task scheduled", fields...)
	return nil
}

// fire is the cron callback.
func (s *Service) fire(st *taskState) {
	_ = s.execute(s.context(), st, s.cfg.Overlap == OverlapSkip)
}

// ActiveIDs returns the ids with a live cron entry, sorted.
func (s *Service) ActiveIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// previewNextRunsLocked lists upcoming run times for debug logs.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	sched, err := Parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
