// Package health runs the on-demand health check and writes its report.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"taskrunner/internal/secrets"
	"taskrunner/internal/taskdef"
)

const (
	CheckSecrets    = "secrets"
	CheckTaskConfig = "taskConfig"
	CheckMonitoring = "monitoring"
	CheckUnit       = "unit"
	repoPrefix      = "repo_"

	monitorLogName = "task-monitor.log"
)

var errUnitNotFound = errors.New("unit not found")

// unitState is swapped in tests.
var unitState = querySystemdUnit

type Options struct {
	Secrets  secrets.Provider // nil skips the check
	TaskFile string
	LogsDir  string
	Repos    []string // directories reported as warn-only checks
	Unit     string   // systemd unit reported as a warn-only check; empty skips it
	Timeout  time.Duration
	Now      func() time.Time
}

// Result is one named check. Only the fields relevant to the check are set.
type Result struct {
	Healthy bool   `json:"healthy"`
	Warn    bool   `json:"warn,omitempty"` // does not affect the overall verdict
	Error   string `json:"error,omitempty"`

	Service          string `json:"service,omitempty"`
	TaskFile         string `json:"taskFile,omitempty"`
	TaskCount        *int   `json:"taskCount,omitempty"`
	LogsDirectory    string `json:"logsDirectory,omitempty"`
	MonitorLogExists *bool  `json:"monitorLogExists,omitempty"`
	MonitorLogAge    string `json:"monitorLogAge,omitempty"`
	Path             string `json:"path,omitempty"`
	Unit             string `json:"unit,omitempty"`
	UnitState        string `json:"unitState,omitempty"`
}

type Report struct {
	Overall   bool              `json:"overall"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]Result `json:"checks"`
}

// Check runs every check. The secrets, task file and logs directory checks
// decide the overall verdict; repository checks only warn.
func Check(ctx context.Context, opt Options) Report {
	now := time.Now
	if opt.Now != nil {
		now = opt.Now
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 10 * time.Second
	}
	rep := Report{Overall: true, Timestamp: now(), Checks: map[string]Result{}}
	set := func(name string, r Result) {
		rep.Checks[name] = r
		if !r.Healthy && !r.Warn {
			rep.Overall = false
		}
	}

	if opt.Secrets != nil {
		sctx, cancel := context.WithTimeout(ctx, opt.Timeout)
		_, err := opt.Secrets.Fetch(sctx)
		cancel()
		r := Result{Healthy: err == nil, Service: opt.Secrets.Name()}
		if err != nil {
			r.Error = err.Error()
		}
		set(CheckSecrets, r)
	}

	set(CheckTaskConfig, checkTaskFile(opt.TaskFile))
	set(CheckMonitoring, checkLogsDir(opt.LogsDir, now()))

	if opt.Unit != "" {
		uctx, cancel := context.WithTimeout(ctx, opt.Timeout)
		active, sub, err := unitState(uctx, opt.Unit)
		cancel()
		r := Result{Warn: true, Unit: opt.Unit}
		if err != nil {
			r.Error = err.Error()
		} else {
			r.UnitState = active + "/" + sub
			r.Healthy = active == "active"
		}
		set(CheckUnit, r)
	}

	for _, repo := range opt.Repos {
		name := repoPrefix + filepath.Base(filepath.Clean(repo))
		r := Result{Warn: true, Path: repo}
		if fi, err := os.Stat(repo); err != nil {
			r.Error = "not found"
		} else if !fi.IsDir() {
			r.Error = "not a directory"
		} else {
			r.Healthy = true
		}
		set(name, r)
	}
	return rep
}

func checkTaskFile(path string) Result {
	r := Result{TaskFile: path}
	doc, err := taskdef.ReadFile(path)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	n := len(doc.Tasks)
	r.Healthy = true
	r.TaskCount = &n
	return r
}

func checkLogsDir(dir string, now time.Time) Result {
	r := Result{LogsDirectory: dir}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.Error = err.Error()
		return r
	}
	probe, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		r.Error = "not writable: " + err.Error()
		return r
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())

	fi, err := os.Stat(filepath.Join(dir, monitorLogName))
	exists := err == nil
	r.MonitorLogExists = &exists
	if exists {
		r.MonitorLogAge = humanize.RelTime(fi.ModTime(), now, "ago", "from now")
	}
	r.Healthy = true
	return r
}

// WriteReport writes the report as indented JSON (tmp + rename).
func WriteReport(path string, rep Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Summary renders one line per check for terminal output.
func Summary(rep Report) string {
	names := make([]string, 0, len(rep.Checks))
	for n := range rep.Checks {
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, n := range names {
		r := rep.Checks[n]
		mark := "ok  "
		switch {
		case !r.Healthy && r.Warn:
			mark = "warn"
		case !r.Healthy:
			mark = "FAIL"
		}
		fmt.Fprintf(&b, "[%s] %s", mark, n)
		if r.TaskCount != nil {
			fmt.Fprintf(&b, ": %d tasks", *r.TaskCount)
		}
		if r.UnitState != "" {
			fmt.Fprintf(&b, ": %s", r.UnitState)
		}
		if r.MonitorLogAge != "" {
			fmt.Fprintf(&b, ": monitor log updated %s", r.MonitorLogAge)
		}
		if r.Error != "" {
			fmt.Fprintf(&b, ": %s", r.Error)
		}
		b.WriteByte('\n')
	}
	verdict := "HEALTHY"
	if !rep.Overall {
		verdict = "UNHEALTHY"
	}
	fmt.Fprintf(&b, "overall: %s", verdict)
	return b.String()
}
