package config

// Config is the runner configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Every section is optional; omitted fields fall back to the defaults
// documented on each section.
type Config struct {
	Tasks       TasksConfig       `json:"tasks"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Runner      RunnerConfig      `json:"runner"`
	Monitor     MonitorConfig     `json:"monitor"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Secrets     SecretsConfig     `json:"secrets"`
	Diagnostics DiagnosticsConfig `json:"diagnostics"`
	Health      HealthConfig      `json:"health"`
	Shutdown    ShutdownConfig    `json:"shutdown"`
}

// TasksConfig locates the task definition file.
//
// The first load reads <initial_dir>/<file>; every later load (hotload)
// reads <reload_dir>/<file>.
//
// Defaults:
//   - file: $TASK_FILE
//   - initial_dir: "."
//   - reload_dir: "runner/src"
//   - reconcile_schedule: "1 * * * *" (hourly, one minute past)
//   - watch: false
type TasksConfig struct {
	File              string `json:"file,omitempty"`
	InitialDir        string `json:"initial_dir,omitempty"`
	ReloadDir         string `json:"reload_dir,omitempty"`
	ReconcileSchedule string `json:"reconcile_schedule,omitempty"`
	Watch             bool   `json:"watch,omitempty"`
}

// SchedulerConfig controls recurring triggers and task execution.
//
// Defaults:
//   - timezone: local
//   - overlap: "skip" (skip a firing while the previous run is in flight)
//   - default_retry_delay: "60s"
//   - repo_dir: "repo"
//   - package_runner: "npm"
type SchedulerConfig struct {
	Timezone          string `json:"timezone,omitempty"`
	Overlap           string `json:"overlap,omitempty"`
	DefaultRetryDelay string `json:"default_retry_delay,omitempty"`
	RepoDir           string `json:"repo_dir,omitempty"`
	PackageRunner     string `json:"package_runner,omitempty"`
}

// RunnerConfig controls child process supervision.
//
// Defaults: shell "bash", kill_grace "5s", drain_grace "10s".
type RunnerConfig struct {
	Shell      string `json:"shell,omitempty"`
	KillGrace  string `json:"kill_grace,omitempty"`
	DrainGrace string `json:"drain_grace,omitempty"`
}

// MonitorConfig controls the execution monitor.
//
// Defaults: max_events 1000, sweep_every "60s", write_queue 1024.
type MonitorConfig struct {
	MaxEvents  int    `json:"max_events,omitempty"`
	SweepEvery string `json:"sweep_every,omitempty"`
	WriteQueue int    `json:"write_queue,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards records at or above min_level to a Telegram chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the durable execution log.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./logs" }
//
// Driver values: "file" (default), "sqlite", "none".
// For "file", path is a directory; for "sqlite", a database file.
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SecretsConfig selects the secrets provider that seeds process env vars
// before every reconciliation pass.
//
// Driver values: "none" (default), "dynamodb", "file".
type SecretsConfig struct {
	Driver string `json:"driver,omitempty"`

	// dynamodb
	Table    string `json:"table,omitempty"`
	ItemID   string `json:"item_id,omitempty"`
	Region   string `json:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty"` // e.g. LocalStack

	// file (JSON or YAML map of KEY: value)
	Path string `json:"path,omitempty"`
}

// DiagnosticsConfig controls the optional HTTP diagnostics server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DiagnosticsConfig struct {
	Enabled       bool     `json:"enabled"`
	Addr          string   `json:"addr,omitempty"`
	Token         string   `json:"token,omitempty"`
	AllowInsecure bool     `json:"allow_insecure,omitempty"`
	Pprof         bool     `json:"pprof,omitempty"`
	CORSOrigins   []string `json:"cors_origins,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// HealthConfig controls the on-demand health check.
type HealthConfig struct {
	ReportPath string   `json:"report_path,omitempty"` // default: logs/health-report.json
	LogsDir    string   `json:"logs_dir,omitempty"`    // default: logs
	Repos      []string `json:"repos,omitempty"`       // default: ["repo", "runner"]
	Unit       string   `json:"unit,omitempty"`        // systemd unit to report on; empty skips
}

// ShutdownConfig bounds the drain sequence run on SIGINT/SIGTERM.
type ShutdownConfig struct {
	Timeout string `json:"timeout,omitempty"` // default: "30s"
}
