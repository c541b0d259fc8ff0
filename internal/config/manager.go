package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Getenv is swapped in tests.
var Getenv = os.Getenv

// Parse reads and strictly decodes the config file at path.
// JSON and YAML (.yaml/.yml) are accepted.
func Parse(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, err := ToJSON(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("%s: invalid config: trailing data", path)
		}
		return nil, err
	}
	return &cfg, nil
}

// Load parses path, applies env overrides and defaults, and validates the result.
// A missing file is not an error when allowMissing is set: the runner can be
// configured from the environment alone.
func Load(path string, allowMissing bool) (*Config, error) {
	cfg, err := Parse(path)
	if err != nil {
		if !allowMissing || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = &Config{Logging: LoggingConfig{Console: true}}
	}
	ApplyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv copies well-known environment variables over the file config.
func ApplyEnv(cfg *Config) {
	if v := strings.TrimSpace(Getenv("TASK_FILE")); v != "" {
		cfg.Tasks.File = v
	}
	if v := strings.TrimSpace(Getenv("LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(Getenv("SECRET_TABLE")); v != "" {
		cfg.Secrets.Table = v
	}
	if v := strings.TrimSpace(Getenv("SECRET_TABLE_ID")); v != "" {
		cfg.Secrets.ItemID = v
	}
	if v := strings.TrimSpace(Getenv("AWS_REGION")); v != "" && cfg.Secrets.Region == "" {
		cfg.Secrets.Region = v
	}
	local := Getenv("NODE_ENV") == "local" || Getenv("USE_LOCALSTACK") == "true"
	if local && cfg.Secrets.Endpoint == "" {
		cfg.Secrets.Endpoint = "http://localhost:4566"
		if v := strings.TrimSpace(Getenv("LOCALSTACK_ENDPOINT")); v != "" {
			cfg.Secrets.Endpoint = v
		}
	}
}

// ApplyDefaults fills omitted fields.
func ApplyDefaults(cfg *Config) {
	def := func(p *string, v string) {
		if strings.TrimSpace(*p) == "" {
			*p = v
		}
	}
	def(&cfg.Tasks.InitialDir, ".")
	def(&cfg.Tasks.ReloadDir, "runner/src")
	def(&cfg.Tasks.ReconcileSchedule, "1 * * * *")

	def(&cfg.Scheduler.Overlap, "skip")
	def(&cfg.Scheduler.DefaultRetryDelay, "60s")
	def(&cfg.Scheduler.RepoDir, "repo")
	def(&cfg.Scheduler.PackageRunner, "npm")

	def(&cfg.Runner.Shell, "bash")
	def(&cfg.Runner.KillGrace, "5s")
	def(&cfg.Runner.DrainGrace, "10s")

	if cfg.Monitor.MaxEvents <= 0 {
		cfg.Monitor.MaxEvents = 1000
	}
	if cfg.Monitor.WriteQueue <= 0 {
		cfg.Monitor.WriteQueue = 1024
	}
	def(&cfg.Monitor.SweepEvery, "60s")

	def(&cfg.Logging.Level, "info")
	def(&cfg.Storage.Driver, "file")
	def(&cfg.Storage.Path, "logs")
	def(&cfg.Secrets.Driver, "none")
	def(&cfg.Secrets.Table, "secrets")
	def(&cfg.Secrets.ItemID, "lambda-secrets")
	def(&cfg.Secrets.Region, "us-east-1")

	def(&cfg.Diagnostics.Addr, "127.0.0.1:9464")
	def(&cfg.Health.LogsDir, "logs")
	def(&cfg.Health.ReportPath, "logs/health-report.json")
	if cfg.Health.Repos == nil {
		cfg.Health.Repos = []string{"repo", "runner"}
	}
	def(&cfg.Shutdown.Timeout, "30s")
}

// Validate rejects configs the runner cannot start with.
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Tasks.File) == "" {
		return errors.New("tasks.file is required (or set TASK_FILE)")
	}
	if _, err := cron.ParseStandard(cfg.Tasks.ReconcileSchedule); err != nil {
		return fmt.Errorf("tasks.reconcile_schedule: %w", err)
	}
	switch strings.ToLower(cfg.Scheduler.Overlap) {
	case "skip", "allow":
	default:
		return fmt.Errorf("scheduler.overlap: want skip or allow, got %q", cfg.Scheduler.Overlap)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	durations := []struct{ path, raw string }{
		{"scheduler.default_retry_delay", cfg.Scheduler.DefaultRetryDelay},
		{"runner.kill_grace", cfg.Runner.KillGrace},
		{"runner.drain_grace", cfg.Runner.DrainGrace},
		{"monitor.sweep_every", cfg.Monitor.SweepEvery},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"diagnostics.read_timeout", cfg.Diagnostics.ReadTimeout},
		{"diagnostics.write_timeout", cfg.Diagnostics.WriteTimeout},
		{"diagnostics.idle_timeout", cfg.Diagnostics.IdleTimeout},
		{"shutdown.timeout", cfg.Shutdown.Timeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "file", "sqlite", "sqlite3", "none":
	default:
		return fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}
	switch strings.ToLower(cfg.Secrets.Driver) {
	case "none", "dynamodb", "file":
	default:
		return fmt.Errorf("unknown secrets.driver: %s", cfg.Secrets.Driver)
	}
	if strings.EqualFold(cfg.Secrets.Driver, "file") && strings.TrimSpace(cfg.Secrets.Path) == "" {
		return errors.New("secrets.path is required when secrets.driver=file")
	}
	if cfg.Logging.Telegram.Enabled {
		if strings.TrimSpace(cfg.Logging.Telegram.Token) == "" || cfg.Logging.Telegram.ChatID == 0 {
			return errors.New("logging.telegram requires token and chat_id")
		}
	}
	return nil
}
