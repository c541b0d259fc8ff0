package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"taskrunner/internal/config"
	"taskrunner/internal/health"
	"taskrunner/internal/secrets"
	logx "taskrunner/pkg/logx"
)

func main() {
	var (
		cfgPath string
		timeout time.Duration
		quiet   bool
	)
	flag.StringVar(&cfgPath, "config", "./taskrunner.json", "path to config (json or yaml)")
	flag.DurationVar(&timeout, "timeout", 10*time.Second, "per-check timeout")
	flag.BoolVar(&quiet, "q", false, "do not print the summary")
	flag.Parse()

	cfg, err := config.Load(cfgPath, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal config:", err)
		os.Exit(1)
	}
	log := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "healthcheck"))

	ctx, cancel := context.WithTimeout(context.Background(), 4*timeout)
	defer cancel()

	opt := health.Options{
		TaskFile: taskFilePath(cfg),
		LogsDir:  cfg.Health.LogsDir,
		Repos:    cfg.Health.Repos,
		Unit:     cfg.Health.Unit,
		Timeout:  timeout,
	}
	if p, err := secrets.Open(ctx, secrets.Config{
		Driver:   cfg.Secrets.Driver,
		Table:    cfg.Secrets.Table,
		ItemID:   cfg.Secrets.ItemID,
		Region:   cfg.Secrets.Region,
		Endpoint: cfg.Secrets.Endpoint,
		Path:     cfg.Secrets.Path,
	}, log); err != nil {
		opt.Secrets = brokenProvider{name: cfg.Secrets.Driver, err: err}
	} else {
		opt.Secrets = p
	}

	rep := health.Check(ctx, opt)
	if err := health.WriteReport(cfg.Health.ReportPath, rep); err != nil {
		log.Warn("health report not written", logx.String("path", cfg.Health.ReportPath), logx.Err(err))
	}
	if !quiet {
		fmt.Print(health.Summary(rep))
	}
	if !rep.Overall {
		os.Exit(1)
	}
}

// taskFilePath prefers the hotload copy, which is what a running
// taskrunner reads after its first pass.
func taskFilePath(cfg *config.Config) string {
	if filepath.IsAbs(cfg.Tasks.File) {
		return cfg.Tasks.File
	}
	reload := filepath.Join(cfg.Tasks.ReloadDir, cfg.Tasks.File)
	if _, err := os.Stat(reload); err == nil {
		return reload
	}
	return filepath.Join(cfg.Tasks.InitialDir, cfg.Tasks.File)
}

// brokenProvider reports a provider that could not be constructed.
type brokenProvider struct {
	name string
	err  error
}

func (b brokenProvider) Name() string { return b.name }

func (b brokenProvider) Fetch(context.Context) (map[string]string, error) { return nil, b.err }
