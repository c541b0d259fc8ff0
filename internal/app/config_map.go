package app

import (
	"path/filepath"
	"strings"
	"time"

	"taskrunner/internal/config"
	"taskrunner/internal/diag"
	"taskrunner/internal/monitor"
	"taskrunner/internal/runner"
	"taskrunner/internal/scheduler"
	"taskrunner/internal/secrets"
	"taskrunner/internal/storage"
)

const sqliteFileName = "taskrunner.db"

func mapStorage(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	if driver == "sqlite" || driver == "sqlite3" {
		// a bare directory (the default "logs") gets the default file name
		if ext := filepath.Ext(path); ext == "" {
			path = filepath.Join(path, sqliteFileName)
		}
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		BusyTimeout: config.Dur(sc.BusyTimeout, time.Second),
	}
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Timezone:          cfg.Scheduler.Timezone,
		Overlap:           scheduler.OverlapPolicy(strings.ToLower(cfg.Scheduler.Overlap)),
		DefaultRetryDelay: config.Dur(cfg.Scheduler.DefaultRetryDelay, time.Minute),
		RepoDir:           cfg.Scheduler.RepoDir,
		PackageRunner:     cfg.Scheduler.PackageRunner,
	}
}

func mapRunner(cfg *config.Config) runner.Config {
	return runner.Config{
		Shell:      cfg.Runner.Shell,
		KillGrace:  config.Dur(cfg.Runner.KillGrace, 5*time.Second),
		DrainGrace: config.Dur(cfg.Runner.DrainGrace, 10*time.Second),
	}
}

func mapMonitor(cfg *config.Config) monitor.Config {
	return monitor.Config{
		MaxEvents:  cfg.Monitor.MaxEvents,
		SweepEvery: config.Dur(cfg.Monitor.SweepEvery, time.Minute),
		WriteQueue: cfg.Monitor.WriteQueue,
	}
}

func mapSecrets(cfg *config.Config) secrets.Config {
	s := cfg.Secrets
	return secrets.Config{
		Driver:   s.Driver,
		Table:    s.Table,
		ItemID:   s.ItemID,
		Region:   s.Region,
		Endpoint: s.Endpoint,
		Path:     s.Path,
	}
}

func mapDiag(cfg *config.Config) diag.Config {
	d := cfg.Diagnostics
	return diag.Config{
		Enabled:       d.Enabled,
		Addr:          d.Addr,
		Token:         d.Token,
		AllowInsecure: d.AllowInsecure,
		Pprof:         d.Pprof,
		CORSOrigins:   d.CORSOrigins,
		ReadTimeout:   config.Dur(d.ReadTimeout, 10*time.Second),
		WriteTimeout:  config.Dur(d.WriteTimeout, 60*time.Second),
		IdleTimeout:   config.Dur(d.IdleTimeout, 60*time.Second),
	}
}
