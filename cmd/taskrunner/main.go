package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"taskrunner/internal/app"
	"taskrunner/internal/config"
	"taskrunner/internal/taskdef"
	"taskrunner/internal/validate"
	logx "taskrunner/pkg/logx"
)

func main() {
	var (
		cfgPath   string
		validOnly bool
	)
	flag.StringVar(&cfgPath, "config", "./taskrunner.json", "path to config (json or yaml)")
	flag.BoolVar(&validOnly, "validate", false, "validate the task file and exit")
	flag.Parse()

	cfg, err := config.Load(cfgPath, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal config:", err)
		os.Exit(1)
	}

	if validOnly {
		os.Exit(validateTasks(cfg))
	}

	logs, log, err := app.NewLogging(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal logging:", err)
		os.Exit(1)
	}
	os.Exit(run(cfg, logs, log))
}

func run(cfg *config.Config, logs *logx.Service, log logx.Logger) int {
	defer func() { _ = logs.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("init failed", logx.Err(err))
		return 1
	}
	if err := a.Start(ctx); err != nil {
		log.Error("start failed", logx.Err(err))
		return 1
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug("sd_notify ready failed", logx.Err(err))
	}
	stopWatchdog := startWatchdog(log)

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	if ctx.Err() != nil {
		log.Info("signal received; shutting down")
	} else {
		log.Error("fatal error; shutting down", logx.Err(a.Err()))
	}
	stopWatchdog()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	timeout := config.Dur(cfg.Shutdown.Timeout, 30*time.Second)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), timeout)
	defer stopCancel()

	err = a.Stop(stopCtx)
	if errors.Is(err, app.ErrShutdownTimeout) {
		log.Error("shutdown did not finish in time", logx.Duration("timeout", timeout))
		return 1
	}
	if err != nil {
		log.Error("shutdown failed", logx.Err(err))
		return 1
	}
	if a.Err() != nil {
		return 1
	}
	return 0
}

// startWatchdog pings the systemd watchdog at half its interval when
// WatchdogSec is set on the unit.
func startWatchdog(log logx.Logger) func() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					log.Warn("sd_notify watchdog failed", logx.Err(err))
				}
			}
		}
	}()
	return func() { close(done) }
}

// validateTasks checks the task file offline and prints every problem.
// It returns the process exit code.
func validateTasks(cfg *config.Config) int {
	path := cfg.Tasks.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.Tasks.InitialDir, path)
	}
	doc, err := taskdef.ReadFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load:", err)
		return 1
	}
	v := validate.New()
	res := v.Validate(doc.Tasks)
	for _, e := range res.Errors {
		fmt.Printf("error   %s: %s\n", e.TaskID, e.Message)
	}
	for _, id := range res.ValidIDs {
		for _, s := range v.SuggestImprovements(id, doc.Tasks[id]) {
			fmt.Printf("suggest %s: %s\n", id, s)
		}
	}
	fmt.Printf("%s: %d tasks, %d valid, %d errors\n", path, res.Total, len(res.ValidIDs), len(res.Errors))
	if len(res.Errors) > 0 {
		return 1
	}
	return 0
}
