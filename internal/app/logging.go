package app

import (
	"taskrunner/internal/config"
	"taskrunner/internal/notify"
	logx "taskrunner/pkg/logx"
)

// NewLogging builds the logging service. When logging.telegram is enabled,
// records at or above its min_level are also sent to the Telegram chat.
func NewLogging(cfg config.LoggingConfig) (*logx.Service, logx.Logger, error) {
	var sender logx.AlertSender
	if cfg.Telegram.Enabled {
		tg, err := notify.NewTelegram(notify.Config{
			Token:    cfg.Telegram.Token,
			ChatID:   cfg.Telegram.ChatID,
			ThreadID: cfg.Telegram.ThreadID,
		})
		if err != nil {
			return nil, logx.Logger{}, err
		}
		sender = tg
	}
	svc, log := logx.New(mapLogging(cfg), sender)
	return svc, log, nil
}

func mapLogging(cfg config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   cfg.Level,
		Console: cfg.Console,
		File: logx.FileConfig{
			Enabled: cfg.File.Enabled,
			Path:    cfg.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Telegram.Enabled,
			MinLevel:   cfg.Telegram.MinLevel,
			RatePerSec: cfg.Telegram.RatePerSec,
		},
	}
}
