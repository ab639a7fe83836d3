package app

import (
	"context"
	"fmt"
	"strings"

	"chatpush/internal/config"
	"chatpush/internal/push"
	"chatpush/internal/push/fcm"
	"chatpush/internal/push/sns"
	"chatpush/internal/storage"
	"chatpush/internal/transport/telegram"
	logx "chatpush/pkg/logx"
)

func logConfig(cfg *config.Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
	if cfg.Logging.Telegram.Enabled {
		chatID, _ := cfg.Telegram.ChatID()
		lc.Alerts = logx.AlertConfig{
			Enabled:    true,
			ChatID:     chatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		}
	}
	return lc
}

// alertSender returns nil when no bot token is configured or the bot
// cannot be reached; logging then stays local.
func alertSender(cfg *config.Config) logx.AlertSender {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return nil
	}
	s, err := telegram.NewAlertSender(telegram.Options{Token: cfg.Telegram.Token})
	if err != nil {
		logx.NewConsole("warn").Warn("telegram alerts disabled", logx.Err(err))
		return nil
	}
	return s
}

func storageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		DSN:         cfg.Storage.DSN,
		BusyTimeout: cfg.Storage.BusyTimeoutDuration(),
	}
}

func newProvider(ctx context.Context, pc config.ProviderConfig, log logx.Logger) (push.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(pc.Driver)) {
	case "log":
		return push.NewLogProvider(log), nil
	case "fcm":
		return fcm.New(ctx, fcm.Config{
			ProjectID:       pc.ProjectID,
			BaseURL:         pc.BaseURL,
			AccessToken:     pc.AccessToken,
			CredentialsFile: pc.CredentialsFile,
		}, log)
	case "sns":
		return sns.New(ctx, pc.Region, log)
	default:
		return nil, fmt.Errorf("unknown provider.driver: %s", pc.Driver)
	}
}
