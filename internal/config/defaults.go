package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chatpush/internal/task/scheduler"
)

const (
	DefaultHTTPAddr          = "127.0.0.1:8080"
	DefaultMaxEndpoints      = 20
	DefaultCASRetries        = 5
	DefaultProviderRate      = 50
	DefaultProviderTimeout   = 10 * time.Second
	DefaultMaxParallel       = 16
	DefaultReconcileSchedule = "24h"
	DefaultReconcileWorkers  = 4
	DefaultReconcileTimeout  = time.Hour
)

// ApplyDefaults fills zero values in place.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.MaxEndpoints <= 0 {
		c.Storage.MaxEndpoints = DefaultMaxEndpoints
	}
	if c.Storage.CASRetries <= 0 {
		c.Storage.CASRetries = DefaultCASRetries
	}
	if strings.TrimSpace(c.Provider.Driver) == "" {
		c.Provider.Driver = "log"
	}
	if c.Provider.RatePerSec == 0 {
		c.Provider.RatePerSec = DefaultProviderRate
	}
	if c.Dispatcher.MaxParallel <= 0 {
		c.Dispatcher.MaxParallel = DefaultMaxParallel
	}
	if strings.TrimSpace(c.Reconcile.Schedule) == "" {
		c.Reconcile.Schedule = DefaultReconcileSchedule
	}
	if c.Reconcile.Concurrency <= 0 {
		c.Reconcile.Concurrency = DefaultReconcileWorkers
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
}

// Validate checks cross-field rules and every duration.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Storage.Driver) {
	case "memory", "mem":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for driver %q", c.Storage.Driver))
		}
	case "postgres", "postgresql", "pq":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if _, err := parseDuration("storage.busy_timeout", c.Storage.BusyTimeout, 0); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(c.Provider.Driver) {
	case "log":
	case "fcm":
		if strings.TrimSpace(c.Provider.AccessToken) == "" && strings.TrimSpace(c.Provider.CredentialsFile) == "" {
			errs = append(errs, errors.New("provider: fcm needs access_token or credentials_file"))
		}
	case "sns":
	default:
		errs = append(errs, fmt.Errorf("provider.driver: unknown driver %q", c.Provider.Driver))
	}
	if c.Provider.RatePerSec < 0 {
		errs = append(errs, errors.New("provider.rate_per_sec must be >= 0"))
	}
	if _, err := parseDuration("provider.timeout", c.Provider.Timeout, 0); err != nil {
		errs = append(errs, err)
	}

	if c.Reconcile.Enabled {
		if _, err := scheduler.ParseSchedule(c.Reconcile.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("reconcile.schedule: %w", err))
		}
	}
	if _, err := parseDuration("reconcile.timeout", c.Reconcile.Timeout, 0); err != nil {
		errs = append(errs, err)
	}

	if c.Logging.Telegram.Enabled {
		if strings.TrimSpace(c.Telegram.Token) == "" {
			errs = append(errs, errors.New("logging.telegram requires telegram.token"))
		}
		if _, err := c.Telegram.ChatID(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ChatID parses GroupLog.
func (t TelegramConfig) ChatID() (int64, error) {
	raw := strings.TrimSpace(t.GroupLog)
	if raw == "" {
		return 0, errors.New("telegram.group_log is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram.group_log: invalid chat id %q", raw)
	}
	return id, nil
}

func (p ProviderConfig) TimeoutOrDefault() time.Duration {
	d, err := parseDuration("provider.timeout", p.Timeout, DefaultProviderTimeout)
	if err != nil {
		return DefaultProviderTimeout
	}
	return d
}

func (r ReconcileConfig) TimeoutOrDefault() time.Duration {
	d, err := parseDuration("reconcile.timeout", r.Timeout, DefaultReconcileTimeout)
	if err != nil {
		return DefaultReconcileTimeout
	}
	return d
}

func (s StorageConfig) BusyTimeoutDuration() time.Duration {
	d, _ := parseDuration("storage.busy_timeout", s.BusyTimeout, 0)
	return d
}
