package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "pushd.yaml", `
logging:
  level: debug
storage:
  driver: sqlite
  path: ./data/pushd.sqlite
reconcile:
  enabled: true
  schedule: "0 3 * * *"
`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.MaxEndpoints != DefaultMaxEndpoints || cfg.Storage.CASRetries != DefaultCASRetries {
		t.Fatalf("storage defaults not applied: %+v", cfg.Storage)
	}
	if cfg.Provider.Driver != "log" || cfg.Provider.RatePerSec != DefaultProviderRate {
		t.Fatalf("provider defaults not applied: %+v", cfg.Provider)
	}
	if cfg.HTTP.Addr != DefaultHTTPAddr || cfg.Dispatcher.MaxParallel != DefaultMaxParallel {
		t.Fatalf("unexpected defaults: %+v %+v", cfg.HTTP, cfg.Dispatcher)
	}
	if cfg.Provider.TimeoutOrDefault() != 10*time.Second {
		t.Fatalf("provider timeout default: %v", cfg.Provider.TimeoutOrDefault())
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := Decode("pushd.json", []byte(`{"storage":{"driver":"memory","extra":1}}`))
	if err == nil {
		t.Fatalf("expected unknown field error")
	}
	_, err = Decode("pushd.json", []byte(`{} {}`))
	if err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"file without path", Config{Storage: StorageConfig{Driver: "file"}}, "storage.path"},
		{"postgres without dsn", Config{Storage: StorageConfig{Driver: "postgres"}}, "storage.dsn"},
		{"fcm without creds", Config{Provider: ProviderConfig{Driver: "fcm"}}, "fcm needs"},
		{"bad timeout", Config{Provider: ProviderConfig{Timeout: "soon"}}, "provider.timeout"},
		{"bad schedule", Config{Reconcile: ReconcileConfig{Enabled: true, Schedule: "whenever"}}, "reconcile.schedule"},
		{"telegram sink without token", Config{Logging: LoggingConfig{Telegram: LoggingTelegram{Enabled: true}}}, "telegram.token"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := tc.cfg
			cfg.ApplyDefaults()
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv(EnvJWTSecret, "from-env")
	t.Setenv(EnvStorageDSN, "postgres://u@h/db")
	path := writeFile(t, "pushd.json", `{"http":{"jwt_secret":"from-file"},"storage":{"driver":"postgres"}}`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.HTTP.JWTSecret != "from-env" || cfg.Storage.DSN != "postgres://u@h/db" {
		t.Fatalf("env overrides not applied: %+v %+v", cfg.HTTP, cfg.Storage)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", EnvInternalToken+"=dotenv-secret\n")
	t.Setenv(EnvInternalToken, "")
	os.Unsetenv(EnvInternalToken)
	LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env"))
	if got := os.Getenv(EnvInternalToken); got != "dotenv-secret" {
		t.Fatalf("dotenv not loaded, got %q", got)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	path := writeFile(t, "pushd.json", `{"dispatcher":{"max_parallel":4}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"dispatcher":{"max_parallel":8}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		if cfg.Dispatcher.MaxParallel != 8 {
			t.Fatalf("unexpected reloaded config %+v", cfg.Dispatcher)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no reload published")
	}
	if m.Get().Dispatcher.MaxParallel != 8 {
		t.Fatalf("reload not committed")
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	a := &Config{}
	a.ApplyDefaults()
	b := *a
	b.Reconcile.Schedule = "12h"
	b.HTTP.JWTSecret = "x"
	changed, _ := SummarizeChange(a, &b)
	if strings.Join(changed, ",") != "reconcile,http" {
		t.Fatalf("unexpected sections %v", changed)
	}
	if got := RequiresRestart(a, &b); len(got) != 1 || got[0] != "http" {
		t.Fatalf("unexpected restart set %v", got)
	}
}
