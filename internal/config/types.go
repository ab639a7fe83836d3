package config

// Config is the daemon configuration file (JSON or YAML).
//
// Durations are Go duration strings ("10s", "24h").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Telegram   TelegramConfig   `json:"telegram"`
	Storage    StorageConfig    `json:"storage"`
	Provider   ProviderConfig   `json:"provider"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Reconcile  ReconcileConfig  `json:"reconcile"`
	HTTP       HTTPConfig       `json:"http"`
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

// LoggingTelegram forwards log records at or above MinLevel to the
// operator chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type TelegramConfig struct {
	Token    string `json:"token"`
	GroupLog string `json:"group_log"` // chat id
}

// StorageConfig selects the record store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/pushd.sqlite" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxEndpoints int    `json:"max_endpoints,omitempty"`
	CASRetries   int    `json:"cas_retries,omitempty"`
}

// ProviderConfig selects the messaging provider: log, fcm or sns.
type ProviderConfig struct {
	Driver          string  `json:"driver"`
	ProjectID       string  `json:"project_id,omitempty"`
	BaseURL         string  `json:"base_url,omitempty"`
	AccessToken     string  `json:"access_token,omitempty"`
	CredentialsFile string  `json:"credentials_file,omitempty"`
	Region          string  `json:"region,omitempty"`
	RatePerSec      float64 `json:"rate_per_sec,omitempty"`
	Timeout         string  `json:"timeout,omitempty"`
}

type DispatcherConfig struct {
	MaxParallel int `json:"max_parallel,omitempty"`
}

type ReconcileConfig struct {
	Enabled     bool   `json:"enabled"`
	Schedule    string `json:"schedule,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
	RunOnStart  bool   `json:"run_on_start,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

type HTTPConfig struct {
	Addr          string `json:"addr,omitempty"`
	JWTSecret     string `json:"jwt_secret,omitempty"`
	InternalToken string `json:"internal_token,omitempty"`
}
