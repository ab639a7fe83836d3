package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override secrets from the file.
const (
	EnvJWTSecret          = "PUSHD_JWT_SECRET"
	EnvInternalToken      = "PUSHD_INTERNAL_TOKEN"
	EnvFCMAccessToken     = "PUSHD_FCM_ACCESS_TOKEN"
	EnvFCMCredentialsFile = "PUSHD_FCM_CREDENTIALS_FILE"
	EnvTelegramToken      = "PUSHD_TELEGRAM_TOKEN"
	EnvStorageDSN         = "PUSHD_STORAGE_DSN"
)

// LoadDotEnv loads .env files into the process environment. Missing files
// are ignored; existing variables are not overwritten.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		_ = godotenv.Load(f)
	}
}

// ApplyEnv overrides secrets from the environment.
func (c *Config) ApplyEnv() {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.HTTP.JWTSecret, EnvJWTSecret)
	set(&c.HTTP.InternalToken, EnvInternalToken)
	set(&c.Provider.AccessToken, EnvFCMAccessToken)
	set(&c.Provider.CredentialsFile, EnvFCMCredentialsFile)
	set(&c.Telegram.Token, EnvTelegramToken)
	set(&c.Storage.DSN, EnvStorageDSN)
}
