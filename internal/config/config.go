// Package config maps environment variables onto the session core's
// runtime settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable of the session core. All fields have working
// defaults except the API URL in non-local deployments.
type Config struct {
	AppName    string `env:"SESSION_APP_NAME" envDefault:"Procura Session"`
	APIBaseURL string `env:"SESSION_API_URL" envDefault:"http://localhost:8000/api/auth"`

	// CredentialsFile is the shared persisted record. Empty means a
	// per-user default under the OS config directory.
	CredentialsFile string `env:"SESSION_CREDENTIALS_FILE"`

	// RedisURL enables the primary sync transport when set; without it the
	// bus runs on the storage fallback alone.
	RedisURL    string `env:"SESSION_SYNC_REDIS_URL"`
	SyncChannel string `env:"SESSION_SYNC_CHANNEL" envDefault:"procura:auth:sync"`

	RefreshBuffer      time.Duration `env:"SESSION_REFRESH_BUFFER" envDefault:"5m"`
	RefreshFloor       time.Duration `env:"SESSION_REFRESH_FLOOR" envDefault:"1m"`
	RefreshMaxAttempts int           `env:"SESSION_REFRESH_MAX_ATTEMPTS" envDefault:"3"`

	InactivityTimeout time.Duration `env:"SESSION_INACTIVITY_TIMEOUT" envDefault:"30m"`
	ActivityThrottle  time.Duration `env:"SESSION_ACTIVITY_THROTTLE" envDefault:"30s"`
	LogoutTimeout     time.Duration `env:"SESSION_LOGOUT_TIMEOUT" envDefault:"2s"`

	Debug bool `env:"SESSION_DEBUG" envDefault:"false"`
}

// Load parses the environment and fills computed defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}

	if cfg.CredentialsFile == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("config: resolve config dir: %w", err)
		}
		cfg.CredentialsFile = filepath.Join(dir, "procura", "credentials.json")
	}

	return cfg, nil
}
