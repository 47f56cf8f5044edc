package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/farm-sync/internal/auth"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for farm-sync.
type Config struct {
	// Remote service
	APIBaseURL string `env:"API_BASE_URL"`
	APIKey     string `env:"API_KEY"`

	// Sync engine
	EnableAutoSync bool          `env:"ENABLE_AUTO_SYNC" envDefault:"true"`
	SyncInterval   int           `env:"SYNC_INTERVAL" envDefault:"15"` // minutes
	MaxRetries     int           `env:"MAX_RETRIES" envDefault:"5"`
	BatchSize      int           `env:"BATCH_SIZE" envDefault:"50"`
	RetryBaseDelay time.Duration `env:"RETRY_BASE_DELAY" envDefault:"5s"`
	HealthTimeout  time.Duration `env:"HEALTH_TIMEOUT" envDefault:"2s"`

	// StrictBackendAvailability reports an unreachable backend as a
	// failed cycle. When false (development), the cycle is an empty
	// success instead.
	StrictBackendAvailability bool `env:"STRICT_BACKEND_AVAILABILITY" envDefault:"true"`

	// ConnectivityInterval is how often reachability is re-checked.
	ConnectivityInterval time.Duration `env:"CONNECTIVITY_INTERVAL" envDefault:"10s"`

	// StatePath is the bbolt database file. Defaults to
	// ~/.farm-sync/state.db when empty.
	StatePath string `env:"STATE_PATH"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogFile     string `env:"LOG_FILE"`

	// CaptureDir, when set, is watched for new image files which are
	// queued as pending media assets.
	CaptureDir string `env:"CAPTURE_DIR"`

	// EnablePush subscribes to server change notices over WebSocket.
	EnablePush bool `env:"ENABLE_PUSH" envDefault:"false"`

	// MCP status server
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8091"`
	MCPAuthUsers  string `env:"MCP_AUTH_USERS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the API key to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		path, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	if cfg.CaptureDir != "" {
		absDir, err := filepath.Abs(cfg.CaptureDir)
		if err != nil {
			return nil, fmt.Errorf("resolving capture dir to absolute path: %w", err)
		}

		cfg.CaptureDir = absDir
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL is required")
	}

	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("API_BASE_URL must be an absolute http(s) URL")
	}

	if c.APIKey == "" {
		return fmt.Errorf("API_KEY is required")
	}

	if c.SyncInterval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be a positive number of minutes")
	}

	if c.MaxRetries <= 0 {
		return fmt.Errorf("MAX_RETRIES must be positive")
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive")
	}

	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("RETRY_BASE_DELAY must be positive")
	}

	if c.HealthTimeout <= 0 {
		return fmt.Errorf("HEALTH_TIMEOUT must be positive")
	}

	if c.ConnectivityInterval <= 0 {
		return fmt.Errorf("CONNECTIVITY_INTERVAL must be positive")
	}

	if c.EnableMCP && c.MCPAuthUsers == "" {
		return fmt.Errorf("MCP_AUTH_USERS is required when MCP is enabled")
	}

	return nil
}

// Interval returns the auto-sync interval as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.SyncInterval) * time.Minute
}

// DefaultStatePath returns ~/.farm-sync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".farm-sync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ParseMCPUsers parses the MCP_AUTH_USERS string into a UserCredentials map.
// Format: "user1:bcrypt_hash1,user2:bcrypt_hash2"
func (c *Config) ParseMCPUsers() (auth.UserCredentials, error) {
	users := make(auth.UserCredentials)
	if c.MCPAuthUsers == "" {
		return users, nil
	}

	for _, pair := range strings.Split(c.MCPAuthUsers, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		// bcrypt hashes never contain ':', so the first colon separates.
		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid user entry (missing ':')")
		}

		username := pair[:idx]

		hash := pair[idx+1:]
		if username == "" || hash == "" {
			return nil, fmt.Errorf("empty username or hash in entry %d", len(users)+1)
		}

		if !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("password for %q must be a bcrypt hash (use hash-password)", username)
		}

		if _, dup := users[username]; dup {
			return nil, fmt.Errorf("duplicate username %q in MCP_AUTH_USERS", username)
		}

		users[username] = hash
	}

	return users, nil
}
