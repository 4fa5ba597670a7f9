package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// APIKeyPrefix marks keys accepted by the MCP endpoint.
const APIKeyPrefix = "ms_"

// apiKeyMinLen is the minimum length of an MCP API key including the
// prefix: three prefix characters plus 32 hex characters.
const apiKeyMinLen = len(APIKeyPrefix) + 32

// Config holds all environment-based configuration for matrix-sync.
type Config struct {
	// Homeserver base URL, e.g. https://matrix.example.org
	Homeserver string `env:"MATRIX_HOMESERVER"`

	// Account credentials. Either a password or an access token plus the
	// device it was issued for is required, unless a session is already
	// stored in the state database.
	UserID      string `env:"MATRIX_USER_ID"`
	Password    string `env:"MATRIX_PASSWORD"`
	AccessToken string `env:"MATRIX_ACCESS_TOKEN"`
	DeviceID    string `env:"MATRIX_DEVICE_ID"`

	// Device display name used on login. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Directory holding the state database. Defaults to ~/.matrix-sync.
	StateDir string `env:"STATE_DIR"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Long-poll duration once the client is caught up.
	SyncTimeout time.Duration `env:"SYNC_TIMEOUT" envDefault:"30s"`

	// Number of group sessions kept instantiated for decryption.
	KeyCacheSize int `env:"KEY_CACHE_SIZE" envDefault:"20"`

	// Size of the crypto worker pool. Zero decrypts in-process.
	CryptoWorkers int `env:"CRYPTO_WORKERS" envDefault:"2"`

	// Secret used to unlock the server-side key backup. At most one of
	// these should be set.
	SecurityPhrase string `env:"SECURITY_PHRASE"`
	RecoveryKey    string `env:"RECOVERY_KEY"`

	// Outbound group session rotation thresholds.
	MegolmRotationPeriod   time.Duration `env:"MEGOLM_ROTATION_PERIOD" envDefault:"168h"`
	MegolmRotationMessages int           `env:"MEGOLM_ROTATION_MESSAGES" envDefault:"100"`

	// MCP command surface.
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`

	// Websocket projection feed, authenticated with MCP_API_KEYS.
	// Empty disables the feed.
	FeedListenAddr string `env:"FEED_LISTEN_ADDR"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
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

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "matrix-sync"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StateDir == "" {
		dir, err := DefaultStateDir()
		if err != nil {
			return nil, err
		}

		cfg.StateDir = dir
	}

	absDir, err := filepath.Abs(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("resolving state dir to absolute path: %w", err)
	}

	cfg.StateDir = absDir

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Homeserver == "" {
		return fmt.Errorf("MATRIX_HOMESERVER is required")
	}

	if !strings.HasPrefix(c.Homeserver, "https://") && !strings.HasPrefix(c.Homeserver, "http://") {
		return fmt.Errorf("MATRIX_HOMESERVER must be an http(s) URL")
	}

	if c.UserID != "" {
		if err := ValidateUserID(c.UserID); err != nil {
			return fmt.Errorf("MATRIX_USER_ID: %w", err)
		}
	}

	if c.Password != "" && c.UserID == "" {
		return fmt.Errorf("MATRIX_USER_ID is required when MATRIX_PASSWORD is set")
	}

	if c.AccessToken != "" && c.DeviceID == "" {
		return fmt.Errorf("MATRIX_DEVICE_ID is required when MATRIX_ACCESS_TOKEN is set")
	}

	if c.SecurityPhrase != "" && c.RecoveryKey != "" {
		return fmt.Errorf("set at most one of SECURITY_PHRASE or RECOVERY_KEY")
	}

	if c.KeyCacheSize < 1 {
		return fmt.Errorf("KEY_CACHE_SIZE must be at least 1")
	}

	if c.CryptoWorkers < 0 {
		return fmt.Errorf("CRYPTO_WORKERS must not be negative")
	}

	if c.SyncTimeout <= 0 {
		return fmt.Errorf("SYNC_TIMEOUT must be positive")
	}

	if c.MegolmRotationMessages < 1 {
		return fmt.Errorf("MEGOLM_ROTATION_MESSAGES must be at least 1")
	}

	if (c.EnableMCP || c.FeedListenAddr != "") && c.MCPAPIKeys == "" {
		return fmt.Errorf("MCP_API_KEYS is required when MCP or the feed is enabled")
	}

	return nil
}

// ValidateUserID checks the @localpart:server shape of a Matrix user id.
func ValidateUserID(userID string) error {
	if !strings.HasPrefix(userID, "@") {
		return fmt.Errorf("user id %q must start with '@'", userID)
	}

	idx := strings.Index(userID, ":")
	if idx < 2 || idx == len(userID)-1 {
		return fmt.Errorf("user id %q must have the form @localpart:server", userID)
	}

	return nil
}

// DefaultStateDir returns ~/.matrix-sync.
func DefaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".matrix-sync"), nil
}

// DatabasePath returns the path of the state database inside StateDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.StateDir, "state.db")
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// APIKeyEntry holds a pre-configured API key and the caller name it
// authenticates, parsed from MCP_API_KEYS.
type APIKeyEntry struct {
	Name string
	Key  string
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string.
// Format: "name1:ms_key1,name2:ms_key2"
func (c *Config) ParseMCPAPIKeys() ([]APIKeyEntry, error) {
	if c.MCPAPIKeys == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.MCPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		name := pair[:idx]

		key := pair[idx+1:]
		if name == "" || key == "" {
			return nil, fmt.Errorf("empty name or key in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(key, APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", APIKeyPrefix, len(entries)+1)
		}

		if len(key) < apiKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(entries)+1, apiKeyMinLen)
		}

		if _, err := hex.DecodeString(key[len(APIKeyPrefix):]); err != nil {
			return nil, fmt.Errorf("API key contains non-hex characters after %q prefix in entry %d", APIKeyPrefix, len(entries)+1)
		}

		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate name %q in MCP_API_KEYS", name)
		}

		seen[name] = struct{}{}
		entries = append(entries, APIKeyEntry{Name: name, Key: key})
	}

	return entries, nil
}
