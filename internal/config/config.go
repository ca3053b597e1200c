// Package config loads environment-based configuration for both the
// taskline server and the terminal client.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for taskline.
// The server and client binaries share one struct; each validates
// the subset of fields it needs at startup.
type Config struct {
	// Server listen address.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8085"`

	// Path to the bbolt database. Defaults to ~/.taskline/taskline.db.
	DBPath string `env:"DB_PATH"`

	// Secret used to sign access and refresh tokens. Must be identical
	// between issuance and verification.
	TokenSecret string `env:"TOKEN_SECRET"`

	// Token lifetimes. Access tokens are short-lived; the client refreshes
	// them silently. Refresh tokens bound the total session length.
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"48h"`

	// Message cipher key material. The key is derived from
	// passphrase + salt with scrypt at startup.
	CipherPassphrase string `env:"CIPHER_PASSPHRASE"`
	CipherSalt       string `env:"CIPHER_SALT"`

	// Origin allowed for websocket upgrades. Empty allows same-host only.
	AllowedOrigin string `env:"ALLOWED_ORIGIN"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Client settings.
	ServerURL string `env:"TASKLINE_SERVER_URL" envDefault:"http://localhost:8085"`
	Email     string `env:"TASKLINE_EMAIL"`
	Password  string `env:"TASKLINE_PASSWORD"`
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

	if cfg.DBPath == "" {
		path, err := defaultDBPath()
		if err != nil {
			return nil, err
		}

		cfg.DBPath = path
	}

	return cfg, nil
}

// ValidateServer checks the fields the server binary requires.
func (c *Config) ValidateServer() error {
	if c.TokenSecret == "" {
		return fmt.Errorf("TOKEN_SECRET is required")
	}

	if len(c.TokenSecret) < 32 {
		return fmt.Errorf("TOKEN_SECRET must be at least 32 characters")
	}

	if c.CipherPassphrase == "" {
		return fmt.Errorf("CIPHER_PASSPHRASE is required")
	}

	if c.CipherSalt == "" {
		return fmt.Errorf("CIPHER_SALT is required")
	}

	if c.AccessTokenTTL <= 0 {
		return fmt.Errorf("ACCESS_TOKEN_TTL must be positive")
	}

	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		return fmt.Errorf("REFRESH_TOKEN_TTL must exceed ACCESS_TOKEN_TTL")
	}

	return nil
}

// ValidateClient checks the fields the client binary requires.
func (c *Config) ValidateClient() error {
	if c.ServerURL == "" {
		return fmt.Errorf("TASKLINE_SERVER_URL is required")
	}

	if c.Email == "" {
		return fmt.Errorf("TASKLINE_EMAIL is required")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// defaultDBPath returns ~/.taskline/taskline.db.
func defaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".taskline", "taskline.db"), nil
}
