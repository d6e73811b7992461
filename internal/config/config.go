// Package config loads the global and per-profile TOML configuration.
// Secrets come from the environment or a dotenv file, never from TOML written by Save.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// APIKeyEnv names the environment variable holding the backend API key.
const APIKeyEnv = "ERPCHAT_API_KEY"

// Global represents the global ~/.erpchat/config.toml.
type Global struct {
	DefaultProfile string `toml:"default_profile"`
}

// Backend holds the ERP connection parameters.
type Backend struct {
	URL       string        `toml:"url"`
	Database  string        `toml:"database"`
	Login     string        `toml:"login"`
	UID       int64         `toml:"uid"`
	PartnerID int64         `toml:"partner_id"`
	APIKey    string        `toml:"-"`
	Timeout   time.Duration `toml:"timeout"`
}

// Stream configures the notification stream.
type Stream struct {
	Mode          string        `toml:"mode"` // "poll" or "websocket"
	PollInterval  time.Duration `toml:"poll_interval"`
	PageSize      int           `toml:"page_size"`
	ReconnectBase time.Duration `toml:"reconnect_base"`
	ReconnectMax  time.Duration `toml:"reconnect_max"`
}

// Sync configures the retry controller.
type Sync struct {
	DrainInterval time.Duration `toml:"drain_interval"`
	// MaxAttempts caps automatic requeues of failed messages on reconnect.
	MaxAttempts int `toml:"max_attempts"`
}

// Call configures call setup.
type Call struct {
	STUNURLs     []string      `toml:"stun_urls"`
	ReadyTimeout time.Duration `toml:"ready_timeout"`
}

// Log configures the daemon logger.
type Log struct {
	Level string `toml:"level"`
}

// Profile is the per-profile configuration.
type Profile struct {
	Backend Backend `toml:"backend"`
	Stream  Stream  `toml:"stream"`
	Sync    Sync    `toml:"sync"`
	Call    Call    `toml:"call"`
	Log     Log     `toml:"log"`
}

// Defaults returns a profile with every optional field populated.
func Defaults() Profile {
	return Profile{
		Backend: Backend{Timeout: 30 * time.Second},
		Stream: Stream{
			Mode:          "poll",
			PollInterval:  5 * time.Second,
			PageSize:      50,
			ReconnectBase: time.Second,
			ReconnectMax:  30 * time.Second,
		},
		Sync: Sync{DrainInterval: 15 * time.Second, MaxAttempts: 3},
		Call: Call{
			STUNURLs:     []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
			ReadyTimeout: 10 * time.Second,
		},
		Log: Log{Level: "info"},
	}
}

// LoadGlobal reads the global config. Returns an error if the file is missing.
func LoadGlobal(path string) (*Global, error) {
	var cfg Global
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveGlobal writes the global config, creating parent dirs as needed.
func SaveGlobal(path string, cfg *Global) error {
	return save(path, cfg)
}

// LoadProfile reads a profile config over Defaults. A missing TOML file is not
// an error. The API key is read from envPath (if present) and then the process
// environment, which wins.
func LoadProfile(path, envPath string) (*Profile, error) {
	cfg := Defaults()
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	if envPath != "" {
		env, err := godotenv.Read(envPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", envPath, err)
		}
		cfg.Backend.APIKey = env[APIKeyEnv]
	}
	if key := os.Getenv(APIKeyEnv); key != "" {
		cfg.Backend.APIKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveProfile writes a profile config. The API key is never persisted.
func SaveProfile(path string, cfg *Profile) error {
	return save(path, cfg)
}

// Validate reports configuration values that cannot work.
func (p *Profile) Validate() error {
	switch p.Stream.Mode {
	case "poll", "websocket":
	default:
		return fmt.Errorf("config: stream.mode must be poll or websocket, got %q", p.Stream.Mode)
	}
	if p.Stream.PollInterval <= 0 {
		return fmt.Errorf("config: stream.poll_interval must be positive")
	}
	if p.Stream.ReconnectBase <= 0 || p.Stream.ReconnectMax < p.Stream.ReconnectBase {
		return fmt.Errorf("config: stream.reconnect_base must be positive and <= reconnect_max")
	}
	if p.Sync.MaxAttempts < 1 {
		return fmt.Errorf("config: sync.max_attempts must be at least 1")
	}
	switch p.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log.level must be debug, info, warn or error, got %q", p.Log.Level)
	}
	return nil
}

func save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
