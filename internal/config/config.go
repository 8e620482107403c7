package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.parley/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
}

// Profile represents a per-session profile.toml: where the remote lives and
// who the local user is. The reconciliation engine needs UserID to recognize
// push events for its own in-flight sends.
type Profile struct {
	ServerURL string `toml:"server_url"`
	PushURL   string `toml:"push_url"`
	UserID    string `toml:"user_id"`
	AuthToken string `toml:"auth_token"`
}

// Validate checks that the profile carries the fields the daemon cannot run
// without.
func (p *Profile) Validate() error {
	if p.ServerURL == "" {
		return fmt.Errorf("profile: server_url is required")
	}
	if p.PushURL == "" {
		return fmt.Errorf("profile: push_url is required")
	}
	if p.UserID == "" {
		return fmt.Errorf("profile: user_id is required")
	}
	return nil
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	return writeTOML(path, cfg)
}

// LoadProfile reads a session profile from the given path.
func LoadProfile(path string) (*Profile, error) {
	var p Profile
	_, err := toml.DecodeFile(path, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveProfile writes a session profile to the given path.
func SaveProfile(path string, p *Profile) error {
	return writeTOML(path, p)
}

func writeTOML(path string, v any) error {
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
