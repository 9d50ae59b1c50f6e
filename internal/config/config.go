// Package config loads loresync settings from a YAML file and the
// environment.
//
// Lookup order: explicit path, then ./loresync.yaml, then
// ~/.config/loresync/loresync.yaml. Environment variables prefixed
// LORESYNC_ override file values (LORESYNC_API_BASE, LORESYNC_TOKEN, ...).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the resolved process configuration.
type Config struct {
	// APIBase is the HTTP base URL of the sync server. Empty means
	// offline-only operation.
	APIBase string `mapstructure:"api_base" yaml:"api_base"`

	// WSBase is the WebSocket base URL. Empty means offline-only.
	WSBase string `mapstructure:"ws_base" yaml:"ws_base"`

	// Token is the bearer token for the sync server.
	Token string `mapstructure:"token" yaml:"token"`

	// DataDir holds the local database. Defaults to
	// ~/.local/share/loresync.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// SyncTimeout bounds headless sync waits.
	SyncTimeout time.Duration `mapstructure:"sync_timeout" yaml:"sync_timeout"`

	Daemon DaemonConfig `mapstructure:"daemon" yaml:"daemon"`
}

// DaemonConfig tunes the background sync daemon.
type DaemonConfig struct {
	// LogFile is where the daemon writes its rotating log. Empty means
	// stderr.
	LogFile string `mapstructure:"log_file" yaml:"log_file"`

	// MediaDropDir, when set, is watched for new files to import as
	// project media. Files must be named {owner}__{project}__{name.ext}.
	MediaDropDir string `mapstructure:"media_drop_dir" yaml:"media_drop_dir"`

	// ResumeInterval is how often pending uploads are retried.
	ResumeInterval time.Duration `mapstructure:"resume_interval" yaml:"resume_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:     defaultDataDir(),
		SyncTimeout: 30 * time.Second,
		Daemon: DaemonConfig{
			ResumeInterval: 5 * time.Minute,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loresync"
	}
	return filepath.Join(home, ".local", "share", "loresync")
}

// Load reads configuration from path, or from the standard locations when
// path is empty. A missing file is not an error; defaults and environment
// variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LORESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default so environment overrides reach Unmarshal.
	defaults := Default()
	v.SetDefault("api_base", "")
	v.SetDefault("ws_base", "")
	v.SetDefault("token", "")
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("sync_timeout", defaults.SyncTimeout)
	v.SetDefault("daemon.log_file", "")
	v.SetDefault("daemon.media_drop_dir", "")
	v.SetDefault("daemon.resume_interval", defaults.Daemon.ResumeInterval)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("loresync")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "loresync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// DatabasePath is the location of the local sync database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "loresync.db")
}

// Write saves the configuration as YAML at path, creating parent
// directories. Used by the login flow.
func (c *Config) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	// Token lives in here.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// DefaultPath is where Write saves configuration when the user does not
// choose a location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "loresync.yaml"
	}
	return filepath.Join(home, ".config", "loresync", "loresync.yaml")
}
