// Copyright (c) 2025, the zstok contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Host                  string `mapstructure:"host"`
	Port                  int    `mapstructure:"port"`
	BaseURL               string `mapstructure:"baseUrl"`
	SessionSecret         string `mapstructure:"sessionSecret"`
	TrialSalt             string `mapstructure:"trialSalt"`
	LogLevel              string `mapstructure:"logLevel"`
	LogPath               string `mapstructure:"logPath"`
	DataDir               string `mapstructure:"dataDir"`
	MetricsEnabled        bool   `mapstructure:"metricsEnabled"`
	DefaultExpiryDays     int    `mapstructure:"defaultExpiryDays"`
	DefaultMaxActivations int    `mapstructure:"defaultMaxActivations"`
}

type AppConfig struct {
	Config *Config
	viper  *viper.Viper
}

// New loads the configuration from configDir (a directory containing
// config.toml, or a direct path to a .toml file). A default config file with
// freshly generated secrets is written on first run.
func New(configDir string) (*AppConfig, error) {
	c := &AppConfig{
		viper:  viper.New(),
		Config: &Config{},
	}

	c.defaults()

	configPath, err := resolveConfigPath(configDir)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	c.viper.SetConfigFile(configPath)
	c.viper.SetEnvPrefix("KEYGATE_")
	c.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	c.viper.AutomaticEnv()

	if err := c.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if c.Config.DataDir == "" {
		c.Config.DataDir = filepath.Dir(configPath)
	}

	// The trial salt keys every stored trial fingerprint. Refusing to start
	// without one beats silently invalidating all trial history.
	if c.Config.TrialSalt == "" {
		return nil, fmt.Errorf("trialSalt is not set in %s", configPath)
	}

	c.watchConfig()

	return c, nil
}

func (c *AppConfig) defaults() {
	c.viper.SetDefault("host", "127.0.0.1")
	c.viper.SetDefault("port", 7410)
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("defaultExpiryDays", 365)
	c.viper.SetDefault("defaultMaxActivations", 1)
}

// watchConfig re-reads the config file on change so the log level can be
// adjusted without a restart. Secrets and listen addresses are only read at
// startup.
func (c *AppConfig) watchConfig() {
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Debug().Str("file", e.Name).Msg("Config file changed")

		var updated Config
		if err := c.viper.Unmarshal(&updated); err != nil {
			log.Error().Err(err).Msg("Failed to reload config")
			return
		}

		if updated.LogLevel != c.Config.LogLevel {
			c.Config.LogLevel = updated.LogLevel
			c.applyLogLevel()
			log.Info().Str("logLevel", c.Config.LogLevel).Msg("Log level updated")
		}
	})
	c.viper.WatchConfig()
}

// SetDataDir overrides the data directory (used by the --data-dir flag).
func (c *AppConfig) SetDataDir(dataDir string) {
	c.Config.DataDir = dataDir
}

func (c *AppConfig) GetDatabasePath() string {
	return filepath.Join(c.Config.DataDir, "keygate.db")
}

// GetKeysDir returns the directory holding the PEM-encoded signing keypair.
func (c *AppConfig) GetKeysDir() string {
	return filepath.Join(c.Config.DataDir, "keys")
}

// ApplyLogConfig configures the global zerolog logger from the config.
func (c *AppConfig) ApplyLogConfig() {
	if c.Config.LogPath != "" {
		f, err := os.OpenFile(c.Config.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Error().Err(err).Str("path", c.Config.LogPath).Msg("Failed to open log file, using stderr")
		} else {
			log.Logger = log.Output(f)
		}
	}
	c.applyLogLevel()
}

func (c *AppConfig) applyLogLevel() {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Config.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// GetDefaultConfigDir returns the OS-specific default config directory.
func GetDefaultConfigDir() string {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "keygate")
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "keygate")
}

func resolveConfigPath(configDir string) (string, error) {
	if configDir == "" {
		return filepath.Join(GetDefaultConfigDir(), "config.toml"), nil
	}
	if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
		return configDir, nil
	}
	if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
		return configDir, nil
	}
	return filepath.Join(configDir, "config.toml"), nil
}

// WriteDefaultConfig creates a config file with generated secrets at path.
func WriteDefaultConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	sessionSecret, err := generateSecret(32)
	if err != nil {
		return err
	}

	trialSalt, err := generateSecret(32)
	if err != nil {
		return err
	}

	content := fmt.Sprintf(`# keygate configuration

# Address and port the server listens on
host = "127.0.0.1"
port = 7410

# Optional base URL when served behind a reverse proxy
#baseUrl = "https://licenses.example.com"

# Secret used to sign admin session cookies
sessionSecret = "%s"

# Salt mixed into hardware fingerprints. Changing this invalidates every
# stored trial record, so treat it as permanent once clients exist.
trialSalt = "%s"

# Log level: TRACE, DEBUG, INFO, WARN, ERROR
logLevel = "INFO"

# Optional log file path (defaults to stderr)
#logPath = ""

# Directory for the database and signing keys (defaults to the config dir)
#dataDir = ""

# Expose Prometheus metrics at /metrics
metricsEnabled = false

# Defaults applied when issuing licenses without explicit values
defaultExpiryDays = 365
defaultMaxActivations = 1
`, sessionSecret, trialSalt)

	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func generateSecret(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
