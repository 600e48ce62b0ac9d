package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds the resolved server configuration.
type Config struct {
	TCPPort       int
	HTTPPort      int
	HistoryPath   string
	HistoryLimit  int
	MaxBodyLength int
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		TCPPort:       8888,
		HTTPPort:      8889,
		HistoryPath:   "~/.peerchat/history.db",
		HistoryLimit:  50,
		MaxBodyLength: 4096,
	}
}

// TOMLConfig represents the structure of the server config file.
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Limits  LimitsSection  `toml:"limits"`
	History HistorySection `toml:"history"`
}

type ServerSection struct {
	TCPPort  int `toml:"tcp_port"`
	HTTPPort int `toml:"http_port"`
}

type LimitsSection struct {
	MaxBodyLength int `toml:"max_body_length"`
}

type HistorySection struct {
	Path  string `toml:"path"`
	Limit int    `toml:"limit"`
}

// DefaultTOMLConfig returns the default TOML configuration.
func DefaultTOMLConfig() TOMLConfig {
	defaults := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:  defaults.TCPPort,
			HTTPPort: defaults.HTTPPort,
		},
		Limits: LimitsSection{
			MaxBodyLength: defaults.MaxBodyLength,
		},
		History: HistorySection{
			Path:  defaults.HistoryPath,
			Limit: defaults.HistoryLimit,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creating a default file
// if none exists yet.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// best effort: being unable to write the file is not fatal
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// writeDefaultConfig writes the default config to a file.
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# PeerChat Server Configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToConfig converts the file form to the resolved Config, filling gaps with
// defaults.
func (c *TOMLConfig) ToConfig() Config {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if c.Limits.MaxBodyLength != 0 {
		cfg.MaxBodyLength = c.Limits.MaxBodyLength
	}
	if strings.TrimSpace(c.History.Path) != "" {
		cfg.HistoryPath = c.History.Path
	}
	if c.History.Limit != 0 {
		cfg.HistoryLimit = c.History.Limit
	}

	return cfg
}

// ExpandPath expands a leading ~/ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
