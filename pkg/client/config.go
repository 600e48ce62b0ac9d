package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the resolved client configuration. Nickname has no file
// default; it comes from the caller.
type Config struct {
	ServerAddr     string
	Nickname       string
	RequestTimeout time.Duration // deadline for unanswered chat requests
	DialTimeout    time.Duration
}

func (c *Config) applyDefaults() {
	if c.ServerAddr == "" {
		c.ServerAddr = "localhost:8888"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// TOMLConfig represents the structure of the client config file.
type TOMLConfig struct {
	Client ClientSection `toml:"client"`
}

type ClientSection struct {
	ServerAddr            string `toml:"server_addr"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
	DialTimeoutSeconds    int    `toml:"dial_timeout_seconds"`
}

// DefaultTOMLConfig returns the default client configuration file contents.
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Client: ClientSection{
			ServerAddr:            "localhost:8888",
			RequestTimeoutSeconds: 30,
			DialTimeoutSeconds:    5,
		},
	}
}

// LoadConfig loads the client config file, creating a default one if absent.
func LoadConfig(path string) (TOMLConfig, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteString("# PeerChat Client Configuration\n\n"); err != nil {
		return err
	}
	return toml.NewEncoder(f).Encode(config)
}

// ToConfig converts the file form to the resolved Config.
func (c *TOMLConfig) ToConfig() Config {
	cfg := Config{
		ServerAddr:     c.Client.ServerAddr,
		RequestTimeout: time.Duration(c.Client.RequestTimeoutSeconds) * time.Second,
		DialTimeout:    time.Duration(c.Client.DialTimeoutSeconds) * time.Second,
	}
	cfg.applyDefaults()
	return cfg
}
