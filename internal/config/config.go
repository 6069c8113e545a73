package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all bot configuration. It is loaded once at startup and
// treated as an immutable snapshot; nothing mutates it after Load returns.
type Config struct {
	Nick         string   `yaml:"nick"`
	SASLUser     string   `yaml:"sasl_user"`
	SASLPass     string   `yaml:"-"`
	Server       string   `yaml:"server"`
	Port         int      `yaml:"port"`
	UseTLS       bool     `yaml:"use_tls"`
	Channels     []string `yaml:"channels"`
	Admins       []string `yaml:"admins"`
	DataDir      string   `yaml:"data_dir"`
	DispatchAddr string   `yaml:"dispatch_addr"`

	// Features maps a channel to the command tokens enabled there.
	Features map[string][]string `yaml:"features"`
}

// Load reads and parses a YAML configuration file. The SASL password is
// taken from the NETTLE_SASL_PASSWORD environment variable (a .env file in
// the working directory is honored) so credentials stay out of the config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Missing .env is fine; the variable may come from the environment.
	_ = godotenv.Load()
	cfg.SASLPass = os.Getenv("NETTLE_SASL_PASSWORD")

	// Set defaults
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.Port == 0 {
		cfg.Port = 6697
	}
	if cfg.DispatchAddr == "" {
		cfg.DispatchAddr = "127.0.0.1:8888"
	}
	if cfg.SASLUser == "" {
		cfg.SASLUser = cfg.Nick
	}

	if cfg.Nick == "" {
		return nil, fmt.Errorf("config: nick is required")
	}
	if cfg.Server == "" {
		return nil, fmt.Errorf("config: server is required")
	}

	return &cfg, nil
}

// FeatureEnabled reports whether the command token is enabled for channel.
func (c *Config) FeatureEnabled(channel, command string) bool {
	for _, cmd := range c.Features[channel] {
		if cmd == command {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the full source identity is on the admin list.
func (c *Config) IsAdmin(hostmask string) bool {
	for _, admin := range c.Admins {
		if admin == hostmask {
			return true
		}
	}
	return false
}
