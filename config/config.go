package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration. Durations are TOML strings parsed by
// time.ParseDuration ("90m", "24h").
type Config struct {
	DataDir       string `toml:"DataDir"`
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`

	CleanupInterval duration `toml:"CleanupInterval"`

	// DefaultBanDuration applies when a ban is requested without an explicit
	// duration.
	DefaultBanDuration duration `toml:"DefaultBanDuration"`

	// StatsRequestsPerMinute rate-limits the admin surface per client.
	StatsRequestsPerMinute float64 `toml:"StatsRequestsPerMinute"`
	StatsBurst             int     `toml:"StatsBurst"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Load reads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown keys: %v", path, undecoded)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		DataDir:                "./banwarden-data",
		ListenAddress:          "127.0.0.1:8647",
		CleanupInterval:        duration{time.Hour},
		DefaultBanDuration:     duration{24 * time.Hour},
		StatsRequestsPerMinute: 60,
		StatsBurst:             10,
	}
}

func (c *Config) applyDefaults() {
	def := defaultConfig()
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = def.DataDir
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = def.ListenAddress
	}
	if c.CleanupInterval.Duration <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.DefaultBanDuration.Duration <= 0 {
		c.DefaultBanDuration = def.DefaultBanDuration
	}
	if c.StatsRequestsPerMinute <= 0 {
		c.StatsRequestsPerMinute = def.StatsRequestsPerMinute
	}
	if c.StatsBurst <= 0 {
		c.StatsBurst = def.StatsBurst
	}
}

func (c *Config) validate() error {
	if c.CleanupInterval.Duration < time.Minute {
		return fmt.Errorf("CleanupInterval must be at least 1m, got %s", c.CleanupInterval)
	}
	if c.DefaultBanDuration.Duration < time.Minute {
		return fmt.Errorf("DefaultBanDuration must be at least 1m, got %s", c.DefaultBanDuration)
	}
	return nil
}

func createDefault(path string) (*Config, error) {
	cfg := defaultConfig()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create config directory: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create default config: %w", err)
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, fmt.Errorf("write default config: %w", err)
	}
	return cfg, nil
}
