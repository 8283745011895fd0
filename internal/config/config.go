package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type AppConfig struct {
	LogLevel string `mapstructure:"log_level"`
	DataRoot string `mapstructure:"data_root"`
}

type CacheConfig struct {
	Backend         string `mapstructure:"backend"` // table | sqlite
	MaxRows         int    `mapstructure:"max_rows"`
	BatchSize       int    `mapstructure:"batch_size"`
	LookbackBars    int    `mapstructure:"lookback_bars"`
	RateLimitPerMin int    `mapstructure:"rate_limit_per_min"`
	Settlement      string `mapstructure:"settlement"`
	DefaultTimestep string `mapstructure:"default_timestep"`
}

type SourceConfig struct {
	Kind     string `mapstructure:"kind"` // http | synthetic
	Name     string `mapstructure:"name"`
	BaseURL  string `mapstructure:"base_url"`
	Path     string `mapstructure:"path"`
	MaxBatch int    `mapstructure:"max_batch"`
}

type CalendarConfig struct {
	Name     string `mapstructure:"name"` // empty → always-open market
	OpenMin  int    `mapstructure:"open_min"`
	CloseMin int    `mapstructure:"close_min"`
}

type SessionConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Source   SourceConfig   `mapstructure:"source"`
	Calendar CalendarConfig `mapstructure:"calendar"`
	Session  SessionConfig  `mapstructure:"session"`
	Server   ServerConfig   `mapstructure:"server"`
}

// Load reads the YAML config at path, applies defaults and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.DataRoot == "" {
		c.App.DataRoot = "data"
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "table"
	}
	if c.Cache.MaxRows == 0 {
		c.Cache.MaxRows = 200000
	}
	if c.Cache.BatchSize <= 0 {
		c.Cache.BatchSize = 500
	}
	if c.Cache.LookbackBars <= 0 {
		c.Cache.LookbackBars = 30
	}
	if c.Cache.Settlement == "" {
		c.Cache.Settlement = "USDT"
	}
	if c.Cache.DefaultTimestep == "" {
		c.Cache.DefaultTimestep = "1m"
	}
	if c.Source.Kind == "" {
		c.Source.Kind = "synthetic"
	}
	if c.Source.Name == "" {
		c.Source.Name = c.Source.Kind
	}
	if c.Session.MaxConcurrent <= 0 {
		c.Session.MaxConcurrent = 2
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8087"
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Cache.Backend) {
	case "table", "sqlite":
	default:
		return fmt.Errorf("cache.backend must be table or sqlite, got %q", c.Cache.Backend)
	}
	switch strings.ToLower(c.Source.Kind) {
	case "synthetic":
	case "http":
		if c.Source.BaseURL == "" {
			return fmt.Errorf("source.base_url is required for http source")
		}
	default:
		return fmt.Errorf("source.kind must be http or synthetic, got %q", c.Source.Kind)
	}
	if c.Calendar.Name != "" {
		if c.Calendar.OpenMin < 0 || c.Calendar.CloseMin > 24*60 || c.Calendar.CloseMin <= c.Calendar.OpenMin {
			return fmt.Errorf("calendar session [%d,%d) is invalid", c.Calendar.OpenMin, c.Calendar.CloseMin)
		}
	}
	return nil
}
