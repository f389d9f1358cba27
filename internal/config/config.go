// Package config loads factflow configuration from a TOML file, environment
// variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	// DefaultFile is the config file looked up in the working directory.
	DefaultFile = "factflow.toml"
	// EnvPrefix prefixes every environment override, e.g. FACTFLOW_DATABASE_DSN.
	EnvPrefix = "FACTFLOW"
)

// Config is the complete factflow configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Jobs         JobsConfig         `mapstructure:"jobs"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Checkpoint   CheckpointConfig   `mapstructure:"checkpoint"`
	Retention    RetentionConfig    `mapstructure:"retention"`
	Log          LogConfig          `mapstructure:"log"`

	path string
}

type ServerConfig struct {
	Listen            string   `mapstructure:"listen"`
	AdminToken        string   `mapstructure:"admin_token"`
	JWTSecret         string   `mapstructure:"jwt_secret"`
	RequestsPerMinute int      `mapstructure:"requests_per_minute"`
	WebhookURLs       []string `mapstructure:"webhook_urls"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite" or "postgres"
	DSN    string `mapstructure:"dsn"`
}

type JobsConfig struct {
	Backend           string  `mapstructure:"backend"` // "http" or "llm"
	APIURL            string  `mapstructure:"api_url"`
	APIToken          string  `mapstructure:"api_token"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

type LLMConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

type OrchestratorConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxPollAttempts int           `mapstructure:"max_poll_attempts"`
	SubmitTimeout   time.Duration `mapstructure:"submit_timeout"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type CheckpointConfig struct {
	Path string `mapstructure:"path"`
}

type RetentionConfig struct {
	Horizon  time.Duration `mapstructure:"horizon"`
	Interval time.Duration `mapstructure:"interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:            "0.0.0.0:8730",
			RequestsPerMinute: 300,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "factflow.db",
		},
		Jobs: JobsConfig{
			Backend:           "http",
			APIURL:            "http://localhost:8740",
			RequestsPerSecond: 5,
		},
		LLM: LLMConfig{
			Model: "gpt-4o-mini",
		},
		Orchestrator: OrchestratorConfig{
			MaxRetries:      3,
			RetryDelay:      time.Second,
			PollInterval:    4 * time.Second,
			MaxPollAttempts: 50,
			SubmitTimeout:   60 * time.Second,
		},
		Worker:     WorkerConfig{Concurrency: 4},
		Checkpoint: CheckpointConfig{Path: "factflow-checkpoints.db"},
		Retention: RetentionConfig{
			Horizon:  30 * 24 * time.Hour,
			Interval: 24 * time.Hour,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads configuration from path with FACTFLOW_* environment overrides.
// An empty path uses DefaultFile if it exists, and defaults otherwise.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		path = ""
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.path = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the config was loaded from, or "" for defaults.
func (c *Config) Path() string {
	return c.path
}

// Validate checks the settings the core depends on.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}

	switch c.Jobs.Backend {
	case "http":
		if c.Jobs.APIURL == "" {
			errs = append(errs, errors.New("jobs.api_url is required for the http backend"))
		}
	case "llm":
		if c.LLM.Model == "" {
			errs = append(errs, errors.New("llm.model is required for the llm backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("jobs.backend must be http or llm, got %q", c.Jobs.Backend))
	}

	o := c.Orchestrator
	if o.MaxRetries < 1 {
		errs = append(errs, errors.New("orchestrator.max_retries must be at least 1"))
	}
	if o.RetryDelay < 0 || o.PollInterval <= 0 || o.SubmitTimeout <= 0 {
		errs = append(errs, errors.New("orchestrator durations must be positive"))
	}
	if o.MaxPollAttempts < 1 {
		errs = append(errs, errors.New("orchestrator.max_poll_attempts must be at least 1"))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("worker.concurrency must be at least 1"))
	}
	if c.Retention.Horizon <= 0 {
		errs = append(errs, errors.New("retention.horizon must be positive"))
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// Save writes the configuration to path as TOML.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c.tree())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	c.path = path
	return nil
}

// Redacted returns the config as TOML-ready tables with secrets masked.
func (c *Config) Redacted() map[string]any {
	t := c.tree()
	mask := func(section, key string) {
		m := t[section].(map[string]any)
		if v, _ := m[key].(string); v != "" {
			m[key] = "********"
		}
	}
	mask("server", "admin_token")
	mask("server", "jwt_secret")
	mask("jobs", "api_token")
	mask("llm", "api_key")
	return t
}

// tree renders the config as nested tables with durations as strings.
func (c *Config) tree() map[string]any {
	webhooks := c.Server.WebhookURLs
	if webhooks == nil {
		webhooks = []string{}
	}
	return map[string]any{
		"server": map[string]any{
			"listen":              c.Server.Listen,
			"admin_token":         c.Server.AdminToken,
			"jwt_secret":          c.Server.JWTSecret,
			"requests_per_minute": c.Server.RequestsPerMinute,
			"webhook_urls":        webhooks,
		},
		"database": map[string]any{
			"driver": c.Database.Driver,
			"dsn":    c.Database.DSN,
		},
		"jobs": map[string]any{
			"backend":             c.Jobs.Backend,
			"api_url":             c.Jobs.APIURL,
			"api_token":           c.Jobs.APIToken,
			"requests_per_second": c.Jobs.RequestsPerSecond,
		},
		"llm": map[string]any{
			"api_key":  c.LLM.APIKey,
			"base_url": c.LLM.BaseURL,
			"model":    c.LLM.Model,
		},
		"orchestrator": map[string]any{
			"max_retries":       c.Orchestrator.MaxRetries,
			"retry_delay":       c.Orchestrator.RetryDelay.String(),
			"poll_interval":     c.Orchestrator.PollInterval.String(),
			"max_poll_attempts": c.Orchestrator.MaxPollAttempts,
			"submit_timeout":    c.Orchestrator.SubmitTimeout.String(),
		},
		"worker": map[string]any{
			"concurrency": c.Worker.Concurrency,
		},
		"checkpoint": map[string]any{
			"path": c.Checkpoint.Path,
		},
		"retention": map[string]any{
			"horizon":  c.Retention.Horizon.String(),
			"interval": c.Retention.Interval.String(),
		},
		"log": map[string]any{
			"level":  c.Log.Level,
			"format": c.Log.Format,
		},
	}
}

// setDefaults registers every key so environment overrides apply on Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	for section, values := range d.tree() {
		for key, val := range values.(map[string]any) {
			v.SetDefault(section+"."+key, val)
		}
	}
}
