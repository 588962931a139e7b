package config

import (
	"errors"
	"fmt"
	"time"

	pkgconfig "inviteflow/pkg/config"
)

type IngestionConfig struct {
	Interval        time.Duration `yaml:"interval"`
	BatchSize       int           `yaml:"batch_size"`
	Concurrency     int           `yaml:"concurrency"`
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
	LeaseTTL        time.Duration `yaml:"lease_ttl"`
}

type AutomationConfig struct {
	Interval              time.Duration `yaml:"interval"`
	Threshold             float64       `yaml:"threshold"`
	Timezone              string        `yaml:"timezone"`
	WorkStart             string        `yaml:"work_start"`
	WorkEnd               string        `yaml:"work_end"`
	MinDurationMinutes    int           `yaml:"min_duration_minutes"`
	MinutesSavedPerAction int           `yaml:"minutes_saved_per_action"`
	LeaseTTL              time.Duration `yaml:"lease_ttl"`
	DedupTTL              time.Duration `yaml:"dedup_ttl"`
}

// Location resolves Timezone, defaulting to UTC.
func (a AutomationConfig) Location() (*time.Location, error) {
	if a.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", a.Timezone, err)
	}
	return loc, nil
}

type AgentConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type CredentialsConfig struct {
	Backend  string `yaml:"backend"`
	FileDir  string `yaml:"file_dir"`
	Password string `yaml:"password"`
}

type Config struct {
	LogLevel    string                  `yaml:"log_level"`
	DB          pkgconfig.DBConfig      `yaml:"db"`
	MQ          pkgconfig.MQConfig      `yaml:"mq"`
	Redis       pkgconfig.RedisConfig   `yaml:"redis"`
	Server      pkgconfig.ServerConfig  `yaml:"server"`
	Storage     pkgconfig.StorageConfig `yaml:"storage"`
	Tracing     pkgconfig.TracingConfig `yaml:"tracing"`
	Ingestion   IngestionConfig         `yaml:"ingestion"`
	Automation  AutomationConfig        `yaml:"automation"`
	Agent       AgentConfig             `yaml:"agent"`
	Credentials CredentialsConfig       `yaml:"credentials"`
}

// Load reads CONFIG_ENV/CONFIG_DIR layered YAML, applies environment
// overrides and fills defaults.
func Load() (*Config, error) {
	env := pkgconfig.GetConfigEnv()
	configDir := pkgconfig.GetEnv("CONFIG_DIR", "config")
	return LoadFrom(env, configDir)
}

func LoadFrom(env, configDir string) (*Config, error) {
	var cfg Config
	if err := pkgconfig.Decode(env, configDir, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	pkgconfig.OverrideDBFromEnv(&cfg.DB)
	pkgconfig.OverrideMQFromEnv(&cfg.MQ)
	pkgconfig.OverrideRedisFromEnv(&cfg.Redis)
	pkgconfig.OverrideServerFromEnv(&cfg.Server)
	pkgconfig.OverrideStorageFromEnv(&cfg.Storage)
	pkgconfig.OverrideTracingFromEnv(&cfg.Tracing)
	if url := pkgconfig.GetEnv("AGENT_URL", ""); url != "" {
		cfg.Agent.URL = url
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}

	in := &c.Ingestion
	if in.Interval <= 0 {
		in.Interval = 2 * time.Minute
	}
	if in.BatchSize <= 0 {
		in.BatchSize = 100
	}
	if in.Concurrency <= 0 {
		in.Concurrency = 4
	}
	if in.ProviderTimeout <= 0 {
		in.ProviderTimeout = 30 * time.Second
	}
	if in.LeaseTTL <= 0 {
		in.LeaseTTL = 10 * time.Minute
	}

	au := &c.Automation
	if au.Interval <= 0 {
		au.Interval = 5 * time.Minute
	}
	if au.Threshold == 0 {
		au.Threshold = 0.8
	}
	if au.WorkStart == "" {
		au.WorkStart = "09:00"
	}
	if au.WorkEnd == "" {
		au.WorkEnd = "17:00"
	}
	if au.MinDurationMinutes <= 0 {
		au.MinDurationMinutes = 15
	}
	if au.LeaseTTL <= 0 {
		au.LeaseTTL = 5 * time.Minute
	}
	if au.DedupTTL <= 0 {
		au.DedupTTL = 10 * time.Minute
	}

	if c.Agent.Timeout <= 0 {
		c.Agent.Timeout = 5 * time.Second
	}
	if c.Credentials.Backend == "" {
		c.Credentials.Backend = "file"
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Automation.Threshold <= 0 || c.Automation.Threshold > 1 {
		errs = append(errs, fmt.Errorf("automation.threshold must be in (0,1], got %v", c.Automation.Threshold))
	}
	if c.Automation.WorkStart >= c.Automation.WorkEnd {
		errs = append(errs, fmt.Errorf("automation.work_start %q must be before work_end %q", c.Automation.WorkStart, c.Automation.WorkEnd))
	}
	if _, err := c.Automation.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
