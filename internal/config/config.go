// Package config handles YAML and environment configuration for amisync.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/amisync/internal/filter"
)

// EnvPrefix prefixes every environment override, e.g. AMISYNC_AWS_REGION.
const EnvPrefix = "AMISYNC"

// Config is the root configuration structure.
type Config struct {
	AWS     AWSConfig     `yaml:"aws"`
	Tags    TagsConfig    `yaml:"tags"`
	Update  UpdateConfig  `yaml:"update"`
	Log     LogConfig     `yaml:"log"`
	OTEL    OTELConfig    `yaml:"otel"`
	Metrics MetricsConfig `yaml:"metrics"`
	History HistoryConfig `yaml:"history"`
}

// AWSConfig holds AWS client settings. Credentials always come from the
// ambient environment.
type AWSConfig struct {
	Region   string `yaml:"region"`
	Profile  string `yaml:"profile"`
	Endpoint string `yaml:"endpoint"`
}

// TagsConfig holds the tag conventions that tie instances, images and
// templates together. Selectors are written as key=value.
type TagsConfig struct {
	Image           string   `yaml:"image"`
	Template        string   `yaml:"template"`
	TemplateExclude []string `yaml:"template_exclude"`
	SourceKey       string   `yaml:"source_key"`
}

// Selectors is TagsConfig parsed.
type Selectors struct {
	Image           filter.Selector
	Template        filter.Selector
	TemplateExclude []filter.Selector
	SourceKey       string
}

// UpdateConfig controls what a run writes.
type UpdateConfig struct {
	Description   string `yaml:"description"`
	DryRun        bool   `yaml:"dry_run"`
	SetDefault    bool   `yaml:"set_default"`
	RefreshGroups bool   `yaml:"refresh_groups"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string       `yaml:"endpoint"`
	Insecure    bool         `yaml:"insecure"`
	ServiceName string       `yaml:"service_name"`
	Traces      TracesConfig `yaml:"traces"`
	Metrics     OTLPMetrics  `yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// OTLPMetrics toggles OTLP metric export.
type OTLPMetrics struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig holds Prometheus Pushgateway delivery settings.
type MetricsConfig struct {
	Pushgateway string `yaml:"pushgateway"`
	Job         string `yaml:"job"`
}

// HistoryConfig points at the run ledger. Empty disables it.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg := &Config{OTEL: OTELConfig{Traces: TracesConfig{SampleRate: 1.0}}}
	applyDefaults(cfg)
	return cfg
}

// Load reads a YAML config file, applies environment overrides and
// defaults, and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := &Config{OTEL: OTELConfig{Traces: TracesConfig{SampleRate: 1.0}}}

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Tags.Image == "" {
		cfg.Tags.Image = "AMI_DailyUpdate=True"
	}
	if cfg.Tags.Template == "" {
		cfg.Tags.Template = "AMI_Template_Update=True"
	}
	if cfg.Tags.SourceKey == "" {
		cfg.Tags.SourceKey = "instance-id"
	}
	if cfg.Update.Description == "" {
		cfg.Update.Description = "Updated with latest AMI"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "amisync"
	}
	if cfg.Metrics.Job == "" {
		cfg.Metrics.Job = "amisync"
	}
}

// envBinding maps a dotted key (AMISYNC_ + upper snake case in the
// environment) onto a config field.
type envBinding struct {
	key string
	set func(v *viper.Viper, cfg *Config, key string)
}

func str(field func(*Config) *string) func(*viper.Viper, *Config, string) {
	return func(v *viper.Viper, cfg *Config, key string) { *field(cfg) = v.GetString(key) }
}

func boolean(field func(*Config) *bool) func(*viper.Viper, *Config, string) {
	return func(v *viper.Viper, cfg *Config, key string) { *field(cfg) = v.GetBool(key) }
}

var envBindings = []envBinding{
	{"aws.region", str(func(c *Config) *string { return &c.AWS.Region })},
	{"aws.profile", str(func(c *Config) *string { return &c.AWS.Profile })},
	{"aws.endpoint", str(func(c *Config) *string { return &c.AWS.Endpoint })},
	{"tags.image", str(func(c *Config) *string { return &c.Tags.Image })},
	{"tags.template", str(func(c *Config) *string { return &c.Tags.Template })},
	{"tags.template_exclude", func(v *viper.Viper, c *Config, key string) {
		c.Tags.TemplateExclude = splitList(v.GetString(key))
	}},
	{"tags.source_key", str(func(c *Config) *string { return &c.Tags.SourceKey })},
	{"update.description", str(func(c *Config) *string { return &c.Update.Description })},
	{"update.dry_run", boolean(func(c *Config) *bool { return &c.Update.DryRun })},
	{"update.set_default", boolean(func(c *Config) *bool { return &c.Update.SetDefault })},
	{"update.refresh_groups", boolean(func(c *Config) *bool { return &c.Update.RefreshGroups })},
	{"log.level", str(func(c *Config) *string { return &c.Log.Level })},
	{"log.format", str(func(c *Config) *string { return &c.Log.Format })},
	{"otel.endpoint", str(func(c *Config) *string { return &c.OTEL.Endpoint })},
	{"otel.insecure", boolean(func(c *Config) *bool { return &c.OTEL.Insecure })},
	{"otel.service_name", str(func(c *Config) *string { return &c.OTEL.ServiceName })},
	{"otel.traces.enabled", boolean(func(c *Config) *bool { return &c.OTEL.Traces.Enabled })},
	{"otel.traces.sample_rate", func(v *viper.Viper, c *Config, key string) {
		c.OTEL.Traces.SampleRate = v.GetFloat64(key)
	}},
	{"otel.metrics.enabled", boolean(func(c *Config) *bool { return &c.OTEL.Metrics.Enabled })},
	{"metrics.pushgateway", str(func(c *Config) *string { return &c.Metrics.Pushgateway })},
	{"metrics.job", str(func(c *Config) *string { return &c.Metrics.Job })},
	{"history.path", str(func(c *Config) *string { return &c.History.Path })},
}

// ApplyEnv overrides cfg with any AMISYNC_* environment variables that are set.
func ApplyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for _, b := range envBindings {
		_ = v.BindEnv(b.key)
		if v.IsSet(b.key) {
			b.set(v, cfg, b.key)
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Selectors parses the tag conventions.
func (t TagsConfig) Selectors() (Selectors, error) {
	img, err := filter.Parse(t.Image)
	if err != nil {
		return Selectors{}, fmt.Errorf("tags.image: %w", err)
	}
	tmpl, err := filter.Parse(t.Template)
	if err != nil {
		return Selectors{}, fmt.Errorf("tags.template: %w", err)
	}

	sels := Selectors{Image: img, Template: tmpl, SourceKey: t.SourceKey}
	for _, s := range t.TemplateExclude {
		sel, err := filter.Parse(s)
		if err != nil {
			return Selectors{}, fmt.Errorf("tags.template_exclude: %w", err)
		}
		sels.TemplateExclude = append(sels.TemplateExclude, sel)
	}
	return sels, nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if _, err := c.Tags.Selectors(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Tags.SourceKey) == "" {
		return fmt.Errorf("tags.source_key is required")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console (got %q)", c.Log.Format)
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	return nil
}
