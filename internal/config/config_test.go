package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/amisync/internal/filter"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
aws:
  region: eu-west-1
  profile: production
tags:
  image: "Snapshot=Daily"
  template: "Refresh=Yes"
  template_exclude: ["Frozen=True"]
  source_key: source-instance
update:
  description: "Rolled to newest AMI"
  dry_run: true
  set_default: true
  refresh_groups: true
log:
  level: debug
  format: console
otel:
  endpoint: "localhost:4317"
  insecure: true
  service_name: amisync-prod
  traces:
    enabled: true
    sample_rate: 0.5
  metrics:
    enabled: true
metrics:
  pushgateway: "http://pushgateway:9091"
  job: ami-refresh
history:
  path: /var/lib/amisync/history.db
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", cfg.AWS.Region)
	assert.Equal(t, "production", cfg.AWS.Profile)
	assert.Equal(t, "Snapshot=Daily", cfg.Tags.Image)
	assert.Equal(t, "Refresh=Yes", cfg.Tags.Template)
	assert.Equal(t, []string{"Frozen=True"}, cfg.Tags.TemplateExclude)
	assert.Equal(t, "source-instance", cfg.Tags.SourceKey)
	assert.Equal(t, "Rolled to newest AMI", cfg.Update.Description)
	assert.True(t, cfg.Update.DryRun)
	assert.True(t, cfg.Update.SetDefault)
	assert.True(t, cfg.Update.RefreshGroups)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "localhost:4317", cfg.OTEL.Endpoint)
	assert.True(t, cfg.OTEL.Insecure)
	assert.Equal(t, "amisync-prod", cfg.OTEL.ServiceName)
	assert.True(t, cfg.OTEL.Traces.Enabled)
	assert.Equal(t, 0.5, cfg.OTEL.Traces.SampleRate)
	assert.True(t, cfg.OTEL.Metrics.Enabled)
	assert.Equal(t, "http://pushgateway:9091", cfg.Metrics.Pushgateway)
	assert.Equal(t, "ami-refresh", cfg.Metrics.Job)
	assert.Equal(t, "/var/lib/amisync/history.db", cfg.History.Path)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeTempConfig(t, "aws:\n  region: us-east-1\n")
	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "AMI_DailyUpdate=True", cfg.Tags.Image)
	assert.Equal(t, "AMI_Template_Update=True", cfg.Tags.Template)
	assert.Equal(t, "instance-id", cfg.Tags.SourceKey)
	assert.Equal(t, "Updated with latest AMI", cfg.Update.Description)
	assert.False(t, cfg.Update.DryRun)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "amisync", cfg.OTEL.ServiceName)
	assert.Equal(t, 1.0, cfg.OTEL.Traces.SampleRate)
	assert.Equal(t, "amisync", cfg.Metrics.Job)
	assert.Empty(t, cfg.History.Path)
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "aws: [region\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_InvalidSelector(t *testing.T) {
	path := writeTempConfig(t, "tags:\n  template: no-separator\n")
	_, err := Load(path)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "tags.template")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AMISYNC_AWS_REGION", "ap-southeast-2")
	t.Setenv("AMISYNC_TAGS_TEMPLATE", "Team=Platform")
	t.Setenv("AMISYNC_TAGS_TEMPLATE_EXCLUDE", "Frozen=True, Legacy=Yes")
	t.Setenv("AMISYNC_UPDATE_DRY_RUN", "true")
	t.Setenv("AMISYNC_OTEL_TRACES_SAMPLE_RATE", "0.25")
	t.Setenv("AMISYNC_HISTORY_PATH", "/tmp/history.db")

	path := writeTempConfig(t, "aws:\n  region: us-east-1\n  profile: ops\n")
	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "ap-southeast-2", cfg.AWS.Region, "env wins over file")
	assert.Equal(t, "ops", cfg.AWS.Profile, "file value kept when env is unset")
	assert.Equal(t, "Team=Platform", cfg.Tags.Template)
	assert.Equal(t, []string{"Frozen=True", "Legacy=Yes"}, cfg.Tags.TemplateExclude)
	assert.True(t, cfg.Update.DryRun)
	assert.Equal(t, 0.25, cfg.OTEL.Traces.SampleRate)
	assert.Equal(t, "/tmp/history.db", cfg.History.Path)
}

func TestTagsConfig_Selectors(t *testing.T) {
	sels, err := Default().Tags.Selectors()

	require.NoError(t, err)
	assert.Equal(t, filter.Selector{Key: "AMI_DailyUpdate", Value: "True"}, sels.Image)
	assert.Equal(t, filter.Selector{Key: "AMI_Template_Update", Value: "True"}, sels.Template)
	assert.Empty(t, sels.TemplateExclude)
	assert.Equal(t, "instance-id", sels.SourceKey)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "bad exclude", mutate: func(c *Config) { c.Tags.TemplateExclude = []string{"oops"} }, wantErr: "tags.template_exclude"},
		{name: "blank source key", mutate: func(c *Config) { c.Tags.SourceKey = "  " }, wantErr: "source_key"},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log.format"},
		{name: "sample rate too high", mutate: func(c *Config) { c.OTEL.Traces.SampleRate = 1.5 }, wantErr: "sample_rate"},
		{name: "sample rate negative", mutate: func(c *Config) { c.OTEL.Traces.SampleRate = -0.1 }, wantErr: "sample_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(path, []byte(content), 0644)
	require.NoError(t, err)
	return path
}
