// Package metrics holds the OTEL instruments recorded by every run.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RunMetrics holds run metrics using OTEL semantic conventions.
type RunMetrics struct {
	runs             metric.Int64Counter
	runDuration      metric.Float64Histogram
	imagesDiscovered metric.Int64Gauge
	templateOutcomes metric.Int64Counter
	apiErrors        metric.Int64Counter
}

// New creates the run instruments on meter.
func New(meter metric.Meter) (*RunMetrics, error) {
	runs, err := meter.Int64Counter(
		"amisync.runs",
		metric.WithDescription("Number of update runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create runs counter: %w", err)
	}

	runDuration, err := meter.Float64Histogram(
		"amisync.run.duration",
		metric.WithDescription("Duration of update runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, fmt.Errorf("create run duration histogram: %w", err)
	}

	imagesDiscovered, err := meter.Int64Gauge(
		"amisync.images.discovered",
		metric.WithDescription("Number of candidate AMIs found by the last run"),
		metric.WithUnit("{image}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create images gauge: %w", err)
	}

	templateOutcomes, err := meter.Int64Counter(
		"amisync.templates.outcomes",
		metric.WithDescription("Number of launch templates processed, by action"),
		metric.WithUnit("{template}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create outcomes counter: %w", err)
	}

	apiErrors, err := meter.Int64Counter(
		"amisync.api.errors",
		metric.WithDescription("Number of AWS API calls that aborted a run"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create api errors counter: %w", err)
	}

	return &RunMetrics{
		runs:             runs,
		runDuration:      runDuration,
		imagesDiscovered: imagesDiscovered,
		templateOutcomes: templateOutcomes,
		apiErrors:        apiErrors,
	}, nil
}

// RecordRun records a finished run with its status and duration.
func (m *RunMetrics) RecordRun(ctx context.Context, status, region string, dryRun bool, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("cloud.region", region),
		attribute.Bool("dry_run", dryRun),
	)
	m.runs.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordImagesDiscovered records the size of the candidate AMI set.
func (m *RunMetrics) RecordImagesDiscovered(ctx context.Context, count int, region string) {
	m.imagesDiscovered.Record(ctx, int64(count),
		metric.WithAttributes(attribute.String("cloud.region", region)),
	)
}

// RecordOutcome records what happened to one template.
func (m *RunMetrics) RecordOutcome(ctx context.Context, action, region string) {
	m.templateOutcomes.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("action", action),
			attribute.String("cloud.region", region),
		),
	)
}

// RecordAPIError records an aborting API error. An empty errorType is
// reported as "unknown".
func (m *RunMetrics) RecordAPIError(ctx context.Context, operation, errorType string) {
	if errorType == "" {
		errorType = "unknown"
	}
	m.apiErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("error.type", errorType),
		),
	)
}

// Push delivers everything gathered by g to a Prometheus Pushgateway,
// replacing the previous push for job.
func Push(ctx context.Context, url, job string, g prometheus.Gatherer) error {
	if err := push.New(url, job).Gatherer(g).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
