// amisync-lambda runs one update cycle per scheduled EventBridge event.
package main

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/amisync/internal/config"
	"github.com/yairfalse/amisync/internal/metrics"
	"github.com/yairfalse/amisync/internal/provider/aws"
	"github.com/yairfalse/amisync/internal/telemetry"
	"github.com/yairfalse/amisync/internal/updater"
)

var version = "0.1.0"

// configEnv names an optional YAML file bundled with the function.
const configEnv = "AMISYNC_CONFIG"

// Response is the invocation result.
type Response struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// handler holds what survives between warm invocations.
type handler struct {
	cfg       *config.Config
	opts      updater.Options
	provider  *telemetry.Provider
	metrics   *metrics.RunMetrics
	logger    zerolog.Logger
	newClient func(ctx context.Context, cfg config.AWSConfig) (updater.Cloud, error)
}

func newAWSClient(ctx context.Context, cfg config.AWSConfig) (updater.Cloud, error) {
	client, err := aws.New(ctx, aws.Config{Region: cfg.Region, Profile: cfg.Profile, Endpoint: cfg.Endpoint})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func newHandler(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*handler, error) {
	opts, err := updater.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	provider, err := telemetry.NewProvider(ctx, cfg.OTEL, version)
	if err != nil {
		return nil, err
	}

	runMetrics, err := metrics.New(provider.Meter())
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}

	return &handler{
		cfg:       cfg,
		opts:      opts,
		provider:  provider,
		metrics:   runMetrics,
		logger:    logger,
		newClient: newAWSClient,
	}, nil
}

// Handle runs the updater. The event carries nothing the run needs. API
// errors are returned so Lambda records the invocation as failed.
func (h *handler) Handle(ctx context.Context, _ events.CloudWatchEvent) (Response, error) {
	defer h.flush()

	client, err := h.newClient(ctx, h.cfg.AWS)
	if err != nil {
		return Response{}, err
	}

	u := updater.New(client, h.opts,
		updater.WithLogger(h.logger),
		updater.WithTracer(h.provider.Tracer()),
		updater.WithMetrics(h.metrics),
	)
	res, err := u.Run(ctx)
	if err != nil {
		return Response{}, err
	}
	return Response{StatusCode: res.StatusCode, Body: res.Body}, nil
}

// flush delivers telemetry before the execution environment is frozen.
func (h *handler) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if h.cfg.Metrics.Pushgateway != "" {
		if err := metrics.Push(ctx, h.cfg.Metrics.Pushgateway, h.cfg.Metrics.Job, h.provider.Registry()); err != nil {
			h.logger.Warn().Err(err).Msg("metrics push failed")
		}
	}
	if err := h.provider.ForceFlush(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("telemetry flush failed")
	}
}

func main() {
	cfg, err := config.Load(os.Getenv(configEnv))
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	logger, err := telemetry.NewLogger(cfg.Log, os.Stdout)
	if err != nil {
		log.Fatal().Err(err).Msg("init logger")
	}
	log.Logger = logger

	h, err := newHandler(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init handler")
	}

	lambda.Start(h.Handle)
}
