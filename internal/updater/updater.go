// Package updater points tagged launch templates at the newest AMI
// snapshotted from the same source instance.
package updater

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/amisync/internal/config"
	"github.com/yairfalse/amisync/internal/filter"
	"github.com/yairfalse/amisync/internal/history"
	"github.com/yairfalse/amisync/internal/metrics"
	"github.com/yairfalse/amisync/internal/provider/aws"
	"github.com/yairfalse/amisync/pkg/image"
)

// Response bodies.
const (
	BodyNoImages = "No AMIs found."
	BodyUpdated  = "Launch templates updated successfully!"
)

// ssmAliasPrefix marks an image id EC2 resolves from a Parameter Store
// parameter at launch time.
const ssmAliasPrefix = "resolve:ssm:"

// Cloud is the EC2 and Auto Scaling surface a run needs. *aws.Client
// satisfies it.
type Cloud interface {
	Region() string
	ListInstances(ctx context.Context, sel filter.Selector) ([]image.Instance, error)
	ListImages(ctx context.Context, sel filter.Selector) ([]image.Image, error)
	DescribeImage(ctx context.Context, imageID string) (image.Image, error)
	ListTemplates(ctx context.Context) ([]image.Template, error)
	LatestVersion(ctx context.Context, templateID string) (image.TemplateVersion, error)
	CreateVersion(ctx context.Context, templateID string, sourceVersion int64, imageID, description string) (image.TemplateVersion, error)
	SetDefaultVersion(ctx context.Context, templateID string, version int64) error
	RefreshGroups(ctx context.Context, tmpl image.Template, versions ...string) ([]aws.Refresh, error)
}

// Ledger stores finished runs.
type Ledger interface {
	Append(rec history.Record) (uint64, error)
}

// Options control what a run selects and writes.
type Options struct {
	Selectors     config.Selectors
	Description   string
	DryRun        bool
	SetDefault    bool
	RefreshGroups bool
}

// OptionsFromConfig builds Options from loaded configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	sels, err := cfg.Tags.Selectors()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Selectors:     sels,
		Description:   cfg.Update.Description,
		DryRun:        cfg.Update.DryRun,
		SetDefault:    cfg.Update.SetDefault,
		RefreshGroups: cfg.Update.RefreshGroups,
	}, nil
}

// Result is what a run reports to its caller.
type Result struct {
	StatusCode int       `json:"statusCode"`
	Body       string    `json:"body"`
	Outcomes   []Outcome `json:"outcomes,omitempty"`
}

// Updater runs the update routine.
type Updater struct {
	cloud   Cloud
	opts    Options
	filter  *filter.Filter
	logger  zerolog.Logger
	tracer  trace.Tracer
	metrics *metrics.RunMetrics
	ledger  Ledger
	now     func() time.Time
}

// Option configures an Updater.
type Option func(*Updater)

// WithLogger sets the logger. Defaults to the global zerolog logger.
func WithLogger(l zerolog.Logger) Option {
	return func(u *Updater) { u.logger = l }
}

// WithTracer sets the tracer. Defaults to the global provider's.
func WithTracer(t trace.Tracer) Option {
	return func(u *Updater) { u.tracer = t }
}

// WithMetrics records run metrics.
func WithMetrics(m *metrics.RunMetrics) Option {
	return func(u *Updater) { u.metrics = m }
}

// WithLedger appends every finished run to l.
func WithLedger(l Ledger) Option {
	return func(u *Updater) { u.ledger = l }
}

// New creates an Updater.
func New(cloud Cloud, opts Options, options ...Option) *Updater {
	u := &Updater{
		cloud:  cloud,
		opts:   opts,
		filter: filter.New([]filter.Selector{opts.Selectors.Template}, opts.Selectors.TemplateExclude),
		logger: log.Logger,
		tracer: otel.Tracer("github.com/yairfalse/amisync/internal/updater"),
		now:    time.Now,
	}
	for _, o := range options {
		o(u)
	}
	return u
}

// Run performs one update cycle. Templates are processed one at a time in
// the order EC2 lists them. A skipped template is not an error. Any other
// API error stops the run; the returned Result still carries the outcomes
// recorded before the failure and earlier updates are left in place.
func (u *Updater) Run(ctx context.Context) (res *Result, err error) {
	started := u.now()
	ctx, span := u.tracer.Start(ctx, "amisync.run", trace.WithAttributes(
		attribute.String("cloud.region", u.cloud.Region()),
		attribute.Bool("dry_run", u.opts.DryRun),
	))
	defer span.End()

	res = &Result{}
	defer func() { u.finish(ctx, span, started, res, err) }()

	if err := u.discoverInstances(ctx); err != nil {
		return res, err
	}

	images, err := u.discoverImages(ctx)
	if err != nil {
		return res, err
	}
	if len(images) == 0 {
		u.logger.Info().Ctx(ctx).Msg("no AMIs found, exiting")
		res.StatusCode = 200
		res.Body = BodyNoImages
		return res, nil
	}

	templates, err := u.selectTemplates(ctx)
	if err != nil {
		return res, err
	}

	for _, tmpl := range templates {
		out, err := u.processTemplate(ctx, tmpl, images)
		if out.Action != "" {
			res.Outcomes = append(res.Outcomes, out)
		}
		if err != nil {
			return res, err
		}
	}

	res.StatusCode = 200
	res.Body = BodyUpdated
	return res, nil
}

// discoverInstances logs the instances marked for snapshots. Nothing
// downstream reads them.
func (u *Updater) discoverInstances(ctx context.Context) error {
	ctx, span := u.tracer.Start(ctx, "amisync.discover_instances")
	defer span.End()

	instances, err := u.cloud.ListInstances(ctx, u.opts.Selectors.Image)
	if err != nil {
		return u.apiError(ctx, "list_instances", err)
	}
	span.SetAttributes(attribute.Int("instances", len(instances)))

	for _, inst := range instances {
		if len(inst.Tags) == 0 {
			u.logger.Debug().Ctx(ctx).Str("instance_id", inst.ID).Msg("instance has no tags, ignoring")
			continue
		}
		u.logger.Info().Ctx(ctx).
			Str("instance_id", inst.ID).
			Str("state", inst.State).
			Interface("tags", inst.Tags).
			Msg("found instance")
	}
	return nil
}

func (u *Updater) discoverImages(ctx context.Context) ([]image.Image, error) {
	ctx, span := u.tracer.Start(ctx, "amisync.discover_images")
	defer span.End()

	sel := u.opts.Selectors.Image
	images, err := u.cloud.ListImages(ctx, sel)
	if err != nil {
		return nil, u.apiError(ctx, "list_images", err)
	}
	span.SetAttributes(attribute.Int("images", len(images)))
	if u.metrics != nil {
		u.metrics.RecordImagesDiscovered(ctx, len(images), u.cloud.Region())
	}

	u.logger.Info().Ctx(ctx).Int("count", len(images)).Str("selector", sel.String()).Msg("found AMIs")

	key := u.opts.Selectors.SourceKey
	for _, img := range images {
		event := u.logger.Info().Ctx(ctx).
			Str("image_id", img.ID).
			Str("name", img.Name).
			Str("state", img.State).
			Str("creation_date", img.CreationDate)
		if source, ok := img.SourceInstance(key); ok {
			event.Str("source_instance", source).Msg("AMI")
		} else {
			event.Str("missing_tag", key).Msg("AMI has no source instance tag")
		}
	}

	if latest, ok := image.Latest(images); ok {
		source, _ := latest.SourceInstance(key)
		u.logger.Info().Ctx(ctx).
			Str("image_id", latest.ID).
			Str("source_instance", source).
			Msg("latest AMI")
	}
	return images, nil
}

// selectTemplates lists every launch template once and keeps the tagged ones.
func (u *Updater) selectTemplates(ctx context.Context) ([]image.Template, error) {
	ctx, span := u.tracer.Start(ctx, "amisync.select_templates")
	defer span.End()

	all, err := u.cloud.ListTemplates(ctx)
	if err != nil {
		return nil, u.apiError(ctx, "list_templates", err)
	}

	for _, t := range all {
		u.logger.Debug().Ctx(ctx).
			Str("template_id", t.ID).
			Interface("tags", t.Tags).
			Msg("checking launch template")
	}

	selected := u.filter.Templates(all)
	ids := make([]string, 0, len(selected))
	for _, t := range selected {
		ids = append(ids, t.ID)
	}
	span.SetAttributes(
		attribute.Int("templates.total", len(all)),
		attribute.Int("templates.selected", len(selected)),
	)
	u.logger.Info().Ctx(ctx).
		Strs("template_ids", ids).
		Str("selector", u.opts.Selectors.Template.String()).
		Msg("found launch templates")

	return selected, nil
}

func (u *Updater) processTemplate(ctx context.Context, tmpl image.Template, images []image.Image) (Outcome, error) {
	ctx, span := u.tracer.Start(ctx, "amisync.template", trace.WithAttributes(
		attribute.String("template.id", tmpl.ID),
		attribute.String("template.name", tmpl.Name),
	))
	defer span.End()

	out := Outcome{TemplateID: tmpl.ID, TemplateName: tmpl.Name}
	logger := u.logger.With().Str("template_id", tmpl.ID).Logger()
	logger.Info().Ctx(ctx).Msg("processing launch template")

	version, err := u.cloud.LatestVersion(ctx, tmpl.ID)
	if errors.Is(err, aws.ErrNoVersion) {
		return u.skip(ctx, span, out, ActionNoVersion, "no versions found"), nil
	}
	if err != nil {
		return out, u.apiError(ctx, "latest_version", err)
	}

	out.CurrentImage = version.ImageID
	switch {
	case version.ImageID == "":
		return u.skip(ctx, span, out, ActionNoImage, "latest version has no AMI"), nil
	case strings.HasPrefix(version.ImageID, ssmAliasPrefix):
		return u.skip(ctx, span, out, ActionImageAlias, "latest version resolves its AMI from SSM"), nil
	}

	current, err := u.resolveImage(ctx, version.ImageID, images)
	if errors.Is(err, aws.ErrImageNotFound) {
		return u.skip(ctx, span, out, ActionImageNotFound, "current AMI not found"), nil
	}
	if err != nil {
		return out, u.apiError(ctx, "describe_image", err)
	}

	key := u.opts.Selectors.SourceKey
	source, ok := current.SourceInstance(key)
	if !ok {
		return u.skip(ctx, span, out, ActionNoSourceTag, fmt.Sprintf("no %q tag on AMI %s", key, current.ID)), nil
	}
	out.SourceInstance = source

	latest, ok := image.Latest(image.FromSource(images, key, source))
	if !ok {
		return u.skip(ctx, span, out, ActionNoCandidates, fmt.Sprintf("no AMIs found matching %s=%s", key, source)), nil
	}
	out.LatestImage = latest.ID
	logger.Info().Ctx(ctx).
		Str("source_instance", source).
		Str("image_id", latest.ID).
		Msg("latest AMI for source instance")

	if latest.ID == current.ID {
		out.Action = ActionUpToDate
		span.SetAttributes(attribute.String("action", string(out.Action)))
		logger.Info().Ctx(ctx).Str("image_id", latest.ID).Msg("launch template already up to date")
		return out, nil
	}

	if u.opts.DryRun {
		out.Action = ActionWouldUpdate
		span.SetAttributes(attribute.String("action", string(out.Action)))
		logger.Info().Ctx(ctx).
			Str("from", current.ID).
			Str("to", latest.ID).
			Msg("dry run: would create launch template version")
		return out, nil
	}

	created, err := u.cloud.CreateVersion(ctx, tmpl.ID, version.Number, latest.ID, u.opts.Description)
	if err != nil {
		return out, u.apiError(ctx, "create_version", err)
	}
	out.Action = ActionUpdated
	out.Version = created.Number
	span.SetAttributes(
		attribute.String("action", string(out.Action)),
		attribute.Int64("template.version", created.Number),
	)
	logger.Info().Ctx(ctx).
		Str("from", current.ID).
		Str("to", latest.ID).
		Int64("version", created.Number).
		Msg("updated launch template")

	refreshVersions := []string{"$Latest"}
	if u.opts.SetDefault {
		if err := u.cloud.SetDefaultVersion(ctx, tmpl.ID, created.Number); err != nil {
			return out, u.apiError(ctx, "set_default_version", err)
		}
		refreshVersions = append(refreshVersions, "$Default")
		logger.Info().Ctx(ctx).Int64("version", created.Number).Msg("set default version")
	}

	if u.opts.RefreshGroups {
		refreshes, err := u.cloud.RefreshGroups(ctx, tmpl, refreshVersions...)
		out.Refreshes = refreshes
		if err != nil {
			return out, u.apiError(ctx, "refresh_groups", err)
		}
		for _, r := range refreshes {
			logger.Info().Ctx(ctx).
				Str("group", r.Group).
				Str("refresh_id", r.RefreshID).
				Msg("started instance refresh")
		}
	}

	return out, nil
}

// resolveImage finds the template's current AMI, preferring the candidate
// set over an extra DescribeImages call.
func (u *Updater) resolveImage(ctx context.Context, imageID string, images []image.Image) (image.Image, error) {
	if img, ok := image.Find(images, imageID); ok {
		return img, nil
	}
	return u.cloud.DescribeImage(ctx, imageID)
}

func (u *Updater) skip(ctx context.Context, span trace.Span, out Outcome, action Action, reason string) Outcome {
	out.Action = action
	out.Reason = reason
	span.SetAttributes(attribute.String("action", string(action)))
	u.logger.Warn().Ctx(ctx).
		Str("template_id", out.TemplateID).
		Str("action", string(action)).
		Str("image_id", out.CurrentImage).
		Msg(reason)
	return out
}

// apiError counts err against operation and marks the active span failed.
func (u *Updater) apiError(ctx context.Context, operation string, err error) error {
	if u.metrics != nil {
		u.metrics.RecordAPIError(ctx, operation, aws.ErrorCode(err))
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, operation)
	return err
}

func (u *Updater) finish(ctx context.Context, span trace.Span, started time.Time, res *Result, err error) {
	elapsed := u.now().Sub(started)
	region := u.cloud.Region()

	status := "success"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		u.logger.Error().Ctx(ctx).Err(err).Int("outcomes", len(res.Outcomes)).Msg("run failed")
	} else {
		u.logger.Info().Ctx(ctx).
			Str("body", res.Body).
			Dur("duration", elapsed).
			Int("outcomes", len(res.Outcomes)).
			Msg("run complete")
	}

	if u.metrics != nil {
		u.metrics.RecordRun(ctx, status, region, u.opts.DryRun, elapsed)
		for _, o := range res.Outcomes {
			u.metrics.RecordOutcome(ctx, string(o.Action), region)
		}
	}

	if u.ledger == nil {
		return
	}
	rec := history.Record{
		StartedAt: started,
		Duration:  elapsed,
		Region:    region,
		DryRun:    u.opts.DryRun,
		Status:    res.StatusCode,
		Body:      res.Body,
		Outcomes:  toHistory(res.Outcomes),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if _, herr := u.ledger.Append(rec); herr != nil {
		u.logger.Warn().Ctx(ctx).Err(herr).Msg("record run history")
	}
}
