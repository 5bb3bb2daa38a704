package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/amisync/internal/config"
	"github.com/yairfalse/amisync/internal/history"
	"github.com/yairfalse/amisync/internal/metrics"
	"github.com/yairfalse/amisync/internal/provider/aws"
	"github.com/yairfalse/amisync/internal/telemetry"
	"github.com/yairfalse/amisync/internal/updater"
)

var (
	runDryRun  bool
	runRegion  string
	runProfile string
	runOutput  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Update stale launch templates once",
	Long: `Run one update cycle against the EC2 API.

Every launch template carrying the template tag is checked. When its
$Latest version points at an AMI that has a newer sibling from the same
source instance, a new version is created with only the AMI replaced.

Interrupting with SIGINT or SIGTERM cancels in-flight API calls.
Templates already updated stay updated.`,
	Example: `  amisync run                          # Update using defaults and environment
  amisync run --dry-run                # Report what would change
  amisync run -c amisync.yaml -o json  # Config file, JSON result`,
	RunE: runUpdate,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Report changes without creating versions")
	runCmd.Flags().StringVar(&runRegion, "region", "", "AWS region (overrides config)")
	runCmd.Flags().StringVar(&runProfile, "profile", "", "AWS shared config profile (overrides config)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "table", "Output format: table, json")
}

func runUpdate(cmd *cobra.Command, _ []string) error {
	if runDryRun {
		cfg.Update.DryRun = true
	}
	if runRegion != "" {
		cfg.AWS.Region = runRegion
	}
	if runProfile != "" {
		cfg.AWS.Profile = runProfile
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var (
		g   run.Group
		res *updater.Result
	)
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	g.Add(func() error {
		var err error
		res, err = execute(ctx, cfg)
		return err
	}, func(error) {
		cancel()
	})

	err := g.Run()
	if res != nil {
		if perr := printResult(cmd.OutOrStdout(), runOutput, res); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

// execute wires telemetry, the AWS client and the ledger around one run.
func execute(ctx context.Context, cfg *config.Config) (*updater.Result, error) {
	provider, err := telemetry.NewProvider(ctx, cfg.OTEL, version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	runMetrics, err := metrics.New(provider.Meter())
	if err != nil {
		return nil, err
	}

	client, err := aws.New(ctx, aws.Config{
		Region:   cfg.AWS.Region,
		Profile:  cfg.AWS.Profile,
		Endpoint: cfg.AWS.Endpoint,
	})
	if err != nil {
		return nil, err
	}

	opts, err := updater.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	options := []updater.Option{
		updater.WithLogger(log.Logger),
		updater.WithTracer(provider.Tracer()),
		updater.WithMetrics(runMetrics),
	}
	if cfg.History.Path != "" {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			return nil, err
		}
		defer func() { _ = store.Close() }()
		options = append(options, updater.WithLedger(store))
	}

	log.Info().
		Str("region", client.Region()).
		Bool("dry_run", opts.DryRun).
		Str("image_selector", opts.Selectors.Image.String()).
		Str("template_selector", opts.Selectors.Template.String()).
		Msg("amisync starting")

	res, runErr := updater.New(client, opts, options...).Run(ctx)

	if cfg.Metrics.Pushgateway != "" {
		pushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := metrics.Push(pushCtx, cfg.Metrics.Pushgateway, cfg.Metrics.Job, provider.Registry()); err != nil {
			log.Warn().Err(err).Msg("metrics push failed")
		}
	}

	return res, runErr
}

// printResult writes the run outcome for a human or a pipeline.
func printResult(w io.Writer, format string, res *updater.Result) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case "table", "":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	if res.Body != "" {
		_, _ = fmt.Fprintln(w, res.Body)
	}
	if len(res.Outcomes) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TEMPLATE\tNAME\tACTION\tCURRENT\tLATEST\tVERSION\tDETAIL")
	_, _ = fmt.Fprintln(tw, "--------\t----\t------\t-------\t------\t-------\t------")

	var updated, skipped int
	for _, o := range res.Outcomes {
		ver := "-"
		if o.Version > 0 {
			ver = strconv.FormatInt(o.Version, 10)
		}
		detail := o.Reason
		if len(o.Refreshes) > 0 {
			groups := make([]string, 0, len(o.Refreshes))
			for _, r := range o.Refreshes {
				groups = append(groups, r.Group)
			}
			detail = "refreshed " + strings.Join(groups, ", ")
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			o.TemplateID, o.TemplateName, o.Action, dash(o.CurrentImage), dash(o.LatestImage), ver, dash(detail))

		switch {
		case o.Action.Skipped():
			skipped++
		case o.Action == updater.ActionUpdated || o.Action == updater.ActionWouldUpdate:
			updated++
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(w, "\n%d templates: %d changed, %d skipped\n", len(res.Outcomes), updated, skipped)
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
