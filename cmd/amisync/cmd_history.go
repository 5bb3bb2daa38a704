package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/amisync/internal/history"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent runs and the last update per template",
	Long: `Show the local run ledger.

Requires history.path (or AMISYNC_HISTORY_PATH) to point at the ledger
written by previous runs.`,
	Example: `  amisync history              # Last 10 runs
  amisync history --limit 50   # Last 50 runs`,
	RunE: showHistory,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	// No config needed.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, _ []string) {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "amisync %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "Number of runs to show (0 for all)")
}

func showHistory(cmd *cobra.Command, _ []string) error {
	if cfg.History.Path == "" {
		return errors.New("history.path is not configured")
	}

	store, err := history.Open(cfg.History.Path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	runs, err := store.Recent(historyLimit)
	if err != nil {
		return err
	}
	return printHistory(cmd.OutOrStdout(), runs, store.LastUpdates())
}

func printHistory(w io.Writer, runs []history.Record, updates []history.Update) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(tw, "RUN\tSTARTED\tDURATION\tREGION\tDRY RUN\tTEMPLATES\tRESULT")
	_, _ = fmt.Fprintln(tw, "---\t-------\t--------\t------\t-------\t---------\t------")
	for _, r := range runs {
		result := r.Body
		if r.Error != "" {
			result = "error: " + r.Error
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\t%d\t%s\n",
			r.Seq,
			r.StartedAt.UTC().Format(time.RFC3339),
			r.Duration.Round(time.Millisecond),
			dash(r.Region),
			r.DryRun,
			len(r.Outcomes),
			dash(result),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(updates) == 0 {
		return nil
	}

	_, _ = fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TEMPLATE\tNAME\tIMAGE\tVERSION\tUPDATED")
	_, _ = fmt.Fprintln(tw, "--------\t----\t-----\t-------\t-------")
	for _, u := range updates {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			u.TemplateID,
			dash(u.TemplateName),
			u.ImageID,
			u.Version,
			u.At.UTC().Format(time.RFC3339),
		)
	}
	return tw.Flush()
}
