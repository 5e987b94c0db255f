package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	Aliases: []string{"q"},
	Short:   "Manage workouts waiting to be saved",
	Long: `Workouts whose save failed are kept on the device and retried on the next flush.

COMMANDS:

  list     Show queued workouts
  flush    Retry every queued workout now
  clear    Drop every queued workout without saving it`,
}

var queueListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "Show queued workouts",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLocal(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer l.Close()

		entries, err := l.queue.Entries(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to read queue: %w", err)
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
			return nil
		}

		faint := color.New(color.Faint)
		for _, e := range entries {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s %s %s\n",
				faint.Sprint(shortID(e.Activity.ID)),
				faint.Sprint(e.Activity.StartedAt.Local().Format("2006-01-02 15:04")),
				padRight(e.Activity.Type, 16),
				formatMinutes(e.Activity.DurationSeconds),
				faint.Sprintf("(%d attempts)", e.Attempts))
		}
		return nil
	},
}

var queueFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Retry every queued workout now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLocal(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer l.Close()

		report := l.queue.Flush(cmd.Context())
		switch {
		case report.Skipped:
			color.Yellow("⚠ Another flush is in progress")
		case report.Attempted == 0:
			fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
		case report.Failed == 0:
			color.Green("✓ Saved %d queued workouts", report.Persisted)
		default:
			color.Yellow("⚠ Saved %d of %d queued workouts, %d still queued",
				report.Persisted, report.Attempted, report.Failed)
		}
		return nil
	},
}

var queueClearForce bool

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued workout without saving it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !queueClearForce {
			return fmt.Errorf("refusing to drop queued workouts without --force")
		}
		l, err := openLocal(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer l.Close()

		if err := l.queue.ClearAll(cmd.Context()); err != nil {
			return err
		}
		color.Yellow("✗ Cleared offline queue")
		return nil
	},
}

func init() {
	queueClearCmd.Flags().BoolVar(&queueClearForce, "force", false, "confirm dropping queued workouts")
	queueCmd.AddCommand(queueListCmd, queueFlushCmd, queueClearCmd)
	rootCmd.AddCommand(queueCmd)
}
