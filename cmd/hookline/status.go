package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/avossen/hookline/internal/api"
	"github.com/avossen/hookline/internal/config"
	"github.com/avossen/hookline/internal/scheduler"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"
)

func newStatusCmd() *cobra.Command {
	var (
		configPath string
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue and analysis status",
		Long:  "Displays aggregate queue, job, and run counts plus any stuck entries. Use --watch for auto-refresh.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath, watch)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "hookline.yaml", "path to hookline config file")
	cmd.Flags().BoolVar(&watch, "watch", false, "auto-refresh every 5 seconds")
	return cmd
}

func runStatus(cmd *cobra.Command, configPath string, watch bool) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	// Screen-clearing refresh only makes sense on a terminal.
	if watch {
		if f, ok := out.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
			return fmt.Errorf("--watch requires a terminal")
		}
	}

	stuckAfter := config.Duration(cfg.Scheduler.StuckAfter, 0)

	for {
		if watch {
			// Clear screen.
			fmt.Fprint(out, "\033[2J\033[H")
		}

		if err := printStatus(out, gormDB, stuckAfter); err != nil {
			return err
		}

		if !watch {
			return nil
		}
		time.Sleep(5 * time.Second)
	}
}

func printStatus(out io.Writer, gormDB *gorm.DB, stuckAfter time.Duration) error {
	stats, err := api.GatherStats(gormDB, stuckAfter)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Hookline status as of %s\n", time.Now().Format("15:04:05"))

	fmt.Fprintf(out, "\nQueue: %s entries", formatCount(stats.Queue.Total))
	if stats.Queue.Stuck > 0 {
		fmt.Fprintf(out, " (%d stuck)", stats.Queue.Stuck)
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, status := range []string{"pending", "processing", "paused", "completed", "failed"} {
		if n, ok := stats.Queue.ByStatus[status]; ok {
			fmt.Fprintf(w, "  %s\t%s\n", status, formatCount(n))
		}
	}
	w.Flush()
	if len(stats.Queue.ByPriority) > 0 {
		fmt.Fprintf(out, "  waiting: %s high, %s low\n",
			formatCount(stats.Queue.ByPriority["high"]), formatCount(stats.Queue.ByPriority["low"]))
	}

	fmt.Fprintf(out, "\nAnalysis jobs: %s\n", formatCount(stats.Jobs.Total))
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, status := range []string{"pending", "processing", "paused", "completed", "failed"} {
		if n, ok := stats.Jobs.ByStatus[status]; ok {
			fmt.Fprintf(w, "  %s\t%s\n", status, formatCount(n))
		}
	}
	w.Flush()

	fmt.Fprintf(out, "\nRuns: %s total, %s completed, %s failed, %s transcripts\n",
		formatCount(stats.Runs.Total), formatCount(stats.Runs.Completed),
		formatCount(stats.Runs.Failed), formatCount(stats.Runs.TranscriptsFetched))

	if stats.Queue.Stuck > 0 {
		stuck, err := scheduler.SweepStuck(gormDB, stuckAfter)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "\nStuck entries:")
		for _, e := range stuck {
			age := "-"
			if e.LastAttemptAt != nil {
				age = formatAge(*e.LastAttemptAt)
			}
			fmt.Fprintf(out, "  %s (last attempt %s)\n", e.Username, age)
		}
	}
	return nil
}
