package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/avossen/hookline/internal/analysis"
	"github.com/avossen/hookline/internal/config"
	"github.com/avossen/hookline/internal/models"
	"github.com/avossen/hookline/internal/scraper"
	"github.com/avossen/hookline/pkg/logger"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func newAnalysisCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analysis",
		Short: "Competitor analysis commands",
	}

	cmd.AddCommand(newAnalysisCreateCmd())
	cmd.AddCommand(newAnalysisListCmd())
	cmd.AddCommand(newAnalysisShowCmd())
	cmd.AddCommand(newAnalysisStartCmd())
	cmd.AddCommand(newAnalysisResultsCmd())
	cmd.AddCommand(newAnalysisPauseCmd())
	cmd.AddCommand(newAnalysisResumeCmd())
	cmd.AddCommand(newAnalysisCompetitorCmd())
	return cmd
}

func newAnalysisCreateCmd() *cobra.Command {
	var (
		configPath  string
		primary     string
		competitors []string
		priority    int
		strategy    string
		method      string
		autoRerun   bool
		rerunHours  int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an analysis job",
		Long:  "Creates a competitor analysis job for a primary username with an auto-generated session ID.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalysisCreate(cmd, configPath, analysis.CreateJobOpts{
				PrimaryUsername:     primary,
				Competitors:         competitors,
				Priority:            priority,
				ContentStrategy:     strategy,
				SelectionMethod:     method,
				AutoRerun:           autoRerun,
				RerunFrequencyHours: rerunHours,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "hookline.yaml", "path to hookline config file")
	cmd.Flags().StringVar(&primary, "primary", "", "primary username (required)")
	cmd.Flags().StringSliceVar(&competitors, "competitors", nil, "competitor usernames (comma-separated)")
	cmd.Flags().IntVar(&priority, "priority", 5, "priority (1=highest, 10=lowest)")
	cmd.Flags().StringVar(&strategy, "strategy", "", "content strategy JSON")
	cmd.Flags().StringVar(&method, "method", "manual", "selection method (manual, suggested, api)")
	cmd.Flags().BoolVar(&autoRerun, "auto-rerun", false, "re-run on a schedule")
	cmd.Flags().IntVar(&rerunHours, "rerun-hours", 24, "hours between scheduled re-runs")
	cmd.MarkFlagRequired("primary")
	return cmd
}

func runAnalysisCreate(cmd *cobra.Command, configPath string, opts analysis.CreateJobOpts) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	job, err := analysis.CreateJob(gormDB, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created analysis job %s\n", job.SessionID)
	fmt.Fprintf(out, "Primary:     %s\n", job.PrimaryUsername)
	if len(job.Competitors) > 0 {
		fmt.Fprintf(out, "Competitors:")
		for _, c := range job.Competitors {
			fmt.Fprintf(out, " %s", c.Username)
		}
		fmt.Fprintln(out)
	}
	if job.AutoRerunEnabled {
		fmt.Fprintf(out, "Re-runs:     every %dh\n", job.RerunFrequencyHours)
	}
	return nil
}

func newAnalysisListCmd() *cobra.Command {
	var (
		configPath string
		status     string
		username   string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List analysis jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalysisList(cmd, configPath, analysis.JobFilters{
				Status:          status,
				PrimaryUsername: username,
				Limit:           limit,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "hookline.yaml", "path to hookline config file")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&username, "username", "", "filter by primary username")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap the number of jobs")
	return cmd
}

func runAnalysisList(cmd *cobra.Command, configPath string, filters analysis.JobFilters) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	jobs, err := analysis.ListJobs(gormDB, filters)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No analysis jobs found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tPRIMARY\tSTATUS\tPRI\tPROGRESS\tRUNS\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d%%\t%d\t%s\n",
			truncate(j.SessionID, 12), j.PrimaryUsername, j.Status,
			j.Priority, j.ProgressPct, j.TotalRuns, formatAge(j.CreatedAt))
	}
	w.Flush()
	return nil
}

func newAnalysisShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <session>",
		Short: "Show analysis job status",
		Long:  "Displays the job's current state, competitors, and the latest run if one exists.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalysisShow(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "hookline.yaml", "path to hookline config file")
	return cmd
}

func runAnalysisShow(cmd *cobra.Command, configPath, sessionID string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	summary, err := analysis.JobStatus(gormDB, sessionID)
	if err != nil {
		return err
	}
	job := summary.Job

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session:     %s\n", job.SessionID)
	fmt.Fprintf(out, "Primary:     %s\n", job.PrimaryUsername)
	fmt.Fprintf(out, "Status:      %s\n", job.Status)
	fmt.Fprintf(out, "Priority:    %d\n", job.Priority)
	fmt.Fprintf(out, "Progress:    %d%%\n", job.ProgressPct)
	if job.CurrentStep != "" {
		fmt.Fprintf(out, "Step:        %s\n", job.CurrentStep)
	}
	fmt.Fprintf(out, "Runs:        %d\n", job.TotalRuns)
	if job.AutoRerunEnabled {
		fmt.Fprintf(out, "Re-runs:     every %dh\n", job.RerunFrequencyHours)
		if job.NextScheduledRun != nil {
			fmt.Fprintf(out, "Next run:    %s\n", job.NextScheduledRun.Format("2006-01-02 15:04:05"))
		}
	}
	fmt.Fprintf(out, "Created:     %s\n", job.CreatedAt.Format("2006-01-02 15:04:05"))
	if job.ErrorMessage != "" {
		fmt.Fprintf(out, "\nError:\n%s\n", job.ErrorMessage)
	}

	if len(job.Competitors) > 0 {
		fmt.Fprintln(out, "\nCompetitors:")
		for _, c := range job.Competitors {
			state := "active"
			if !c.IsActive {
				state = "inactive"
			}
			fmt.Fprintf(out, "  %s (%s, %s)\n", c.Username, state, c.ProcessingStatus)
		}
	}

	if run := summary.LatestRun; run != nil {
		fmt.Fprintf(out, "\nLatest run #%d: %s\n", run.RunNumber, run.Status)
		fmt.Fprintf(out, "  Reels:       %d (%d primary, %d competitor)\n",
			run.TotalReelsAnalyzed, run.PrimaryReelsCount, run.CompetitorReelsCount)
		fmt.Fprintf(out, "  Transcripts: %d\n", run.TranscriptsFetched)
		if run.ErrorMessage != "" {
			fmt.Fprintf(out, "  Error:       %s\n", truncate(run.ErrorMessage, 80))
		}
	}
	return nil
}

func newAnalysisStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start <session>",
		Short: "Run an analysis job now",
		Long:  "Executes one analysis run in the foreground: scrapes the primary and active competitors, selects top reels, fetches transcripts, and stores the run.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalysisStart(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "hookline.yaml", "path to hookline config file")
	return cmd
}

func runAnalysisStart(cmd *cobra.Command, configPath, sessionID string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	client, err := scraper.NewHTTP(scraper.Opts{
		BaseURL:      cfg.Scraper.BaseURL,
		TokenURL:     cfg.Scraper.TokenURL,
		ClientID:     cfg.Scraper.ClientID,
		ClientSecret: cfg.Scraper.ClientSecret,
		Timeout:      config.Duration(cfg.Scraper.Timeout, 30*time.Second),
	})
	if err != nil {
		return fmt.Errorf("build scrape client: %w", err)
	}

	notifier, err := buildNotifier(cfg)
	if err != nil {
		return err
	}

	job, err := analysis.GetJobBySession(gormDB, sessionID)
	if err != nil {
		return err
	}

	orch := analysis.NewOrchestrator(gormDB, client, analysis.Opts{
		PrimaryReels:    cfg.Analysis.PrimaryReels,
		CompetitorReels: cfg.Analysis.CompetitorReels,
		MinTranscripts:  cfg.Analysis.MinTranscripts,
		FallbackBudget:  cfg.Analysis.FallbackBudget,
		QuotaCap:        cfg.Analysis.QuotaCap,
		QuotaWindow:     config.Duration(cfg.Analysis.QuotaWindow, 24*time.Hour),
		ContentLimit:    cfg.Scraper.ContentLimit,
		WorkflowVersion: cfg.Analysis.WorkflowVersion,
		Notifier:        notifier,
		Log:             log,
	})

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Running analysis for %s (session %s)...\n", job.PrimaryUsername, job.SessionID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	run, err := orch.RunAnalysis(ctx, job.ID)
	if err != nil {
		return err
	}
	if run == nil {
		fmt.Fprintln(out, "Job is already processing; nothing to do.")
		return nil
	}

	fmt.Fprintf(out, "Run #%d %s\n", run.RunNumber, run.Status)
	fmt.Fprintf(out, "Reels:       %d (%d primary, %d competitor)\n",
		run.TotalReelsAnalyzed, run.PrimaryReelsCount, run.CompetitorReelsCount)
	fmt.Fprintf(out, "Transcripts: %d\n", run.TranscriptsFetched)
	return nil
}

func newAnalysisResultsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "results <session>",
		Short: "Show analysis results",
		Long:  "Displays every run of the job with the reels selected into each.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalysisResults(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "hookline.yaml", "path to hookline config file")
	return cmd
}

func runAnalysisResults(cmd *cobra.Command, configPath, sessionID string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	job, err := analysis.JobResults(gormDB, sessionID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session %s — %s (%s)\n", job.SessionID, job.PrimaryUsername, job.Status)

	if len(job.Runs) == 0 {
		fmt.Fprintln(out, "No runs yet.")
		return nil
	}

	for _, run := range job.Runs {
		fmt.Fprintf(out, "\nRun #%d [%s] %s", run.RunNumber, run.AnalysisType, run.Status)
		if run.CompletedAt != nil {
			fmt.Fprintf(out, " (completed %s)", run.CompletedAt.Format("2006-01-02 15:04"))
		}
		fmt.Fprintln(out)

		if len(run.Reels) == 0 {
			continue
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  RANK\tTYPE\tUSERNAME\tVIEWS\tSCORE\tTRANSCRIPT")
		for _, reel := range run.Reels {
			fmt.Fprintf(w, "  %d\t%s\t%s\t%s\t%.1f\t%s\n",
				reel.Rank, reel.ReelType, reel.Username,
				formatCount(reel.ViewCount), reel.OutlierScore, reel.TranscriptStatus)
		}
		w.Flush()
	}
	return nil
}

func newAnalysisPauseCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "pause <session>",
		Short: "Pause an analysis job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobLifecycle(cmd, configPath, args[0], analysis.PauseJob, "Paused")
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "hookline.yaml", "path to hookline config file")
	return cmd
}

func newAnalysisResumeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "resume <session>",
		Short: "Resume a paused analysis job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobLifecycle(cmd, configPath, args[0], analysis.ResumeJob, "Resumed")
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "hookline.yaml", "path to hookline config file")
	return cmd
}

func runJobLifecycle(cmd *cobra.Command, configPath, sessionID string, op func(*gorm.DB, string) (*models.AnalysisJob, error), verb string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	job, err := op(gormDB, sessionID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s (status: %s)\n", verb, job.SessionID, job.Status)
	return nil
}

func newAnalysisCompetitorCmd() *cobra.Command {
	var (
		configPath string
		active     bool
	)

	cmd := &cobra.Command{
		Use:   "competitor <session> <username>",
		Short: "Toggle a competitor on or off",
		Long:  "Sets whether a competitor participates in future runs. Inactive competitors keep their history.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalysisCompetitor(cmd, configPath, args[0], args[1], active)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "hookline.yaml", "path to hookline config file")
	cmd.Flags().BoolVar(&active, "active", true, "whether the competitor participates in future runs")
	return cmd
}

func runAnalysisCompetitor(cmd *cobra.Command, configPath, sessionID, username string, active bool) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	job, err := analysis.GetJobBySession(gormDB, sessionID)
	if err != nil {
		return err
	}
	if err := analysis.SetCompetitorActive(gormDB, job.ID, username, active); err != nil {
		return err
	}

	state := "active"
	if !active {
		state = "inactive"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Competitor %s is now %s\n", username, state)
	return nil
}
