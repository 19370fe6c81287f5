package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avossen/hookline/internal/alerts"
	"github.com/avossen/hookline/internal/analysis"
	"github.com/avossen/hookline/internal/api"
	"github.com/avossen/hookline/internal/config"
	"github.com/avossen/hookline/internal/db"
	"github.com/avossen/hookline/internal/scheduler"
	"github.com/avossen/hookline/internal/scraper"
	"github.com/avossen/hookline/pkg/logger"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scrape scheduler, recurrence loop, and REST API",
		Long: `Starts all three hookline daemons in one process: the queue scheduler
that dispatches scrape work, the recurrence loop that re-runs auto-rerun
analysis jobs on schedule, and the REST API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "hookline.yaml", "path to hookline config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	gormDB, err := db.Connect(connectOpts(cfg))
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Database.Name, err)
	}

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	stuckAfter := config.Duration(cfg.Scheduler.StuckAfter, 10*time.Minute)

	errCh := make(chan error, 3)
	go func() {
		errCh <- scheduler.Run(ctx, scheduler.Opts{
			DB:             gormDB,
			Client:         client,
			PollInterval:   config.Duration(cfg.Scheduler.PollInterval, 5*time.Second),
			SweepInterval:  config.Duration(cfg.Scheduler.SweepInterval, time.Minute),
			Concurrency:    cfg.Scheduler.Concurrency,
			StuckAfter:     stuckAfter,
			DigestSchedule: cfg.Alerts.DigestSchedule,
			Dispatch: scheduler.DispatchOpts{
				BackoffBase:  config.Duration(cfg.Scheduler.BackoffBase, time.Minute),
				BackoffCap:   config.Duration(cfg.Scheduler.BackoffCap, 30*time.Minute),
				ContentLimit: cfg.Scraper.ContentLimit,
				SimilarCount: cfg.Scraper.SimilarCount,
			},
			Notifier: notifier,
			Log:      log,
			Out:      out,
		})
	}()
	go func() {
		errCh <- orch.RunRecurrence(ctx, cfg.Analysis.RecurrenceSchedule)
	}()
	go func() {
		errCh <- api.Start(ctx, api.StartOpts{
			DB:           gormDB,
			Client:       client,
			Orchestrator: orch,
			Host:         cfg.Server.Host,
			Port:         cfg.Server.Port,
			RecentWindow: config.Duration(cfg.Scheduler.RecentWindow, 5*time.Minute),
			MaxAttempts:  cfg.Scheduler.MaxAttempts,
			StuckAfter:   stuckAfter,
			Log:          log,
			Out:          out,
		})
	}()

	// The first failure cancels the other loops; collect all three so
	// none are left running.
	var firstErr error
	for i := 0; i < 3; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	fmt.Fprintln(out, "hookline stopped.")
	return firstErr
}

// buildNotifier assembles the alert fan-out from config. Sections without
// a token are skipped; no sections at all means alerts are dropped.
func buildNotifier(cfg *config.Config) (alerts.Notifier, error) {
	var multi alerts.Multi
	if cfg.Alerts.Slack.Token != "" {
		slack, err := alerts.NewSlack(alerts.SlackOpts{
			Token:   cfg.Alerts.Slack.Token,
			Channel: cfg.Alerts.Slack.Channel,
		})
		if err != nil {
			return nil, fmt.Errorf("build slack notifier: %w", err)
		}
		multi = append(multi, slack)
	}
	if cfg.Alerts.Discord.Token != "" {
		discord, err := alerts.NewDiscord(alerts.DiscordOpts{
			Token:     cfg.Alerts.Discord.Token,
			ChannelID: cfg.Alerts.Discord.ChannelID,
		})
		if err != nil {
			return nil, fmt.Errorf("build discord notifier: %w", err)
		}
		multi = append(multi, discord)
	}
	if len(multi) == 0 {
		return alerts.Nop{}, nil
	}
	return multi, nil
}
