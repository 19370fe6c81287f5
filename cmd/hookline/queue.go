package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/avossen/hookline/internal/config"
	"github.com/avossen/hookline/internal/models"
	"github.com/avossen/hookline/internal/queue"
	"github.com/avossen/hookline/internal/scheduler"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Scrape queue commands",
	}

	cmd.AddCommand(newQueueAddCmd())
	cmd.AddCommand(newQueueListCmd())
	cmd.AddCommand(newQueueShowCmd())
	cmd.AddCommand(newQueuePauseCmd())
	cmd.AddCommand(newQueueResumeCmd())
	cmd.AddCommand(newQueueRetryCmd())
	cmd.AddCommand(newQueuePriorityCmd())
	return cmd
}

func newQueueAddCmd() *cobra.Command {
	var (
		configPath string
		source     string
	)

	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Request a profile scrape",
		Long:  "Admits a username into the scrape queue. Duplicate and already-scraped usernames are reported, not re-queued.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueAdd(cmd, configPath, args[0], source)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "hookline.yaml", "path to hookline config file")
	cmd.Flags().StringVar(&source, "source", "admin", "request source (frontend, crawler, bulk, admin)")
	return cmd
}

func runQueueAdd(cmd *cobra.Command, configPath, username, source string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	adm, err := queue.Request(gormDB, queue.RequestOpts{
		Username:     username,
		Source:       source,
		MaxAttempts:  cfg.Scheduler.MaxAttempts,
		RecentWindow: config.Duration(cfg.Scheduler.RecentWindow, 0),
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !adm.Queued {
		fmt.Fprintf(out, "Profile already scraped; not queued (status: %s)\n", adm.Status)
		return nil
	}
	fmt.Fprintf(out, "Queued (status: %s, request: %s)\n", adm.Status, adm.RequestID)
	if adm.Position > 0 {
		fmt.Fprintf(out, "Position:    %d\n", adm.Position)
	}
	return nil
}

func newQueueListCmd() *cobra.Command {
	var (
		configPath string
		status     string
		priority   string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue entries",
		Long:  "Lists queue entries in dispatch order with optional filters. Output is formatted as a table.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueList(cmd, configPath, status, priority, limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "hookline.yaml", "path to hookline config file")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&priority, "priority", "", "filter by priority (high, low)")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap the number of entries")
	return cmd
}

func runQueueList(cmd *cobra.Command, configPath, status, priority string, limit int) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	filters := queue.ListFilters{Status: status, Limit: limit}
	if priority != "" {
		p, err := queue.ParsePriority(priority)
		if err != nil {
			return err
		}
		filters.Priority = p
	}

	entries, err := queue.List(gormDB, filters)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No queue entries found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tSTATUS\tPRI\tATTEMPTS\tSOURCE\tSUBMITTED\tERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			e.Username, e.Status, queue.PriorityName(e.Priority),
			e.Attempts, e.MaxAttempts, e.Source,
			formatAge(e.SubmittedAt), truncate(e.ErrorMessage, 40))
	}
	w.Flush()
	return nil
}

func newQueueShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <username>",
		Short: "Show queue entry details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueShow(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "hookline.yaml", "path to hookline config file")
	return cmd
}

func runQueueShow(cmd *cobra.Command, configPath, username string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	entry, err := queue.Get(gormDB, username)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Username:    %s\n", entry.Username)
	fmt.Fprintf(out, "Status:      %s\n", entry.Status)
	fmt.Fprintf(out, "Priority:    %s\n", queue.PriorityName(entry.Priority))
	fmt.Fprintf(out, "Source:      %s\n", entry.Source)
	fmt.Fprintf(out, "Attempts:    %d/%d\n", entry.Attempts, entry.MaxAttempts)
	fmt.Fprintf(out, "Request:     %s\n", entry.RequestID)
	fmt.Fprintf(out, "Submitted:   %s\n", entry.SubmittedAt.Format("2006-01-02 15:04:05"))
	if entry.Status == "pending" {
		if pos, err := queue.Position(gormDB, entry); err == nil {
			fmt.Fprintf(out, "Position:    %d\n", pos)
		}
	}
	if entry.LastAttemptAt != nil {
		fmt.Fprintf(out, "Last try:    %s\n", entry.LastAttemptAt.Format("2006-01-02 15:04:05"))
	}
	if entry.NextAttemptAt != nil {
		fmt.Fprintf(out, "Next try:    %s\n", entry.NextAttemptAt.Format("2006-01-02 15:04:05"))
	}
	if entry.CompletedAt != nil {
		fmt.Fprintf(out, "Completed:   %s\n", entry.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	if entry.ErrorMessage != "" {
		fmt.Fprintf(out, "\nError:\n%s\n", entry.ErrorMessage)
	}
	return nil
}

func newQueuePauseCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "pause <username>",
		Short: "Pause a queue entry",
		Long:  "Takes a pending or failed entry out of dispatch. The username keeps its queue slot until resumed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueLifecycle(cmd, configPath, args[0], queue.Pause, "Paused")
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "hookline.yaml", "path to hookline config file")
	return cmd
}

func newQueueResumeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "resume <username>",
		Short: "Resume a paused queue entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueLifecycle(cmd, configPath, args[0], queue.Resume, "Resumed")
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "hookline.yaml", "path to hookline config file")
	return cmd
}

func runQueueLifecycle(cmd *cobra.Command, configPath, username string, op func(*gorm.DB, string) (*models.QueueEntry, error), verb string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	entry, err := op(gormDB, username)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s (status: %s)\n", verb, entry.Username, entry.Status)
	return nil
}

func newQueueRetryCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "retry <username>",
		Short: "Force-retry a stuck or failed entry",
		Long:  "Moves the username's latest processing or failed entry back to pending with its backoff cleared, granting one more dispatch attempt.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueRetry(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "hookline.yaml", "path to hookline config file")
	return cmd
}

func runQueueRetry(cmd *cobra.Command, configPath, username string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	normalized, err := queue.NormalizeUsername(username)
	if err != nil {
		return err
	}
	entry, err := scheduler.ForceRetry(gormDB, normalized)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Retrying %s (attempts used: %d/%d)\n",
		entry.Username, entry.Attempts, entry.MaxAttempts)
	return nil
}

func newQueuePriorityCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "priority <username> <high|low>",
		Short: "Change a queue entry's priority",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueuePriority(cmd, configPath, args[0], args[1])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "hookline.yaml", "path to hookline config file")
	return cmd
}

func runQueuePriority(cmd *cobra.Command, configPath, username, priority string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	p, err := queue.ParsePriority(priority)
	if err != nil {
		return err
	}
	if err := queue.SetPriority(gormDB, username, p); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Set %s priority to %s\n", username, queue.PriorityName(p))
	return nil
}
