package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/avossen/hookline/internal/models"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultRecurrenceSchedule checks for due jobs every 10 minutes.
const DefaultRecurrenceSchedule = "*/10 * * * *"

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// RunRecurrence wakes on the cron schedule and re-runs every auto-rerun
// job whose next scheduled run has arrived. It blocks until the context
// is cancelled.
func (o *Orchestrator) RunRecurrence(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultRecurrenceSchedule
	}
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("analysis: parse recurrence schedule %q: %w", schedule, err)
	}

	o.opts.Log.Info("recurrence scheduler started", zap.String("schedule", schedule))

	timer := time.NewTimer(time.Until(sched.Next(time.Now())))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			o.runDueJobs(ctx)
			timer.Reset(time.Until(sched.Next(time.Now())))
		}
	}
}

// DueJobs returns auto-rerun jobs whose next scheduled run has arrived,
// highest priority first. Jobs already processing are skipped (they will
// reschedule themselves on completion) and paused jobs sit out until
// resumed.
func DueJobs(db *gorm.DB, now time.Time) ([]models.AnalysisJob, error) {
	var jobs []models.AnalysisJob
	err := db.
		Where("auto_rerun_enabled = ? AND next_scheduled_run IS NOT NULL AND next_scheduled_run <= ?", true, now).
		Where("status NOT IN ?", []string{"processing", "paused"}).
		Order("priority ASC, next_scheduled_run ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("analysis: scan due jobs: %w", err)
	}
	return jobs, nil
}

// runDueJobs re-runs every due job in priority order. One job's failure
// never blocks the rest.
func (o *Orchestrator) runDueJobs(ctx context.Context) {
	jobs, err := DueJobs(o.db, time.Now())
	if err != nil {
		o.opts.Log.Error("recurrence scan failed", zap.Error(err))
		return
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		o.opts.Log.Info("recurring analysis due",
			zap.Uint("job_id", job.ID),
			zap.String("session_id", job.SessionID),
		)
		if _, err := o.RunAnalysis(ctx, job.ID); err != nil {
			o.opts.Log.Error("recurring analysis failed",
				zap.Uint("job_id", job.ID), zap.Error(err))
		}
	}
}
