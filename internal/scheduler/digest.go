package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/avossen/hookline/internal/alerts"
	"github.com/avossen/hookline/internal/models"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// digestParser accepts standard 5-field cron expressions (minute, hour,
// dom, month, dow).
var digestParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// DigestReport holds queue and analysis activity for one reporting period.
type DigestReport struct {
	PeriodStart time.Time
	PeriodEnd   time.Time

	Queued    int // entries submitted in the period
	Completed int // entries completed in the period
	Failed    int // entries that went terminal failed in the period

	PendingNow    int // current queue depth
	ProcessingNow int

	RunsCompleted int // analysis runs finished in the period
	RunsFailed    int
}

// BuildDigest summarizes scrape and analysis activity between since and
// until. Returns nil when the period saw no activity and the queue is
// empty, so quiet periods send nothing.
func BuildDigest(db *gorm.DB, since, until time.Time) (*DigestReport, error) {
	report := &DigestReport{PeriodStart: since, PeriodEnd: until}

	// Failed entries keep their last attempt stamp; that attempt is what
	// failed them, so it dates the failure.
	counts := []struct {
		dst   *int
		query *gorm.DB
		what  string
	}{
		{&report.Queued, db.Model(&models.QueueEntry{}).
			Where("submitted_at >= ? AND submitted_at < ?", since, until), "queued"},
		{&report.Completed, db.Model(&models.QueueEntry{}).
			Where("status = ? AND completed_at >= ? AND completed_at < ?", "completed", since, until), "completed"},
		{&report.Failed, db.Model(&models.QueueEntry{}).
			Where("status = ? AND last_attempt_at >= ? AND last_attempt_at < ?", "failed", since, until), "failed"},
		{&report.PendingNow, db.Model(&models.QueueEntry{}).
			Where("status = ?", "pending"), "pending depth"},
		{&report.ProcessingNow, db.Model(&models.QueueEntry{}).
			Where("status = ?", "processing"), "processing depth"},
		{&report.RunsCompleted, db.Model(&models.AnalysisRun{}).
			Where("status = ? AND completed_at >= ? AND completed_at < ?", "completed", since, until), "runs completed"},
		{&report.RunsFailed, db.Model(&models.AnalysisRun{}).
			Where("status = ? AND completed_at >= ? AND completed_at < ?", "failed", since, until), "runs failed"},
	}
	for _, c := range counts {
		var n int64
		if err := c.query.Count(&n).Error; err != nil {
			return nil, fmt.Errorf("scheduler: digest %s count: %w", c.what, err)
		}
		*c.dst = int(n)
	}

	if report.Queued == 0 && report.Completed == 0 && report.Failed == 0 &&
		report.PendingNow == 0 && report.ProcessingNow == 0 &&
		report.RunsCompleted == 0 && report.RunsFailed == 0 {
		return nil, nil
	}
	return report, nil
}

// FormatDigest renders a report as an alert event.
func FormatDigest(report *DigestReport) alerts.Event {
	event := alerts.Event{
		Title: "Scrape queue digest",
		Body: fmt.Sprintf("%s to %s: %d queued, %d completed, %d failed. Queue depth now: %d pending, %d processing.",
			report.PeriodStart.Format("Jan 2 15:04"),
			report.PeriodEnd.Format("Jan 2 15:04"),
			report.Queued, report.Completed, report.Failed,
			report.PendingNow, report.ProcessingNow),
		Severity: alerts.SeverityInfo,
		Fields: []alerts.Field{
			{Name: "Queued", Value: fmt.Sprintf("%d", report.Queued)},
			{Name: "Completed", Value: fmt.Sprintf("%d", report.Completed)},
			{Name: "Failed", Value: fmt.Sprintf("%d", report.Failed)},
			{Name: "Pending now", Value: fmt.Sprintf("%d", report.PendingNow)},
		},
	}
	if report.RunsCompleted > 0 || report.RunsFailed > 0 {
		event.Fields = append(event.Fields, alerts.Field{
			Name:  "Analysis runs",
			Value: fmt.Sprintf("%d completed, %d failed", report.RunsCompleted, report.RunsFailed),
		})
	}
	return event
}

// sendDigest builds the digest for one period and delivers it. Quiet
// periods deliver nothing.
func sendDigest(ctx context.Context, opts Opts, since, until time.Time) error {
	report, err := BuildDigest(opts.DB, since, until)
	if err != nil {
		return err
	}
	if report == nil {
		return nil
	}
	fmt.Fprintf(opts.Out, "Queue digest: %d queued, %d completed, %d failed since %s\n",
		report.Queued, report.Completed, report.Failed, since.Format("15:04:05"))
	if err := opts.Notifier.Notify(ctx, FormatDigest(report)); err != nil {
		return fmt.Errorf("scheduler: deliver digest: %w", err)
	}
	return nil
}
