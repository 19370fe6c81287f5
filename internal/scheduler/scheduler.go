package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/avossen/hookline/internal/alerts"
	"github.com/avossen/hookline/internal/models"
	"github.com/avossen/hookline/internal/scraper"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Default run-loop intervals.
const (
	DefaultPollInterval  = 5 * time.Second
	DefaultSweepInterval = time.Minute
	DefaultConcurrency   = 2
)

// Opts holds configuration for the scheduler run loop.
type Opts struct {
	DB     *gorm.DB
	Client scraper.Client

	PollInterval  time.Duration // delay between claim passes
	SweepInterval time.Duration // delay between stuck-entry sweeps
	Concurrency   int           // max simultaneously processing entries
	StuckAfter    time.Duration // processing age that counts as stuck

	// DigestSchedule is a 5-field cron expression for periodic activity
	// digests. Empty disables them.
	DigestSchedule string

	Dispatch DispatchOpts

	Notifier alerts.Notifier // stuck-entry alerts and digests; nil disables
	Log      *zap.Logger
	Out      io.Writer // operator-facing lines; nil discards
}

func (o *Opts) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.StuckAfter <= 0 {
		o.StuckAfter = DefaultStuckAfter
	}
	if o.Notifier == nil {
		o.Notifier = alerts.Nop{}
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Out == nil {
		o.Out = io.Discard
	}
	if o.Dispatch.Log == nil {
		o.Dispatch.Log = o.Log
	}
}

// Run drives the scheduler loop until ctx is cancelled: sweep stuck entries,
// claim eligible ones while dispatch slots are free, dispatch each in its
// own goroutine. Entries beyond the concurrency limit stay pending. On
// shutdown it drains in-flight dispatches before returning.
func Run(ctx context.Context, opts Opts) error {
	if opts.DB == nil {
		return fmt.Errorf("scheduler: db is required")
	}
	if opts.Client == nil {
		return fmt.Errorf("scheduler: scraper client is required")
	}
	opts.applyDefaults()

	var digestSched cron.Schedule
	var nextDigest time.Time
	if opts.DigestSchedule != "" {
		sched, err := digestParser.Parse(opts.DigestSchedule)
		if err != nil {
			return fmt.Errorf("scheduler: parse digest schedule %q: %w", opts.DigestSchedule, err)
		}
		digestSched = sched
		nextDigest = sched.Next(time.Now())
	}

	sem := make(chan struct{}, opts.Concurrency)
	var wg sync.WaitGroup

	fmt.Fprintf(opts.Out, "Scheduler started (concurrency=%d, poll every %s)\n",
		opts.Concurrency, opts.PollInterval)
	opts.Log.Info("scheduler started",
		zap.Int("concurrency", opts.Concurrency),
		zap.Duration("poll_interval", opts.PollInterval))

	lastSweep := time.Now()
	lastDigest := time.Now()
	alerted := make(map[uint]bool)

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(opts.Out, "Scheduler draining...\n")
			wg.Wait()
			fmt.Fprintf(opts.Out, "Scheduler stopped.\n")
			return nil
		default:
		}

		// Phase 1: stuck-entry sweep on its own cadence.
		if time.Since(lastSweep) >= opts.SweepInterval {
			lastSweep = time.Now()
			if err := sweepAndAlert(ctx, opts, alerted); err != nil {
				opts.Log.Error("stuck sweep failed", zap.Error(err))
			}
		}

		// Phase 2: activity digest when its cron fires.
		if digestSched != nil && !time.Now().Before(nextDigest) {
			if err := sendDigest(ctx, opts, lastDigest, time.Now()); err != nil {
				opts.Log.Error("digest failed", zap.Error(err))
			}
			lastDigest = time.Now()
			nextDigest = digestSched.Next(time.Now())
		}

		// Phase 3: fill free dispatch slots.
		for acquireSlot(sem) {
			entry, err := ClaimNext(opts.DB)
			if err != nil {
				releaseSlot(sem)
				if !errors.Is(err, gorm.ErrRecordNotFound) {
					opts.Log.Error("claim failed", zap.Error(err))
				}
				break
			}

			fmt.Fprintf(opts.Out, "Dispatching %s (priority=%s, attempt %d/%d)\n",
				entry.Username, priorityName(entry.Priority), entry.Attempts, entry.MaxAttempts)

			wg.Add(1)
			go func(e *models.QueueEntry) {
				defer wg.Done()
				defer releaseSlot(sem)
				// Dispatch records the outcome itself; the error is already
				// classified and logged.
				Dispatch(ctx, opts.DB, opts.Client, e, opts.Dispatch)
			}(entry)
		}

		sleepWithContext(ctx, opts.PollInterval)
	}
}

// sweepAndAlert finds stuck entries and alerts on newly stuck ones. Entries
// that recover or terminate drop out of the alerted set so a later stall
// alerts again.
func sweepAndAlert(ctx context.Context, opts Opts, alerted map[uint]bool) error {
	stuck, err := SweepStuck(opts.DB, opts.StuckAfter)
	if err != nil {
		return err
	}

	current := make(map[uint]bool, len(stuck))
	var fresh []models.QueueEntry
	for _, entry := range stuck {
		current[entry.ID] = true
		if !alerted[entry.ID] {
			fresh = append(fresh, entry)
			alerted[entry.ID] = true
		}
	}
	for id := range alerted {
		if !current[id] {
			delete(alerted, id)
		}
	}

	if len(fresh) == 0 {
		return nil
	}

	fmt.Fprintf(opts.Out, "%d entries stuck in processing for over %s\n", len(fresh), opts.StuckAfter)
	event := alerts.Event{
		Title:    fmt.Sprintf("%d stuck queue entries", len(fresh)),
		Body:     fmt.Sprintf("Processing for over %s without completing; force-retry or investigate.", opts.StuckAfter),
		Severity: alerts.SeverityWarning,
	}
	for _, entry := range fresh {
		age := "unknown"
		if entry.LastAttemptAt != nil {
			age = time.Since(*entry.LastAttemptAt).Round(time.Second).String()
		}
		event.Fields = append(event.Fields, alerts.Field{Name: entry.Username, Value: age})
	}
	if err := opts.Notifier.Notify(ctx, event); err != nil {
		opts.Log.Error("stuck alert delivery failed", zap.Error(err))
	}
	return nil
}

// acquireSlot takes a dispatch slot without blocking.
func acquireSlot(sem chan struct{}) bool {
	select {
	case sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func releaseSlot(sem chan struct{}) {
	<-sem
}

func priorityName(priority int) string {
	if priority == 1 {
		return "high"
	}
	return "low"
}

// sleepWithContext sleeps for duration d, returning early if ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
