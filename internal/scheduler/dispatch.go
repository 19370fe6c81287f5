package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/avossen/hookline/internal/models"
	"github.com/avossen/hookline/internal/scraper"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Default dispatch policy values.
const (
	DefaultBackoffBase  = time.Minute
	DefaultBackoffCap   = 30 * time.Minute
	DefaultContentLimit = 24
	DefaultSimilarCount = 20
)

// DispatchOpts holds dispatch policy knobs.
type DispatchOpts struct {
	BackoffBase  time.Duration // backoff unit, default 1m
	BackoffCap   time.Duration // backoff ceiling, default 30m
	ContentLimit int           // reels fetched into the cache per profile
	SimilarCount int           // similar accounts fetched per profile
	Log          *zap.Logger
}

func (o *DispatchOpts) applyDefaults() {
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultBackoffCap
	}
	if o.ContentLimit <= 0 {
		o.ContentLimit = DefaultContentLimit
	}
	if o.SimilarCount <= 0 {
		o.SimilarCount = DefaultSimilarCount
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
}

// Dispatch scrapes one claimed entry and records the outcome. On success it
// upserts the Profile, warms the reel cache, and marks the entry completed.
// On failure it classifies the error: permanent failures go terminal
// immediately, transient ones requeue with exponential backoff until the
// attempt budget is spent.
//
// The returned error reflects the scrape outcome; state recording errors are
// wrapped in it. A nil return means the entry completed.
func Dispatch(ctx context.Context, db *gorm.DB, client scraper.Client, entry *models.QueueEntry, opts DispatchOpts) error {
	if entry.Status != "processing" {
		return fmt.Errorf("scheduler: dispatch entry %d: status %q, want processing", entry.ID, entry.Status)
	}
	opts.applyDefaults()

	profile, err := client.FetchProfile(ctx, entry.Username)
	if err != nil {
		return recordFailure(db, entry, err, opts)
	}

	if err := UpsertProfile(db, profile); err != nil {
		return recordFailure(db, entry, err, opts)
	}

	// Cache warm: content and similar accounts ride along with the scrape so
	// later analysis runs can be served cache-only. Failures here are logged,
	// not fatal — the profile itself landed.
	warmReelCache(ctx, db, client, entry.Username, opts)

	if err := markCompleted(db, entry); err != nil {
		return err
	}
	opts.Log.Info("entry completed",
		zap.String("username", entry.Username),
		zap.Int("attempts", entry.Attempts))
	return nil
}

// UpsertProfile writes the authoritative Profile row for a scraped account.
func UpsertProfile(db *gorm.DB, data *scraper.ProfileData) error {
	profile := models.Profile{
		Username:   data.Username,
		FullName:   data.FullName,
		Biography:  data.Biography,
		Followers:  data.Followers,
		Following:  data.Following,
		PostCount:  data.PostCount,
		IsVerified: data.IsVerified,
		IsPrivate:  data.IsPrivate,
		ScrapedAt:  time.Now(),
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}},
		UpdateAll: true,
	}).Create(&profile).Error
	if err != nil {
		return fmt.Errorf("scheduler: upsert profile %s: %w", data.Username, err)
	}
	return nil
}

// warmReelCache fetches the profile's recent content and similar accounts
// into the local cache tables. Best-effort: errors are logged and swallowed.
func warmReelCache(ctx context.Context, db *gorm.DB, client scraper.Client, username string, opts DispatchOpts) {
	items, err := client.FetchContent(ctx, username, opts.ContentLimit)
	if err != nil {
		opts.Log.Warn("reel cache warm failed",
			zap.String("username", username), zap.Error(err))
	} else if err := UpsertReels(db, username, items); err != nil {
		opts.Log.Warn("reel cache write failed",
			zap.String("username", username), zap.Error(err))
	}

	similar, err := client.FindSimilar(ctx, username, opts.SimilarCount)
	if err != nil {
		opts.Log.Warn("similar accounts fetch failed",
			zap.String("username", username), zap.Error(err))
		return
	}
	if len(similar) == 0 {
		return
	}
	encoded, err := json.Marshal(similar)
	if err != nil {
		return
	}
	if err := db.Model(&models.Profile{}).Where("username = ?", username).
		Update("similar_accounts", string(encoded)).Error; err != nil {
		opts.Log.Warn("similar accounts write failed",
			zap.String("username", username), zap.Error(err))
	}
}

// UpsertReels writes content items into the reel cache, refreshing metrics
// for items already cached.
func UpsertReels(db *gorm.DB, username string, items []scraper.ContentItem) error {
	now := time.Now()
	for _, item := range items {
		reel := models.Reel{
			ContentID:    item.ID,
			Username:     username,
			Caption:      item.Caption,
			ViewCount:    item.ViewCount,
			LikeCount:    item.LikeCount,
			CommentCount: item.CommentCount,
			OutlierScore: item.OutlierScore,
			PostedAt:     item.PostedAt,
			FetchedAt:    now,
		}
		err := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "content_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"caption", "view_count", "like_count", "comment_count",
				"outlier_score", "fetched_at",
			}),
		}).Create(&reel).Error
		if err != nil {
			return fmt.Errorf("scheduler: upsert reel %s: %w", item.ID, err)
		}
	}
	return nil
}

// markCompleted flips a processing entry to completed and frees its active
// slot.
func markCompleted(db *gorm.DB, entry *models.QueueEntry) error {
	now := time.Now()
	err := db.Model(&models.QueueEntry{}).Where("id = ?", entry.ID).Updates(map[string]interface{}{
		"status":       "completed",
		"completed_at": now,
		"active_key":   nil,
	}).Error
	if err != nil {
		return fmt.Errorf("scheduler: mark entry %d completed: %w", entry.ID, err)
	}
	entry.Status = "completed"
	entry.CompletedAt = &now
	entry.ActiveKey = nil
	return nil
}

// recordFailure classifies a scrape error and updates the entry: permanent
// errors and exhausted budgets go terminal failed; transient errors requeue
// pending behind a backoff window. Always returns the scrape error.
func recordFailure(db *gorm.DB, entry *models.QueueEntry, scrapeErr error, opts DispatchOpts) error {
	terminal := scraper.IsPermanent(scrapeErr) || entry.Attempts >= entry.MaxAttempts

	updates := map[string]interface{}{
		"error_message": scrapeErr.Error(),
	}
	if terminal {
		updates["status"] = "failed"
		updates["active_key"] = nil
	} else {
		delay := backoffDelay(entry.Attempts, opts.BackoffBase, opts.BackoffCap)
		updates["status"] = "pending"
		updates["next_attempt_at"] = time.Now().Add(delay)
	}

	if err := db.Model(&models.QueueEntry{}).Where("id = ?", entry.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("scheduler: record failure for entry %d (%v): %w", entry.ID, scrapeErr, err)
	}
	entry.ErrorMessage = scrapeErr.Error()
	if terminal {
		entry.Status = "failed"
		entry.ActiveKey = nil
		opts.Log.Warn("entry failed terminally",
			zap.String("username", entry.Username),
			zap.Int("attempts", entry.Attempts),
			zap.Bool("permanent", scraper.IsPermanent(scrapeErr)),
			zap.Error(scrapeErr))
	} else {
		entry.Status = "pending"
		opts.Log.Info("entry requeued with backoff",
			zap.String("username", entry.Username),
			zap.Int("attempts", entry.Attempts),
			zap.Error(scrapeErr))
	}
	return scrapeErr
}

// backoffDelay computes min(2^attempts * base, cap).
func backoffDelay(attempts int, base, cap time.Duration) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempts))) * base
	if d <= 0 || d > cap {
		return cap
	}
	return d
}
