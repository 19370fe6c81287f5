package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/avossen/hookline/internal/models"
	"gorm.io/gorm"
)

// DefaultStuckAfter is the processing age past which an entry counts as stuck.
const DefaultStuckAfter = 10 * time.Minute

// SweepStuck returns entries that have been processing longer than
// threshold, oldest first. Detection only: stuck entries are surfaced for
// alerting and operator action, never auto-recovered.
func SweepStuck(db *gorm.DB, threshold time.Duration) ([]models.QueueEntry, error) {
	if db == nil {
		return nil, fmt.Errorf("scheduler: db is required")
	}
	if threshold <= 0 {
		threshold = DefaultStuckAfter
	}

	cutoff := time.Now().Add(-threshold)
	var entries []models.QueueEntry
	if err := db.Where("status = ? AND last_attempt_at < ?", "processing", cutoff).
		Order("last_attempt_at ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("scheduler: sweep stuck: %w", err)
	}
	return entries, nil
}

// ForceRetry is the operator action for a stuck or failed username: the
// latest entry moves back to pending with its backoff window cleared,
// granting one more dispatch attempt beyond any spent budget.
func ForceRetry(db *gorm.DB, username string) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	if err := db.Where("username = ?", username).Order("submitted_at DESC").First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("scheduler: no entry for %s: %w", username, err)
		}
		return nil, fmt.Errorf("scheduler: force retry %s: %w", username, err)
	}

	if entry.Status != "processing" && entry.Status != "failed" {
		return nil, fmt.Errorf("scheduler: cannot force retry entry in status %q", entry.Status)
	}

	active := entry.Username
	err := db.Model(&models.QueueEntry{}).Where("id = ?", entry.ID).Updates(map[string]interface{}{
		"status":          "pending",
		"next_attempt_at": nil,
		"error_message":   "",
		"active_key":      active,
	}).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("scheduler: cannot force retry %s: a newer entry is active", username)
		}
		return nil, fmt.Errorf("scheduler: force retry %s: %w", username, err)
	}

	entry.Status = "pending"
	entry.NextAttemptAt = nil
	entry.ErrorMessage = ""
	entry.ActiveKey = &active
	return &entry, nil
}
