// Package scheduler drives the scrape queue: it claims eligible entries in
// priority order, dispatches them to the scraper under a concurrency limit,
// and records outcomes with retry backoff.
package scheduler

import (
	"fmt"
	"time"

	"github.com/avossen/hookline/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ClaimNext atomically selects the next eligible pending entry and flips it
// to processing. Eligible means status pending and past any backoff window.
// High priority always wins; within a tier, earliest submission first.
//
// Uses SELECT ... FOR UPDATE SKIP LOCKED on MySQL so concurrent schedulers
// never double-claim. Returns gorm.ErrRecordNotFound (wrapped) when nothing
// is eligible.
func ClaimNext(db *gorm.DB) (*models.QueueEntry, error) {
	if db == nil {
		return nil, fmt.Errorf("scheduler: db is required")
	}

	var claimed models.QueueEntry

	err := db.Transaction(func(tx *gorm.DB) error {
		q := tx.Where("status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)",
			"pending", time.Now())
		// SKIP LOCKED is a MySQL-ism; the sqlite test databases serialize
		// claims on a single connection instead.
		if tx.Dialector.Name() == "mysql" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		result := q.Order("priority ASC, submitted_at ASC").Limit(1).Find(&claimed)
		if result.Error != nil {
			return fmt.Errorf("scheduler: find eligible entry: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("scheduler: no eligible entries: %w", gorm.ErrRecordNotFound)
		}

		now := time.Now()
		if err := tx.Model(&models.QueueEntry{}).Where("id = ?", claimed.ID).Updates(map[string]interface{}{
			"status":          "processing",
			"last_attempt_at": now,
			"next_attempt_at": nil,
			"attempts":        gorm.Expr("attempts + 1"),
		}).Error; err != nil {
			return fmt.Errorf("scheduler: claim entry %d: %w", claimed.ID, err)
		}
		claimed.Status = "processing"
		claimed.LastAttemptAt = &now
		claimed.NextAttemptAt = nil
		claimed.Attempts++

		return nil
	})

	if err != nil {
		return nil, err
	}
	return &claimed, nil
}
