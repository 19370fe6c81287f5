package models

import "time"

// QueueEntry is a unit of profile-scrape work.
//
// ActiveKey mirrors Username while the entry is pending or processing and
// is cleared on terminal states; its unique index is what enforces at most
// one active entry per username under racing admissions.
type QueueEntry struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	Username      string    `gorm:"size:64;not null;index"`
	Source        string    `gorm:"size:16;default:frontend"`
	Priority      int       `gorm:"default:1;index"`
	Status        string    `gorm:"size:16;default:pending;index"`
	Attempts      int       `gorm:"default:0"`
	MaxAttempts   int       `gorm:"default:3"`
	ErrorMessage  string    `gorm:"type:text"`
	RequestID     string    `gorm:"size:64;uniqueIndex"`
	ActiveKey     *string   `gorm:"size:64;uniqueIndex"`
	SubmittedAt   time.Time `gorm:"index"`
	LastAttemptAt *time.Time
	NextAttemptAt *time.Time
	CompletedAt   *time.Time
}
