package models

import "time"

// Profile is the authoritative record of a successfully scraped account.
// Existence implies the username's queue entry completed.
type Profile struct {
	Username        string `gorm:"primaryKey;size:64"`
	FullName        string `gorm:"size:128"`
	Biography       string `gorm:"type:text"`
	Followers       int64
	Following       int64
	PostCount       int64
	IsVerified      bool   `gorm:"default:false"`
	IsPrivate       bool   `gorm:"default:false"`
	SimilarAccounts string `gorm:"type:json"`
	ScrapedAt       time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Reel is a cached content item with its metrics snapshot at fetch time.
// Cached reels back selection when a job's fetch quota is exhausted.
type Reel struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	ContentID    string `gorm:"size:64;uniqueIndex"`
	Username     string `gorm:"size:64;index"`
	Caption      string `gorm:"type:text"`
	ViewCount    int64
	LikeCount    int64
	CommentCount int64
	OutlierScore float64
	PostedAt     *time.Time
	FetchedAt    time.Time
}
