package models

import "time"

// AnalysisJob is a request to analyze a primary profile against its
// competitors, potentially on a recurring schedule.
type AnalysisJob struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	SessionID       string `gorm:"size:64;uniqueIndex"`
	PrimaryUsername string `gorm:"size:64;not null;index"`
	Status          string `gorm:"size:16;default:pending;index"`
	Priority        int    `gorm:"default:5"`
	ProgressPct     int    `gorm:"default:0"`
	CurrentStep     string `gorm:"size:128"`
	ContentStrategy string `gorm:"type:json"`
	ErrorMessage    string `gorm:"type:text"`

	AutoRerunEnabled    bool       `gorm:"default:false"`
	RerunFrequencyHours int        `gorm:"default:24"`
	NextScheduledRun    *time.Time `gorm:"index"`
	TotalRuns           int        `gorm:"default:0"`

	ReelsFetchedInCycle int `gorm:"default:0"`
	CycleStartedAt      *time.Time
	LastReelFetchAt     *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	Competitors []CompetitorSelection `gorm:"foreignKey:JobID"`
	Runs        []AnalysisRun         `gorm:"foreignKey:JobID"`
}

// CompetitorSelection is one competitor username attached to a job.
type CompetitorSelection struct {
	ID               uint   `gorm:"primaryKey;autoIncrement"`
	JobID            uint   `gorm:"not null;uniqueIndex:idx_job_competitor"`
	Username         string `gorm:"size:64;not null;uniqueIndex:idx_job_competitor"`
	IsActive         bool   `gorm:"default:true"`
	SelectionMethod  string `gorm:"size:16;default:manual"`
	ProcessingStatus string `gorm:"size:16;default:pending"`
	ErrorMessage     string `gorm:"type:text"`
	CreatedAt        time.Time
}

// AnalysisRun is one execution of a job. Runs are append-only children:
// run N+1 creates new rows and never edits run N's.
type AnalysisRun struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	JobID        uint   `gorm:"not null;uniqueIndex:idx_job_run"`
	RunNumber    int    `gorm:"not null;uniqueIndex:idx_job_run"`
	AnalysisType string `gorm:"size:16;default:initial"`
	Status       string `gorm:"size:16;default:pending;index"`

	TotalReelsAnalyzed   int `gorm:"default:0"`
	PrimaryReelsCount    int `gorm:"default:0"`
	CompetitorReelsCount int `gorm:"default:0"`
	TranscriptsFetched   int `gorm:"default:0"`

	AnalysisData string `gorm:"type:json"`
	ErrorMessage string `gorm:"type:text"`
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time

	Reels []AnalyzedReel `gorm:"foreignKey:RunID"`
}

// AnalyzedReel is a content item selected into a run, with the metrics
// snapshot taken at selection time.
type AnalyzedReel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	RunID     uint   `gorm:"not null;uniqueIndex:idx_run_content"`
	ContentID string `gorm:"size:64;not null;uniqueIndex:idx_run_content"`
	ReelType  string `gorm:"size:16;not null"`
	Username  string `gorm:"size:64;index"`
	Rank      int    `gorm:"column:rank_in_selection"`

	ViewCount    int64
	LikeCount    int64
	CommentCount int64
	OutlierScore float64

	TranscriptStatus string `gorm:"size:16;default:pending"`
	Transcript       string `gorm:"type:json"`
	HookText         string `gorm:"type:text"`
	CreatedAt        time.Time
}
