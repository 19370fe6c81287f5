package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/avossen/hookline/internal/models"
	"github.com/avossen/hookline/internal/queue"
	"github.com/avossen/hookline/internal/scheduler"
	"gorm.io/gorm"
)

// EntryRow is the wire shape of a queue entry.
type EntryRow struct {
	Username    string     `json:"username"`
	Source      string     `json:"source"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	Error       string     `json:"error,omitempty"`
	RequestID   string     `json:"request_id"`
	Position    int        `json:"queue_position,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	NextAttempt *time.Time `json:"next_attempt_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func entryRow(e *models.QueueEntry, position int) EntryRow {
	return EntryRow{
		Username:    e.Username,
		Source:      e.Source,
		Priority:    queue.PriorityName(e.Priority),
		Status:      e.Status,
		Attempts:    e.Attempts,
		MaxAttempts: e.MaxAttempts,
		Error:       e.ErrorMessage,
		RequestID:   e.RequestID,
		Position:    position,
		SubmittedAt: e.SubmittedAt,
		NextAttempt: e.NextAttemptAt,
		CompletedAt: e.CompletedAt,
	}
}

// ProfileRow is the wire shape of a scraped profile.
type ProfileRow struct {
	Username        string    `json:"username"`
	FullName        string    `json:"full_name,omitempty"`
	Biography       string    `json:"biography,omitempty"`
	Followers       int64     `json:"followers"`
	Following       int64     `json:"following"`
	PostCount       int64     `json:"post_count"`
	IsVerified      bool      `json:"is_verified"`
	IsPrivate       bool      `json:"is_private"`
	SimilarAccounts []string  `json:"similar_accounts"`
	ReelsCached     int64     `json:"reels_cached"`
	ScrapedAt       time.Time `json:"scraped_at"`
}

func profileRow(db *gorm.DB, p *models.Profile) ProfileRow {
	var reels int64
	db.Model(&models.Reel{}).Where("username = ?", p.Username).Count(&reels)
	return ProfileRow{
		Username:        p.Username,
		FullName:        p.FullName,
		Biography:       p.Biography,
		Followers:       p.Followers,
		Following:       p.Following,
		PostCount:       p.PostCount,
		IsVerified:      p.IsVerified,
		IsPrivate:       p.IsPrivate,
		SimilarAccounts: decodeSimilar(p.SimilarAccounts),
		ReelsCached:     reels,
		ScrapedAt:       p.ScrapedAt,
	}
}

// decodeSimilar unpacks the stored similar-accounts JSON. Missing or
// malformed data comes back as an empty slice, never nil, so responses
// always carry an array.
func decodeSimilar(data string) []string {
	if data == "" {
		return []string{}
	}
	var similar []string
	if err := json.Unmarshal([]byte(data), &similar); err != nil {
		return []string{}
	}
	if similar == nil {
		return []string{}
	}
	return similar
}

// CompetitorRow is the wire shape of one competitor attached to a job.
type CompetitorRow struct {
	Username         string `json:"username"`
	IsActive         bool   `json:"is_active"`
	SelectionMethod  string `json:"selection_method"`
	ProcessingStatus string `json:"processing_status"`
	Error            string `json:"error,omitempty"`
}

// JobRow is the wire shape of an analysis job.
type JobRow struct {
	SessionID           string          `json:"session_id"`
	PrimaryUsername     string          `json:"primary_username"`
	Status              string          `json:"status"`
	Priority            int             `json:"priority"`
	ProgressPct         int             `json:"progress_pct"`
	CurrentStep         string          `json:"current_step,omitempty"`
	Error               string          `json:"error,omitempty"`
	AutoRerun           bool            `json:"auto_rerun"`
	RerunFrequencyHours int             `json:"rerun_frequency_hours"`
	NextScheduledRun    *time.Time      `json:"next_scheduled_run,omitempty"`
	TotalRuns           int             `json:"total_runs"`
	CreatedAt           time.Time       `json:"created_at"`
	Competitors         []CompetitorRow `json:"competitors,omitempty"`
}

func jobRow(j *models.AnalysisJob) JobRow {
	row := JobRow{
		SessionID:           j.SessionID,
		PrimaryUsername:     j.PrimaryUsername,
		Status:              j.Status,
		Priority:            j.Priority,
		ProgressPct:         j.ProgressPct,
		CurrentStep:         j.CurrentStep,
		Error:               j.ErrorMessage,
		AutoRerun:           j.AutoRerunEnabled,
		RerunFrequencyHours: j.RerunFrequencyHours,
		NextScheduledRun:    j.NextScheduledRun,
		TotalRuns:           j.TotalRuns,
		CreatedAt:           j.CreatedAt,
	}
	for _, comp := range j.Competitors {
		row.Competitors = append(row.Competitors, CompetitorRow{
			Username:         comp.Username,
			IsActive:         comp.IsActive,
			SelectionMethod:  comp.SelectionMethod,
			ProcessingStatus: comp.ProcessingStatus,
			Error:            comp.ErrorMessage,
		})
	}
	return row
}

// ReelRow is the wire shape of a reel selected into a run.
type ReelRow struct {
	ContentID        string          `json:"content_id"`
	ReelType         string          `json:"reel_type"`
	Username         string          `json:"username"`
	Rank             int             `json:"rank"`
	ViewCount        int64           `json:"view_count"`
	LikeCount        int64           `json:"like_count"`
	CommentCount     int64           `json:"comment_count"`
	OutlierScore     float64         `json:"outlier_score"`
	TranscriptStatus string          `json:"transcript_status"`
	Transcript       json.RawMessage `json:"transcript,omitempty"`
	HookText         string          `json:"hook_text,omitempty"`
}

// RunRow is the wire shape of an analysis run. The detailed form carries
// the analysis payload and the per-reel breakdown.
type RunRow struct {
	RunNumber            int             `json:"run_number"`
	AnalysisType         string          `json:"analysis_type"`
	Status               string          `json:"status"`
	TotalReelsAnalyzed   int             `json:"total_reels_analyzed"`
	PrimaryReelsCount    int             `json:"primary_reels_count"`
	CompetitorReelsCount int             `json:"competitor_reels_count"`
	TranscriptsFetched   int             `json:"transcripts_fetched"`
	Error                string          `json:"error,omitempty"`
	StartedAt            *time.Time      `json:"started_at,omitempty"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
	AnalysisData         json.RawMessage `json:"analysis_data,omitempty"`
	Reels                []ReelRow       `json:"reels,omitempty"`
}

func runRow(r *models.AnalysisRun, detailed bool) RunRow {
	row := RunRow{
		RunNumber:            r.RunNumber,
		AnalysisType:         r.AnalysisType,
		Status:               r.Status,
		TotalReelsAnalyzed:   r.TotalReelsAnalyzed,
		PrimaryReelsCount:    r.PrimaryReelsCount,
		CompetitorReelsCount: r.CompetitorReelsCount,
		TranscriptsFetched:   r.TranscriptsFetched,
		Error:                r.ErrorMessage,
		StartedAt:            r.StartedAt,
		CompletedAt:          r.CompletedAt,
	}
	if !detailed {
		return row
	}

	row.AnalysisData = json.RawMessage(r.AnalysisData)
	for _, reel := range r.Reels {
		row.Reels = append(row.Reels, ReelRow{
			ContentID:        reel.ContentID,
			ReelType:         reel.ReelType,
			Username:         reel.Username,
			Rank:             reel.Rank,
			ViewCount:        reel.ViewCount,
			LikeCount:        reel.LikeCount,
			CommentCount:     reel.CommentCount,
			OutlierScore:     reel.OutlierScore,
			TranscriptStatus: reel.TranscriptStatus,
			Transcript:       json.RawMessage(reel.Transcript),
			HookText:         reel.HookText,
		})
	}
	return row
}

// QueueStats aggregates queue entry counts.
type QueueStats struct {
	Total      int64            `json:"total"`
	ByStatus   map[string]int64 `json:"by_status"`
	ByPriority map[string]int64 `json:"by_priority"`
	Stuck      int64            `json:"stuck"`
}

// JobStats aggregates analysis job counts.
type JobStats struct {
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"by_status"`
}

// RunStats aggregates analysis run counts.
type RunStats struct {
	Total              int64 `json:"total"`
	Completed          int64 `json:"completed"`
	Failed             int64 `json:"failed"`
	TranscriptsFetched int64 `json:"transcripts_fetched"`
}

// Stats is the aggregate system snapshot served by the stats route and
// the status CLI.
type Stats struct {
	Queue QueueStats `json:"queue"`
	Jobs  JobStats   `json:"jobs"`
	Runs  RunStats   `json:"runs"`
}

// GatherStats counts queue entries, jobs, and runs by status. Processing
// entries older than stuckAfter are counted as stuck; priority counts
// cover only entries still waiting for or holding a dispatch slot.
func GatherStats(db *gorm.DB, stuckAfter time.Duration) (*Stats, error) {
	stats := &Stats{
		Queue: QueueStats{ByStatus: map[string]int64{}, ByPriority: map[string]int64{}},
		Jobs:  JobStats{ByStatus: map[string]int64{}},
	}

	type row struct {
		Status string
		Count  int64
	}

	var entryRows []row
	if err := db.Model(&models.QueueEntry{}).
		Select("status, count(*) as count").
		Group("status").
		Find(&entryRows).Error; err != nil {
		return nil, fmt.Errorf("api: queue stats: %w", err)
	}
	for _, r := range entryRows {
		stats.Queue.ByStatus[r.Status] = r.Count
		stats.Queue.Total += r.Count
	}

	type priorityRow struct {
		Priority int
		Count    int64
	}
	var priorityRows []priorityRow
	if err := db.Model(&models.QueueEntry{}).
		Select("priority, count(*) as count").
		Where("status IN ?", []string{"pending", "processing"}).
		Group("priority").
		Find(&priorityRows).Error; err != nil {
		return nil, fmt.Errorf("api: priority stats: %w", err)
	}
	for _, r := range priorityRows {
		stats.Queue.ByPriority[queue.PriorityName(r.Priority)] = r.Count
	}

	stuck, err := scheduler.SweepStuck(db, stuckAfter)
	if err != nil {
		return nil, fmt.Errorf("api: stuck count: %w", err)
	}
	stats.Queue.Stuck = int64(len(stuck))

	var jobRows []row
	if err := db.Model(&models.AnalysisJob{}).
		Select("status, count(*) as count").
		Group("status").
		Find(&jobRows).Error; err != nil {
		return nil, fmt.Errorf("api: job stats: %w", err)
	}
	for _, r := range jobRows {
		stats.Jobs.ByStatus[r.Status] = r.Count
		stats.Jobs.Total += r.Count
	}

	var runRows []row
	if err := db.Model(&models.AnalysisRun{}).
		Select("status, count(*) as count").
		Group("status").
		Find(&runRows).Error; err != nil {
		return nil, fmt.Errorf("api: run stats: %w", err)
	}
	for _, r := range runRows {
		stats.Runs.Total += r.Count
		switch r.Status {
		case "completed":
			stats.Runs.Completed = r.Count
		case "failed":
			stats.Runs.Failed = r.Count
		}
	}

	if err := db.Model(&models.AnalysisRun{}).
		Select("COALESCE(SUM(transcripts_fetched), 0)").
		Scan(&stats.Runs.TranscriptsFetched).Error; err != nil {
		return nil, fmt.Errorf("api: transcript stats: %w", err)
	}

	return stats, nil
}
