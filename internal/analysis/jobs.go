// Package analysis implements viral-ideas analysis: job lifecycle,
// the run orchestrator, and recurrence scheduling.
package analysis

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/avossen/hookline/internal/models"
	"github.com/avossen/hookline/internal/queue"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ValidTransitions maps each job status to its valid next statuses.
// completed → processing covers recurring re-runs.
var ValidTransitions = map[string][]string{
	"pending":    {"processing", "paused"},
	"processing": {"completed", "failed"},
	"completed":  {"processing"},
	"failed":     {"processing", "paused"},
	"paused":     {"pending", "processing"},
}

// claimableStatuses are the job statuses RunAnalysis may claim from. Only a
// job already processing is excluded (at most one concurrent run per job).
var claimableStatuses = []string{"pending", "failed", "paused", "completed"}

// validSelectionMethods are the accepted origins for a competitor selection.
var validSelectionMethods = map[string]bool{
	"manual":    true,
	"suggested": true,
	"api":       true,
}

// CreateJobOpts holds parameters for creating a new analysis job.
type CreateJobOpts struct {
	PrimaryUsername     string
	Competitors         []string
	ContentStrategy     string // opaque JSON, defaults to {}
	Priority            int    // 1 (highest) .. 10, default 5
	SelectionMethod     string // manual, suggested, api
	AutoRerun           bool
	RerunFrequencyHours int // default 24
}

// JobFilters holds optional filters for listing jobs.
type JobFilters struct {
	Status          string
	PrimaryUsername string
	Limit           int
}

// StatusSummary is a job snapshot plus its latest run, if any.
type StatusSummary struct {
	Job       *models.AnalysisJob `json:"job"`
	LatestRun *models.AnalysisRun `json:"latest_run,omitempty"`
}

// CreateJob validates and inserts a new analysis job in pending status,
// together with its competitor selections.
func CreateJob(db *gorm.DB, opts CreateJobOpts) (*models.AnalysisJob, error) {
	primary, err := queue.NormalizeUsername(opts.PrimaryUsername)
	if err != nil {
		return nil, fmt.Errorf("analysis: primary username: %w", err)
	}

	if opts.Priority == 0 {
		opts.Priority = 5
	}
	if opts.Priority < 1 || opts.Priority > 10 {
		return nil, fmt.Errorf("analysis: priority %d out of range 1..10", opts.Priority)
	}
	if opts.RerunFrequencyHours <= 0 {
		opts.RerunFrequencyHours = 24
	}
	if opts.SelectionMethod == "" {
		opts.SelectionMethod = "manual"
	}
	if !validSelectionMethods[opts.SelectionMethod] {
		return nil, fmt.Errorf("analysis: unknown selection method %q", opts.SelectionMethod)
	}
	if opts.ContentStrategy == "" {
		opts.ContentStrategy = "{}"
	}
	if !json.Valid([]byte(opts.ContentStrategy)) {
		return nil, fmt.Errorf("analysis: content strategy is not valid JSON")
	}

	// Normalize competitors, dropping duplicates and the primary itself.
	seen := map[string]bool{primary: true}
	var competitors []string
	for _, raw := range opts.Competitors {
		username, err := queue.NormalizeUsername(raw)
		if err != nil {
			return nil, fmt.Errorf("analysis: competitor %q: %w", raw, err)
		}
		if seen[username] {
			continue
		}
		seen[username] = true
		competitors = append(competitors, username)
	}

	job := models.AnalysisJob{
		SessionID:           uuid.NewString(),
		PrimaryUsername:     primary,
		Status:              "pending",
		Priority:            opts.Priority,
		ContentStrategy:     opts.ContentStrategy,
		AutoRerunEnabled:    opts.AutoRerun,
		RerunFrequencyHours: opts.RerunFrequencyHours,
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&job).Error; err != nil {
			return fmt.Errorf("analysis: create job: %w", err)
		}
		for _, username := range competitors {
			sel := models.CompetitorSelection{
				JobID:            job.ID,
				Username:         username,
				IsActive:         true,
				SelectionMethod:  opts.SelectionMethod,
				ProcessingStatus: "pending",
			}
			if err := tx.Create(&sel).Error; err != nil {
				return fmt.Errorf("analysis: add competitor %s: %w", username, err)
			}
			job.Competitors = append(job.Competitors, sel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob retrieves a job by ID, preloading competitors and runs.
func GetJob(db *gorm.DB, id uint) (*models.AnalysisJob, error) {
	var job models.AnalysisJob
	if err := db.Preload("Competitors").Preload("Runs").First(&job, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("analysis: job %d not found: %w", id, err)
		}
		return nil, fmt.Errorf("analysis: get job %d: %w", id, err)
	}
	return &job, nil
}

// GetJobBySession retrieves a job by its session ID.
func GetJobBySession(db *gorm.DB, sessionID string) (*models.AnalysisJob, error) {
	var job models.AnalysisJob
	err := db.Preload("Competitors").Preload("Runs").
		Where("session_id = ?", sessionID).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("analysis: session %s not found: %w", sessionID, err)
		}
		return nil, fmt.Errorf("analysis: get session %s: %w", sessionID, err)
	}
	return &job, nil
}

// ListJobs returns jobs matching the filters, highest priority first.
func ListJobs(db *gorm.DB, filters JobFilters) ([]models.AnalysisJob, error) {
	q := db.Model(&models.AnalysisJob{})
	if filters.Status != "" {
		q = q.Where("status = ?", filters.Status)
	}
	if filters.PrimaryUsername != "" {
		q = q.Where("primary_username = ?", filters.PrimaryUsername)
	}
	if filters.Limit > 0 {
		q = q.Limit(filters.Limit)
	}

	var jobs []models.AnalysisJob
	if err := q.Order("priority ASC, created_at ASC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("analysis: list jobs: %w", err)
	}
	return jobs, nil
}

// JobStatus returns the job plus a summary of its latest run.
func JobStatus(db *gorm.DB, sessionID string) (*StatusSummary, error) {
	var job models.AnalysisJob
	err := db.Preload("Competitors").Where("session_id = ?", sessionID).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("analysis: session %s not found: %w", sessionID, err)
		}
		return nil, fmt.Errorf("analysis: job status %s: %w", sessionID, err)
	}

	summary := &StatusSummary{Job: &job}
	var run models.AnalysisRun
	err = db.Where("job_id = ?", job.ID).Order("run_number DESC").First(&run).Error
	if err == nil {
		summary.LatestRun = &run
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("analysis: latest run for %s: %w", sessionID, err)
	}
	return summary, nil
}

// JobResults returns the job with every run and its analyzed reels, runs in
// execution order, reels by type and rank.
func JobResults(db *gorm.DB, sessionID string) (*models.AnalysisJob, error) {
	var job models.AnalysisJob
	err := db.Preload("Competitors").
		Preload("Runs", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("run_number ASC")
		}).
		Preload("Runs.Reels", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("reel_type ASC, username ASC, rank_in_selection ASC")
		}).
		Where("session_id = ?", sessionID).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("analysis: session %s not found: %w", sessionID, err)
		}
		return nil, fmt.Errorf("analysis: results for %s: %w", sessionID, err)
	}
	return &job, nil
}

// PauseJob moves a pending or failed job to paused, excluding it from
// recurrence until resumed.
func PauseJob(db *gorm.DB, sessionID string) (*models.AnalysisJob, error) {
	job, err := GetJobBySession(db, sessionID)
	if err != nil {
		return nil, err
	}
	if !isValidTransition(job.Status, "paused") {
		return nil, fmt.Errorf("analysis: cannot pause job in status %q", job.Status)
	}
	if err := db.Model(&models.AnalysisJob{}).Where("id = ?", job.ID).
		Update("status", "paused").Error; err != nil {
		return nil, fmt.Errorf("analysis: pause %s: %w", sessionID, err)
	}
	job.Status = "paused"
	return job, nil
}

// ResumeJob moves a paused job back to pending.
func ResumeJob(db *gorm.DB, sessionID string) (*models.AnalysisJob, error) {
	job, err := GetJobBySession(db, sessionID)
	if err != nil {
		return nil, err
	}
	if job.Status != "paused" {
		return nil, fmt.Errorf("analysis: cannot resume job in status %q", job.Status)
	}
	if err := db.Model(&models.AnalysisJob{}).Where("id = ?", job.ID).
		Update("status", "pending").Error; err != nil {
		return nil, fmt.Errorf("analysis: resume %s: %w", sessionID, err)
	}
	job.Status = "pending"
	return job, nil
}

// SetCompetitorActive toggles whether a competitor participates in future
// runs. Inactive competitors keep their history.
func SetCompetitorActive(db *gorm.DB, jobID uint, username string, active bool) error {
	username, err := queue.NormalizeUsername(username)
	if err != nil {
		return fmt.Errorf("analysis: competitor username: %w", err)
	}
	res := db.Model(&models.CompetitorSelection{}).
		Where("job_id = ? AND username = ?", jobID, username).
		Update("is_active", active)
	if res.Error != nil {
		return fmt.Errorf("analysis: set competitor %s active=%t: %w", username, active, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("analysis: job %d has no competitor %s", jobID, username)
	}
	return nil
}

// isValidTransition checks whether a job status transition is allowed.
func isValidTransition(from, to string) bool {
	valid, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, v := range valid {
		if v == to {
			return true
		}
	}
	return false
}
