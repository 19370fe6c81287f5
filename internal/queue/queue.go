// Package queue provides scrape-queue admission and lifecycle operations.
package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avossen/hookline/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ValidTransitions maps each entry status to its valid next statuses.
var ValidTransitions = map[string][]string{
	"pending":    {"processing", "paused"},
	"processing": {"completed", "failed", "pending"},
	"failed":     {"pending", "paused"},
	"paused":     {"pending"},
	"completed":  {},
}

// validSources are the accepted origin tags for a scrape request.
var validSources = map[string]bool{
	"frontend": true,
	"crawler":  true,
	"bulk":     true,
	"admin":    true,
}

// RequestOpts holds parameters for an admission request.
type RequestOpts struct {
	Username     string
	Source       string        // frontend, crawler, bulk, admin
	MaxAttempts  int           // dispatch attempts before terminal failure
	RecentWindow time.Duration // completed-entry suppression window
}

// Admission is the caller-facing outcome of an admission request.
type Admission struct {
	Queued    bool   `json:"queued"`
	Status    string `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	Position  int    `json:"queue_position,omitempty"`
}

// ListFilters holds optional filters for listing queue entries.
type ListFilters struct {
	Status   string
	Priority int
	Limit    int
}

// NormalizeUsername lowercases a username and strips the leading @.
func NormalizeUsername(raw string) (string, error) {
	username := strings.ToLower(strings.TrimSpace(raw))
	username = strings.TrimPrefix(username, "@")
	if username == "" {
		return "", fmt.Errorf("queue: username is required")
	}
	if strings.ContainsAny(username, " \t\n") {
		return "", fmt.Errorf("queue: username %q contains whitespace", raw)
	}
	return username, nil
}

// ParsePriority maps a priority name to its queue value.
func ParsePriority(name string) (int, error) {
	switch strings.ToLower(name) {
	case "high":
		return 1, nil
	case "low":
		return 2, nil
	default:
		return 0, fmt.Errorf("queue: unknown priority %q (want high or low)", name)
	}
}

// PriorityName maps a queue priority value back to its name.
func PriorityName(priority int) string {
	if priority == 1 {
		return "high"
	}
	return "low"
}

// Request admits a username into the scrape queue. It short-circuits when
// the profile already exists, when an entry currently occupies the
// username's slot, or when an entry completed within the recency window;
// otherwise it inserts a fresh high-priority pending entry.
//
// Racing duplicate requests are resolved by the unique index on ActiveKey:
// the losing insert falls back to reading the winner's entry.
func Request(db *gorm.DB, opts RequestOpts) (*Admission, error) {
	username, err := NormalizeUsername(opts.Username)
	if err != nil {
		return nil, err
	}
	if opts.Source == "" {
		opts.Source = "frontend"
	}
	if !validSources[opts.Source] {
		return nil, fmt.Errorf("queue: unknown source %q", opts.Source)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = 5 * time.Minute
	}

	var count int64
	if err := db.Model(&models.Profile{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("queue: check profile for %s: %w", username, err)
	}
	if count > 0 {
		return &Admission{Queued: false, Status: "exists"}, nil
	}

	adm, err := occupiedAdmission(db, username)
	if err != nil {
		return nil, err
	}
	if adm != nil {
		return adm, nil
	}

	cutoff := time.Now().Add(-opts.RecentWindow)
	if err := db.Model(&models.QueueEntry{}).
		Where("username = ? AND status = ? AND completed_at >= ?", username, "completed", cutoff).
		Count(&count).Error; err != nil {
		return nil, fmt.Errorf("queue: check recent completion for %s: %w", username, err)
	}
	if count > 0 {
		return &Admission{Queued: false, Status: "exists"}, nil
	}

	active := username
	entry := models.QueueEntry{
		Username:    username,
		Source:      opts.Source,
		Priority:    1,
		Status:      "pending",
		MaxAttempts: opts.MaxAttempts,
		RequestID:   uuid.NewString(),
		ActiveKey:   &active,
		SubmittedAt: time.Now(),
	}
	if err := db.Create(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost the race; report the entry that won.
			adm, aerr := occupiedAdmission(db, username)
			if aerr != nil {
				return nil, aerr
			}
			if adm != nil {
				return adm, nil
			}
		}
		return nil, fmt.Errorf("queue: create entry for %s: %w", username, err)
	}

	pos, err := Position(db, &entry)
	if err != nil {
		return nil, err
	}
	return &Admission{Queued: true, Status: "pending", RequestID: entry.RequestID, Position: pos}, nil
}

// occupiedAdmission reports the entry currently holding the username's
// active slot, or nil when the slot is free. Paused entries keep the slot
// so a resume cannot collide with a newer duplicate.
func occupiedAdmission(db *gorm.DB, username string) (*Admission, error) {
	var entry models.QueueEntry
	err := db.Where("active_key = ?", username).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: check active entry for %s: %w", username, err)
	}

	adm := &Admission{Queued: true, Status: entry.Status, RequestID: entry.RequestID}
	if entry.Status == "pending" {
		pos, err := Position(db, &entry)
		if err != nil {
			return nil, err
		}
		adm.Position = pos
	}
	return adm, nil
}

// Position estimates how many dispatches will happen before this entry:
// all active entries of strictly higher priority, plus same-priority
// entries submitted earlier, plus one.
func Position(db *gorm.DB, entry *models.QueueEntry) (int, error) {
	active := []string{"pending", "processing"}

	var higher int64
	if err := db.Model(&models.QueueEntry{}).
		Where("status IN ? AND priority < ?", active, entry.Priority).
		Count(&higher).Error; err != nil {
		return 0, fmt.Errorf("queue: count higher priority: %w", err)
	}

	var ahead int64
	if err := db.Model(&models.QueueEntry{}).
		Where("status IN ? AND priority = ? AND submitted_at < ?", active, entry.Priority, entry.SubmittedAt).
		Count(&ahead).Error; err != nil {
		return 0, fmt.Errorf("queue: count same priority ahead: %w", err)
	}

	return int(higher+ahead) + 1, nil
}

// Get returns the most recent entry for a username.
func Get(db *gorm.DB, username string) (*models.QueueEntry, error) {
	username, err := NormalizeUsername(username)
	if err != nil {
		return nil, err
	}
	var entry models.QueueEntry
	if err := db.Where("username = ?", username).Order("submitted_at DESC").First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("queue: no entry for %s: %w", username, err)
		}
		return nil, fmt.Errorf("queue: get entry for %s: %w", username, err)
	}
	return &entry, nil
}

// GetByRequestID returns the entry created for a given admission token.
func GetByRequestID(db *gorm.DB, requestID string) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	if err := db.Where("request_id = ?", requestID).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("queue: no entry for request %s: %w", requestID, err)
		}
		return nil, fmt.Errorf("queue: get entry for request %s: %w", requestID, err)
	}
	return &entry, nil
}

// List returns entries matching the filters, in dispatch order.
func List(db *gorm.DB, filters ListFilters) ([]models.QueueEntry, error) {
	q := db.Model(&models.QueueEntry{})
	if filters.Status != "" {
		q = q.Where("status = ?", filters.Status)
	}
	if filters.Priority != 0 {
		q = q.Where("priority = ?", filters.Priority)
	}
	if filters.Limit > 0 {
		q = q.Limit(filters.Limit)
	}

	var entries []models.QueueEntry
	if err := q.Order("priority ASC, submitted_at ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	return entries, nil
}

// Pause moves a pending or failed entry to paused, excluding it from
// dispatch until resumed.
func Pause(db *gorm.DB, username string) (*models.QueueEntry, error) {
	entry, err := Get(db, username)
	if err != nil {
		return nil, err
	}
	if !isValidTransition(entry.Status, "paused") {
		return nil, fmt.Errorf("queue: cannot pause entry in status %q", entry.Status)
	}

	active := entry.Username
	updates := map[string]interface{}{
		"status":     "paused",
		"active_key": active,
	}
	if err := db.Model(&models.QueueEntry{}).Where("id = ?", entry.ID).Updates(updates).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("queue: cannot pause %s: a newer entry is active", entry.Username)
		}
		return nil, fmt.Errorf("queue: pause %s: %w", entry.Username, err)
	}
	entry.Status = "paused"
	entry.ActiveKey = &active
	return entry, nil
}

// Resume moves a paused entry back to pending, making it immediately
// eligible for dispatch.
func Resume(db *gorm.DB, username string) (*models.QueueEntry, error) {
	entry, err := Get(db, username)
	if err != nil {
		return nil, err
	}
	if entry.Status != "paused" {
		return nil, fmt.Errorf("queue: cannot resume entry in status %q", entry.Status)
	}

	updates := map[string]interface{}{
		"status":          "pending",
		"next_attempt_at": nil,
	}
	if err := db.Model(&models.QueueEntry{}).Where("id = ?", entry.ID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("queue: resume %s: %w", entry.Username, err)
	}
	entry.Status = "pending"
	entry.NextAttemptAt = nil
	return entry, nil
}

// SetPriority changes a queued entry's priority tier.
func SetPriority(db *gorm.DB, username string, priority int) error {
	if priority != 1 && priority != 2 {
		return fmt.Errorf("queue: invalid priority %d (want 1 or 2)", priority)
	}
	entry, err := Get(db, username)
	if err != nil {
		return err
	}
	if entry.Status != "pending" && entry.Status != "paused" {
		return fmt.Errorf("queue: cannot reprioritize entry in status %q", entry.Status)
	}
	if err := db.Model(&models.QueueEntry{}).Where("id = ?", entry.ID).
		Update("priority", priority).Error; err != nil {
		return fmt.Errorf("queue: set priority for %s: %w", entry.Username, err)
	}
	return nil
}

// isValidTransition checks whether a status transition is allowed.
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
