package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/avossen/hookline/internal/models"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// testDB creates an in-memory SQLite database with all hookline tables.
// The pool is pinned to one connection so every goroutine sees the same
// in-memory database.
func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap test db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&models.QueueEntry{},
		&models.Profile{},
		&models.Reel{},
		&models.AnalysisJob{},
		&models.CompetitorSelection{},
		&models.AnalysisRun{},
		&models.AnalyzedReel{},
	); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

// seedEntry inserts a queue entry directly, bypassing the admission guard.
func seedEntry(t *testing.T, db *gorm.DB, username string, priority int, status string, submittedAt time.Time) *models.QueueEntry {
	t.Helper()
	entry := &models.QueueEntry{
		Username:    username,
		Source:      "frontend",
		Priority:    priority,
		Status:      status,
		MaxAttempts: 3,
		RequestID:   uuid.NewString(),
		SubmittedAt: submittedAt,
	}
	if status == "pending" || status == "processing" || status == "paused" {
		active := username
		entry.ActiveKey = &active
	}
	if status == "processing" {
		now := time.Now()
		entry.LastAttemptAt = &now
		entry.Attempts = 1
	}
	if err := db.Create(entry).Error; err != nil {
		t.Fatalf("seed entry %s: %v", username, err)
	}
	return entry
}

func TestClaimNext_Empty(t *testing.T) {
	db := testDB(t)
	_, err := ClaimNext(db)
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("error = %v, want ErrRecordNotFound", err)
	}
}

func TestClaimNext_HighBeforeLow(t *testing.T) {
	db := testDB(t)
	base := time.Now().Add(-time.Hour)

	// The low entry is older; priority must still win.
	seedEntry(t, db, "lowfirst", 2, "pending", base)
	seedEntry(t, db, "highlater", 1, "pending", base.Add(30*time.Minute))

	entry, err := ClaimNext(db)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if entry.Username != "highlater" {
		t.Errorf("claimed %q, want highlater (high priority preempts)", entry.Username)
	}
}

func TestClaimNext_FIFOWithinTier(t *testing.T) {
	db := testDB(t)
	base := time.Now().Add(-time.Hour)

	seedEntry(t, db, "second", 1, "pending", base.Add(time.Minute))
	seedEntry(t, db, "first", 1, "pending", base)

	entry, err := ClaimNext(db)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if entry.Username != "first" {
		t.Errorf("claimed %q, want first (earlier submission)", entry.Username)
	}
}

func TestClaimNext_DrainsAllHighBeforeAnyLow(t *testing.T) {
	db := testDB(t)
	base := time.Now().Add(-time.Hour)

	seedEntry(t, db, "low1", 2, "pending", base)
	seedEntry(t, db, "high1", 1, "pending", base.Add(10*time.Minute))
	seedEntry(t, db, "high2", 1, "pending", base.Add(20*time.Minute))

	var order []string
	for i := 0; i < 3; i++ {
		entry, err := ClaimNext(db)
		if err != nil {
			t.Fatalf("ClaimNext #%d: %v", i+1, err)
		}
		order = append(order, entry.Username)
	}

	want := []string{"high1", "high2", "low1"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("claim order = %v, want %v", order, want)
		}
	}
}

func TestClaimNext_MarksProcessing(t *testing.T) {
	db := testDB(t)
	seedEntry(t, db, "alice", 1, "pending", time.Now())

	entry, err := ClaimNext(db)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if entry.Status != "processing" {
		t.Errorf("Status = %q, want processing", entry.Status)
	}
	if entry.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", entry.Attempts)
	}
	if entry.LastAttemptAt == nil {
		t.Error("LastAttemptAt not set")
	}

	var stored models.QueueEntry
	if err := db.First(&stored, entry.ID).Error; err != nil {
		t.Fatalf("reload entry: %v", err)
	}
	if stored.Status != "processing" || stored.Attempts != 1 {
		t.Errorf("stored status/attempts = %s/%d, want processing/1", stored.Status, stored.Attempts)
	}
}

func TestClaimNext_SkipsBackoffWindow(t *testing.T) {
	db := testDB(t)
	entry := seedEntry(t, db, "cooling", 1, "pending", time.Now().Add(-time.Hour))
	future := time.Now().Add(5 * time.Minute)
	if err := db.Model(entry).Update("next_attempt_at", future).Error; err != nil {
		t.Fatalf("set backoff: %v", err)
	}

	if _, err := ClaimNext(db); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("claimed entry inside backoff window, err = %v", err)
	}
}

func TestClaimNext_EligibleAfterBackoffElapsed(t *testing.T) {
	db := testDB(t)
	entry := seedEntry(t, db, "cooled", 1, "pending", time.Now().Add(-time.Hour))
	past := time.Now().Add(-time.Second)
	if err := db.Model(entry).Update("next_attempt_at", past).Error; err != nil {
		t.Fatalf("set backoff: %v", err)
	}

	claimed, err := ClaimNext(db)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed.Username != "cooled" {
		t.Errorf("claimed %q, want cooled", claimed.Username)
	}
	if claimed.NextAttemptAt != nil {
		t.Error("NextAttemptAt not cleared on claim")
	}
}

func TestClaimNext_SkipsNonPending(t *testing.T) {
	db := testDB(t)
	seedEntry(t, db, "busy", 1, "processing", time.Now().Add(-time.Minute))
	seedEntry(t, db, "parked", 1, "paused", time.Now().Add(-time.Minute))

	// Terminal entries hold no active slot.
	done := seedEntry(t, db, "done", 1, "completed", time.Now().Add(-time.Minute))
	db.Model(done).Update("active_key", nil)
	dead := seedEntry(t, db, "dead", 1, "failed", time.Now().Add(-time.Minute))
	db.Model(dead).Update("active_key", nil)

	if _, err := ClaimNext(db); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("claimed a non-pending entry, err = %v", err)
	}
}

func TestClaimNext_NilDB(t *testing.T) {
	if _, err := ClaimNext(nil); err == nil {
		t.Fatal("expected error for nil db")
	}
}
