package scheduler

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/avossen/hookline/internal/models"
	"gorm.io/gorm"
)

// ageEntry rewinds an entry's last attempt timestamp.
func ageEntry(t *testing.T, db *gorm.DB, entry *models.QueueEntry, age time.Duration) {
	t.Helper()
	stale := time.Now().Add(-age)
	if err := db.Model(entry).Update("last_attempt_at", stale).Error; err != nil {
		t.Fatalf("age entry %s: %v", entry.Username, err)
	}
}

func TestSweepStuck_FindsStaleProcessing(t *testing.T) {
	db := testDB(t)

	seedEntry(t, db, "fresh", 1, "processing", time.Now())
	stale := seedEntry(t, db, "stale", 1, "processing", time.Now())
	ageEntry(t, db, stale, 15*time.Minute)
	staler := seedEntry(t, db, "staler", 1, "processing", time.Now())
	ageEntry(t, db, staler, 25*time.Minute)

	stuck, err := SweepStuck(db, 10*time.Minute)
	if err != nil {
		t.Fatalf("SweepStuck: %v", err)
	}
	if len(stuck) != 2 {
		t.Fatalf("stuck = %d entries, want 2", len(stuck))
	}
	// Oldest first.
	if stuck[0].Username != "staler" || stuck[1].Username != "stale" {
		t.Errorf("order = [%s %s], want [staler stale]", stuck[0].Username, stuck[1].Username)
	}

	// Detection only: statuses must be untouched.
	for _, username := range []string{"stale", "staler"} {
		var entry models.QueueEntry
		db.First(&entry, "username = ?", username)
		if entry.Status != "processing" {
			t.Errorf("%s status = %q, want processing (sweep must not recover)", username, entry.Status)
		}
	}
}

func TestSweepStuck_IgnoresOtherStatuses(t *testing.T) {
	db := testDB(t)

	old := time.Now().Add(-time.Hour)
	seedEntry(t, db, "waiting", 1, "pending", old)
	failed := seedEntry(t, db, "broken", 1, "failed", old)
	db.Model(failed).Update("last_attempt_at", old)

	stuck, err := SweepStuck(db, 10*time.Minute)
	if err != nil {
		t.Fatalf("SweepStuck: %v", err)
	}
	if len(stuck) != 0 {
		t.Errorf("stuck = %d entries, want 0", len(stuck))
	}
}

func TestSweepStuck_DefaultThreshold(t *testing.T) {
	db := testDB(t)
	entry := seedEntry(t, db, "wedged", 1, "processing", time.Now())
	ageEntry(t, db, entry, 15*time.Minute)

	stuck, err := SweepStuck(db, 0)
	if err != nil {
		t.Fatalf("SweepStuck: %v", err)
	}
	if len(stuck) != 1 {
		t.Errorf("stuck = %d entries, want 1 under default threshold", len(stuck))
	}
}

func TestSweepStuck_NilDB(t *testing.T) {
	if _, err := SweepStuck(nil, time.Minute); err == nil {
		t.Fatal("expected error for nil db")
	}
}

func TestForceRetry_FailedEntry(t *testing.T) {
	db := testDB(t)
	entry := seedEntry(t, db, "broken", 1, "failed", time.Now().Add(-time.Hour))
	db.Model(entry).Updates(map[string]interface{}{
		"attempts":      3,
		"error_message": "scrape profile broken: upstream status 502",
	})

	retried, err := ForceRetry(db, "broken")
	if err != nil {
		t.Fatalf("ForceRetry: %v", err)
	}
	if retried.Status != "pending" {
		t.Errorf("Status = %q, want pending", retried.Status)
	}
	if retried.ActiveKey == nil || *retried.ActiveKey != "broken" {
		t.Error("ActiveKey not restored")
	}

	var stored models.QueueEntry
	if err := db.First(&stored, entry.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Status != "pending" || stored.ErrorMessage != "" || stored.NextAttemptAt != nil {
		t.Errorf("stored = {status=%q error=%q next=%v}, want clean pending",
			stored.Status, stored.ErrorMessage, stored.NextAttemptAt)
	}

	// The retry grants an attempt beyond the spent budget.
	claimed, err := ClaimNext(db)
	if err != nil {
		t.Fatalf("ClaimNext after force retry: %v", err)
	}
	if claimed.ID != entry.ID || claimed.Attempts != 4 {
		t.Errorf("claimed id=%d attempts=%d, want id=%d attempts=4", claimed.ID, claimed.Attempts, entry.ID)
	}
}

func TestForceRetry_StuckProcessing(t *testing.T) {
	db := testDB(t)
	entry := seedEntry(t, db, "wedged", 1, "processing", time.Now())
	ageEntry(t, db, entry, 20*time.Minute)

	retried, err := ForceRetry(db, "wedged")
	if err != nil {
		t.Fatalf("ForceRetry: %v", err)
	}
	if retried.Status != "pending" {
		t.Errorf("Status = %q, want pending", retried.Status)
	}

	claimed, err := ClaimNext(db)
	if err != nil {
		t.Fatalf("ClaimNext after force retry: %v", err)
	}
	if claimed.Username != "wedged" {
		t.Errorf("claimed %s, want wedged", claimed.Username)
	}
}

func TestForceRetry_RejectsTerminalAndQueued(t *testing.T) {
	db := testDB(t)
	done := seedEntry(t, db, "done", 1, "completed", time.Now())
	now := time.Now()
	db.Model(done).Update("completed_at", &now)
	seedEntry(t, db, "queued", 1, "pending", time.Now())

	for _, username := range []string{"done", "queued"} {
		if _, err := ForceRetry(db, username); err == nil {
			t.Errorf("ForceRetry(%s) succeeded, want status rejection", username)
		}
	}
}

func TestForceRetry_UnknownUsername(t *testing.T) {
	db := testDB(t)
	_, err := ForceRetry(db, "ghost")
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("error = %v, want ErrRecordNotFound", err)
	}
}

func TestForceRetry_NewerEntryHoldsSlot(t *testing.T) {
	db := testDB(t)

	// A paused entry keeps the username's active slot; a later failed entry
	// (bulk-imported) cannot be force-retried past it.
	seedEntry(t, db, "contested", 1, "paused", time.Now().Add(-2*time.Hour))
	seedEntry(t, db, "contested", 1, "failed", time.Now().Add(-time.Hour))

	_, err := ForceRetry(db, "contested")
	if err == nil {
		t.Fatal("expected active-slot conflict")
	}
	if !strings.Contains(err.Error(), "a newer entry is active") {
		t.Errorf("error = %v, want active-slot conflict message", err)
	}
}
