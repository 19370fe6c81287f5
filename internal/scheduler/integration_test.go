//go:build integration

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/avossen/hookline/internal/db"
	"github.com/avossen/hookline/internal/models"
	"github.com/avossen/hookline/internal/queue"
	"github.com/avossen/hookline/internal/scraper"
	"gorm.io/gorm"
)

// setupTestDB creates a throwaway database on the MySQL server named by the
// HOOKLINE_TEST_DB_* environment variables, migrates it, and drops it when
// the test completes. Skips when no server is reachable.
func setupTestDB(t *testing.T, dbName string) *gorm.DB {
	t.Helper()

	opts := db.ConnectOpts{
		Host: "127.0.0.1",
		Port: 3306,
		User: "root",
	}
	if h := os.Getenv("HOOKLINE_TEST_DB_HOST"); h != "" {
		opts.Host = h
	}
	if p := os.Getenv("HOOKLINE_TEST_DB_PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			t.Fatalf("HOOKLINE_TEST_DB_PORT: %v", err)
		}
		opts.Port = port
	}
	if u := os.Getenv("HOOKLINE_TEST_DB_USER"); u != "" {
		opts.User = u
	}
	opts.Password = os.Getenv("HOOKLINE_TEST_DB_PASSWORD")

	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Skipf("no MySQL server at %s: %v", addr, err)
	}
	conn.Close()

	adminDB, err := db.ConnectAdmin(opts)
	if err != nil {
		t.Fatalf("ConnectAdmin: %v", err)
	}
	if err := db.DropDatabase(adminDB, dbName); err != nil {
		t.Fatalf("DropDatabase: %v", err)
	}
	if err := db.CreateDatabase(adminDB, dbName); err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}
	t.Cleanup(func() {
		db.DropDatabase(adminDB, dbName)
	})

	opts.Name = dbName
	gormDB, err := db.Connect(opts)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return gormDB
}

// TestIntegration_ClaimContention verifies that concurrent claimers never
// hand out the same entry twice. This is the SKIP LOCKED path that SQLite
// unit tests cannot exercise.
func TestIntegration_ClaimContention(t *testing.T) {
	gormDB := setupTestDB(t, "hookline_sched_claim")

	const entries = 20
	const claimers = 8

	base := time.Now().Add(-time.Hour)
	for i := 0; i < entries; i++ {
		seedEntry(t, gormDB, fmt.Sprintf("user%02d", i), 1, "pending", base.Add(time.Duration(i)*time.Second))
	}

	var mu sync.Mutex
	claimCounts := make(map[uint]int)

	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				entry, err := ClaimNext(gormDB)
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return
				}
				if err != nil {
					t.Errorf("ClaimNext: %v", err)
					return
				}
				mu.Lock()
				claimCounts[entry.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimCounts) != entries {
		t.Errorf("claimed %d distinct entries, want %d", len(claimCounts), entries)
	}
	for id, n := range claimCounts {
		if n != 1 {
			t.Errorf("entry %d claimed %d times, want exactly once", id, n)
		}
	}
}

// TestIntegration_AdmissionRace verifies that racing duplicate requests for
// one username produce exactly one queue entry, resolved by the unique
// index on active_key.
func TestIntegration_AdmissionRace(t *testing.T) {
	gormDB := setupTestDB(t, "hookline_sched_adm")

	const racers = 10

	var wg sync.WaitGroup
	admissions := make([]*queue.Admission, racers)
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			admissions[i], errs[i] = queue.Request(gormDB, queue.RequestOpts{Username: "hotshot", Source: "frontend"})
		}(i)
	}
	wg.Wait()

	requestIDs := make(map[string]bool)
	for i := 0; i < racers; i++ {
		if errs[i] != nil {
			t.Fatalf("Request %d: %v", i, errs[i])
		}
		if !admissions[i].Queued {
			t.Errorf("admission %d not queued: %+v", i, admissions[i])
		}
		requestIDs[admissions[i].RequestID] = true
	}
	if len(requestIDs) != 1 {
		t.Errorf("request IDs = %d distinct values, want 1 (all racers see the winner)", len(requestIDs))
	}

	var count int64
	gormDB.Model(&models.QueueEntry{}).Where("username = ?", "hotshot").Count(&count)
	if count != 1 {
		t.Errorf("entries = %d, want 1", count)
	}
}

// TestIntegration_DispatchRoundTrip runs admission → claim → dispatch against
// real MySQL, covering the ON DUPLICATE KEY upsert SQL for profiles and reels.
func TestIntegration_DispatchRoundTrip(t *testing.T) {
	gormDB := setupTestDB(t, "hookline_sched_rt")

	adm, err := queue.Request(gormDB, queue.RequestOpts{Username: "alice", Source: "frontend"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !adm.Queued {
		t.Fatalf("admission = %+v, want queued", adm)
	}

	mock := scraper.NewMock()
	mock.AddProfile("alice", 5000,
		scraper.ContentItem{ID: "a1", Caption: "first", ViewCount: 100, OutlierScore: 2.5},
		scraper.ContentItem{ID: "a2", Caption: "second", ViewCount: 40, OutlierScore: 0.9},
	)
	mock.Similar["alice"] = []string{"bob"}

	entry, err := ClaimNext(gormDB)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := Dispatch(context.Background(), gormDB, mock, entry, DispatchOpts{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	var stored models.QueueEntry
	if err := gormDB.First(&stored, entry.ID).Error; err != nil {
		t.Fatalf("reload entry: %v", err)
	}
	if stored.Status != "completed" || stored.ActiveKey != nil {
		t.Errorf("entry = {status=%q active=%v}, want completed with slot released", stored.Status, stored.ActiveKey)
	}

	var profile models.Profile
	if err := gormDB.First(&profile, "username = ?", "alice").Error; err != nil {
		t.Fatalf("profile not written: %v", err)
	}
	if profile.Followers != 5000 {
		t.Errorf("Followers = %d, want 5000", profile.Followers)
	}

	var reels int64
	gormDB.Model(&models.Reel{}).Where("username = ?", "alice").Count(&reels)
	if reels != 2 {
		t.Errorf("reels = %d, want 2", reels)
	}

	// Dispatch again with changed metrics: the reel upsert must refresh
	// rather than duplicate.
	mock.AddProfile("alice", 6000, scraper.ContentItem{ID: "a1", Caption: "first", ViewCount: 300, OutlierScore: 4.0})
	if err := UpsertReels(gormDB, "alice", mock.Content["alice"]); err != nil {
		t.Fatalf("UpsertReels: %v", err)
	}
	var reel models.Reel
	if err := gormDB.First(&reel, "content_id = ?", "a1").Error; err != nil {
		t.Fatalf("reload reel: %v", err)
	}
	if reel.ViewCount != 300 {
		t.Errorf("ViewCount = %d, want 300 after refresh", reel.ViewCount)
	}
}
