package analysis

import (
	"sync"
	"testing"
	"time"

	"github.com/avossen/hookline/internal/models"
)

func TestQuotaLedger_GrantAndReturn(t *testing.T) {
	l := newQuotaLedger(10)

	if got := l.reserve(6); got != 6 {
		t.Errorf("first reserve = %d, want 6", got)
	}
	// Only 4 left; the grant is capped.
	if got := l.reserve(6); got != 4 {
		t.Errorf("second reserve = %d, want 4", got)
	}
	if got := l.reserve(1); got != 0 {
		t.Errorf("exhausted reserve = %d, want 0", got)
	}

	// Returning unused budget makes it grantable again.
	l.consume(6, 2)
	if got := l.reserve(6); got != 4 {
		t.Errorf("reserve after return = %d, want 4", got)
	}
	l.consume(4, 4)
	l.consume(4, 4)

	if got := l.fetchedTotal(); got != 10 {
		t.Errorf("fetched total = %d, want 10", got)
	}
}

func TestQuotaLedger_NeverExceedsCap(t *testing.T) {
	l := newQuotaLedger(10)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			grant := l.reserve(3)
			l.consume(grant, grant)
		}()
	}
	wg.Wait()

	if got := l.fetchedTotal(); got != 10 {
		t.Errorf("fetched total = %d, want exactly the cap 10", got)
	}
}

func TestQuotaLedger_ClampsBadInputs(t *testing.T) {
	l := newQuotaLedger(-5)
	if got := l.reserve(3); got != 0 {
		t.Errorf("reserve on negative cap = %d, want 0", got)
	}

	l = newQuotaLedger(5)
	grant := l.reserve(3)
	l.consume(grant, 99) // used can never exceed the grant
	if got := l.fetchedTotal(); got != 3 {
		t.Errorf("fetched total = %d, want 3", got)
	}
}

func TestCycleState(t *testing.T) {
	now := time.Now()
	window := 24 * time.Hour

	// No cycle yet: start fresh.
	job := &models.AnalysisJob{}
	start, count := cycleState(job, window, now)
	if !start.Equal(now) || count != 0 {
		t.Errorf("fresh job cycle = (%v, %d), want (now, 0)", start, count)
	}

	// Mid-cycle: keep the anchor and the counter.
	anchor := now.Add(-time.Hour)
	job = &models.AnalysisJob{CycleStartedAt: &anchor, ReelsFetchedInCycle: 12}
	start, count = cycleState(job, window, now)
	if !start.Equal(anchor) || count != 12 {
		t.Errorf("mid-cycle = (%v, %d), want (anchor, 12)", start, count)
	}

	// Lapsed window: roll over.
	stale := now.Add(-25 * time.Hour)
	job = &models.AnalysisJob{CycleStartedAt: &stale, ReelsFetchedInCycle: 50}
	start, count = cycleState(job, window, now)
	if !start.Equal(now) || count != 0 {
		t.Errorf("lapsed cycle = (%v, %d), want (now, 0)", start, count)
	}
}
