package analysis

import (
	"sync"
	"time"

	"github.com/avossen/hookline/internal/models"
)

// quotaLedger hands out reel-fetch budget to concurrent per-username
// fetches. Budget is reserved before a fetch and the unused portion
// returned after, so the cycle counter can never exceed the cap no matter
// how the fan-out interleaves.
type quotaLedger struct {
	mu        sync.Mutex
	remaining int
	fetched   int
}

func newQuotaLedger(remaining int) *quotaLedger {
	if remaining < 0 {
		remaining = 0
	}
	return &quotaLedger{remaining: remaining}
}

// reserve grants up to n units of fetch budget. A zero grant means the
// cycle quota is exhausted and the caller must serve from cache.
func (l *quotaLedger) reserve(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > l.remaining {
		n = l.remaining
	}
	if n < 0 {
		n = 0
	}
	l.remaining -= n
	return n
}

// consume records how much of a grant was actually used; the surplus goes
// back to the pool.
func (l *quotaLedger) consume(grant, used int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if used > grant {
		used = grant
	}
	if used < 0 {
		used = 0
	}
	l.fetched += used
	l.remaining += grant - used
}

// fetchedTotal reports how many reels were fetched through this ledger.
func (l *quotaLedger) fetchedTotal() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fetched
}

// cycleState returns the job's quota-cycle anchor and the reels already
// fetched within it, rolling over to a fresh cycle when the window has
// lapsed (or was never started).
func cycleState(job *models.AnalysisJob, window time.Duration, now time.Time) (time.Time, int) {
	if job.CycleStartedAt == nil || now.Sub(*job.CycleStartedAt) >= window {
		return now, 0
	}
	return *job.CycleStartedAt, job.ReelsFetchedInCycle
}
