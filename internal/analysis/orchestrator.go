package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/avossen/hookline/internal/alerts"
	"github.com/avossen/hookline/internal/models"
	"github.com/avossen/hookline/internal/scheduler"
	"github.com/avossen/hookline/internal/scraper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Tuning defaults for the run pipeline.
const (
	DefaultPrimaryReels    = 3
	DefaultCompetitorReels = 5
	DefaultMinTranscripts  = 4
	DefaultFallbackBudget  = 5
	DefaultQuotaCap        = 50
	DefaultQuotaWindow     = 24 * time.Hour
	DefaultContentLimit    = 24
	DefaultProfileTTL      = 24 * time.Hour
)

// ErrImmutableRun is returned when an update targets a run that already
// reached completed or failed. Terminal runs are never edited.
var ErrImmutableRun = errors.New("analysis: run is immutable once terminal")

// Opts holds the orchestrator's tuning knobs. Zero values take the
// defaults above.
type Opts struct {
	// PrimaryReels and CompetitorReels bound how many reels are selected
	// per account into a run.
	PrimaryReels    int
	CompetitorReels int

	// MinTranscripts is the floor below which fallback candidates are
	// tried; FallbackBudget caps how many extra transcript fetches the
	// fallback may spend per run.
	MinTranscripts int
	FallbackBudget int

	// QuotaCap limits reels fetched per job per QuotaWindow. Exhausted
	// quota serves selection from the reel cache instead of failing.
	QuotaCap    int
	QuotaWindow time.Duration

	// ContentLimit is the per-account fetch size requested upstream.
	ContentLimit int

	// ProfileTTL is how long a cached profile stays fresh before a run
	// re-scrapes it.
	ProfileTTL time.Duration

	// WorkflowVersion tags the stub analyzer's payload.
	WorkflowVersion string

	Analyzer Analyzer
	Notifier alerts.Notifier
	Log      *zap.Logger
}

func (o *Opts) applyDefaults() {
	if o.PrimaryReels <= 0 {
		o.PrimaryReels = DefaultPrimaryReels
	}
	if o.CompetitorReels <= 0 {
		o.CompetitorReels = DefaultCompetitorReels
	}
	if o.MinTranscripts <= 0 {
		o.MinTranscripts = DefaultMinTranscripts
	}
	if o.FallbackBudget <= 0 {
		o.FallbackBudget = DefaultFallbackBudget
	}
	if o.QuotaCap <= 0 {
		o.QuotaCap = DefaultQuotaCap
	}
	if o.QuotaWindow <= 0 {
		o.QuotaWindow = DefaultQuotaWindow
	}
	if o.ContentLimit <= 0 {
		o.ContentLimit = DefaultContentLimit
	}
	if o.ProfileTTL <= 0 {
		o.ProfileTTL = DefaultProfileTTL
	}
	if o.Analyzer == nil {
		o.Analyzer = StubAnalyzer{WorkflowVersion: o.WorkflowVersion}
	}
	if o.Notifier == nil {
		o.Notifier = alerts.Nop{}
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
}

// Orchestrator executes analysis runs: claim the job, fetch reels for the
// primary and competitors under quota, select top performers, transcribe,
// analyze, and record the result.
type Orchestrator struct {
	db     *gorm.DB
	client scraper.Client
	opts   Opts
}

// NewOrchestrator builds an orchestrator over the given database and
// scrape client.
func NewOrchestrator(db *gorm.DB, client scraper.Client, opts Opts) *Orchestrator {
	opts.applyDefaults()
	return &Orchestrator{db: db, client: client, opts: opts}
}

// RunAnalysis executes one run of the job. If the job is already
// processing, it returns the in-flight run (nil if none) without starting
// a second one. A pipeline failure marks both the run and the job failed
// and returns the run alongside the error.
func (o *Orchestrator) RunAnalysis(ctx context.Context, jobID uint) (*models.AnalysisRun, error) {
	job, claimed, err := o.claimJob(jobID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return o.latestRun(job.ID)
	}

	run, err := o.createRun(job)
	if err != nil {
		// Claim succeeded but no run exists; release the job.
		o.failJob(job, err)
		return nil, err
	}

	o.opts.Log.Info("analysis run started",
		zap.Uint("job_id", job.ID),
		zap.String("session_id", job.SessionID),
		zap.Int("run_number", run.RunNumber),
	)

	if err := o.pipeline(ctx, job, run); err != nil {
		o.failRun(ctx, job, run, err)
		return run, err
	}
	return run, nil
}

// claimJob flips the job to processing if its status allows a new run.
// The conditional update is the claim: concurrent callers race on it and
// exactly one wins.
func (o *Orchestrator) claimJob(jobID uint) (*models.AnalysisJob, bool, error) {
	res := o.db.Model(&models.AnalysisJob{}).
		Where("id = ? AND status IN ?", jobID, claimableStatuses).
		Updates(map[string]interface{}{
			"status":        "processing",
			"current_step":  "claimed",
			"progress_pct":  0,
			"error_message": "",
		})
	if res.Error != nil {
		return nil, false, fmt.Errorf("analysis: claim job %d: %w", jobID, res.Error)
	}

	var job models.AnalysisJob
	if err := o.db.Preload("Competitors").First(&job, jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, fmt.Errorf("analysis: job %d not found: %w", jobID, err)
		}
		return nil, false, fmt.Errorf("analysis: load job %d: %w", jobID, err)
	}
	if res.RowsAffected == 0 {
		return &job, false, nil
	}
	return &job, true, nil
}

// createRun appends the next run row for the job. Run numbers continue
// from the highest ever issued, so a failed run's number is not reused.
func (o *Orchestrator) createRun(job *models.AnalysisJob) (*models.AnalysisRun, error) {
	var lastNumber int
	err := o.db.Model(&models.AnalysisRun{}).
		Where("job_id = ?", job.ID).
		Select("COALESCE(MAX(run_number), 0)").
		Scan(&lastNumber).Error
	if err != nil {
		return nil, fmt.Errorf("analysis: last run number for job %d: %w", job.ID, err)
	}

	analysisType := "recurring"
	if lastNumber == 0 {
		analysisType = "initial"
	}
	now := time.Now()
	run := models.AnalysisRun{
		JobID:        job.ID,
		RunNumber:    lastNumber + 1,
		AnalysisType: analysisType,
		Status:       "pending",
		StartedAt:    &now,
	}
	if err := o.db.Create(&run).Error; err != nil {
		return nil, fmt.Errorf("analysis: create run %d for job %d: %w", run.RunNumber, job.ID, err)
	}
	return &run, nil
}

// latestRun returns the job's most recent run, or nil if it has none.
func (o *Orchestrator) latestRun(jobID uint) (*models.AnalysisRun, error) {
	var run models.AnalysisRun
	err := o.db.Where("job_id = ?", jobID).Order("run_number DESC").First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("analysis: latest run for job %d: %w", jobID, err)
	}
	return &run, nil
}

// pipeline is the run body: fetch, select, transcribe, analyze, complete.
func (o *Orchestrator) pipeline(ctx context.Context, job *models.AnalysisJob, run *models.AnalysisRun) error {
	o.setProgress(job.ID, 10, "fetching reels")

	results, fetchedNow, cycleStart, already := o.fanOutFetches(ctx, job)
	if fetchedNow > 0 {
		now := time.Now()
		err := o.db.Model(&models.AnalysisJob{}).Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"reels_fetched_in_cycle": already + fetchedNow,
				"cycle_started_at":       cycleStart,
				"last_reel_fetch_at":     now,
			}).Error
		if err != nil {
			return fmt.Errorf("analysis: record fetch cycle for job %d: %w", job.ID, err)
		}
	}

	// The primary account is not optional: without its reels there is
	// nothing to compare competitors against.
	if primary := results[job.PrimaryUsername]; primary == nil || primary.err != nil {
		if primary == nil {
			return fmt.Errorf("analysis: no fetch result for primary %s", job.PrimaryUsername)
		}
		return fmt.Errorf("analysis: primary %s: %w", job.PrimaryUsername, primary.err)
	}

	o.setProgress(job.ID, 40, "selecting reels")
	selected, pools, err := o.selectReels(job, run, results)
	if err != nil {
		return err
	}
	if len(selected) == 0 {
		return fmt.Errorf("analysis: no reels selected for job %d", job.ID)
	}

	o.setProgress(job.ID, 60, "fetching transcripts")
	if err := o.updateRun(run, map[string]interface{}{"status": "transcribing"}); err != nil {
		return err
	}
	transcripts, err := o.fetchTranscripts(ctx, run, selected, pools)
	if err != nil {
		return err
	}

	o.setProgress(job.ID, 80, "analyzing")
	if err := o.updateRun(run, map[string]interface{}{"status": "analyzing"}); err != nil {
		return err
	}
	bundle, primaryCount, competitorCount, err := o.buildBundle(job, run)
	if err != nil {
		return err
	}
	data, err := o.opts.Analyzer.Analyze(ctx, bundle)
	if err != nil {
		return fmt.Errorf("analysis: analyze run %d: %w", run.ID, err)
	}
	if err := verifyWorkflowVersion(data); err != nil {
		return err
	}

	now := time.Now()
	err = o.updateRun(run, map[string]interface{}{
		"status":                 "completed",
		"completed_at":           now,
		"analysis_data":          data,
		"total_reels_analyzed":   len(bundle.Reels),
		"primary_reels_count":    primaryCount,
		"competitor_reels_count": competitorCount,
		"transcripts_fetched":    transcripts,
	})
	if err != nil {
		return err
	}

	jobUpdates := map[string]interface{}{
		"status":       "completed",
		"progress_pct": 100,
		"current_step": "",
		"total_runs":   gorm.Expr("total_runs + 1"),
	}
	if job.AutoRerunEnabled {
		next := now.Add(time.Duration(job.RerunFrequencyHours) * time.Hour)
		jobUpdates["next_scheduled_run"] = next
	}
	err = o.db.Model(&models.AnalysisJob{}).Where("id = ?", job.ID).Updates(jobUpdates).Error
	if err != nil {
		return fmt.Errorf("analysis: complete job %d: %w", job.ID, err)
	}

	o.opts.Log.Info("analysis run completed",
		zap.Uint("job_id", job.ID),
		zap.Int("run_number", run.RunNumber),
		zap.Int("reels", len(bundle.Reels)),
		zap.Int("transcripts", transcripts),
	)
	return nil
}

// fetchResult is one account's reel fetch outcome.
type fetchResult struct {
	username  string
	reels     []models.Reel
	fromCache bool
	err       error
}

// fanOutFetches fetches reels for the primary and every active competitor
// concurrently, sharing the job's remaining cycle quota through a ledger.
// It returns the per-username results, the number of reels actually
// fetched upstream, and the cycle anchor those fetches count against.
func (o *Orchestrator) fanOutFetches(ctx context.Context, job *models.AnalysisJob) (map[string]*fetchResult, int, time.Time, int) {
	cycleStart, already := cycleState(job, o.opts.QuotaWindow, time.Now())
	ledger := newQuotaLedger(o.opts.QuotaCap - already)

	usernames := []string{job.PrimaryUsername}
	for _, sel := range job.Competitors {
		if sel.IsActive {
			usernames = append(usernames, sel.Username)
		}
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]*fetchResult, len(usernames))
	)
	for _, username := range usernames {
		wg.Add(1)
		go func(username string) {
			defer wg.Done()
			res := o.fetchOne(ctx, username, ledger)
			mu.Lock()
			results[username] = res
			mu.Unlock()
		}(username)
	}
	wg.Wait()

	for _, sel := range job.Competitors {
		res := results[sel.Username]
		if res == nil {
			continue
		}
		status, message := "fetched", ""
		if res.err != nil {
			status, message = "failed", res.err.Error()
		}
		err := o.db.Model(&models.CompetitorSelection{}).Where("id = ?", sel.ID).
			Updates(map[string]interface{}{
				"processing_status": status,
				"error_message":     message,
			}).Error
		if err != nil {
			o.opts.Log.Warn("competitor status update failed",
				zap.String("username", sel.Username), zap.Error(err))
		}
	}
	return results, ledger.fetchedTotal(), cycleStart, already
}

// fetchOne fetches fresh reels for one account if quota allows, then reads
// the account's full reel cache. Cache rows satisfy the fetch even when
// the upstream call failed or the quota was exhausted.
func (o *Orchestrator) fetchOne(ctx context.Context, username string, ledger *quotaLedger) *fetchResult {
	res := &fetchResult{username: username}

	if err := o.ensureProfile(ctx, username); err != nil {
		res.err = err
		return res
	}

	grant := ledger.reserve(o.opts.ContentLimit)
	if grant > 0 {
		items, err := o.client.FetchContent(ctx, username, grant)
		if err != nil {
			ledger.consume(grant, 0)
			o.opts.Log.Warn("content fetch failed, falling back to cache",
				zap.String("username", username), zap.Error(err))
			res.err = fmt.Errorf("analysis: fetch content for %s: %w", username, err)
		} else {
			ledger.consume(grant, len(items))
			if err := scheduler.UpsertReels(o.db, username, items); err != nil {
				res.err = err
			}
		}
	} else {
		res.fromCache = true
	}

	var reels []models.Reel
	if err := o.db.Where("username = ?", username).Find(&reels).Error; err != nil {
		res.err = fmt.Errorf("analysis: read reel cache for %s: %w", username, err)
		return res
	}
	if len(reels) > 0 {
		res.reels = reels
		res.err = nil
		return res
	}
	if res.err == nil {
		res.err = fmt.Errorf("analysis: no reels available for %s", username)
	}
	return res
}

// ensureProfile scrapes the account's profile unless a fresh cached row
// exists. Profile freshness is time-based, separate from the reel quota.
func (o *Orchestrator) ensureProfile(ctx context.Context, username string) error {
	var profile models.Profile
	err := o.db.Where("username = ?", username).First(&profile).Error
	if err == nil && time.Since(profile.ScrapedAt) < o.opts.ProfileTTL {
		return nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("analysis: read profile %s: %w", username, err)
	}

	data, err := o.client.FetchProfile(ctx, username)
	if err != nil {
		// A stale profile is still a profile; only a missing one blocks.
		if profile.Username != "" {
			o.opts.Log.Warn("profile refresh failed, using stale row",
				zap.String("username", username), zap.Error(err))
			return nil
		}
		return fmt.Errorf("analysis: fetch profile %s: %w", username, err)
	}
	return scheduler.UpsertProfile(o.db, data)
}

// selectReels ranks each successfully fetched account's reels and inserts
// the top slice as the run's analyzed reels. It returns the inserted rows
// plus each account's leftover candidates for transcript fallback.
func (o *Orchestrator) selectReels(job *models.AnalysisJob, run *models.AnalysisRun, results map[string]*fetchResult) ([]models.AnalyzedReel, map[string][]models.Reel, error) {
	var rows []models.AnalyzedReel
	pools := make(map[string][]models.Reel)

	for username, res := range results {
		if res.err != nil {
			o.opts.Log.Warn("skipping account in selection",
				zap.String("username", username), zap.Error(res.err))
			continue
		}
		reelType, limit := "competitor", o.opts.CompetitorReels
		if username == job.PrimaryUsername {
			reelType, limit = "primary", o.opts.PrimaryReels
		}

		ranked := rankReels(res.reels)
		if len(ranked) > limit {
			pools[username] = ranked[limit:]
			ranked = ranked[:limit]
		}
		for i, reel := range ranked {
			rows = append(rows, models.AnalyzedReel{
				RunID:            run.ID,
				ContentID:        reel.ContentID,
				ReelType:         reelType,
				Username:         username,
				Rank:             i + 1,
				ViewCount:        reel.ViewCount,
				LikeCount:        reel.LikeCount,
				CommentCount:     reel.CommentCount,
				OutlierScore:     reel.OutlierScore,
				TranscriptStatus: "pending",
			})
		}
	}

	// Map iteration order is random; fix the insert order so ranks read
	// deterministically: primary first, then competitors by name.
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ReelType != rows[j].ReelType {
			return rows[i].ReelType == "primary"
		}
		if rows[i].Username != rows[j].Username {
			return rows[i].Username < rows[j].Username
		}
		return rows[i].Rank < rows[j].Rank
	})

	var selected []models.AnalyzedReel
	for i := range rows {
		if err := o.db.Create(&rows[i]).Error; err != nil {
			// The same content can rank for two accounts; first insert wins.
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				continue
			}
			return nil, nil, fmt.Errorf("analysis: select reel %s: %w", rows[i].ContentID, err)
		}
		selected = append(selected, rows[i])
	}
	return selected, pools, nil
}

// rankReels orders candidates by outlier score, breaking ties on views.
func rankReels(reels []models.Reel) []models.Reel {
	ranked := make([]models.Reel, len(reels))
	copy(ranked, reels)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].OutlierScore != ranked[j].OutlierScore {
			return ranked[i].OutlierScore > ranked[j].OutlierScore
		}
		return ranked[i].ViewCount > ranked[j].ViewCount
	})
	return ranked
}

// fetchTranscripts transcribes every selected reel, then tops up from each
// account's leftover candidates if fewer than MinTranscripts succeeded.
// Fallback fetches are bounded by FallbackBudget; an unmet floor after the
// budget is spent is not an error.
func (o *Orchestrator) fetchTranscripts(ctx context.Context, run *models.AnalysisRun, selected []models.AnalyzedReel, pools map[string][]models.Reel) (int, error) {
	succeeded := 0
	var failed []int
	for i := range selected {
		ok, err := o.transcribeReel(ctx, &selected[i])
		if err != nil {
			return succeeded, err
		}
		if ok {
			succeeded++
		} else {
			failed = append(failed, i)
		}
	}

	budget := o.opts.FallbackBudget
	for _, idx := range failed {
		if succeeded >= o.opts.MinTranscripts || budget <= 0 {
			break
		}
		reel := &selected[idx]
		pool := pools[reel.Username]
		for len(pool) > 0 && budget > 0 {
			candidate := pool[0]
			pool = pool[1:]
			budget--

			segments, err := o.client.FetchTranscript(ctx, candidate.ContentID)
			if err != nil {
				o.opts.Log.Warn("fallback transcript failed",
					zap.String("content_id", candidate.ContentID), zap.Error(err))
				continue
			}
			applied, err := o.replaceReel(run, reel, candidate, segments)
			if err != nil {
				return succeeded, err
			}
			if !applied {
				continue
			}
			succeeded++
			break
		}
		pools[reel.Username] = pool
	}

	if succeeded < o.opts.MinTranscripts {
		o.opts.Log.Warn("transcript floor unmet, proceeding",
			zap.Uint("run_id", run.ID),
			zap.Int("got", succeeded),
			zap.Int("want", o.opts.MinTranscripts),
		)
	}
	return succeeded, nil
}

// transcribeReel fetches one reel's transcript and records the outcome on
// its row. A fetch failure marks the row failed and reports ok=false; only
// database errors propagate.
func (o *Orchestrator) transcribeReel(ctx context.Context, reel *models.AnalyzedReel) (bool, error) {
	segments, err := o.client.FetchTranscript(ctx, reel.ContentID)
	if err != nil {
		o.opts.Log.Warn("transcript fetch failed",
			zap.String("content_id", reel.ContentID), zap.Error(err))
		dbErr := o.db.Model(&models.AnalyzedReel{}).Where("id = ?", reel.ID).
			Update("transcript_status", "failed").Error
		if dbErr != nil {
			return false, fmt.Errorf("analysis: mark transcript failed for %s: %w", reel.ContentID, dbErr)
		}
		reel.TranscriptStatus = "failed"
		return false, nil
	}

	encoded, err := json.Marshal(segments)
	if err != nil {
		return false, fmt.Errorf("analysis: encode transcript for %s: %w", reel.ContentID, err)
	}
	hook := hookFrom(segments)
	err = o.db.Model(&models.AnalyzedReel{}).Where("id = ?", reel.ID).
		Updates(map[string]interface{}{
			"transcript_status": "fetched",
			"transcript":        string(encoded),
			"hook_text":         hook,
		}).Error
	if err != nil {
		return false, fmt.Errorf("analysis: store transcript for %s: %w", reel.ContentID, err)
	}
	reel.TranscriptStatus = "fetched"
	reel.Transcript = string(encoded)
	reel.HookText = hook
	return true, nil
}

// replaceReel swaps a transcript-less selection for a fallback candidate
// in place: same row, same rank, new content and metrics. It reports false
// if the candidate is already selected elsewhere in the run.
func (o *Orchestrator) replaceReel(run *models.AnalysisRun, reel *models.AnalyzedReel, candidate models.Reel, segments []scraper.TranscriptSegment) (bool, error) {
	encoded, err := json.Marshal(segments)
	if err != nil {
		return false, fmt.Errorf("analysis: encode transcript for %s: %w", candidate.ContentID, err)
	}
	hook := hookFrom(segments)
	err = o.db.Model(&models.AnalyzedReel{}).Where("id = ?", reel.ID).
		Updates(map[string]interface{}{
			"content_id":        candidate.ContentID,
			"view_count":        candidate.ViewCount,
			"like_count":        candidate.LikeCount,
			"comment_count":     candidate.CommentCount,
			"outlier_score":     candidate.OutlierScore,
			"transcript_status": "fetched",
			"transcript":        string(encoded),
			"hook_text":         hook,
		}).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, fmt.Errorf("analysis: replace reel %s in run %d: %w", reel.ContentID, run.ID, err)
	}
	reel.ContentID = candidate.ContentID
	reel.TranscriptStatus = "fetched"
	reel.Transcript = string(encoded)
	reel.HookText = hook
	return true, nil
}

// hookFrom extracts the opening line of a transcript.
func hookFrom(segments []scraper.TranscriptSegment) string {
	if len(segments) == 0 {
		return ""
	}
	return segments[0].Text
}

// buildBundle reloads the run's analyzed reels and assembles the analyzer
// input. It returns the bundle plus the primary/competitor split.
func (o *Orchestrator) buildBundle(job *models.AnalysisJob, run *models.AnalysisRun) (*Bundle, int, int, error) {
	var reels []models.AnalyzedReel
	err := o.db.Where("run_id = ?", run.ID).
		Order("reel_type DESC, username ASC, rank_in_selection ASC").
		Find(&reels).Error
	if err != nil {
		return nil, 0, 0, fmt.Errorf("analysis: load reels for run %d: %w", run.ID, err)
	}

	bundle := &Bundle{
		PrimaryUsername: job.PrimaryUsername,
		ContentStrategy: job.ContentStrategy,
	}
	primary, competitor := 0, 0
	for _, reel := range reels {
		rb := ReelBundle{
			ContentID:    reel.ContentID,
			Username:     reel.Username,
			ReelType:     reel.ReelType,
			Rank:         reel.Rank,
			ViewCount:    reel.ViewCount,
			LikeCount:    reel.LikeCount,
			CommentCount: reel.CommentCount,
			OutlierScore: reel.OutlierScore,
			HookText:     reel.HookText,
		}
		if reel.TranscriptStatus == "fetched" && reel.Transcript != "" {
			if err := json.Unmarshal([]byte(reel.Transcript), &rb.Transcript); err != nil {
				return nil, 0, 0, fmt.Errorf("analysis: decode transcript for %s: %w", reel.ContentID, err)
			}
		}
		bundle.Reels = append(bundle.Reels, rb)
		if reel.ReelType == "primary" {
			primary++
		} else {
			competitor++
		}
	}
	return bundle, primary, competitor, nil
}

// verifyWorkflowVersion rejects analyzer payloads that are not JSON or
// lack the top-level workflow_version key.
func verifyWorkflowVersion(data string) error {
	var probe struct {
		WorkflowVersion string `json:"workflow_version"`
	}
	if err := json.Unmarshal([]byte(data), &probe); err != nil {
		return fmt.Errorf("analysis: analyzer payload is not valid JSON: %w", err)
	}
	if probe.WorkflowVersion == "" {
		return fmt.Errorf("analysis: analyzer payload missing workflow_version")
	}
	return nil
}

// updateRun applies updates to a run unless it already reached a terminal
// status. Completed and failed runs are immutable.
func (o *Orchestrator) updateRun(run *models.AnalysisRun, updates map[string]interface{}) error {
	res := o.db.Model(&models.AnalysisRun{}).
		Where("id = ? AND status NOT IN ?", run.ID, []string{"completed", "failed"}).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("analysis: update run %d: %w", run.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("analysis: update run %d: %w", run.ID, ErrImmutableRun)
	}
	if status, ok := updates["status"].(string); ok {
		run.Status = status
	}
	return nil
}

// setProgress records the job's coarse progress for status polling.
// Best-effort: a failed write never aborts the run.
func (o *Orchestrator) setProgress(jobID uint, pct int, step string) {
	err := o.db.Model(&models.AnalysisJob{}).Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"progress_pct": pct,
			"current_step": step,
		}).Error
	if err != nil {
		o.opts.Log.Warn("progress update failed", zap.Uint("job_id", jobID), zap.Error(err))
	}
}

// failJob releases a claimed job back to failed without touching any run.
func (o *Orchestrator) failJob(job *models.AnalysisJob, cause error) {
	err := o.db.Model(&models.AnalysisJob{}).Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":        "failed",
			"error_message": cause.Error(),
			"current_step":  "",
		}).Error
	if err != nil {
		o.opts.Log.Error("job failure update failed", zap.Uint("job_id", job.ID), zap.Error(err))
	}
}

// failRun marks the run and its job failed and raises an alert.
func (o *Orchestrator) failRun(ctx context.Context, job *models.AnalysisJob, run *models.AnalysisRun, cause error) {
	now := time.Now()
	err := o.updateRun(run, map[string]interface{}{
		"status":        "failed",
		"error_message": cause.Error(),
		"completed_at":  now,
	})
	if err != nil && !errors.Is(err, ErrImmutableRun) {
		o.opts.Log.Error("run failure update failed", zap.Uint("run_id", run.ID), zap.Error(err))
	}
	o.failJob(job, cause)

	o.opts.Log.Error("analysis run failed",
		zap.Uint("job_id", job.ID),
		zap.Int("run_number", run.RunNumber),
		zap.Error(cause),
	)
	event := alerts.Event{
		Title:    fmt.Sprintf("Analysis run %d failed for %s", run.RunNumber, job.PrimaryUsername),
		Body:     cause.Error(),
		Severity: alerts.SeverityError,
		Fields: []alerts.Field{
			{Name: "Session", Value: job.SessionID},
			{Name: "Job", Value: fmt.Sprintf("%d", job.ID)},
		},
	}
	if err := o.opts.Notifier.Notify(ctx, event); err != nil {
		o.opts.Log.Warn("alert delivery failed", zap.Error(err))
	}
}
