package analysis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/avossen/hookline/internal/scraper"
)

// Bundle is the assembled input handed to the downstream analyzer: the
// selected reels with their transcripts, plus the job's content strategy.
type Bundle struct {
	PrimaryUsername string       `json:"primary_username"`
	ContentStrategy string       `json:"content_strategy"`
	Reels           []ReelBundle `json:"reels"`
}

// ReelBundle is one selected reel with its transcript.
type ReelBundle struct {
	ContentID    string                      `json:"content_id"`
	Username     string                      `json:"username"`
	ReelType     string                      `json:"reel_type"` // primary, competitor
	Rank         int                         `json:"rank"`
	ViewCount    int64                       `json:"view_count"`
	LikeCount    int64                       `json:"like_count"`
	CommentCount int64                       `json:"comment_count"`
	OutlierScore float64                     `json:"outlier_score"`
	HookText     string                      `json:"hook_text,omitempty"`
	Transcript   []scraper.TranscriptSegment `json:"transcript,omitempty"`
}

// Analyzer turns a reel+transcript bundle into the analysis_data payload.
// The payload is opaque JSON but must carry a top-level workflow_version
// key; the orchestrator rejects payloads without one.
type Analyzer interface {
	Analyze(ctx context.Context, bundle *Bundle) (string, error)
}

// StubAnalyzer is the default Analyzer: a deterministic summarizer that
// extracts hooks and headline metrics without any model calls.
type StubAnalyzer struct {
	WorkflowVersion string
}

// Analyze summarizes the bundle into a versioned JSON payload.
func (s StubAnalyzer) Analyze(ctx context.Context, bundle *Bundle) (string, error) {
	version := s.WorkflowVersion
	if version == "" {
		version = "v2"
	}

	var hooks []string
	var topScore float64
	usernames := map[string]bool{}
	for _, reel := range bundle.Reels {
		if reel.HookText != "" {
			hooks = append(hooks, reel.HookText)
		}
		if reel.OutlierScore > topScore {
			topScore = reel.OutlierScore
		}
		usernames[reel.Username] = true
	}

	payload := map[string]interface{}{
		"workflow_version":  version,
		"primary_username":  bundle.PrimaryUsername,
		"reel_count":        len(bundle.Reels),
		"account_count":     len(usernames),
		"top_outlier_score": topScore,
		"hooks":             hooks,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("analysis: marshal stub payload: %w", err)
	}
	return string(data), nil
}
