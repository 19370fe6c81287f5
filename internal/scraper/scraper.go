// Package scraper defines the client interface to the upstream scrape API
// and its HTTP implementation.
//
// Errors are classified for retry policy: ErrNotFound is permanent (the
// account does not exist or is unreachable for good) and callers must not
// retry. Everything else (timeouts, 5xx, rate limits) is transient.
package scraper

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for retry classification. Check with errors.Is.
var (
	// ErrNotFound means the username or content ID does not exist upstream.
	// Permanent: retrying will not change the outcome.
	ErrNotFound = errors.New("scraper: not found")

	// ErrRateLimited means the upstream API throttled the call. Transient;
	// the client retries in-call with backoff before surfacing it.
	ErrRateLimited = errors.New("scraper: rate limited")
)

// ProfileData is the profile metadata returned by a scrape.
type ProfileData struct {
	Username   string `json:"username"`
	FullName   string `json:"full_name"`
	Biography  string `json:"biography"`
	Followers  int64  `json:"followers"`
	Following  int64  `json:"following"`
	PostCount  int64  `json:"post_count"`
	IsVerified bool   `json:"is_verified"`
	IsPrivate  bool   `json:"is_private"`
}

// ContentItem is one piece of content (reel/post) with its metrics.
type ContentItem struct {
	ID           string     `json:"id"`
	Caption      string     `json:"caption"`
	ViewCount    int64      `json:"view_count"`
	LikeCount    int64      `json:"like_count"`
	CommentCount int64      `json:"comment_count"`
	OutlierScore float64    `json:"outlier_score"`
	PostedAt     *time.Time `json:"posted_at"`
}

// TranscriptSegment is one timed span of a content item's transcript.
type TranscriptSegment struct {
	StartSec float64 `json:"start_sec"`
	EndSec   float64 `json:"end_sec"`
	Text     string  `json:"text"`
}

// Client is the scrape API surface the core consumes. Every call is a
// network suspension point and takes a context for timeout/cancellation.
type Client interface {
	// FetchProfile returns profile metadata for a username.
	FetchProfile(ctx context.Context, username string) (*ProfileData, error)

	// FetchContent returns up to limit recent content items for a username,
	// newest first.
	FetchContent(ctx context.Context, username string, limit int) ([]ContentItem, error)

	// FetchTranscript returns the transcript segments for a content item.
	FetchTranscript(ctx context.Context, contentID string) ([]TranscriptSegment, error)

	// FindSimilar returns up to count usernames similar to the given one.
	FindSimilar(ctx context.Context, username string, count int) ([]string, error)
}

// IsPermanent reports whether a scrape error should short-circuit retries.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound)
}
