package scraper

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Mock implements Client for testing. Fixtures are keyed by username (or
// content ID for transcripts); per-key errors simulate upstream failures.
// All methods are safe for concurrent use so fan-out paths can be exercised.
type Mock struct {
	mu sync.Mutex

	Profiles    map[string]*ProfileData
	Content     map[string][]ContentItem
	Transcripts map[string][]TranscriptSegment
	Similar     map[string][]string

	ProfileErrs    map[string]error
	ContentErrs    map[string]error
	TranscriptErrs map[string]error

	// Latency is added to every call, simulating network delay.
	Latency time.Duration

	profileCalls    []string
	contentCalls    []string
	transcriptCalls []string
}

// NewMock creates an empty Mock with all fixture maps initialized.
func NewMock() *Mock {
	return &Mock{
		Profiles:       make(map[string]*ProfileData),
		Content:        make(map[string][]ContentItem),
		Transcripts:    make(map[string][]TranscriptSegment),
		Similar:        make(map[string][]string),
		ProfileErrs:    make(map[string]error),
		ContentErrs:    make(map[string]error),
		TranscriptErrs: make(map[string]error),
	}
}

// AddProfile registers a profile fixture plus its content items.
func (m *Mock) AddProfile(username string, followers int64, items ...ContentItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Profiles[username] = &ProfileData{Username: username, Followers: followers}
	m.Content[username] = items
}

// FetchProfile returns the fixture profile or the configured error.
func (m *Mock) FetchProfile(ctx context.Context, username string) (*ProfileData, error) {
	m.sleep(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profileCalls = append(m.profileCalls, username)

	if err := m.ProfileErrs[username]; err != nil {
		return nil, err
	}
	profile, ok := m.Profiles[username]
	if !ok {
		return nil, fmt.Errorf("mock profile %s: %w", username, ErrNotFound)
	}
	copied := *profile
	return &copied, nil
}

// FetchContent returns up to limit fixture items or the configured error.
func (m *Mock) FetchContent(ctx context.Context, username string, limit int) ([]ContentItem, error) {
	m.sleep(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contentCalls = append(m.contentCalls, username)

	if err := m.ContentErrs[username]; err != nil {
		return nil, err
	}
	items := m.Content[username]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]ContentItem, len(items))
	copy(out, items)
	return out, nil
}

// FetchTranscript returns the fixture segments or the configured error.
// Unconfigured content IDs get a one-segment placeholder transcript.
func (m *Mock) FetchTranscript(ctx context.Context, contentID string) ([]TranscriptSegment, error) {
	m.sleep(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcriptCalls = append(m.transcriptCalls, contentID)

	if err := m.TranscriptErrs[contentID]; err != nil {
		return nil, err
	}
	if segments, ok := m.Transcripts[contentID]; ok {
		out := make([]TranscriptSegment, len(segments))
		copy(out, segments)
		return out, nil
	}
	return []TranscriptSegment{{StartSec: 0, EndSec: 1, Text: "transcript for " + contentID}}, nil
}

// FindSimilar returns the fixture list, truncated to count.
func (m *Mock) FindSimilar(ctx context.Context, username string, count int) ([]string, error) {
	m.sleep(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()

	similar := m.Similar[username]
	if count > 0 && len(similar) > count {
		similar = similar[:count]
	}
	out := make([]string, len(similar))
	copy(out, similar)
	return out, nil
}

// ProfileCalls returns the usernames passed to FetchProfile, in call order.
func (m *Mock) ProfileCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.profileCalls))
	copy(out, m.profileCalls)
	return out
}

// ContentCalls returns the usernames passed to FetchContent, in call order.
func (m *Mock) ContentCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.contentCalls))
	copy(out, m.contentCalls)
	return out
}

// TranscriptCalls returns the content IDs passed to FetchTranscript.
func (m *Mock) TranscriptCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.transcriptCalls))
	copy(out, m.transcriptCalls)
	return out
}

func (m *Mock) sleep(ctx context.Context) {
	if m.Latency <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(m.Latency):
	}
}
