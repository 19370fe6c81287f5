package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// testServer starts an httptest server with the given handler and returns a
// Client pointed at it.
func testServer(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewHTTP(Opts{BaseURL: srv.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	return client
}

func TestNewHTTP_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTP(Opts{})
	if err == nil {
		t.Fatal("expected error for missing base URL")
	}
}

func TestFetchProfile_OK(t *testing.T) {
	client := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/profiles/alice" {
			t.Errorf("path = %q, want /profiles/alice", r.URL.Path)
		}
		fmt.Fprint(w, `{"username":"alice","full_name":"Alice A","followers":1200,"post_count":44,"is_verified":true}`)
	})

	profile, err := client.FetchProfile(context.Background(), "alice")
	if err != nil {
		t.Fatalf("FetchProfile: %v", err)
	}
	if profile.Username != "alice" {
		t.Errorf("Username = %q, want alice", profile.Username)
	}
	if profile.Followers != 1200 {
		t.Errorf("Followers = %d, want 1200", profile.Followers)
	}
	if !profile.IsVerified {
		t.Error("IsVerified = false, want true")
	}
}

func TestFetchProfile_NotFound(t *testing.T) {
	client := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.FetchProfile(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if !IsPermanent(err) {
		t.Error("IsPermanent = false for ErrNotFound")
	}
}

func TestFetchProfile_ServerError(t *testing.T) {
	client := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})

	_, err := client.FetchProfile(context.Background(), "alice")
	if err == nil {
		t.Fatal("expected error for 502")
	}
	if IsPermanent(err) {
		t.Error("5xx classified as permanent, want transient")
	}
}

func TestFetchProfile_EmptyUsername(t *testing.T) {
	client := testServer(t, func(w http.ResponseWriter, r *http.Request) {})
	if _, err := client.FetchProfile(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty username")
	}
}

func TestFetchContent_LimitQuery(t *testing.T) {
	client := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "7" {
			t.Errorf("limit = %q, want 7", got)
		}
		fmt.Fprint(w, `[{"id":"c1","view_count":100},{"id":"c2","view_count":50}]`)
	})

	items, err := client.FetchContent(context.Background(), "alice", 7)
	if err != nil {
		t.Fatalf("FetchContent: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	if items[0].ID != "c1" || items[0].ViewCount != 100 {
		t.Errorf("items[0] = %+v, want id c1 views 100", items[0])
	}
}

func TestFetchContent_DefaultLimit(t *testing.T) {
	client := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "24" {
			t.Errorf("limit = %q, want default 24", got)
		}
		fmt.Fprint(w, `[]`)
	})

	if _, err := client.FetchContent(context.Background(), "alice", 0); err != nil {
		t.Fatalf("FetchContent: %v", err)
	}
}

func TestFetchTranscript_OK(t *testing.T) {
	client := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/content/c42/transcript" {
			t.Errorf("path = %q, want /content/c42/transcript", r.URL.Path)
		}
		fmt.Fprint(w, `[{"start_sec":0,"end_sec":2.5,"text":"wait for it"}]`)
	})

	segments, err := client.FetchTranscript(context.Background(), "c42")
	if err != nil {
		t.Fatalf("FetchTranscript: %v", err)
	}
	if len(segments) != 1 || segments[0].Text != "wait for it" {
		t.Errorf("segments = %+v, want one segment with text", segments)
	}
}

func TestFindSimilar_OK(t *testing.T) {
	client := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("count"); got != "3" {
			t.Errorf("count = %q, want 3", got)
		}
		fmt.Fprint(w, `["bob","carol","dave"]`)
	})

	similar, err := client.FindSimilar(context.Background(), "alice", 3)
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if len(similar) != 3 || similar[0] != "bob" {
		t.Errorf("similar = %v, want [bob carol dave]", similar)
	}
}

func TestRetryOnRateLimit_SucceedsAfterRetry(t *testing.T) {
	calls := 0
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &rateLimitedError{retryAfter: time.Millisecond}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retryOnRateLimit: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryOnRateLimit_Exhausted(t *testing.T) {
	calls := 0
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		return &rateLimitedError{retryAfter: time.Millisecond}
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("error = %v, want ErrRateLimited", err)
	}
	if calls != maxRetries+1 {
		t.Errorf("calls = %d, want %d", calls, maxRetries+1)
	}
}

func TestRetryOnRateLimit_NonRateLimitNotRetried(t *testing.T) {
	calls := 0
	wantErr := errors.New("boom")
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want %v", err, wantErr)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryOnRateLimit_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := retryOnRateLimit(ctx, func() error {
		return &rateLimitedError{retryAfter: time.Minute}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"0", 0},
		{"-3", 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.value); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestClassifyStatus_RateLimited(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("Retry-After", "2")
	rec.WriteHeader(http.StatusTooManyRequests)

	err := classifyStatus(rec.Result())
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("error = %v, want ErrRateLimited", err)
	}
	var rle *rateLimitedError
	if !errors.As(err, &rle) {
		t.Fatal("error does not carry retry-after hint")
	}
	if rle.retryAfter != 2*time.Second {
		t.Errorf("retryAfter = %v, want 2s", rle.retryAfter)
	}
}
