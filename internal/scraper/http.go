package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	// maxRetries is the max number of in-call retries for rate-limited requests.
	maxRetries = 3
	// defaultTimeout bounds each upstream request when none is configured.
	defaultTimeout = 30 * time.Second
)

// Opts holds parameters for creating an HTTP scraper client.
type Opts struct {
	BaseURL string // e.g. https://scrape.internal.example.com/v1

	// OAuth2 client-credentials grant. When TokenURL is empty the client
	// sends unauthenticated requests (local/test deployments).
	TokenURL     string
	ClientID     string
	ClientSecret string

	Timeout time.Duration

	// For testing: inject an HTTP client instead of the oauth2-built one.
	HTTPClient *http.Client
}

// httpClient implements Client against the scrape REST API.
type httpClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTP creates a Client that talks to the scrape API over HTTP.
func NewHTTP(opts Opts) (Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("scraper: base URL is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	client := opts.HTTPClient
	if client == nil {
		base := &http.Client{Timeout: opts.Timeout}
		if opts.TokenURL != "" {
			cc := &clientcredentials.Config{
				ClientID:     opts.ClientID,
				ClientSecret: opts.ClientSecret,
				TokenURL:     opts.TokenURL,
			}
			// Route token fetches and API calls through the timeout-bounded
			// base client.
			ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
			client = cc.Client(ctx)
			client.Timeout = opts.Timeout
		} else {
			client = base
		}
	}

	return &httpClient{
		baseURL: opts.BaseURL,
		client:  client,
	}, nil
}

// FetchProfile retrieves profile metadata for a username.
func (h *httpClient) FetchProfile(ctx context.Context, username string) (*ProfileData, error) {
	if username == "" {
		return nil, fmt.Errorf("scraper: username is required")
	}

	var profile ProfileData
	path := "/profiles/" + url.PathEscape(username)
	if err := h.getJSON(ctx, path, nil, &profile); err != nil {
		return nil, fmt.Errorf("scraper: fetch profile %s: %w", username, err)
	}
	return &profile, nil
}

// FetchContent retrieves up to limit recent content items for a username.
func (h *httpClient) FetchContent(ctx context.Context, username string, limit int) ([]ContentItem, error) {
	if username == "" {
		return nil, fmt.Errorf("scraper: username is required")
	}
	if limit <= 0 {
		limit = 24
	}

	var items []ContentItem
	path := "/profiles/" + url.PathEscape(username) + "/content"
	query := url.Values{"limit": []string{strconv.Itoa(limit)}}
	if err := h.getJSON(ctx, path, query, &items); err != nil {
		return nil, fmt.Errorf("scraper: fetch content for %s: %w", username, err)
	}
	return items, nil
}

// FetchTranscript retrieves transcript segments for a content item.
func (h *httpClient) FetchTranscript(ctx context.Context, contentID string) ([]TranscriptSegment, error) {
	if contentID == "" {
		return nil, fmt.Errorf("scraper: content ID is required")
	}

	var segments []TranscriptSegment
	path := "/content/" + url.PathEscape(contentID) + "/transcript"
	if err := h.getJSON(ctx, path, nil, &segments); err != nil {
		return nil, fmt.Errorf("scraper: fetch transcript %s: %w", contentID, err)
	}
	return segments, nil
}

// FindSimilar retrieves up to count usernames similar to the given one.
func (h *httpClient) FindSimilar(ctx context.Context, username string, count int) ([]string, error) {
	if username == "" {
		return nil, fmt.Errorf("scraper: username is required")
	}
	if count <= 0 {
		count = 20
	}

	var similar []string
	path := "/profiles/" + url.PathEscape(username) + "/similar"
	query := url.Values{"count": []string{strconv.Itoa(count)}}
	if err := h.getJSON(ctx, path, query, &similar); err != nil {
		return nil, fmt.Errorf("scraper: find similar for %s: %w", username, err)
	}
	return similar, nil
}

// getJSON issues a GET and decodes the JSON response into out, retrying
// rate-limited calls with the server's Retry-After hint when present.
func (h *httpClient) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := h.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	return retryOnRateLimit(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := h.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if err := classifyStatus(resp); err != nil {
			return err
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
}

// rateLimitedError carries the server's Retry-After hint through the retry
// loop. It unwraps to ErrRateLimited.
type rateLimitedError struct {
	retryAfter time.Duration
}

func (e *rateLimitedError) Error() string { return ErrRateLimited.Error() }
func (e *rateLimitedError) Unwrap() error { return ErrRateLimited }

// classifyStatus maps HTTP status codes onto the package's error taxonomy.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return &rateLimitedError{retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upstream status %d: %s", resp.StatusCode, string(body))
	}
}

// parseRetryAfter parses a Retry-After header value in seconds. Returns 0
// when absent or unparseable.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// retryOnRateLimit calls fn, retrying up to maxRetries times when the error
// is a rate limit. Waits the server's Retry-After when given, otherwise
// exponential backoff.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *rateLimitedError
		if !errors.As(err, &rle) {
			return err // not a rate limit error, don't retry
		}

		if attempt == maxRetries {
			return err
		}

		wait := rle.retryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
