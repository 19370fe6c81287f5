package alerts

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
)

// maxRetries is the max number of retries for rate-limited Slack calls.
const maxRetries = 3

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Slack delivers events to a Slack channel as attachment messages.
type Slack struct {
	client  slackClient
	channel string
}

// SlackOpts holds parameters for creating a Slack notifier.
type SlackOpts struct {
	Token   string // xoxb-... bot token
	Channel string // channel ID or #name to post to
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// NewSlack creates a Slack notifier.
func NewSlack(opts SlackOpts) (*Slack, error) {
	if opts.Client == nil && opts.Token == "" {
		return nil, fmt.Errorf("alerts: slack token is required")
	}
	if opts.Channel == "" {
		return nil, fmt.Errorf("alerts: slack channel is required")
	}

	client := opts.Client
	if client == nil {
		client = slackapi.New(opts.Token)
	}
	return &Slack{client: client, channel: opts.Channel}, nil
}

// Notify posts the event as a colored attachment, retrying on rate limits.
func (s *Slack) Notify(ctx context.Context, event Event) error {
	attachment := slackapi.Attachment{
		Title: event.Title,
		Text:  event.Body,
		Color: severityColor(event.Severity),
	}
	for _, f := range event.Fields {
		attachment.Fields = append(attachment.Fields, slackapi.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: true,
		})
	}

	err := retrySlackRateLimit(ctx, func() error {
		_, _, postErr := s.client.PostMessage(s.channel, slackapi.MsgOptionAttachments(attachment))
		return postErr
	})
	if err != nil {
		return fmt.Errorf("alerts: slack post: %w", err)
	}
	return nil
}

// retrySlackRateLimit calls fn, retrying rate-limited calls with the
// server's Retry-After or exponential backoff.
func retrySlackRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err // not a rate limit error, don't retry
		}

		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
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
