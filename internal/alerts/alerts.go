// Package alerts delivers operational events (stuck queue entries, failed
// analysis runs, periodic digests) to chat platforms.
package alerts

import (
	"context"
	"strings"
)

// Severity levels and their sidebar colors.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"

	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Event is one alert to deliver.
type Event struct {
	Title    string
	Body     string
	Severity string // info, warning, error
	Fields   []Field
}

// Field is a key-value pair shown alongside an event.
type Field struct {
	Name  string
	Value string
}

// Notifier delivers events to a sink. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// severityColor maps a severity string to a sidebar color.
func severityColor(severity string) string {
	switch severity {
	case SeverityWarning:
		return ColorWarning
	case SeverityError:
		return ColorError
	default:
		return ColorInfo
	}
}

// plainText renders an event as a plain text block for sinks without
// rich formatting.
func plainText(event Event) string {
	var b strings.Builder
	b.WriteString(event.Title)
	if event.Body != "" {
		b.WriteString("\n")
		b.WriteString(event.Body)
	}
	for _, f := range event.Fields {
		b.WriteString("\n")
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
	}
	return b.String()
}

// Nop is a Notifier that discards every event. Used when no sink is
// configured.
type Nop struct{}

// Notify discards the event.
func (Nop) Notify(ctx context.Context, event Event) error { return nil }

// Multi fans an event out to several notifiers. Delivery failures on one
// sink do not prevent delivery to the others; the first error is returned.
type Multi []Notifier

// Notify delivers the event to every sink.
func (m Multi) Notify(ctx context.Context, event Event) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
