package api

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/avossen/hookline/internal/models"
	"github.com/gin-gonic/gin"
)

// failureEvent holds data for a scrape-failure SSE event.
type failureEvent struct {
	ID          uint   `json:"id"`
	Username    string `json:"username"`
	Error       string `json:"error,omitempty"`
	FailedTotal int64  `json:"failed_total"`
}

// handleEvents streams terminal scrape failures over SSE. Clients get a
// connected event up front, a failure event per newly failed entry, and
// heartbeats to keep intermediaries from closing the stream.
func (s *server) handleEvents(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
	c.Writer.Flush()

	if s.db == nil {
		return
	}

	// Seed from the current high-water mark so only failures that happen
	// after connect are streamed.
	var lastSeenID uint
	var latest models.QueueEntry
	if err := s.db.Where("status = ?", "failed").
		Order("id DESC").Limit(1).First(&latest).Error; err == nil {
		lastSeenID = latest.ID
	}

	ctx := c.Request.Context()
	ticker := time.NewTicker(3 * time.Second)
	heartbeat := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case <-ticker.C:
			var failed []models.QueueEntry
			s.db.Where("status = ? AND id > ?", "failed", lastSeenID).
				Order("id ASC").
				Find(&failed)

			if len(failed) == 0 {
				continue
			}
			lastSeenID = failed[len(failed)-1].ID

			var total int64
			s.db.Model(&models.QueueEntry{}).
				Where("status = ?", "failed").
				Count(&total)

			for i := range failed {
				writeSSE(c.Writer, "failure", failureEvent{
					ID:          failed[i].ID,
					Username:    failed[i].Username,
					Error:       failed[i].ErrorMessage,
					FailedTotal: total,
				})
			}
			c.Writer.Flush()
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
