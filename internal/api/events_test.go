package api

import (
	"bytes"
	"net/http"
	"strings"
	"testing"
)

func TestEvents_SendsConnected(t *testing.T) {
	srv, _, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/events")
	if err != nil {
		t.Fatalf("GET /api/v1/events: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/event-stream") {
		t.Errorf("content-type = %q, want text/event-stream", ct)
	}

	// The connected event is flushed before the poll loop starts, so the
	// first read returns it without waiting out a ticker interval.
	buf := make([]byte, 512)
	n, err := resp.Body.Read(buf)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !strings.Contains(string(buf[:n]), "event: connected") {
		t.Errorf("first frame = %q, want connected event", string(buf[:n]))
	}
}

func TestWriteSSE_Format(t *testing.T) {
	var buf bytes.Buffer
	writeSSE(&buf, "failure", failureEvent{
		ID:          7,
		Username:    "creator",
		Error:       "profile fetch failed",
		FailedTotal: 2,
	})

	got := buf.String()
	if !strings.HasPrefix(got, "event: failure\n") {
		t.Errorf("frame = %q, want failure event prefix", got)
	}
	if !strings.Contains(got, `"username":"creator"`) {
		t.Errorf("frame = %q, missing username", got)
	}
	if !strings.Contains(got, `"failed_total":2`) {
		t.Errorf("frame = %q, missing failed total", got)
	}
	if !strings.HasSuffix(got, "\n\n") {
		t.Errorf("frame = %q, want blank-line terminator", got)
	}
}
