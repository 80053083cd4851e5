package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// sseStream writes named server-sent events and flushes after each one.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// startSSE sets the event-stream headers. ok is false when the writer
// cannot flush.
func startSSE(w http.ResponseWriter) (*sseStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseStream{w: w, flusher: flusher}, true
}

// send marshals v as the data of one event.
func (s *sseStream) send(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	if err := writeSSE(s.w, event, string(data)); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
