package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
)

const sseDone = "[DONE]"

type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEStream(w http.ResponseWriter) (*sseStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseStream{w: w, flusher: flusher}, true
}

// Send writes one "data:" event.
func (s *sseStream) Send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal sse payload: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseStream) Done() {
	fmt.Fprintf(s.w, "data: %s\n\n", sseDone)
	s.flusher.Flush()
}
