package control

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opencode-ai/agentcore/internal/logging"
	"github.com/opencode-ai/agentcore/internal/sse"
)

// sseWriter wraps an http.ResponseWriter for SSE, flushing via
// ResponseController first and falling back to the raw Flusher.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("control: streaming not supported by response writer")
	}
	return &sseWriter{w: w, flusher: flusher, rc: http.NewResponseController(w)}, nil
}

func (s *sseWriter) writeEvent(event sse.EventName, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
	return nil
}

// handleEvents implements GET /events: every subscriber receives the full
// message stream in emission order plus periodic heartbeats, and is
// dropped from the Hub the moment its write fails or its context is
// cancelled — never blocking broadcast to anyone else.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writer, err := newSSEWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	id, ch := s.Hub.Subscribe()
	defer s.Hub.Unsubscribe(id)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.writeEvent(sse.EventHeartbeat, map[string]string{}); err != nil {
				return
			}
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := writer.writeEvent(msg.Event, msg.Data); err != nil {
				logging.Debug().Int("subscriber", id).Err(err).Msg("control: sse write failed, dropping subscriber")
				return
			}
		}
	}
}

