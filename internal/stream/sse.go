package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// ServeSSE streams the session's live events as Server-Sent Events. Each
// frame is `data: {json}\n\n`; heartbeats keep intermediaries from timing
// the connection out. Returns when the client disconnects or the registry
// shuts down.
func ServeSSE(registry *Registry, logger zerolog.Logger, w http.ResponseWriter, r *http.Request, sessionID string, heartbeat time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := registry.Subscribe(sessionID, "sse")
	defer registry.Unsubscribe(sub)

	log := logger.With().Str("session_id", sessionID).Logger()
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := writeFrame(w, flusher, Heartbeat()); err != nil {
				return
			}
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeFrame(w, flusher, msg); err != nil {
				log.Debug().Err(err).Msg("sse write ended")
				return
			}
		}
	}
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
