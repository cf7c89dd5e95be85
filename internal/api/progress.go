package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/GodfreyEngineering/chainsolve-engine/internal/protocol"
)

// progressBufferSize is the channel buffer between the engine's synchronous
// progress fan-out and each SSE client. Messages are dropped for clients
// that fall this far behind; progress is advisory.
const progressBufferSize = 64

func (s *Server) handleStreamProgress(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	ch := make(chan protocol.Progress, progressBufferSize)
	unsub := s.engine.OnProgress(func(p protocol.Progress) {
		select {
		case ch <- p:
		default:
		}
	})
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case p := <-ch:
			data, err := json.Marshal(p)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}
