package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"lobbyline/internal/app"
)

const streamKeepalive = 30 * time.Second

// streamHandler serves one branch's events as server-sent events. The first
// frame is a snapshot so a display can render before the next change.
func streamHandler(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := requireRole(r.Context(), anyone...); err != nil {
			respondStatusError(w, err)
			return
		}
		branchID := chi.URLParam(r, "branch_id")
		snap, err := a.Coordinator.Snapshot(branchID)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		ch := a.Bus.Subscribe(branchID)
		defer a.Bus.Unsubscribe(ch)

		writeEvent(w, "snapshot", snap)
		flusher.Flush()

		keepalive := time.NewTicker(streamKeepalive)
		defer keepalive.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepalive.C:
				_, _ = fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case evt, ok := <-ch:
				if !ok {
					return
				}
				writeEvent(w, string(evt.Type), evt)
				flusher.Flush()
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, b)
}
