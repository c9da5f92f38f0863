package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ifpj/netwatch/internal/bus"
	"github.com/ifpj/netwatch/internal/runner"
)

// heartbeatInterval keeps idle SSE streams alive through proxies.
const heartbeatInterval = 15 * time.Second

// handleEvents serves the SSE stream.
//
// Events: one `init` with the full status array on connect, then `update`
// per probe result and `lag` when this subscriber's queue overflowed and it
// should refetch /api/status.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Subscribe before the init snapshot so no update falls in the gap.
	sub := s.bus.Subscribe(bus.KindStatus)
	defer sub.Close()

	statuses := s.sup.Statuses()
	for i := range statuses {
		statuses[i] = truncateRecords(statuses[i], runner.RecentWindow)
	}
	if err := writeEvent(w, "init", statuses); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-sub.Events():
			var err error
			switch ev.Kind {
			case bus.KindStatus:
				err = writeEvent(w, "update", ev.Status)
			case bus.KindLag:
				err = writeEvent(w, "lag", map[string]string{"resync": "/api/status"})
			}
			if err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent emits one named SSE event.
func writeEvent(w http.ResponseWriter, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
