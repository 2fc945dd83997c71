package admin

import (
	"net/http"
	"time"

	"github.com/maxpert/syncbridge/bridge"
)

// handleHealth reports liveness and basic counters
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":           "ok",
		"uptime_seconds":   int64(time.Since(h.started).Seconds()),
		"connections":      h.tree.OpenConnections(),
		"subscriptions":    h.tree.Subscriptions(),
		"active_watchers":  h.engine.ActiveWatchers(),
		"sync_collections": h.collections,
	}
	writeJSONResponse(w, response, false, "")
}

// handleWatchers returns per-collection bridge cursor and lag
func (h *AdminHandlers) handleWatchers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()

	watchers := make([]map[string]interface{}, 0, len(h.collections))
	for _, c := range h.collections {
		latest, err := h.docs.LatestSeq(ctx, c)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		cursor, err := h.docs.LoadCursor(ctx, bridge.CursorName(c))
		if err != nil {
			writeStoreError(w, err)
			return
		}

		var lag uint64
		if latest > cursor {
			lag = latest - cursor
		}
		watchers = append(watchers, map[string]interface{}{
			"collection": c,
			"cursor":     cursor,
			"latest_seq": latest,
			"lag":        lag,
		})
	}
	writeJSONResponse(w, watchers, false, "")
}

// handleSinks returns push worker progress against the outbox head
func (h *AdminHandlers) handleSinks(w http.ResponseWriter, r *http.Request) {
	if h.sinks == nil {
		writeJSONResponse(w, []interface{}{}, false, "")
		return
	}

	var lastSeq uint64
	if outbox := h.sinks.Outbox(); outbox != nil {
		lastSeq = outbox.LastSeq()
	}

	workers := h.sinks.Workers()
	sinks := make([]map[string]interface{}, 0, len(workers))
	for _, wk := range workers {
		cursor := wk.Cursor()
		var pending uint64
		if lastSeq > cursor {
			pending = lastSeq - cursor
		}
		sinks = append(sinks, map[string]interface{}{
			"name":      wk.Name(),
			"cursor":    cursor,
			"delivered": wk.Delivered(),
			"pending":   pending,
			"last_seq":  lastSeq,
		})
	}
	writeJSONResponse(w, sinks, false, "")
}
