package admin

import (
	"net/http"
	"strconv"

	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/primary"
)

type eventView struct {
	Seq       uint64                 `json:"seq"`
	Kind      string                 `json:"kind"`
	SubjectID string                 `json:"subject_id"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt string                 `json:"created_at"`
}

func newEventViews(events []common.Event) []eventView {
	views := make([]eventView, 0, len(events))
	for _, ev := range events {
		views = append(views, eventView{
			Seq:       ev.Seq,
			Kind:      ev.Kind,
			SubjectID: ev.SubjectID,
			Data:      ev.Data,
			CreatedAt: formatMillis(ev.CreatedAt),
		})
	}
	return views
}

// handleRecentEvents returns the in-memory recent events ring, oldest first
func (h *AdminHandlers) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSONResponse(w, newEventViews(h.engine.RecentEvents(limit)), false, "")
}

// handleEvents reads the durable event log
func (h *AdminHandlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	after, err := parseUint(r, "after")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	q := r.URL.Query()
	events, err := h.docs.ReadEvents(ctx, primary.EventQuery{
		AfterSeq:  after,
		Kind:      q.Get("kind"),
		SubjectID: q.Get("subject"),
		Limit:     limit + 1,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}
	lastKey := ""
	if hasMore {
		lastKey = strconv.FormatUint(events[len(events)-1].Seq, 10)
	}
	writeJSONResponse(w, newEventViews(events), hasMore, lastKey)
}
