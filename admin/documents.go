package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/syncbridge/hlc"
	"github.com/maxpert/syncbridge/primary"
)

type documentView struct {
	Collection string                 `json:"collection"`
	ID         string                 `json:"id"`
	Data       map[string]interface{} `json:"data"`
	Origin     string                 `json:"origin"`
	Seq        uint64                 `json:"seq"`
	UpdatedAt  string                 `json:"updated_at"`
}

func newDocumentView(d primary.Document) documentView {
	return documentView{
		Collection: d.Collection,
		ID:         d.ID,
		Data:       d.Data,
		Origin:     d.Origin.String(),
		Seq:        d.Seq,
		UpdatedAt:  formatMillis(hlc.StampMilli(d.UpdatedAt)),
	}
}

// handleDocument returns one primary-store document
func (h *AdminHandlers) handleDocument(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()

	doc, err := h.docs.Get(ctx, chi.URLParam(r, "collection"), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSONResponse(w, newDocumentView(doc), false, "")
}

// handleListDocuments pages through a collection ordered by id
func (h *AdminHandlers) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	// fetch one extra row to learn whether another page exists
	docs, err := h.docs.List(ctx, chi.URLParam(r, "collection"), parseFrom(r), limit+1)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	hasMore := len(docs) > limit
	if hasMore {
		docs = docs[:limit]
	}

	views := make([]documentView, 0, len(docs))
	for _, d := range docs {
		views = append(views, newDocumentView(d))
	}

	lastKey := ""
	if hasMore {
		lastKey = docs[len(docs)-1].ID
	}
	writeJSONResponse(w, views, hasMore, lastKey)
}
