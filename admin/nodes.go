package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/syncbridge/mirror"
)

type nodeView struct {
	Path       string                 `json:"path"`
	Data       map[string]interface{} `json:"data"`
	Origin     string                 `json:"origin"`
	Version    uint64                 `json:"version"`
	Seq        uint64                 `json:"seq,omitempty"`
	MirroredAt string                 `json:"mirrored_at"`
}

func newNodeView(path string, n mirror.Node) nodeView {
	return nodeView{
		Path:       path,
		Data:       n.Data,
		Origin:     n.Origin.String(),
		Version:    n.Version,
		Seq:        n.Seq,
		MirroredAt: formatMillis(n.MirroredAt.UnixMilli()),
	}
}

// handleNode returns one mirror node, or its direct children with ?children=true
func (h *AdminHandlers) handleNode(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	ctx, cancel := requestContext(r)
	defer cancel()

	if r.URL.Query().Get("children") == "true" {
		children, err := h.tree.Children(ctx, path)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		views := make([]nodeView, 0, len(children))
		for _, c := range children {
			views = append(views, newNodeView(path+"/"+c.Key, c.Node))
		}
		writeJSONResponse(w, views, false, "")
		return
	}

	n, err := h.tree.Get(ctx, path)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSONResponse(w, newNodeView(path, n), false, "")
}
