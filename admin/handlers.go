package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/mirror"
	"github.com/maxpert/syncbridge/primary"
	"github.com/maxpert/syncbridge/publisher"
	"github.com/rs/zerolog/log"
)

const (
	defaultLimit   = 256
	maxLimit       = 1024
	requestTimeout = 5 * time.Second
)

// Tree reads the low-latency store
type Tree interface {
	Get(ctx context.Context, path string) (mirror.Node, error)
	Children(ctx context.Context, path string) ([]mirror.Child, error)
	OpenConnections() int
	Subscriptions() int
}

// Documents reads the primary store
type Documents interface {
	Get(ctx context.Context, collection, id string) (primary.Document, error)
	List(ctx context.Context, collection, afterID string, limit int) ([]primary.Document, error)
	ReadEvents(ctx context.Context, q primary.EventQuery) ([]common.Event, error)
	LatestSeq(ctx context.Context, collection string) (uint64, error)
	LoadCursor(ctx context.Context, name string) (uint64, error)
}

// Engine exposes watcher and event state of the sync engine
type Engine interface {
	ActiveWatchers() int
	RecentEvents(n int) []common.Event
}

// Sinks exposes push workers; *publisher.Registry implements it
type Sinks interface {
	Workers() []*publisher.Worker
	Outbox() *publisher.Outbox
}

// AdminHandlers serves read-only operational endpoints
type AdminHandlers struct {
	tree        Tree
	docs        Documents
	engine      Engine
	sinks       Sinks
	collections []string
	started     time.Time
}

// NewAdminHandlers creates handlers. sinks may be nil when no push sink is configured.
func NewAdminHandlers(tree Tree, docs Documents, engine Engine, sinks Sinks, collections []string) *AdminHandlers {
	return &AdminHandlers{
		tree:        tree,
		docs:        docs,
		engine:      engine,
		sinks:       sinks,
		collections: append([]string(nil), collections...),
		started:     time.Now(),
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// writeStoreError maps store errors to HTTP statuses
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, common.ErrNotFound):
		writeErrorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, common.ErrValidation):
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, common.ErrClosed):
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return defaultLimit, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}
	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}
	if limit > maxLimit {
		return 0, fmt.Errorf("limit cannot exceed %d", maxLimit)
	}
	return limit, nil
}

// parseFrom parses from parameter for pagination
func parseFrom(r *http.Request) string {
	return r.URL.Query().Get("from")
}

func parseUint(r *http.Request, name string) (uint64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s parameter: %w", name, err)
	}
	return v, nil
}

// formatMillis converts unix milliseconds to ISO 8601
func formatMillis(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

func requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), requestTimeout)
}
