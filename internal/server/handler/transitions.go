package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/racewatch/internal/domain"
)

const (
	defaultTransitionCount = 100
	maxTransitionCount     = 1000
)

// TransitionReader reads recorded watcher transitions after a log position.
type TransitionReader interface {
	ReadTransitions(ctx context.Context, lastID string, count int) ([]domain.TransitionEntry, error)
}

// TransitionHandler pages through the transition log.
type TransitionHandler struct {
	reader TransitionReader
	logger *slog.Logger
}

// NewTransitionHandler creates a TransitionHandler backed by reader.
func NewTransitionHandler(reader TransitionReader, logger *slog.Logger) *TransitionHandler {
	return &TransitionHandler{reader: reader, logger: logHandler(logger, "transitions")}
}

// List returns transitions recorded after ?after= (default from the start),
// at most ?count= of them. The last id is the cursor for the next page.
// GET /api/transitions
func (h *TransitionHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after := q.Get("after")
	if after == "" {
		after = "0"
	}
	count := defaultTransitionCount
	if v := q.Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		count = min(n, maxTransitionCount)
	}

	entries, err := h.reader.ReadTransitions(r.Context(), after, count)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "read transitions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "transition log unavailable")
		return
	}
	if entries == nil {
		entries = []domain.TransitionEntry{}
	}

	next := after
	if len(entries) > 0 {
		next = entries[len(entries)-1].ID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transitions": entries,
		"next":        next,
	})
}
