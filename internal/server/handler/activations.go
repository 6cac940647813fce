package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/racewatch/internal/domain"
)

// PendingLookup finds the pending activation for a market.
type PendingLookup interface {
	PendingFor(ctx context.Context, marketID string) (domain.ScheduledActivation, error)
}

// ActivationHandler exposes read-only views of the activation queue.
type ActivationHandler struct {
	lookup PendingLookup
	logger *slog.Logger
}

// NewActivationHandler creates an ActivationHandler backed by lookup.
func NewActivationHandler(lookup PendingLookup, logger *slog.Logger) *ActivationHandler {
	return &ActivationHandler{lookup: lookup, logger: logHandler(logger, "activations")}
}

type activationResponse struct {
	ID        string    `json:"id"`
	MarketID  string    `json:"market_id"`
	FireAt    time.Time `json:"fire_at"`
	State     string    `json:"state"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

// GetPending returns the pending activation for a market.
// GET /api/activations/pending/{marketID}
func (h *ActivationHandler) GetPending(w http.ResponseWriter, r *http.Request) {
	marketID := r.PathValue("marketID")
	if marketID == "" {
		writeError(w, http.StatusBadRequest, "market id is required")
		return
	}

	act, err := h.lookup.PendingFor(r.Context(), marketID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "no pending activation for market "+marketID)
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "pending lookup failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, "activation store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, activationResponse{
		ID:        act.ID.String(),
		MarketID:  act.MarketID,
		FireAt:    act.FireAt.UTC(),
		State:     string(act.State),
		Attempts:  act.Attempts,
		CreatedAt: act.CreatedAt.UTC(),
	})
}
