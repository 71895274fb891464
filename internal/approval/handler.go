package approval

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	internal "github.com/frahmantamala/overtime-management/internal"
	"github.com/frahmantamala/overtime-management/internal/transport"
	"github.com/frahmantamala/overtime-management/pkg/logger"
	"github.com/go-chi/chi"
)

type ServiceAPI interface {
	Decide(ctx context.Context, actor internal.Actor, requestID int64, stepOrder int, dto DecideDTO) (*DecisionResult, error)
	ListPending(ctx context.Context, actor internal.Actor, limit, offset int) ([]*PendingApproval, error)
}

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(service ServiceAPI) *Handler {
	lg := logger.LoggerWrapper()
	if lg == nil {
		lg = slog.Default()
	}
	return &Handler{
		BaseHandler: transport.NewBaseHandler(lg),
		Service:     service,
	}
}

func (h *Handler) DecideStep(w http.ResponseWriter, r *http.Request) {
	actor, ok := internal.ActorFromContext(r.Context())
	if !ok {
		h.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	requestID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, "invalid request ID")
		return
	}
	stepOrder, err := strconv.Atoi(chi.URLParam(r, "order"))
	if err != nil || stepOrder < 1 {
		h.WriteError(w, http.StatusBadRequest, "invalid step order")
		return
	}

	var dto DecideDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		h.Logger.Error("DecideStep: invalid request body", "error", err)
		h.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.Service.Decide(r.Context(), actor, requestID, stepOrder, dto)
	if err != nil {
		h.Logger.Error("DecideStep: service error",
			"error", err,
			"request_id", requestID,
			"step_order", stepOrder,
			"actor_id", actor.ID)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	actor, ok := internal.ActorFromContext(r.Context())
	if !ok {
		h.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := 20
	offset := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	pending, err := h.Service.ListPending(r.Context(), actor, limit, offset)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"pending": pending,
		"limit":   limit,
		"offset":  offset,
	})
}
