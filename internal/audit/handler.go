package audit

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	internal "github.com/frahmantamala/overtime-management/internal"
	"github.com/frahmantamala/overtime-management/internal/transport"
	"github.com/frahmantamala/overtime-management/pkg/logger"
	"github.com/go-chi/chi"
)

// auditedTables limits trail lookups to entities the engine actually audits.
var auditedTables = map[string]bool{
	"overtime_requests": true,
	"approval_steps":    true,
}

type ServiceAPI interface {
	GetTrail(ctx context.Context, entityTable string, entityID int64) ([]*Entry, error)
	VerifyChain(ctx context.Context, entityTable string, entityID int64) (*VerifyResult, error)
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

func (h *Handler) GetTrail(w http.ResponseWriter, r *http.Request) {
	table, id, ok := h.parseEntity(w, r)
	if !ok {
		return
	}

	entries, err := h.Service.GetTrail(r.Context(), table, id)
	if err != nil {
		h.Logger.Error("GetTrail: service error", "error", err, "entity_table", table, "entity_id", id)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"entity_table": table,
		"entity_id":    id,
		"entries":      entries,
	})
}

func (h *Handler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	table, id, ok := h.parseEntity(w, r)
	if !ok {
		return
	}

	result, err := h.Service.VerifyChain(r.Context(), table, id)
	if err != nil {
		h.Logger.Error("VerifyChain: service error", "error", err, "entity_table", table, "entity_id", id)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) parseEntity(w http.ResponseWriter, r *http.Request) (string, int64, bool) {
	if _, ok := internal.ActorFromContext(r.Context()); !ok {
		h.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return "", 0, false
	}

	table := chi.URLParam(r, "table")
	if !auditedTables[table] {
		h.WriteError(w, http.StatusBadRequest, "unknown audit entity")
		return "", 0, false
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, "invalid entity ID")
		return "", 0, false
	}
	return table, id, true
}
