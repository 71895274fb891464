package overtime

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
	Submit(ctx context.Context, actor internal.Actor, idempotencyKey string, dto SubmitDTO) (*Request, bool, error)
	SaveDraft(ctx context.Context, actor internal.Actor, idempotencyKey string, dto SubmitDTO) (*Request, bool, error)
	SubmitDraft(ctx context.Context, actor internal.Actor, requestID int64) (*Request, error)
	Cancel(ctx context.Context, actor internal.Actor, requestID int64, dto CancelDTO) (*Request, error)
	GetRequest(ctx context.Context, actor internal.Actor, requestID int64) (*Request, error)
	ListMyRequests(ctx context.Context, actor internal.Actor, limit, offset int) ([]*Request, error)
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

func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := internal.ActorFromContext(r.Context())
	if !ok {
		h.Logger.Error("SubmitRequest: actor not found in context")
		h.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var dto SubmitDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		h.Logger.Error("SubmitRequest: invalid request body", "error", err)
		h.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	key := r.Header.Get("Idempotency-Key")
	req, duplicate, err := h.Service.Submit(r.Context(), actor, key, dto)
	if err != nil {
		h.Logger.Error("SubmitRequest: service error", "error", err, "user_id", actor.ID)
		h.HandleServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	}

	h.Logger.Info("SubmitRequest: request accepted",
		"request_id", req.ID,
		"user_id", actor.ID,
		"duplicate", duplicate)

	h.WriteJSON(w, status, req)
}

func (h *Handler) SaveDraft(w http.ResponseWriter, r *http.Request) {
	actor, ok := internal.ActorFromContext(r.Context())
	if !ok {
		h.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var dto SubmitDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		h.Logger.Error("SaveDraft: invalid request body", "error", err)
		h.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	key := r.Header.Get("Idempotency-Key")
	req, duplicate, err := h.Service.SaveDraft(r.Context(), actor, key, dto)
	if err != nil {
		h.Logger.Error("SaveDraft: service error", "error", err, "user_id", actor.ID)
		h.HandleServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	}
	h.WriteJSON(w, status, req)
}

func (h *Handler) SubmitDraft(w http.ResponseWriter, r *http.Request) {
	actor, ok := internal.ActorFromContext(r.Context())
	if !ok {
		h.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	requestID, ok := h.parseID(w, r)
	if !ok {
		return
	}

	req, err := h.Service.SubmitDraft(r.Context(), actor, requestID)
	if err != nil {
		h.Logger.Error("SubmitDraft: service error", "error", err, "request_id", requestID, "user_id", actor.ID)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, req)
}

func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := internal.ActorFromContext(r.Context())
	if !ok {
		h.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	requestID, ok := h.parseID(w, r)
	if !ok {
		return
	}

	// body is optional; an empty or absent body cancels without a reason
	var dto CancelDTO
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&dto)
	}

	req, err := h.Service.Cancel(r.Context(), actor, requestID, dto)
	if err != nil {
		h.Logger.Error("CancelRequest: service error", "error", err, "request_id", requestID, "user_id", actor.ID)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, req)
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := internal.ActorFromContext(r.Context())
	if !ok {
		h.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	requestID, ok := h.parseID(w, r)
	if !ok {
		return
	}

	req, err := h.Service.GetRequest(r.Context(), actor, requestID)
	if err != nil {
		h.Logger.Error("GetRequest: service error", "error", err, "request_id", requestID, "user_id", actor.ID)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, req)
}

func (h *Handler) ListMyRequests(w http.ResponseWriter, r *http.Request) {
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

	requests, err := h.Service.ListMyRequests(r.Context(), actor, limit, offset)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"requests": requests,
		"limit":    limit,
		"offset":   offset,
	})
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		h.Logger.Error("invalid request ID", "id", idStr)
		h.WriteError(w, http.StatusBadRequest, "invalid request ID")
		return 0, false
	}
	return id, true
}
