package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	purchaseapp "github.com/tbeaudouin05/entitlement-sync/api/services/purchase/app"
	"github.com/tbeaudouin05/entitlement-sync/api/services/purchase/domain"
)

const maxBodyBytes = 1 << 20

// NewRouter returns the local HTTP API for the purchase engine, served by a
// grpc-gateway mux.
func NewRouter(svc purchaseapp.Service, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{svc: svc, log: logger}
	mux := runtime.NewServeMux()

	routes := []struct {
		method  string
		pattern string
		handle  runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/entitlements", h.entitlements},
		{http.MethodGet, "/v1/entitlements/{feature_id}", h.feature},
		{http.MethodPost, "/v1/transactions", h.handleTransaction},
		{http.MethodPost, "/v1/purchases/restore", h.restore},
		{http.MethodGet, "/v1/purchases/{transaction_id}", h.status},
		{http.MethodPost, "/v1/purchases/{transaction_id}/sync", h.sync},
		{http.MethodPost, "/v1/connectivity/online", h.online},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, h.logged(rt.pattern, rt.handle)); err != nil {
			logger.Error("failed to register route", "method", rt.method, "pattern", rt.pattern, "err", err)
		}
	}
	return mux
}

type handlers struct {
	svc purchaseapp.Service
	log *slog.Logger
}

type errorBody struct {
	Kind    string `json:"kind"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

type restoreRequest struct {
	Transactions []domain.Transaction `json:"transactions"`
}

type restoreResponse struct {
	Restored []domain.Purchase   `json:"restored"`
	Failed   map[string]errorBody `json:"failed"`
}

func (h *handlers) logged(pattern string, next runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		next(w, r, params)
		h.log.Debug("http request", "method", r.Method, "route", pattern, "duration", time.Since(start))
	}
}

func (h *handlers) entitlements(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, h.svc.Entitlements())
}

func (h *handlers) feature(w http.ResponseWriter, _ *http.Request, params map[string]string) {
	id := params["feature_id"]
	writeJSON(w, http.StatusOK, map[string]any{"featureId": id, "unlocked": h.svc.IsUnlocked(id)})
}

func (h *handlers) handleTransaction(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var tx domain.Transaction
	if !h.decode(w, r, &tx) {
		return
	}
	p, err := h.svc.HandleTransaction(r.Context(), tx)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) restore(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req restoreRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Restore(r.Context(), req.Transactions)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := restoreResponse{Restored: res.Restored, Failed: make(map[string]errorBody, len(res.Failed))}
	if out.Restored == nil {
		out.Restored = []domain.Purchase{}
	}
	for id, ferr := range res.Failed {
		_, body := classify(ferr)
		out.Failed[id] = body
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request, params map[string]string) {
	st, err := h.svc.Status(r.Context(), params["transaction_id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) sync(w http.ResponseWriter, r *http.Request, params map[string]string) {
	p, err := h.svc.SyncPurchase(r.Context(), params["transaction_id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) online(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	n := h.svc.NotifyOnline(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]int{"scheduled": n})
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]errorBody{
			"error": {Kind: "bad_request", Message: "invalid request body: " + err.Error()},
		})
		return false
	}
	return true
}

func (h *handlers) writeError(w http.ResponseWriter, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "status", status, "err", err)
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

// classify maps engine errors onto HTTP statuses.
func classify(err error) (int, errorBody) {
	if pe, ok := domain.AsPurchaseError(err); ok {
		body := errorBody{Kind: string(pe.Kind), Reason: string(pe.Reason), Message: pe.Error()}
		switch pe.Kind {
		case domain.KindInvalid, domain.KindProductUnavailable:
			return http.StatusUnprocessableEntity, body
		case domain.KindNetwork, domain.KindStoreProblem:
			return http.StatusServiceUnavailable, body
		case domain.KindCancelled:
			return http.StatusConflict, body
		default:
			if errors.Is(err, purchaseapp.ErrGateway) {
				return http.StatusBadGateway, body
			}
			return http.StatusBadRequest, body
		}
	}
	body := errorBody{Message: err.Error()}
	switch {
	case errors.Is(err, purchaseapp.ErrNotFound):
		body.Kind = "not_found"
		return http.StatusNotFound, body
	case errors.Is(err, purchaseapp.ErrNotVerified):
		body.Kind = "not_verified"
		return http.StatusConflict, body
	case errors.Is(err, purchaseapp.ErrClosed):
		body.Kind = "unavailable"
		return http.StatusServiceUnavailable, body
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		body.Kind = "timeout"
		return http.StatusGatewayTimeout, body
	case errors.Is(err, purchaseapp.ErrDatabase):
		body.Kind = "database"
		return http.StatusInternalServerError, body
	default:
		body.Kind = "internal"
		return http.StatusInternalServerError, body
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
