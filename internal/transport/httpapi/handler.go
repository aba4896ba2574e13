// Package httpapi is the HTTP surface: provider webhook intake plus the
// cancel and retry operations.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	derrors "github.com/Tanmoy095/PaySynapse/internal/domain/errors"
	"github.com/Tanmoy095/PaySynapse/internal/payment"
	"github.com/Tanmoy095/PaySynapse/internal/payment/webhook"
)

const maxWebhookBody = 1 << 20

// EventDispatcher is satisfied by *webhook.Dispatcher.
type EventDispatcher interface {
	Dispatch(ctx context.Context, evt payment.ProviderEvent) (payment.Outcome, error)
}

// PaymentCommands are the operator-facing payment operations.
type PaymentCommands interface {
	CancelPayment(ctx context.Context, paymentID uuid.UUID, reason string) (payment.Outcome, error)
	RetryPayment(ctx context.Context, paymentID uuid.UUID) (payment.Outcome, error)
}

type Handler struct {
	processors map[string]webhook.Processor
	dispatcher EventDispatcher
	payments   PaymentCommands
	log        *zap.Logger
}

func NewHandler(dispatcher EventDispatcher, payments PaymentCommands, log *zap.Logger, processors ...webhook.Processor) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{
		processors: make(map[string]webhook.Processor, len(processors)),
		dispatcher: dispatcher,
		payments:   payments,
		log:        log.Named("http"),
	}
	for _, p := range processors {
		h.processors[strings.ToLower(p.Provider())] = p
	}
	return h
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/webhooks/{provider}", h.handleWebhook)
	r.Route("/payments/{paymentID}", func(r chi.Router) {
		r.Post("/cancel", h.handleCancel)
		r.Post("/retry", h.handleRetry)
	})
	return r
}

// handleWebhook verifies and dispatches one provider event. Providers
// redeliver on 5xx, so only failures a retry can fix answer 500.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(chi.URLParam(r, "provider"))
	proc, ok := h.processors[provider]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	evt, err := proc.VerifyAndParse(body, headers)
	if err != nil {
		h.log.Warn("[Webhook] rejected payload", zap.String("provider", provider), zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	out, err := h.dispatcher.Dispatch(r.Context(), *evt)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, webhookResponse{Received: true, Handled: out.Handled, Replayed: out.Replayed})
	case errors.Is(err, derrors.ErrDuplicate):
		writeJSON(w, http.StatusOK, webhookResponse{Received: true, Handled: true, Replayed: true})
	case errors.Is(err, derrors.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error("[Webhook] processing failed, provider will redeliver",
			zap.String("event_id", evt.ID), zap.String("type", evt.Type), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "processing failed")
	}
}

type webhookResponse struct {
	Received bool `json:"received"`
	Handled  bool `json:"handled"`
	Replayed bool `json:"replayed,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type operationResponse struct {
	PaymentID string `json:"paymentId"`
	Result    string `json:"result"`
	Replayed  bool   `json:"replayed"`
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := paymentID(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	out, err := h.payments.CancelPayment(r.Context(), id, req.Reason)
	h.writeOperation(w, id, out, err)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := paymentID(w, r)
	if !ok {
		return
	}
	out, err := h.payments.RetryPayment(r.Context(), id)
	h.writeOperation(w, id, out, err)
}

func paymentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "paymentID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "paymentID must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeOperation(w http.ResponseWriter, id uuid.UUID, out payment.Outcome, err error) {
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.log.Error("[HTTP] payment operation failed", zap.String("payment_id", id.String()), zap.Error(err))
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, operationResponse{PaymentID: id.String(), Result: out.Result, Replayed: out.Replayed})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, derrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, derrors.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, derrors.ErrInvalidState), errors.Is(err, derrors.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, derrors.ErrProvider):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Info("[HTTP] request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
