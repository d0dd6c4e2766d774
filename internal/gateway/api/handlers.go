// Package api exposes the payment gateway over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"paycore/internal/common/api"
	"paycore/internal/common/database"
	"paycore/internal/common/money"
	"paycore/internal/gateway"
	"paycore/internal/payment"
	"paycore/internal/processor"
)

const maxCallbackBody = 1 << 20 // 1 MiB

// Handler serves the payment endpoints.
type Handler struct {
	service  *gateway.Service
	registry *processor.Registry
	logger   *slog.Logger
}

// NewHandler creates the payment HTTP handler.
func NewHandler(service *gateway.Service, registry *processor.Registry, logger *slog.Logger) *Handler {
	return &Handler{service: service, registry: registry, logger: logger}
}

// Routes mounts the payment endpoints on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/backends", h.listBackends)

	r.Route("/payments", func(r chi.Router) {
		r.Post("/", h.createPayment)
		r.Get("/external/{backend}/{externalID}", h.getPaymentByExternalID)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getPayment)
			r.Post("/prepare", h.prepare)
			r.Post("/charge", h.charge)
			r.Post("/refund", h.startRefund)
			r.Post("/refund/cancel", h.cancelRefund)
			r.Post("/release", h.releaseLock)
			r.Post("/fetch-status", h.fetchStatus)
			r.Post("/fraud", h.flagFraud)
			r.Get("/return", h.buyerReturn)
			// Paywalls differ on callback verbs; accept them all.
			r.HandleFunc("/callback", h.callback)
		})
	})

	return r
}

type createPaymentRequest struct {
	OrderID  string              `json:"order_id"`
	Backend  string              `json:"backend" validate:"required"`
	Currency string              `json:"currency" validate:"required,len=3"`
	Order    gateway.InlineOrder `json:"order"`
}

type paymentResponse struct {
	ID             string     `json:"id"`
	OrderID        string     `json:"order_id,omitempty"`
	Backend        string     `json:"backend"`
	Status         string     `json:"status"`
	FraudStatus    string     `json:"fraud_status"`
	FraudMessage   string     `json:"fraud_message,omitempty"`
	Currency       string     `json:"currency"`
	AmountRequired string     `json:"amount_required"`
	AmountLocked   string     `json:"amount_locked"`
	AmountPaid     string     `json:"amount_paid"`
	AmountRefunded string     `json:"amount_refunded"`
	ExternalID     string     `json:"external_id,omitempty"`
	Description    string     `json:"description,omitempty"`
	CreatedOn      time.Time  `json:"created_on"`
	LastPaymentOn  *time.Time `json:"last_payment_on,omitempty"`
	RefundedOn     *time.Time `json:"refunded_on,omitempty"`
}

func toPaymentResponse(p *payment.Payment) paymentResponse {
	return paymentResponse{
		ID:             p.ID,
		OrderID:        p.OrderID,
		Backend:        p.Backend,
		Status:         p.Status.String(),
		FraudStatus:    p.FraudStatus.String(),
		FraudMessage:   p.FraudMessage,
		Currency:       string(p.Currency),
		AmountRequired: p.AmountRequired.String(),
		AmountLocked:   p.AmountLocked.String(),
		AmountPaid:     p.AmountPaid.String(),
		AmountRefunded: p.AmountRefunded.String(),
		ExternalID:     p.ExternalID,
		Description:    p.Description,
		CreatedOn:      p.CreatedOn,
		LastPaymentOn:  p.LastPaymentOn,
		RefundedOn:     p.RefundedOn,
	}
}

func (h *Handler) listBackends(w http.ResponseWriter, r *http.Request) {
	if cur := r.URL.Query().Get("currency"); cur != "" {
		currency, err := money.ParseCurrency(cur)
		if err != nil {
			api.BadRequest(w, err.Error())
			return
		}
		api.WriteData(w, http.StatusOK, h.registry.Choices(currency))
		return
	}

	choices := make([]processor.Choice, 0)
	for _, slug := range h.registry.Slugs() {
		if e, ok := h.registry.Get(slug); ok {
			choices = append(choices, processor.Choice{
				Slug:         e.Slug,
				DisplayName:  e.DisplayName,
				Confirmation: e.Confirmation,
			})
		}
	}
	api.WriteData(w, http.StatusOK, choices)
}

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	currency, err := money.ParseCurrency(req.Currency)
	if err != nil {
		api.BadRequest(w, err.Error())
		return
	}

	p, err := h.service.Create(r.Context(), req.Order, req.OrderID, req.Backend, currency)
	if err != nil {
		api.BadRequest(w, err.Error())
		return
	}
	api.WriteData(w, http.StatusCreated, toPaymentResponse(p))
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, toPaymentResponse(p))
}

// getPaymentByExternalID resolves a payment from the paywall-side order
// identifier, for operators chasing a webhook that only quotes the remote
// reference.
func (h *Handler) getPaymentByExternalID(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetByExternalID(r.Context(),
		chi.URLParam(r, "backend"), chi.URLParam(r, "externalID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, toPaymentResponse(p))
}

func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) {
	prepared, err := h.service.PrepareTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, prepared)
}

type amountRequest struct {
	Amount string `json:"amount,omitempty"`
}

// parseOptionalAmount reads an optional {"amount": "12.34"} body. An absent
// or empty body means the operation default.
func parseOptionalAmount(r *http.Request) (*money.Amount, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	var req amountRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	if req.Amount == "" {
		return nil, nil
	}
	amt, err := money.FromString(req.Amount)
	if err != nil {
		return nil, err
	}
	return &amt, nil
}

func (h *Handler) charge(w http.ResponseWriter, r *http.Request) {
	amount, err := parseOptionalAmount(r)
	if err != nil {
		api.BadRequest(w, err.Error())
		return
	}
	outcome, err := h.service.Charge(r.Context(), chi.URLParam(r, "id"), amount)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, outcome)
}

func (h *Handler) startRefund(w http.ResponseWriter, r *http.Request) {
	amount, err := parseOptionalAmount(r)
	if err != nil {
		api.BadRequest(w, err.Error())
		return
	}
	submitted, err := h.service.StartRefund(r.Context(), chi.URLParam(r, "id"), amount)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, map[string]string{"amount": submitted.String()})
}

func (h *Handler) cancelRefund(w http.ResponseWriter, r *http.Request) {
	canceled, err := h.service.CancelRefund(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, map[string]bool{"canceled": canceled})
}

func (h *Handler) releaseLock(w http.ResponseWriter, r *http.Request) {
	released, err := h.service.ReleaseLock(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, map[string]string{"amount": released.String()})
}

func (h *Handler) fetchStatus(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.FetchAndUpdateStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, report)
}

type flagFraudRequest struct {
	Verdict string `json:"verdict" validate:"required,oneof=ACCEPTED REJECTED CHECK"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) flagFraud(w http.ResponseWriter, r *http.Request) {
	var req flagFraudRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	verdict, err := payment.ParseFraudStatus(req.Verdict)
	if err != nil {
		api.BadRequest(w, err.Error())
		return
	}

	p, err := h.service.FlagFraud(r.Context(), chi.URLParam(r, "id"), verdict, req.Message)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			api.NotFound(w, "payment not found")
			return
		}
		api.Conflict(w, err.Error())
		return
	}
	api.WriteData(w, http.StatusOK, toPaymentResponse(p))
}

func (h *Handler) buyerReturn(w http.ResponseWriter, r *http.Request) {
	success := r.URL.Query().Get("success") == "true"
	url, err := h.service.GetReturnRedirectURL(r.Context(), chi.URLParam(r, "id"), success)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if url == "" {
		api.NotFound(w, "no return URL configured")
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// callback is the push notification endpoint. The response contract belongs
// to the processor; the handler only relays it.
func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
	if err != nil {
		api.BadRequest(w, "reading callback body")
		return
	}

	resp := h.service.HandleCallback(r.Context(), chi.URLParam(r, "id"), r, body)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var pErr *payment.Error
	switch {
	case errors.Is(err, database.ErrNotFound):
		api.NotFound(w, "payment not found")
	case errors.Is(err, gateway.ErrInvalidAmount):
		api.BadRequest(w, err.Error())
	case errors.Is(err, gateway.ErrUnknownBackend):
		api.BadRequest(w, err.Error())
	case errors.As(err, &pErr):
		switch {
		case pErr.Kind == payment.KindInvalidTransition:
			api.Conflict(w, pErr.Error())
		case pErr.IsCommunication():
			api.WriteError(w, http.StatusBadGateway, api.ErrCodeServiceUnavail, pErr.Error())
		default:
			api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, pErr.Error())
		}
	default:
		h.logger.Error("payment operation failed", "error", err)
		api.InternalError(w, "internal error")
	}
}
