package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"cardsettle/internal/common/api"
	"cardsettle/internal/settlement"
)

// Handler handles settlement HTTP requests
type Handler struct {
	service *settlement.Service
	logger  *slog.Logger
}

// NewHandler creates a new settlement handler
func NewHandler(service *settlement.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns the settlement routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.BeginSettlement)
	r.Get("/{reference}", h.GetSettlement)
	r.Post("/{reference}/confirm", h.ConfirmPayment)
	r.Post("/{reference}/expire", h.Expire)

	return r
}

// IntentRoutes returns the payment intent routes
func (h *Handler) IntentRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.CreatePaymentIntent)
	return r
}

// Amount accepts a JSON number or a numeric string and keeps the literal
// text so no precision is lost before decimal parsing.
type Amount string

// UnmarshalJSON implements json.Unmarshaler.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*a = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*a = Amount(v)
		return nil
	}
	*a = Amount(s)
	return nil
}

// BeginSettlementRequest is the API request for starting a settlement
type BeginSettlementRequest struct {
	Reference string `json:"reference" validate:"required,max=64"`
	SKU       string `json:"sku" validate:"required,max=64"`
	Amount    Amount `json:"amount" validate:"required"`
	Currency  string `json:"currency" validate:"omitempty,len=3"`
}

// ConfirmPaymentRequest is the gateway callback forwarded by the storefront
type ConfirmPaymentRequest struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId" validate:"required"`
	Signature string `json:"signature" validate:"required"`
}

// CreatePaymentIntentRequest is the API request for a checkout
type CreatePaymentIntentRequest struct {
	SKU      string `json:"sku" validate:"required,max=64"`
	Amount   Amount `json:"amount" validate:"required"`
	Currency string `json:"currency" validate:"omitempty,len=3"`
}

// Card is the issued card returned to the buyer
type Card struct {
	Number   string `json:"number"`
	Pin      string `json:"pin"`
	Validity string `json:"validity,omitempty"`
}

// SettlementResponse is the settlement projection
type SettlementResponse struct {
	Reference       string     `json:"reference"`
	State           string     `json:"state"`
	SKU             string     `json:"sku"`
	RequestedAmount string     `json:"requestedAmount"`
	Currency        string     `json:"currency"`
	PaymentID       string     `json:"paymentId,omitempty"`
	VendorOrderID   string     `json:"vendorOrderId,omitempty"`
	IssuedAmount    string     `json:"issuedAmount,omitempty"`
	Card            *Card      `json:"card,omitempty"`
	Attempts        int        `json:"attempts"`
	LastErrorCode   string     `json:"lastErrorCode,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	SettledAt       *time.Time `json:"settledAt,omitempty"`
}

// PaymentIntentResponse carries what the checkout widget needs
type PaymentIntentResponse struct {
	Reference      string `json:"reference"`
	State          string `json:"state"`
	GatewayOrderID string `json:"gatewayOrderId"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	KeyID          string `json:"keyId"`
}

func toResponse(rec *settlement.Record) SettlementResponse {
	resp := SettlementResponse{
		Reference:       rec.Reference,
		State:           string(rec.State),
		SKU:             rec.SKU,
		RequestedAmount: rec.RequestedAmount.StringFixed(2),
		Currency:        string(rec.Currency),
		PaymentID:       rec.PaymentID,
		VendorOrderID:   rec.VendorOrderID,
		Attempts:        rec.Attempts,
		LastErrorCode:   rec.LastErrorCode,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
		SettledAt:       rec.SettledAt,
	}
	if rec.IssuedAmount.Valid {
		resp.IssuedAmount = rec.IssuedAmount.Decimal.StringFixed(2)
	}
	if rec.HasCard() {
		resp.Card = &Card{
			Number:   rec.CardNumber,
			Pin:      rec.CardPin,
			Validity: rec.CardValidity,
		}
	}
	return resp
}

// BeginSettlement handles POST /settlement
func (h *Handler) BeginSettlement(w http.ResponseWriter, r *http.Request) {
	var req BeginSettlementRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	rec, created, err := h.service.BeginSettlement(r.Context(), settlement.BeginRequest{
		Reference: req.Reference,
		SKU:       req.SKU,
		Amount:    string(req.Amount),
		Currency:  req.Currency,
	})
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	api.WriteData(w, status, toResponse(rec))
}

// GetSettlement handles GET /settlement/{reference}
func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.GetSettlement(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	api.WriteData(w, http.StatusOK, toResponse(rec))
}

// ConfirmPayment handles POST /settlement/{reference}/confirm
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req ConfirmPaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	rec, err := h.service.ConfirmPayment(r.Context(), chi.URLParam(r, "reference"), settlement.Confirmation{
		PaymentOrderID: req.OrderID,
		PaymentID:      req.PaymentID,
		Signature:      req.Signature,
	})
	if err != nil {
		h.writeError(w, r, err, rec)
		return
	}
	api.WriteData(w, http.StatusOK, toResponse(rec))
}

// Expire handles POST /settlement/{reference}/expire
func (h *Handler) Expire(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Expire(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		h.writeError(w, r, err, rec)
		return
	}
	api.WriteData(w, http.StatusOK, toResponse(rec))
}

// CreatePaymentIntent handles POST /payment-intents
func (h *Handler) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentIntentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	intent, err := h.service.CreatePaymentIntent(r.Context(), settlement.IntentRequest{
		SKU:      req.SKU,
		Amount:   string(req.Amount),
		Currency: req.Currency,
	})
	if err != nil {
		if errors.Is(err, settlement.ErrConfiguration) {
			api.WriteError(w, http.StatusServiceUnavailable, api.ErrCodeServiceUnavailable, "payment gateway not configured")
			return
		}
		if settlement.IsValidation(err) {
			h.writeError(w, r, err, nil)
			return
		}
		h.logger.Error("create payment intent failed", "error", err)
		api.BadGateway(w, "failed to create gateway order")
		return
	}

	api.WriteData(w, http.StatusCreated, PaymentIntentResponse{
		Reference:      intent.Record.Reference,
		State:          string(intent.Record.State),
		GatewayOrderID: intent.GatewayID,
		Amount:         intent.AmountMinor,
		Currency:       string(intent.Currency),
		KeyID:          intent.KeyID,
	})
}

// writeError maps service errors onto the response envelope. When the
// record is known its projection is returned alongside the error.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, rec *settlement.Record) {
	var ve *settlement.ValidationError
	switch {
	case errors.As(err, &ve):
		api.WriteErrorWithDetails(w, http.StatusBadRequest, api.ErrCodeValidation, ve.Error(),
			map[string]string{ve.Field: ve.Message})
	case errors.Is(err, settlement.ErrNotFound):
		api.NotFound(w, "settlement not found")
	case errors.Is(err, settlement.ErrAuthentication):
		writeWithRecord(w, http.StatusUnprocessableEntity, api.ErrCodeInvalidSignature, "payment signature verification failed", rec)
	case errors.Is(err, settlement.ErrVendorOrderFailed):
		writeWithRecord(w, http.StatusBadGateway, api.ErrCodeVendorFailed, "vendor order failed", rec)
	case errors.Is(err, settlement.ErrVendorPending):
		writeWithRecord(w, http.StatusAccepted, api.ErrCodeVendorPending, "vendor order still processing", rec)
	case errors.Is(err, settlement.ErrAlreadyTerminal):
		writeWithRecord(w, http.StatusConflict, api.ErrCodeAlreadyTerminal, "settlement already in a terminal state", rec)
	case errors.Is(err, settlement.ErrInvalidState):
		writeWithRecord(w, http.StatusConflict, api.ErrCodeInvalidState, "settlement not in a valid state for this operation", rec)
	case errors.Is(err, settlement.ErrConflict):
		writeWithRecord(w, http.StatusConflict, api.ErrCodeConflict, "settlement modified concurrently", rec)
	default:
		h.logger.Error("settlement request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		api.InternalError(w, "internal error")
	}
}

func writeWithRecord(w http.ResponseWriter, status int, code, message string, rec *settlement.Record) {
	if rec == nil {
		api.WriteError(w, status, code, message)
		return
	}
	api.WriteDataWithError(w, status, code, message, toResponse(rec))
}
