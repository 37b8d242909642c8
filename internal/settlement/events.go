package settlement

import (
	"context"

	"cardsettle/internal/common/events"
	"cardsettle/internal/common/middleware"
	"cardsettle/internal/providers/issuer"
)

// AggregateType is the event aggregate name for settlements.
const AggregateType = "settlement"

// EventData is the payload of every settlement event. Card credentials are
// never published; only the masked number is.
type EventData struct {
	Reference       string `json:"reference"`
	State           State  `json:"state"`
	SKU             string `json:"sku"`
	RequestedAmount string `json:"requested_amount"`
	Currency        string `json:"currency"`
	PaymentID       string `json:"payment_id,omitempty"`
	VendorOrderID   string `json:"vendor_order_id,omitempty"`
	MaskedCard      string `json:"masked_card,omitempty"`
	Attempts        int    `json:"attempts"`
	ErrorCode       string `json:"error_code,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

func eventType(state State) string {
	switch state {
	case StatePendingPayment:
		return events.EventSettlementCreated
	case StatePaymentVerified:
		return events.EventSettlementPaymentVerified
	case StatePaymentVerificationFailed:
		return events.EventSettlementVerificationFailed
	case StateSettled:
		return events.EventSettlementSettled
	case StateVendorOrderFailed:
		return events.EventSettlementVendorFailed
	case StateExpired:
		return events.EventSettlementExpired
	}
	return ""
}

// publish emits the event for the record's current state. Failures are
// logged; the record is already durable.
func (s *Service) publish(ctx context.Context, rec *Record) {
	typ := eventType(rec.State)
	if typ == "" {
		return
	}

	data := EventData{
		Reference:       rec.Reference,
		State:           rec.State,
		SKU:             rec.SKU,
		RequestedAmount: rec.RequestedAmount.String(),
		Currency:        string(rec.Currency),
		PaymentID:       rec.PaymentID,
		VendorOrderID:   rec.VendorOrderID,
		Attempts:        rec.Attempts,
		ErrorCode:       rec.LastErrorCode,
		ErrorMessage:    rec.LastErrorMessage,
	}
	if rec.HasCard() {
		data.MaskedCard = issuer.MaskCardNumber(rec.CardNumber)
	}

	evt, err := events.NewEvent(typ, AggregateType, rec.Reference, data)
	if err != nil {
		s.logger.Error("failed to build event", "error", err, "reference", rec.Reference, "type", typ)
		return
	}
	evt.WithCorrelation(middleware.GetCorrelationID(ctx))

	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn("failed to publish event", "error", err, "reference", rec.Reference, "type", typ)
	}
}
