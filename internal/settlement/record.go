// Package settlement turns a confirmed gateway payment into an issued
// vendor gift card through a recoverable state machine.
package settlement

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cardsettle/internal/common/money"
	"cardsettle/internal/providers/issuer"
)

// State is the settlement lifecycle state.
type State string

const (
	StatePendingPayment            State = "PendingPayment"
	StatePaymentVerified           State = "PaymentVerified"
	StateVendorOrderPlaced         State = "VendorOrderPlaced"
	StateSettled                   State = "Settled"
	StatePaymentVerificationFailed State = "PaymentVerificationFailed"
	StateVendorOrderFailed         State = "VendorOrderFailed"
	StateExpired                   State = "Expired"
)

// IsTerminal reports whether no automatic transition leaves s.
func (s State) IsTerminal() bool {
	switch s {
	case StateSettled, StatePaymentVerificationFailed, StateVendorOrderFailed, StateExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePendingPayment, StatePaymentVerified, StateVendorOrderPlaced:
		return true
	}
	return s.IsTerminal()
}

// Record is the durable settlement entity. Card fields are written once, on
// the transition to VendorOrderPlaced.
type Record struct {
	Reference       string          `json:"reference"`
	State           State           `json:"state"`
	SKU             string          `json:"sku"`
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	Currency        money.Currency  `json:"currency"`
	PaymentID       string          `json:"payment_id,omitempty"`

	// Populated on VendorOrderPlaced
	VendorOrderID string              `json:"vendor_order_id,omitempty"`
	CardNumber    string              `json:"-"`
	CardPin       string              `json:"-"`
	CardValidity  string              `json:"card_validity,omitempty"`
	CardIssuedAt  string              `json:"card_issued_at,omitempty"`
	IssuedAmount  decimal.NullDecimal `json:"issued_amount"`

	// Tracking
	Attempts         int        `json:"attempts"`
	LastAttemptAt    *time.Time `json:"last_attempt_at,omitempty"`
	LastErrorCode    string     `json:"last_error_code,omitempty"`
	LastErrorMessage string     `json:"last_error_message,omitempty"`
	SettledAt        *time.Time `json:"settled_at,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var referencePattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,64}$`)

// ValidateReference checks that a reference is usable as a key and a URL
// path segment.
func ValidateReference(reference string) error {
	if !referencePattern.MatchString(reference) {
		return &ValidationError{Field: "reference", Message: "must be 1-64 characters of letters, digits, '.', '_', ':' or '-'"}
	}
	return nil
}

// ParseAmount validates a requested amount. Anything non-numeric or not
// strictly positive is a ValidationError.
func ParseAmount(raw string, currency money.Currency) (decimal.Decimal, error) {
	amount, err := money.ParseAmount(raw, currency)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: "amount", Message: err.Error(), Err: err}
	}
	return amount, nil
}

// ParseCurrency validates a currency code, defaulting to def when empty.
func ParseCurrency(raw string, def money.Currency) (money.Currency, error) {
	if raw == "" {
		return def, nil
	}
	c := money.Currency(strings.ToUpper(raw))
	if _, ok := money.GetCurrencyInfo(c); !ok {
		return "", &ValidationError{Field: "currency", Message: fmt.Sprintf("unsupported currency %q", raw)}
	}
	return c, nil
}

// NewRecord creates a record in PendingPayment.
func NewRecord(reference, sku string, amount decimal.Decimal, currency money.Currency, now time.Time) (*Record, error) {
	if err := ValidateReference(reference); err != nil {
		return nil, err
	}
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return nil, &ValidationError{Field: "sku", Message: "is required"}
	}
	if !amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Message: money.ErrNonPositiveAmount.Error()}
	}
	if currency == "" {
		currency = money.INR
	}

	now = now.UTC()
	return &Record{
		Reference:       reference,
		State:           StatePendingPayment,
		SKU:             sku,
		RequestedAmount: amount,
		Currency:        currency,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// IsTerminal returns true if the record is in a terminal state.
func (r *Record) IsTerminal() bool {
	return r.State.IsTerminal()
}

// HasCard reports whether card credentials were issued.
func (r *Record) HasCard() bool {
	return r.CardNumber != ""
}

func (r *Record) transition(from, to State, now time.Time) error {
	if r.State != from {
		return &TransitionError{From: r.State, To: to}
	}
	r.State = to
	r.UpdatedAt = now.UTC()
	return nil
}

// MarkPaymentVerified records a genuine gateway callback.
func (r *Record) MarkPaymentVerified(paymentID string, now time.Time) error {
	if err := r.transition(StatePendingPayment, StatePaymentVerified, now); err != nil {
		return err
	}
	r.PaymentID = paymentID
	return nil
}

// MarkVerificationFailed records a callback whose signature did not match.
func (r *Record) MarkVerificationFailed(paymentID string, now time.Time) error {
	if err := r.transition(StatePendingPayment, StatePaymentVerificationFailed, now); err != nil {
		return err
	}
	r.PaymentID = paymentID
	r.LastErrorCode = "INVALID_SIGNATURE"
	r.LastErrorMessage = "payment signature mismatch"
	return nil
}

// MarkExpired abandons a checkout that never confirmed.
func (r *Record) MarkExpired(now time.Time) error {
	if err := r.transition(StatePendingPayment, StateExpired, now); err != nil {
		return err
	}
	r.LastErrorCode = "EXPIRED"
	r.LastErrorMessage = "payment not confirmed in time"
	return nil
}

// BeginAttempt counts a vendor order attempt.
func (r *Record) BeginAttempt(now time.Time) error {
	if r.State != StatePaymentVerified {
		return &TransitionError{From: r.State, To: StatePaymentVerified}
	}
	now = now.UTC()
	r.Attempts++
	r.LastAttemptAt = &now
	r.UpdatedAt = now
	return nil
}

// RecordAttemptError keeps the last transient failure while the record
// waits for its next attempt.
func (r *Record) RecordAttemptError(code, message string, now time.Time) error {
	if r.State != StatePaymentVerified {
		return &TransitionError{From: r.State, To: StatePaymentVerified}
	}
	r.LastErrorCode = code
	r.LastErrorMessage = message
	r.UpdatedAt = now.UTC()
	return nil
}

// MarkVendorOrderPlaced stores the issued card.
func (r *Record) MarkVendorOrderPlaced(res *issuer.OrderResult, now time.Time) error {
	if r.HasCard() {
		return fmt.Errorf("%w: card already issued for %s", ErrInvalidState, r.Reference)
	}
	if err := r.transition(StatePaymentVerified, StateVendorOrderPlaced, now); err != nil {
		return err
	}
	r.VendorOrderID = res.VendorOrderID
	r.CardNumber = res.Card.Number
	r.CardPin = res.Card.Pin
	r.CardValidity = res.Card.Validity
	r.CardIssuedAt = res.Card.IssuanceDate
	r.IssuedAmount = decimal.NullDecimal{Decimal: res.Amount, Valid: true}
	r.LastErrorCode = ""
	r.LastErrorMessage = ""
	return nil
}

// MarkSettled completes the settlement.
func (r *Record) MarkSettled(now time.Time) error {
	if err := r.transition(StateVendorOrderPlaced, StateSettled, now); err != nil {
		return err
	}
	settledAt := now.UTC()
	r.SettledAt = &settledAt
	return nil
}

// MarkVendorOrderFailed parks the record for manual reconciliation.
func (r *Record) MarkVendorOrderFailed(code, message string, now time.Time) error {
	if err := r.transition(StatePaymentVerified, StateVendorOrderFailed, now); err != nil {
		return err
	}
	r.LastErrorCode = code
	r.LastErrorMessage = message
	return nil
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	if r.LastAttemptAt != nil {
		t := *r.LastAttemptAt
		c.LastAttemptAt = &t
	}
	if r.SettledAt != nil {
		t := *r.SettledAt
		c.SettledAt = &t
	}
	return &c
}
