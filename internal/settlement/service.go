package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cardsettle/internal/common/events"
	"cardsettle/internal/common/metrics"
	"cardsettle/internal/common/money"
	"cardsettle/internal/common/retry"
	"cardsettle/internal/common/syncutil"
	"cardsettle/internal/providers/gateway"
	"cardsettle/internal/providers/issuer"
)

// VendorClient places and looks up card orders. Implemented by
// *issuer.Client.
type VendorClient interface {
	PlaceOrder(ctx context.Context, req issuer.OrderRequest) (*issuer.OrderResult, error)
	LookupOrder(ctx context.Context, reference string) (*issuer.OrderResult, error)
}

// PaymentVerifier authenticates gateway callbacks. Implemented by
// *gateway.Verifier.
type PaymentVerifier interface {
	Verify(orderID, paymentID, signature string) bool
}

// GatewayClient creates gateway orders for payment intents. Implemented by
// *gateway.Client.
type GatewayClient interface {
	CreateOrder(ctx context.Context, req gateway.OrderRequest) (*gateway.Order, error)
	KeyID() string
}

// Config holds settlement configuration.
type Config struct {
	DefaultCurrency string        `envconfig:"SETTLEMENT_CURRENCY" default:"INR"`
	VendorTimeout   time.Duration `envconfig:"SETTLEMENT_VENDOR_TIMEOUT" default:"10s"`
	Retry           retry.Policy  `envconfig:"VENDOR_RETRY"`

	SweepEnabled  bool          `envconfig:"SETTLEMENT_SWEEP_ENABLED" default:"true"`
	SweepInterval time.Duration `envconfig:"SETTLEMENT_SWEEP_INTERVAL" default:"1m"`
	SweepBatch    int           `envconfig:"SETTLEMENT_SWEEP_BATCH" default:"50"`
	PendingTTL    time.Duration `envconfig:"SETTLEMENT_PENDING_TTL" default:"24h"`
	ResumeAfter   time.Duration `envconfig:"SETTLEMENT_RESUME_AFTER" default:"2m"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultCurrency: string(money.INR),
		VendorTimeout:   10 * time.Second,
		Retry:           retry.DefaultPolicy(),
		SweepEnabled:    true,
		SweepInterval:   time.Minute,
		SweepBatch:      50,
		PendingTTL:      24 * time.Hour,
		ResumeAfter:     2 * time.Minute,
	}
}

// Service is the settlement orchestrator. It is the only writer of
// settlement records.
type Service struct {
	store     Store
	vendor    VendorClient
	verifier  PaymentVerifier
	gateway   GatewayClient
	publisher events.EventPublisher
	locks     *syncutil.KeyedMutex
	config    Config
	logger    *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewService creates a new settlement service.
func NewService(store Store, vendor VendorClient, verifier PaymentVerifier, publisher events.EventPublisher, cfg Config, logger *slog.Logger) (*Service, error) {
	if store == nil || vendor == nil || verifier == nil {
		return nil, fmt.Errorf("%w: store, vendor client and verifier are required", ErrConfiguration)
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = string(money.INR)
	}
	if _, ok := money.GetCurrencyInfo(money.Currency(cfg.DefaultCurrency)); !ok {
		return nil, fmt.Errorf("%w: unsupported default currency %q", ErrConfiguration, cfg.DefaultCurrency)
	}
	if cfg.VendorTimeout <= 0 {
		cfg.VendorTimeout = 10 * time.Second
	}

	return &Service{
		store:     store,
		vendor:    vendor,
		verifier:  verifier,
		publisher: publisher,
		locks:     syncutil.NewKeyedMutex(),
		config:    cfg,
		logger:    logger,
		now:       time.Now,
		sleep:     retry.Sleep,
	}, nil
}

// SetGateway enables payment intent creation.
func (s *Service) SetGateway(g GatewayClient) { s.gateway = g }

// BeginRequest starts a settlement.
type BeginRequest struct {
	Reference string
	SKU       string
	Amount    string
	Currency  string
}

// BeginSettlement creates a PendingPayment record for an unseen reference.
// A known reference returns the stored record unchanged and created=false.
func (s *Service) BeginSettlement(ctx context.Context, req BeginRequest) (rec *Record, created bool, err error) {
	if err := ValidateReference(req.Reference); err != nil {
		return nil, false, err
	}
	currency, err := ParseCurrency(req.Currency, money.Currency(s.config.DefaultCurrency))
	if err != nil {
		return nil, false, err
	}
	amount, err := ParseAmount(req.Amount, currency)
	if err != nil {
		return nil, false, err
	}
	rec, err = NewRecord(req.Reference, req.SKU, amount, currency, s.now())
	if err != nil {
		return nil, false, err
	}

	unlock, err := s.locks.LockContext(ctx, req.Reference)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	existing, err := s.store.Get(ctx, req.Reference)
	switch {
	case err == nil:
		s.logExisting(existing, rec)
		return existing, false, nil
	case !errors.Is(err, ErrNotFound):
		return nil, false, fmt.Errorf("begin settlement: %w", err)
	}

	if err := s.store.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			existing, getErr := s.store.Get(ctx, req.Reference)
			if getErr != nil {
				return nil, false, fmt.Errorf("begin settlement: %w", getErr)
			}
			s.logExisting(existing, rec)
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("begin settlement: %w", err)
	}

	metrics.SettlementTransitionsTotal.WithLabelValues("", string(StatePendingPayment)).Inc()
	s.logger.Info("settlement created",
		"reference", rec.Reference,
		"sku", rec.SKU,
		"amount", money.Format(rec.RequestedAmount, rec.Currency),
		"currency", rec.Currency,
	)
	s.publish(ctx, rec)

	return rec, true, nil
}

func (s *Service) logExisting(existing, requested *Record) {
	if existing.SKU != requested.SKU || !existing.RequestedAmount.Equal(requested.RequestedAmount) {
		s.logger.Warn("settlement reference reused with different details",
			"reference", existing.Reference,
			"stored_sku", existing.SKU,
			"requested_sku", requested.SKU,
			"stored_amount", existing.RequestedAmount.String(),
			"requested_amount", requested.RequestedAmount.String(),
		)
	}
}

// Confirmation is the gateway callback for a completed checkout.
type Confirmation struct {
	PaymentOrderID string
	PaymentID      string
	Signature      string
}

// ConfirmPayment verifies the callback and, when genuine, places the vendor
// order. The record is always returned when it exists, including on error,
// so callers can report its state.
func (s *Service) ConfirmPayment(ctx context.Context, reference string, c Confirmation) (*Record, error) {
	if err := ValidateReference(reference); err != nil {
		return nil, err
	}
	if strings.TrimSpace(c.PaymentID) == "" {
		return nil, &ValidationError{Field: "paymentId", Message: "is required"}
	}
	if c.PaymentOrderID != "" && c.PaymentOrderID != reference {
		return nil, &ValidationError{Field: "orderId", Message: "does not match reference"}
	}

	unlock, err := s.locks.LockContext(ctx, reference)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// A verified payment must reach a recorded outcome even if the caller
	// goes away.
	ctx = context.WithoutCancel(ctx)

	rec, err := s.store.Get(ctx, reference)
	if err != nil {
		return nil, err
	}
	if rec.IsTerminal() {
		return rec, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, reference, rec.State)
	}
	if rec.State != StatePendingPayment {
		return rec, fmt.Errorf("%w: %s is %s", ErrInvalidState, reference, rec.State)
	}

	now := s.now()
	if !s.verifier.Verify(reference, c.PaymentID, c.Signature) {
		metrics.PaymentVerificationsTotal.WithLabelValues("invalid").Inc()
		s.logger.Warn("payment signature mismatch",
			"reference", reference,
			"payment_id", c.PaymentID,
		)
		if err := rec.MarkVerificationFailed(c.PaymentID, now); err != nil {
			return rec, err
		}
		if err := s.save(ctx, rec, StatePendingPayment); err != nil {
			return s.reload(ctx, rec, err)
		}
		s.publish(ctx, rec)
		return rec, ErrAuthentication
	}

	metrics.PaymentVerificationsTotal.WithLabelValues("valid").Inc()
	if err := rec.MarkPaymentVerified(c.PaymentID, now); err != nil {
		return rec, err
	}
	if err := s.save(ctx, rec, StatePendingPayment); err != nil {
		return s.reload(ctx, rec, err)
	}
	s.logger.Info("payment verified", "reference", reference, "payment_id", c.PaymentID)
	s.publish(ctx, rec)

	return s.placeVendorOrder(ctx, rec)
}

// placeVendorOrder runs the bounded attempt loop from PaymentVerified. The
// same reference is sent every time so the vendor can deduplicate.
func (s *Service) placeVendorOrder(ctx context.Context, rec *Record) (*Record, error) {
	limit := s.config.Retry.Attempts()

	// After a PROCESSING reply the order exists at the vendor, so later
	// attempts look it up instead of placing it again.
	lookupFirst := false
	for {
		if err := rec.BeginAttempt(s.now()); err != nil {
			return rec, err
		}
		if err := s.save(ctx, rec, StatePaymentVerified); err != nil {
			return s.reload(ctx, rec, err)
		}

		res, err := s.orderAttempt(ctx, rec, lookupFirst)
		if err == nil {
			metrics.VendorAttemptsTotal.WithLabelValues("success").Inc()
			return s.settle(ctx, rec, res)
		}

		code, message, retryable := classifyVendorError(err)
		lookupFirst = lookupFirst || code == issuer.CodeOrderProcessing
		s.logger.Warn("vendor order attempt failed",
			"reference", rec.Reference,
			"attempt", rec.Attempts,
			"max_attempts", limit,
			"code", code,
			"retryable", retryable,
			"error", err,
		)

		if !retryable || rec.Attempts >= limit {
			if retryable {
				metrics.VendorAttemptsTotal.WithLabelValues("transient").Inc()
			} else {
				metrics.VendorAttemptsTotal.WithLabelValues("permanent").Inc()
			}
			if retryable && lookupFirst {
				return s.leavePending(ctx, rec, code, message)
			}
			return s.failVendorOrder(ctx, rec, code, message, err)
		}
		metrics.VendorAttemptsTotal.WithLabelValues("transient").Inc()

		if err := rec.RecordAttemptError(code, message, s.now()); err != nil {
			return rec, err
		}
		if err := s.save(ctx, rec, StatePaymentVerified); err != nil {
			return s.reload(ctx, rec, err)
		}

		if err := s.sleep(ctx, s.config.Retry.Delay(rec.Attempts)); err != nil {
			return rec, err
		}
	}
}

// orderAttempt places the order, or first looks up one the vendor reported
// as still processing and places only if it turns out not to exist.
func (s *Service) orderAttempt(ctx context.Context, rec *Record, lookupFirst bool) (*issuer.OrderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.VendorTimeout)
	defer cancel()

	if lookupFirst {
		res, err := s.vendor.LookupOrder(ctx, rec.Reference)
		if !errors.Is(err, issuer.ErrOrderNotFound) {
			return res, err
		}
	}
	return s.vendor.PlaceOrder(ctx, issuer.OrderRequest{
		Reference: rec.Reference,
		SKU:       rec.SKU,
		Amount:    rec.RequestedAmount,
		Currency:  rec.Currency,
	})
}

// leavePending keeps a settlement whose vendor outcome is unknown in
// PaymentVerified so a later sweep can look the order up again.
func (s *Service) leavePending(ctx context.Context, rec *Record, code, message string) (*Record, error) {
	if err := rec.RecordAttemptError(code, message, s.now()); err != nil {
		return rec, err
	}
	if err := s.save(ctx, rec, StatePaymentVerified); err != nil {
		return s.reload(ctx, rec, err)
	}
	s.logger.Warn("vendor order outcome unknown, left for the sweeper",
		"reference", rec.Reference,
		"attempts", rec.Attempts,
		"code", code,
	)
	return rec, fmt.Errorf("%w: %s", ErrVendorPending, rec.Reference)
}

func (s *Service) failVendorOrder(ctx context.Context, rec *Record, code, message string, cause error) (*Record, error) {
	if err := rec.MarkVendorOrderFailed(code, message, s.now()); err != nil {
		return rec, err
	}
	if err := s.save(ctx, rec, StatePaymentVerified); err != nil {
		return s.reload(ctx, rec, err)
	}
	s.logger.Error("vendor order failed, manual reconciliation required",
		"reference", rec.Reference,
		"payment_id", rec.PaymentID,
		"attempts", rec.Attempts,
		"code", code,
	)
	s.publish(ctx, rec)
	return rec, fmt.Errorf("%w: %s: %v", ErrVendorOrderFailed, rec.Reference, cause)
}

// settle persists the issued card, then completes the settlement.
func (s *Service) settle(ctx context.Context, rec *Record, res *issuer.OrderResult) (*Record, error) {
	if err := rec.MarkVendorOrderPlaced(res, s.now()); err != nil {
		return rec, err
	}
	if err := s.save(ctx, rec, StatePaymentVerified); err != nil {
		s.logger.Error("issued card not persisted",
			"reference", rec.Reference,
			"vendor_order_id", res.VendorOrderID,
			"error", err,
		)
		return s.reload(ctx, rec, err)
	}
	return s.complete(ctx, rec)
}

func (s *Service) complete(ctx context.Context, rec *Record) (*Record, error) {
	if err := rec.MarkSettled(s.now()); err != nil {
		return rec, err
	}
	if err := s.save(ctx, rec, StateVendorOrderPlaced); err != nil {
		return s.reload(ctx, rec, err)
	}
	s.logger.Info("settlement completed",
		"reference", rec.Reference,
		"vendor_order_id", rec.VendorOrderID,
		"card", issuer.MaskCardNumber(rec.CardNumber),
		"attempts", rec.Attempts,
	)
	s.publish(ctx, rec)
	return rec, nil
}

// save writes rec with a compare-and-swap on expected.
func (s *Service) save(ctx context.Context, rec *Record, expected State) error {
	if err := s.store.Update(ctx, rec, expected); err != nil {
		return err
	}
	if rec.State != expected {
		metrics.SettlementTransitionsTotal.WithLabelValues(string(expected), string(rec.State)).Inc()
	}
	return nil
}

// reload returns the stored record after a failed write so callers see the
// state that actually won.
func (s *Service) reload(ctx context.Context, rec *Record, cause error) (*Record, error) {
	current, err := s.store.Get(ctx, rec.Reference)
	if err != nil {
		return rec, cause
	}
	return current, cause
}

// classifyVendorError maps a vendor failure onto an error code, a message
// and whether it may be retried.
func classifyVendorError(err error) (code, message string, retryable bool) {
	var ve *issuer.VendorError
	if errors.As(err, &ve) {
		code = ve.Code
		if code == "" {
			code = fmt.Sprintf("HTTP_%d", ve.StatusCode)
		}
		message = ve.Message
		if message == "" {
			message = ve.Error()
		}
		return code, message, ve.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return issuer.CodeTransport, err.Error(), true
	}
	return "VENDOR_ERROR", err.Error(), false
}

// GetSettlement returns the current record.
func (s *Service) GetSettlement(ctx context.Context, reference string) (*Record, error) {
	if err := ValidateReference(reference); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, reference)
}

// Expire abandons a PendingPayment record.
func (s *Service) Expire(ctx context.Context, reference string) (*Record, error) {
	if err := ValidateReference(reference); err != nil {
		return nil, err
	}

	unlock, err := s.locks.LockContext(ctx, reference)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.store.Get(ctx, reference)
	if err != nil {
		return nil, err
	}
	if err := rec.MarkExpired(s.now()); err != nil {
		return rec, err
	}
	if err := s.save(ctx, rec, StatePendingPayment); err != nil {
		return s.reload(ctx, rec, err)
	}
	s.logger.Info("settlement expired", "reference", reference)
	s.publish(ctx, rec)
	return rec, nil
}

// Resume recovers a record left in PaymentVerified or VendorOrderPlaced by a
// crash or a failed write. When an earlier attempt may have reached the
// vendor, the vendor is asked first so a card is never ordered twice. It
// returns ErrVendorPending while the vendor outcome is still unknown.
func (s *Service) Resume(ctx context.Context, reference string) (*Record, error) {
	unlock, err := s.locks.LockContext(ctx, reference)
	if err != nil {
		return nil, err
	}
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	rec, err := s.store.Get(ctx, reference)
	if err != nil {
		return nil, err
	}

	switch rec.State {
	case StateVendorOrderPlaced:
		s.logger.Info("resuming settlement", "reference", reference, "state", rec.State)
		return s.complete(ctx, rec)

	case StatePaymentVerified:
		s.logger.Info("resuming settlement", "reference", reference, "state", rec.State, "attempts", rec.Attempts)
		if rec.Attempts == 0 {
			return s.placeVendorOrder(ctx, rec)
		}
		return s.resumeAfterAttempt(ctx, rec)
	}

	if rec.IsTerminal() {
		return rec, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, reference, rec.State)
	}
	return rec, fmt.Errorf("%w: %s is %s", ErrInvalidState, reference, rec.State)
}

func (s *Service) resumeAfterAttempt(ctx context.Context, rec *Record) (*Record, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, s.config.VendorTimeout)
	res, err := s.vendor.LookupOrder(lookupCtx, rec.Reference)
	cancel()

	if err == nil {
		s.logger.Info("vendor order found on resume", "reference", rec.Reference, "vendor_order_id", res.VendorOrderID)
		return s.settle(ctx, rec, res)
	}

	code, message, retryable := classifyVendorError(err)
	switch {
	case errors.Is(err, issuer.ErrOrderNotFound):
		if rec.Attempts >= s.config.Retry.Attempts() {
			return s.failVendorOrder(ctx, rec, code, message, err)
		}
		return s.placeVendorOrder(ctx, rec)
	case code == issuer.CodeOrderProcessing, retryable:
		// Still in flight at the vendor, or the lookup itself failed. Either
		// way a card may exist, so the next sweep looks again.
		s.logger.Warn("vendor order outcome unknown on resume",
			"reference", rec.Reference,
			"attempts", rec.Attempts,
			"code", code,
			"error", err,
		)
		return rec, fmt.Errorf("%w: %s", ErrVendorPending, rec.Reference)
	default:
		return s.failVendorOrder(ctx, rec, code, message, err)
	}
}

// PaymentIntent is a gateway order bound to a new settlement.
type PaymentIntent struct {
	Record      *Record
	GatewayID   string
	AmountMinor int64
	Currency    money.Currency
	KeyID       string
}

// IntentRequest creates a payment intent.
type IntentRequest struct {
	SKU      string
	Amount   string
	Currency string
}

// CreatePaymentIntent creates a gateway order for the amount and begins a
// settlement whose reference is the gateway order id. The verified callback
// therefore always refers to an order created server-side for this amount.
func (s *Service) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*PaymentIntent, error) {
	if s.gateway == nil {
		return nil, fmt.Errorf("%w: payment gateway not configured", ErrConfiguration)
	}
	if strings.TrimSpace(req.SKU) == "" {
		return nil, &ValidationError{Field: "sku", Message: "is required"}
	}
	currency, err := ParseCurrency(req.Currency, money.Currency(s.config.DefaultCurrency))
	if err != nil {
		return nil, err
	}
	amount, err := ParseAmount(req.Amount, currency)
	if err != nil {
		return nil, err
	}

	order, err := s.gateway.CreateOrder(ctx, gateway.OrderRequest{
		Amount:   amount,
		Currency: currency,
		Notes:    map[string]string{"sku": req.SKU},
	})
	if err != nil {
		return nil, fmt.Errorf("create gateway order: %w", err)
	}
	if !money.FromMinor(order.AmountMinor, currency).Equal(amount) ||
		(order.Currency != "" && !strings.EqualFold(order.Currency, string(currency))) {
		return nil, fmt.Errorf("%w: order %s is %d %s", ErrGatewayMismatch, order.ID, order.AmountMinor, order.Currency)
	}

	rec, _, err := s.BeginSettlement(ctx, BeginRequest{
		Reference: order.ID,
		SKU:       req.SKU,
		Amount:    amount.String(),
		Currency:  string(currency),
	})
	if err != nil {
		return nil, err
	}

	return &PaymentIntent{
		Record:      rec,
		GatewayID:   order.ID,
		AmountMinor: money.ToMinor(amount, currency),
		Currency:    currency,
		KeyID:       s.gateway.KeyID(),
	}, nil
}
