package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardsettle/internal/common/events"
	"cardsettle/internal/common/money"
	"cardsettle/internal/common/retry"
	"cardsettle/internal/providers/gateway"
	"cardsettle/internal/providers/issuer"
)

const gatewaySecret = "rzp-test-secret"

type vendorReply struct {
	res *issuer.OrderResult
	err error
}

// stubVendor counts calls and replays scripted replies; the last reply
// repeats once the script runs out.
type stubVendor struct {
	mu      sync.Mutex
	placed  []issuer.OrderRequest
	lookups int
	replies []vendorReply
	lookup  func(reference string) (*issuer.OrderResult, error)
	delay   time.Duration
}

func (v *stubVendor) PlaceOrder(ctx context.Context, req issuer.OrderRequest) (*issuer.OrderResult, error) {
	if v.delay > 0 {
		time.Sleep(v.delay)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.placed = append(v.placed, req)
	if len(v.replies) == 0 {
		return cardResult(), nil
	}
	r := v.replies[0]
	if len(v.replies) > 1 {
		v.replies = v.replies[1:]
	}
	return r.res, r.err
}

func (v *stubVendor) LookupOrder(ctx context.Context, reference string) (*issuer.OrderResult, error) {
	v.mu.Lock()
	v.lookups++
	fn := v.lookup
	v.mu.Unlock()
	if fn == nil {
		return nil, issuer.ErrOrderNotFound
	}
	return fn(reference)
}

func (v *stubVendor) calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.placed)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type stubGateway struct {
	orders      []gateway.OrderRequest
	amountMinor int64 // overrides the echoed amount when set
	err         error
}

func (g *stubGateway) CreateOrder(_ context.Context, req gateway.OrderRequest) (*gateway.Order, error) {
	g.orders = append(g.orders, req)
	if g.err != nil {
		return nil, g.err
	}
	minor := money.ToMinor(req.Amount, req.Currency)
	if g.amountMinor != 0 {
		minor = g.amountMinor
	}
	return &gateway.Order{ID: "order_GW1", AmountMinor: minor, Currency: string(req.Currency), Status: "created"}, nil
}

func (g *stubGateway) KeyID() string { return "rzp_test_key" }

func cardResult() *issuer.OrderResult {
	return &issuer.OrderResult{
		VendorOrderID: "VO-1",
		Status:        issuer.StatusComplete,
		Card: issuer.Card{
			Number:       "7000123412341234",
			Pin:          "123456",
			Validity:     "2026-12-31",
			IssuanceDate: "2025-01-01",
		},
		Amount: decimal.NewFromInt(500),
	}
}

func processing(op string) *issuer.VendorError {
	return &issuer.VendorError{Operation: op, Code: issuer.CodeOrderProcessing, Message: "order status PROCESSING", Retryable: true}
}

func unavailable() vendorReply {
	return vendorReply{err: &issuer.VendorError{
		Operation:  "place_order",
		StatusCode: http.StatusServiceUnavailable,
		Body:       "upstream down",
		Retryable:  true,
	}}
}

type harness struct {
	svc       *Service
	store     *MemoryStore
	vendor    *stubVendor
	verifier  *gateway.Verifier
	publisher *recordingPublisher
	delays    []time.Duration
}

func newHarness(t *testing.T, vendor *stubVendor) *harness {
	t.Helper()
	verifier, err := gateway.NewVerifier(gatewaySecret)
	require.NoError(t, err)

	h := &harness{
		store:     NewMemoryStore(),
		vendor:    vendor,
		verifier:  verifier,
		publisher: &recordingPublisher{},
	}
	svc, err := NewService(h.store, vendor, verifier, h.publisher, DefaultConfig(),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	var mu sync.Mutex
	svc.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		h.delays = append(h.delays, d)
		mu.Unlock()
		return nil
	}
	h.svc = svc
	return h
}

func (h *harness) begin(t *testing.T, ref string) *Record {
	t.Helper()
	rec, created, err := h.svc.BeginSettlement(context.Background(), BeginRequest{
		Reference: ref, SKU: "SKU-100", Amount: "500",
	})
	require.NoError(t, err)
	require.True(t, created)
	return rec
}

func (h *harness) confirmation(ref, paymentID string) Confirmation {
	return Confirmation{
		PaymentOrderID: ref,
		PaymentID:      paymentID,
		Signature:      h.verifier.Sign(ref, paymentID),
	}
}

func TestNewService_RequiresCollaborators(t *testing.T) {
	_, err := NewService(nil, &stubVendor{}, nil, nil, DefaultConfig(), slog.Default())
	assert.ErrorIs(t, err, ErrConfiguration)

	verifier, _ := gateway.NewVerifier(gatewaySecret)
	cfg := DefaultConfig()
	cfg.DefaultCurrency = "XXX"
	_, err = NewService(NewMemoryStore(), &stubVendor{}, verifier, nil, cfg, slog.Default())
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestBeginSettlement_CreatesPending(t *testing.T) {
	h := newHarness(t, &stubVendor{})
	rec := h.begin(t, "R1")

	assert.Equal(t, StatePendingPayment, rec.State)
	assert.Equal(t, "SKU-100", rec.SKU)
	assert.True(t, decimal.NewFromInt(500).Equal(rec.RequestedAmount))
	assert.Equal(t, 0, rec.Attempts)
	assert.Equal(t, []string{events.EventSettlementCreated}, h.publisher.types())
}

func TestBeginSettlement_Idempotent(t *testing.T) {
	h := newHarness(t, &stubVendor{})
	first := h.begin(t, "R1")

	again, created, err := h.svc.BeginSettlement(context.Background(), BeginRequest{
		Reference: "R1", SKU: "SKU-999", Amount: "750",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.SKU, again.SKU)
	assert.True(t, first.RequestedAmount.Equal(again.RequestedAmount))
	assert.Equal(t, 1, h.store.Len())
}

func TestBeginSettlement_ConcurrentSameReference(t *testing.T) {
	h := newHarness(t, &stubVendor{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := h.svc.BeginSettlement(context.Background(), BeginRequest{
				Reference: "R1", SKU: "SKU-100", Amount: "500",
			})
			assert.NoError(t, err)
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, createdCount)
	assert.Equal(t, 1, h.store.Len())
}

func TestBeginSettlement_RejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name  string
		req   BeginRequest
		field string
	}{
		{"negative amount", BeginRequest{Reference: "R1", SKU: "SKU-100", Amount: "-5"}, "amount"},
		{"non-numeric amount", BeginRequest{Reference: "R1", SKU: "SKU-100", Amount: "abc"}, "amount"},
		{"zero amount", BeginRequest{Reference: "R1", SKU: "SKU-100", Amount: "0"}, "amount"},
		{"empty amount", BeginRequest{Reference: "R1", SKU: "SKU-100", Amount: ""}, "amount"},
		{"too precise", BeginRequest{Reference: "R1", SKU: "SKU-100", Amount: "1.005"}, "amount"},
		{"too large", BeginRequest{Reference: "R1", SKU: "SKU-100", Amount: "1e12"}, "amount"},
		{"missing sku", BeginRequest{Reference: "R1", Amount: "500"}, "sku"},
		{"empty reference", BeginRequest{SKU: "SKU-100", Amount: "500"}, "reference"},
		{"reference with slash", BeginRequest{Reference: "R/1", SKU: "SKU-100", Amount: "500"}, "reference"},
		{"unknown currency", BeginRequest{Reference: "R1", SKU: "SKU-100", Amount: "500", Currency: "XYZ"}, "currency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &stubVendor{})
			_, _, err := h.svc.BeginSettlement(context.Background(), tt.req)

			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
			assert.Equal(t, 0, h.store.Len())
			assert.Empty(t, h.publisher.types())
		})
	}
}

func TestConfirmPayment_Settles(t *testing.T) {
	vendor := &stubVendor{}
	h := newHarness(t, vendor)
	h.begin(t, "R1")

	rec, err := h.svc.ConfirmPayment(context.Background(), "R1", h.confirmation("R1", "pay_1"))
	require.NoError(t, err)

	assert.Equal(t, StateSettled, rec.State)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "pay_1", rec.PaymentID)
	assert.Equal(t, "VO-1", rec.VendorOrderID)
	assert.Equal(t, "7000123412341234", rec.CardNumber)
	assert.Equal(t, "123456", rec.CardPin)
	assert.Equal(t, "2026-12-31", rec.CardValidity)
	assert.True(t, rec.IssuedAmount.Valid)
	assert.NotNil(t, rec.SettledAt)

	require.Len(t, vendor.placed, 1)
	assert.Equal(t, "R1", vendor.placed[0].Reference)
	assert.Equal(t, "SKU-100", vendor.placed[0].SKU)
	assert.True(t, decimal.NewFromInt(500).Equal(vendor.placed[0].Amount))

	stored, err := h.svc.GetSettlement(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, StateSettled, stored.State)
	assert.Equal(t, rec.Version, stored.Version)

	assert.Equal(t, []string{
		events.EventSettlementCreated,
		events.EventSettlementPaymentVerified,
		events.EventSettlementSettled,
	}, h.publisher.types())
}

func TestConfirmPayment_BadSignatureNeverCallsVendor(t *testing.T) {
	vendor := &stubVendor{}
	h := newHarness(t, vendor)
	h.begin(t, "R1")

	c := h.confirmation("R1", "pay_1")
	c.Signature = h.verifier.Sign("R1", "pay_other")

	rec, err := h.svc.ConfirmPayment(context.Background(), "R1", c)
	assert.ErrorIs(t, err, ErrAuthentication)
	require.NotNil(t, rec)
	assert.Equal(t, StatePaymentVerificationFailed, rec.State)
	assert.Equal(t, 0, vendor.calls())
	assert.False(t, rec.HasCard())

	// A later genuine callback cannot revive the record.
	rec, err = h.svc.ConfirmPayment(context.Background(), "R1", h.confirmation("R1", "pay_1"))
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
	assert.Equal(t, StatePaymentVerificationFailed, rec.State)
	assert.Equal(t, 0, vendor.calls())
}

func TestConfirmPayment_TransientFailuresExhaustAttempts(t *testing.T) {
	vendor := &stubVendor{replies: []vendorReply{unavailable(), unavailable(), unavailable()}}
	h := newHarness(t, vendor)
	h.begin(t, "R1")

	rec, err := h.svc.ConfirmPayment(context.Background(), "R1", h.confirmation("R1", "pay_1"))
	assert.ErrorIs(t, err, ErrVendorOrderFailed)
	require.NotNil(t, rec)

	assert.Equal(t, StateVendorOrderFailed, rec.State)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, 3, vendor.calls())
	assert.False(t, rec.HasCard())
	assert.Empty(t, rec.VendorOrderID)
	assert.False(t, rec.IssuedAmount.Valid)
	assert.Equal(t, "HTTP_503", rec.LastErrorCode)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second}, h.delays)

	for _, req := range vendor.placed {
		assert.Equal(t, "R1", req.Reference)
	}

	stored, err := h.store.Get(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, StateVendorOrderFailed, stored.State)
	assert.Equal(t, 3, stored.Attempts)
}

func TestConfirmPayment_RecoversAfterTransientFailure(t *testing.T) {
	vendor := &stubVendor{replies: []vendorReply{unavailable(), {res: cardResult()}}}
	h := newHarness(t, vendor)
	h.begin(t, "R1")

	rec, err := h.svc.ConfirmPayment(context.Background(), "R1", h.confirmation("R1", "pay_1"))
	require.NoError(t, err)
	assert.Equal(t, StateSettled, rec.State)
	assert.Equal(t, 2, rec.Attempts)
	assert.Empty(t, rec.LastErrorCode)
	assert.Equal(t, []time.Duration{time.Second}, h.delays)
}

func TestConfirmPayment_LooksUpProcessingOrderInsteadOfReplacing(t *testing.T) {
	vendor := &stubVendor{
		replies: []vendorReply{{err: processing("place_order")}},
		lookup:  func(string) (*issuer.OrderResult, error) { return cardResult(), nil },
	}
	h := newHarness(t, vendor)
	h.begin(t, "R1")

	rec, err := h.svc.ConfirmPayment(context.Background(), "R1", h.confirmation("R1", "pay_1"))
	require.NoError(t, err)
	assert.Equal(t, StateSettled, rec.State)
	assert.Equal(t, 1, vendor.calls())
	assert.Equal(t, 1, vendor.lookups)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, "VO-1", rec.VendorOrderID)
}

func TestConfirmPayment_ProcessingOrderMissingOnLookupIsPlacedAgain(t *testing.T) {
	vendor := &stubVendor{replies: []vendorReply{{err: processing("place_order")}, {res: cardResult()}}}
	h := newHarness(t, vendor)
	h.begin(t, "R1")

	rec, err := h.svc.ConfirmPayment(context.Background(), "R1", h.confirmation("R1", "pay_1"))
	require.NoError(t, err)
	assert.Equal(t, StateSettled, rec.State)
	assert.Equal(t, 2, vendor.calls())
	assert.Equal(t, 1, vendor.lookups)
}

func TestConfirmPayment_StillProcessingAfterLastAttemptStaysVerified(t *testing.T) {
	vendor := &stubVendor{
		replies: []vendorReply{{err: processing("place_order")}},
		lookup:  func(string) (*issuer.OrderResult, error) { return nil, processing("order_status") },
	}
	h := newHarness(t, vendor)
	h.begin(t, "R1")

	rec, err := h.svc.ConfirmPayment(context.Background(), "R1", h.confirmation("R1", "pay_1"))
	assert.ErrorIs(t, err, ErrVendorPending)
	assert.NotErrorIs(t, err, ErrVendorOrderFailed)
	assert.Equal(t, StatePaymentVerified, rec.State)
	assert.Equal(t, 1, vendor.calls())
	assert.Equal(t, 2, vendor.lookups)

	stored, err := h.store.Get(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, StatePaymentVerified, stored.State)
	assert.Equal(t, 3, stored.Attempts)
	assert.Equal(t, issuer.CodeOrderProcessing, stored.LastErrorCode)
}

func TestConfirmPayment_LookupOutageAfterProcessingNeverReplaces(t *testing.T) {
	outage := &issuer.VendorError{Operation: "order_status", StatusCode: http.StatusServiceUnavailable, Retryable: true}
	vendor := &stubVendor{
		replies: []vendorReply{{err: processing("place_order")}},
		lookup:  func(string) (*issuer.OrderResult, error) { return nil, outage },
	}
	h := newHarness(t, vendor)
	h.begin(t, "R1")

	rec, err := h.svc.ConfirmPayment(context.Background(), "R1", h.confirmation("R1", "pay_1"))
	assert.ErrorIs(t, err, ErrVendorPending)
	assert.Equal(t, StatePaymentVerified, rec.State)
	assert.Equal(t, 1, vendor.calls())
	assert.Equal(t, 2, vendor.lookups)
}

func TestConfirmPayment_PermanentFailureIsImmediate(t *testing.T) {
	vendor := &stubVendor{replies: []vendorReply{{err: &issuer.VendorError{
		Operation:  "place_order",
		StatusCode: http.StatusBadRequest,
		Code:       "5001",
		Message:    "Invalid SKU",
	}}}}
	h := newHarness(t, vendor)
	h.begin(t, "R1")

	rec, err := h.svc.ConfirmPayment(context.Background(), "R1", h.confirmation("R1", "pay_1"))
	assert.ErrorIs(t, err, ErrVendorOrderFailed)
	assert.Equal(t, StateVendorOrderFailed, rec.State)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "5001", rec.LastErrorCode)
	assert.Equal(t, "Invalid SKU", rec.LastErrorMessage)
	assert.Empty(t, h.delays)
}

func TestConfirmPayment_ConcurrentCallsPlaceOneOrder(t *testing.T) {
	vendor := &stubVendor{delay: 20 * time.Millisecond}
	h := newHarness(t, vendor)
	h.begin(t, "R1")

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	recs := make([]*Record, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs[i], errs[i] = h.svc.ConfirmPayment(context.Background(), "R1", h.confirmation("R1", "pay_1"))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, vendor.calls())

	succeeded := 0
	for i := 0; i < n; i++ {
		if errs[i] == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, errs[i], ErrAlreadyTerminal)
		assert.Equal(t, StateSettled, recs[i].State)
	}
	assert.Equal(t, 1, succeeded)
}

func TestConfirmPayment_DuplicateDeliveryIsNoop(t *testing.T) {
	vendor := &stubVendor{}
	h := newHarness(t, vendor)
	h.begin(t, "R1")

	first, err := h.svc.ConfirmPayment(context.Background(), "R1", h.confirmation("R1", "pay_1"))
	require.NoError(t, err)

	again, err := h.svc.ConfirmPayment(context.Background(), "R1", h.confirmation("R1", "pay_1"))
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
	assert.Equal(t, StateSettled, again.State)
	assert.Equal(t, first.Version, again.Version)
	assert.Equal(t, 1, vendor.calls())
}

func TestConfirmPayment_Validation(t *testing.T) {
	h := newHarness(t, &stubVendor{})
	h.begin(t, "R1")

	_, err := h.svc.ConfirmPayment(context.Background(), "R1", Confirmation{Signature: "x"})
	assert.True(t, IsValidation(err))

	c := h.confirmation("R1", "pay_1")
	c.PaymentOrderID = "R2"
	_, err = h.svc.ConfirmPayment(context.Background(), "R1", c)
	assert.True(t, IsValidation(err))

	_, err = h.svc.ConfirmPayment(context.Background(), "UNKNOWN", h.confirmation("UNKNOWN", "pay_1"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConfirmPayment_SurvivesCallerCancellation(t *testing.T) {
	vendor := &stubVendor{replies: []vendorReply{unavailable(), {res: cardResult()}}}
	h := newHarness(t, vendor)
	h.begin(t, "R1")

	ctx, cancel := context.WithCancel(context.Background())
	h.svc.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return retry.Sleep(ctx, 0)
	}

	rec, err := h.svc.ConfirmPayment(ctx, "R1", h.confirmation("R1", "pay_1"))
	require.NoError(t, err)
	assert.Equal(t, StateSettled, rec.State)
}

func TestExpire(t *testing.T) {
	h := newHarness(t, &stubVendor{})
	h.begin(t, "R1")

	rec, err := h.svc.Expire(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, StateExpired, rec.State)

	_, err = h.svc.Expire(context.Background(), "R1")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	_, err = h.svc.ConfirmPayment(context.Background(), "R1", h.confirmation("R1", "pay_1"))
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestExpire_OnlyFromPending(t *testing.T) {
	h := newHarness(t, &stubVendor{})
	h.begin(t, "R1")
	_, err := h.svc.ConfirmPayment(context.Background(), "R1", h.confirmation("R1", "pay_1"))
	require.NoError(t, err)

	rec, err := h.svc.Expire(context.Background(), "R1")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
	assert.Equal(t, StateSettled, rec.State)
}

// strand stores a record directly in a mid-pipeline state, as a crash
// would leave it.
func (h *harness) strand(t *testing.T, ref string, state State, attempts int) {
	t.Helper()
	rec := h.begin(t, ref)
	now := h.svc.now()
	require.NoError(t, rec.MarkPaymentVerified("pay_1", now))
	for i := 0; i < attempts; i++ {
		require.NoError(t, rec.BeginAttempt(now))
	}
	if state == StateVendorOrderPlaced {
		require.NoError(t, rec.MarkVendorOrderPlaced(cardResult(), now))
	}
	require.NoError(t, h.store.Update(context.Background(), rec, StatePendingPayment))
}

func TestResume_CompletesPlacedOrder(t *testing.T) {
	vendor := &stubVendor{}
	h := newHarness(t, vendor)
	h.strand(t, "R1", StateVendorOrderPlaced, 1)

	rec, err := h.svc.Resume(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, StateSettled, rec.State)
	assert.Equal(t, 0, vendor.calls())
}

func TestResume_FindsOrderAtVendor(t *testing.T) {
	vendor := &stubVendor{lookup: func(string) (*issuer.OrderResult, error) { return cardResult(), nil }}
	h := newHarness(t, vendor)
	h.strand(t, "R1", StatePaymentVerified, 1)

	rec, err := h.svc.Resume(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, StateSettled, rec.State)
	assert.Equal(t, 1, vendor.lookups)
	assert.Equal(t, 0, vendor.calls())
	assert.Equal(t, 1, rec.Attempts)
}

func TestResume_ReplacesMissingOrder(t *testing.T) {
	vendor := &stubVendor{}
	h := newHarness(t, vendor)
	h.strand(t, "R1", StatePaymentVerified, 1)

	rec, err := h.svc.Resume(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, StateSettled, rec.State)
	assert.Equal(t, 1, vendor.lookups)
	assert.Equal(t, 1, vendor.calls())
	assert.Equal(t, 2, rec.Attempts)
}

func TestResume_ExhaustedAttemptsFail(t *testing.T) {
	vendor := &stubVendor{}
	h := newHarness(t, vendor)
	h.strand(t, "R1", StatePaymentVerified, 3)

	rec, err := h.svc.Resume(context.Background(), "R1")
	assert.ErrorIs(t, err, ErrVendorOrderFailed)
	assert.Equal(t, StateVendorOrderFailed, rec.State)
	assert.Equal(t, 0, vendor.calls())
}

func TestResume_LeavesProcessingOrder(t *testing.T) {
	vendor := &stubVendor{lookup: func(string) (*issuer.OrderResult, error) {
		return nil, processing("order_status")
	}}
	h := newHarness(t, vendor)
	h.strand(t, "R1", StatePaymentVerified, 1)

	rec, err := h.svc.Resume(context.Background(), "R1")
	assert.ErrorIs(t, err, ErrVendorPending)
	assert.Equal(t, StatePaymentVerified, rec.State)
	assert.Equal(t, 0, vendor.calls())
}

func TestResume_TransientLookupFailureLeavesRecord(t *testing.T) {
	vendor := &stubVendor{lookup: func(string) (*issuer.OrderResult, error) {
		return nil, &issuer.VendorError{Operation: "order_status", StatusCode: http.StatusBadGateway, Retryable: true}
	}}
	h := newHarness(t, vendor)
	h.strand(t, "R1", StatePaymentVerified, 3)

	rec, err := h.svc.Resume(context.Background(), "R1")
	assert.ErrorIs(t, err, ErrVendorPending)
	assert.Equal(t, StatePaymentVerified, rec.State)
	assert.Equal(t, 0, vendor.calls())

	stored, err := h.store.Get(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, StatePaymentVerified, stored.State)
	assert.Equal(t, 3, stored.Attempts)
	assert.NotContains(t, h.publisher.types(), events.EventSettlementVendorFailed)
}

func TestResume_RejectsTerminalAndPending(t *testing.T) {
	h := newHarness(t, &stubVendor{})
	h.begin(t, "R1")

	_, err := h.svc.Resume(context.Background(), "R1")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = h.svc.Expire(context.Background(), "R1")
	require.NoError(t, err)
	_, err = h.svc.Resume(context.Background(), "R1")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestCreatePaymentIntent(t *testing.T) {
	h := newHarness(t, &stubVendor{})
	gw := &stubGateway{}
	h.svc.SetGateway(gw)

	intent, err := h.svc.CreatePaymentIntent(context.Background(), IntentRequest{SKU: "SKU-100", Amount: "500"})
	require.NoError(t, err)

	assert.Equal(t, "order_GW1", intent.GatewayID)
	assert.Equal(t, "order_GW1", intent.Record.Reference)
	assert.Equal(t, StatePendingPayment, intent.Record.State)
	assert.Equal(t, int64(50000), intent.AmountMinor)
	assert.Equal(t, "rzp_test_key", intent.KeyID)
	require.Len(t, gw.orders, 1)
	assert.Equal(t, "SKU-100", gw.orders[0].Notes["sku"])
}

func TestCreatePaymentIntent_ValidatesBeforeGateway(t *testing.T) {
	h := newHarness(t, &stubVendor{})
	gw := &stubGateway{}
	h.svc.SetGateway(gw)

	_, err := h.svc.CreatePaymentIntent(context.Background(), IntentRequest{SKU: "SKU-100", Amount: "-5"})
	assert.True(t, IsValidation(err))
	assert.Empty(t, gw.orders)
}

func TestCreatePaymentIntent_RejectsOversizedAmount(t *testing.T) {
	h := newHarness(t, &stubVendor{})
	gw := &stubGateway{}
	h.svc.SetGateway(gw)

	_, err := h.svc.CreatePaymentIntent(context.Background(), IntentRequest{SKU: "SKU-100", Amount: "1e17"})
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "got %v", err)
	assert.Equal(t, "amount", ve.Field)
	assert.ErrorIs(t, err, money.ErrAmountTooLarge)
	assert.Empty(t, gw.orders)
	assert.Equal(t, 0, h.store.Len())
}

func TestCreatePaymentIntent_RejectsGatewayAmountMismatch(t *testing.T) {
	h := newHarness(t, &stubVendor{})
	gw := &stubGateway{amountMinor: 5000}
	h.svc.SetGateway(gw)

	_, err := h.svc.CreatePaymentIntent(context.Background(), IntentRequest{SKU: "SKU-100", Amount: "500"})
	assert.ErrorIs(t, err, ErrGatewayMismatch)
	assert.Equal(t, 0, h.store.Len())
}

func TestCreatePaymentIntent_NoGateway(t *testing.T) {
	h := newHarness(t, &stubVendor{})
	_, err := h.svc.CreatePaymentIntent(context.Background(), IntentRequest{SKU: "SKU-100", Amount: "500"})
	assert.ErrorIs(t, err, ErrConfiguration)
}
