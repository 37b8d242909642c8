package issuer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cardsettle/internal/common/metrics"
	"cardsettle/internal/common/money"
)

// maxBodyBytes caps how much of a vendor response is read.
const maxBodyBytes = 1 << 20

// Vendor order statuses.
const (
	StatusComplete   = "COMPLETE"
	StatusProcessing = "PROCESSING"
	StatusPending    = "PENDING"
	StatusCanceled   = "CANCELED"
	StatusFailed     = "FAILED"
)

// Error codes set on VendorError when the vendor body carries none.
const (
	CodeTransport       = "TRANSPORT_ERROR"
	CodeMalformedBody   = "MALFORMED_RESPONSE"
	CodeOrderProcessing = "ORDER_PROCESSING"
	CodeOrderRejected   = "ORDER_REJECTED"
	CodeOrderNotFound   = "ORDER_NOT_FOUND"
)

// ErrOrderNotFound is returned by LookupOrder when the vendor has no order
// for the reference.
var ErrOrderNotFound = errors.New("issuer: order not found")

// Config holds vendor API configuration.
type Config struct {
	BaseURL         string        `envconfig:"ISSUER_BASE_URL" default:"https://sandbox.woohoo.in/rest/v3"`
	BearerToken     string        `envconfig:"ISSUER_BEARER_TOKEN" required:"true"`
	ClientSecret    string        `envconfig:"ISSUER_CLIENT_SECRET" required:"true"`
	SignatureHeader string        `envconfig:"ISSUER_SIGNATURE_HEADER" default:"signature"`
	TimestampHeader string        `envconfig:"ISSUER_TIMESTAMP_HEADER" default:"dateAtClient"`
	Timeout         time.Duration `envconfig:"ISSUER_TIMEOUT" default:"10s"`
	GiftMessage     string        `envconfig:"ISSUER_GIFT_MESSAGE" default:"Enjoy your gift!"`
	CardsPageSize   int           `envconfig:"ISSUER_CARDS_PAGE_SIZE" default:"10"`

	Buyer Buyer
}

// Buyer is the address and billing stand-in sent with every order.
type Buyer struct {
	Salutation string `envconfig:"ISSUER_BUYER_SALUTATION" default:"Mr." json:"salutation"`
	FirstName  string `envconfig:"ISSUER_BUYER_FIRSTNAME" default:"John" json:"firstname"`
	LastName   string `envconfig:"ISSUER_BUYER_LASTNAME" default:"Doe" json:"lastname"`
	Email      string `envconfig:"ISSUER_BUYER_EMAIL" default:"john.doe@example.com" json:"email"`
	Telephone  string `envconfig:"ISSUER_BUYER_TELEPHONE" default:"+919876543210" json:"telephone"`
	Line1      string `envconfig:"ISSUER_BUYER_LINE1" default:"123 Main Street" json:"line1"`
	City       string `envconfig:"ISSUER_BUYER_CITY" default:"Bangalore" json:"city"`
	Region     string `envconfig:"ISSUER_BUYER_REGION" default:"Karnataka" json:"region"`
	Country    string `envconfig:"ISSUER_BUYER_COUNTRY" default:"IN" json:"country"`
	Postcode   string `envconfig:"ISSUER_BUYER_POSTCODE" default:"560001" json:"postcode"`
}

// OrderRequest describes a single-card order. Reference is the vendor's
// dedup key and must be identical across retries.
type OrderRequest struct {
	Reference string
	SKU       string
	Amount    decimal.Decimal
	Currency  money.Currency
	Buyer     *Buyer // nil uses the configured buyer
}

// Card is an issued gift card.
type Card struct {
	Number       string `json:"cardNumber"`
	Pin          string `json:"cardPin"`
	Validity     string `json:"validity"`
	IssuanceDate string `json:"issuanceDate"`
}

// OrderResult is a completed vendor order.
type OrderResult struct {
	VendorOrderID string
	Status        string
	Card          Card
	Amount        decimal.Decimal
}

// VendorError is a failed vendor call. StatusCode is zero when no HTTP
// response was received.
type VendorError struct {
	Operation  string
	StatusCode int
	Code       string
	Message    string
	Body       string
	Retryable  bool
	Err        error
}

func (e *VendorError) Error() string {
	var b strings.Builder
	b.WriteString("issuer ")
	b.WriteString(e.Operation)
	if e.StatusCode != 0 {
		b.WriteString(": status ")
		b.WriteString(strconv.Itoa(e.StatusCode))
	}
	if e.Code != "" {
		b.WriteString(": ")
		b.WriteString(e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *VendorError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a VendorError worth retrying.
func IsRetryable(err error) bool {
	var ve *VendorError
	return errors.As(err, &ve) && ve.Retryable
}

// retryableStatus reports whether an HTTP status is transient.
func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}

// Client is the signed vendor order client.
type Client struct {
	config     Config
	signer     *Signer
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewClient creates a vendor client. Missing credentials are a
// configuration error.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BearerToken == "" {
		return nil, fmt.Errorf("%w: bearer token is empty", ErrConfiguration)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL is empty", ErrConfiguration)
	}
	signer, err := NewSigner(cfg.ClientSecret)
	if err != nil {
		return nil, err
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "signature"
	}
	if cfg.TimestampHeader == "" {
		cfg.TimestampHeader = "dateAtClient"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CardsPageSize <= 0 {
		cfg.CardsPageSize = 10
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		config: cfg,
		signer: signer,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
		now:    time.Now,
	}, nil
}

type orderPayload struct {
	Address      addressPayload   `json:"address"`
	Billing      addressPayload   `json:"billing"`
	Payments     []paymentPayload `json:"payments"`
	Products     []productPayload `json:"products"`
	RefNo        string           `json:"refno"`
	Remarks      string           `json:"remarks"`
	DeliveryMode string           `json:"deliveryMode"`
	SyncOnly     bool             `json:"syncOnly"`
}

type addressPayload struct {
	Buyer
	BillToThis bool `json:"billToThis"`
}

type paymentPayload struct {
	Code     string      `json:"code"`
	Amount   json.Number `json:"amount"`
	PONumber string      `json:"poNumber"`
}

type productPayload struct {
	SKU         string      `json:"sku"`
	Price       json.Number `json:"price"`
	Qty         int         `json:"qty"`
	Currency    int         `json:"currency"`
	GiftMessage string      `json:"giftMessage,omitempty"`
}

type orderResponse struct {
	OrderID string         `json:"orderId"`
	RefNo   string         `json:"refno"`
	Status  string         `json:"status"`
	Cards   []cardResponse `json:"cards"`
}

type cardResponse struct {
	Card
	Amount decimal.Decimal `json:"amount"`
}

type errorResponse struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
}

// PlaceOrder places a synchronous single-card order.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	buyer := c.config.Buyer
	if req.Buyer != nil {
		buyer = *req.Buyer
	}
	currency := req.Currency
	if currency == "" {
		currency = money.INR
	}
	info, ok := money.GetCurrencyInfo(currency)
	if !ok {
		return nil, &VendorError{Operation: "place_order", Code: CodeOrderRejected, Message: "unsupported currency " + string(currency)}
	}
	amount := json.Number(req.Amount.StringFixed(int32(info.MinorUnits)))

	payload := orderPayload{
		Address: addressPayload{Buyer: buyer, BillToThis: true},
		Billing: addressPayload{Buyer: buyer},
		Payments: []paymentPayload{{
			Code:     "svc",
			Amount:   amount,
			PONumber: fmt.Sprintf("PO-%d", c.now().UnixMilli()),
		}},
		Products: []productPayload{{
			SKU:         req.SKU,
			Price:       amount,
			Qty:         1,
			Currency:    info.Numeric,
			GiftMessage: c.config.GiftMessage,
		}},
		RefNo:        req.Reference,
		Remarks:      "Synchronous digital gift card order",
		DeliveryMode: "API",
		SyncOnly:     true,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	c.logger.Info("placing vendor order",
		"reference", req.Reference,
		"sku", req.SKU,
		"amount", amount.String(),
	)

	respBody, err := c.do(ctx, "place_order", http.MethodPost, c.config.BaseURL+"/orders", body)
	if err != nil {
		return nil, err
	}

	var resp orderResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, malformed("place_order", respBody, err)
	}
	return c.result("place_order", resp, respBody)
}

// LookupOrder asks the vendor whether an order for reference exists and, if
// it completed, fetches its card.
func (c *Client) LookupOrder(ctx context.Context, reference string) (*OrderResult, error) {
	statusURL := c.config.BaseURL + "/order/" + url.PathEscape(reference) + "/status"
	respBody, err := c.do(ctx, "order_status", http.MethodGet, statusURL, nil)
	if err != nil {
		var ve *VendorError
		if errors.As(err, &ve) && ve.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, reference)
		}
		return nil, err
	}

	var status orderResponse
	if err := json.Unmarshal(respBody, &status); err != nil {
		return nil, malformed("order_status", respBody, err)
	}
	if status.Status != StatusComplete || len(status.Cards) > 0 {
		return c.result("order_status", status, respBody)
	}
	if status.OrderID == "" {
		return nil, malformed("order_status", respBody, errors.New("missing orderId"))
	}

	cardsURL := fmt.Sprintf("%s/order/%s/cards?offset=0&limit=%d",
		c.config.BaseURL, url.PathEscape(status.OrderID), c.config.CardsPageSize)
	respBody, err = c.do(ctx, "order_cards", http.MethodGet, cardsURL, nil)
	if err != nil {
		return nil, err
	}

	var cards orderResponse
	if err := json.Unmarshal(respBody, &cards); err != nil {
		return nil, malformed("order_cards", respBody, err)
	}
	cards.OrderID = status.OrderID
	cards.Status = status.Status
	return c.result("order_cards", cards, respBody)
}

// result turns a decoded 2xx body into an OrderResult or a VendorError.
func (c *Client) result(op string, resp orderResponse, raw []byte) (*OrderResult, error) {
	switch resp.Status {
	case StatusComplete, "":
	case StatusProcessing, StatusPending:
		return nil, &VendorError{
			Operation: op,
			Code:      CodeOrderProcessing,
			Message:   "order status " + resp.Status,
			Body:      string(raw),
			Retryable: true,
		}
	default:
		return nil, &VendorError{
			Operation: op,
			Code:      CodeOrderRejected,
			Message:   "order status " + resp.Status,
			Body:      string(raw),
		}
	}

	if len(resp.Cards) == 0 {
		return nil, malformed(op, raw, errors.New("no cards in response"))
	}
	card := resp.Cards[0]
	if card.Number == "" {
		return nil, malformed(op, raw, errors.New("card number missing"))
	}

	return &OrderResult{
		VendorOrderID: resp.OrderID,
		Status:        StatusComplete,
		Card:          card.Card,
		Amount:        card.Amount,
	}, nil
}

// do sends one signed request and returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, op, method, rawURL string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, &VendorError{Operation: op, Code: CodeTransport, Message: err.Error(), Err: err}
	}

	signature, timestamp := c.signer.Sign(method, rawURL)
	httpReq.Header.Set("Authorization", "Bearer "+c.config.BearerToken)
	httpReq.Header.Set(c.config.SignatureHeader, signature)
	httpReq.Header.Set(c.config.TimestampHeader, timestamp)
	httpReq.Header.Set("Accept", "*/*")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.VendorRequestDuration.WithLabelValues(op, "error").Observe(time.Since(start).Seconds())
		c.logger.Warn("vendor request failed", "operation", op, "error", err)
		return nil, &VendorError{Operation: op, Code: CodeTransport, Message: err.Error(), Retryable: true, Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	metrics.VendorRequestDuration.WithLabelValues(op, strconv.Itoa(httpResp.StatusCode)).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, &VendorError{
			Operation:  op,
			StatusCode: httpResp.StatusCode,
			Code:       CodeTransport,
			Message:    err.Error(),
			Retryable:  true,
			Err:        err,
		}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		ve := &VendorError{
			Operation:  op,
			StatusCode: httpResp.StatusCode,
			Body:       string(respBody),
			Retryable:  retryableStatus(httpResp.StatusCode),
		}
		var er errorResponse
		if json.Unmarshal(respBody, &er) == nil {
			ve.Code = strings.Trim(string(er.Code), `"`)
			ve.Message = er.Message
		}
		c.logger.Warn("vendor returned error",
			"operation", op,
			"status_code", ve.StatusCode,
			"code", ve.Code,
			"retryable", ve.Retryable,
		)
		return nil, ve
	}

	return respBody, nil
}

func malformed(op string, raw []byte, err error) error {
	return &VendorError{
		Operation: op,
		Code:      CodeMalformedBody,
		Message:   err.Error(),
		Body:      string(raw),
		Retryable: true,
		Err:       err,
	}
}

// MaskCardNumber keeps the last four characters of a card number.
func MaskCardNumber(number string) string {
	if len(number) <= 4 {
		return strings.Repeat("*", len(number))
	}
	return strings.Repeat("*", len(number)-4) + number[len(number)-4:]
}
