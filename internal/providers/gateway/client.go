package gateway

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cardsettle/internal/common/money"
)

// Config holds payment gateway configuration.
type Config struct {
	BaseURL   string        `envconfig:"GATEWAY_BASE_URL" default:"https://api.razorpay.com/v1"`
	KeyID     string        `envconfig:"GATEWAY_KEY_ID" required:"true"`
	KeySecret string        `envconfig:"GATEWAY_KEY_SECRET" required:"true"`
	Timeout   time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"10s"`
}

// OrderRequest creates a gateway order for a checkout.
type OrderRequest struct {
	Amount   decimal.Decimal
	Currency money.Currency
	Notes    map[string]string
}

// Order is a gateway order. Amount is in minor units as the gateway
// reports it.
type Order struct {
	ID          string            `json:"id"`
	Entity      string            `json:"entity"`
	AmountMinor int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Receipt     string            `json:"receipt"`
	Status      string            `json:"status"`
	Notes       map[string]string `json:"notes,omitempty"`
	CreatedAt   int64             `json:"created_at"`
}

// Error is a failed gateway call.
type Error struct {
	StatusCode  int
	Code        string
	Description string
	Body        string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway: status %d: %s: %s", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("gateway: status %d", e.StatusCode)
}

// Client calls the gateway's orders API.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a gateway client. Missing credentials are a
// configuration error.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.KeyID == "" || cfg.KeySecret == "" {
		return nil, fmt.Errorf("%w: key id and secret are required", ErrConfiguration)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}, nil
}

// KeyID is the public key the checkout widget needs.
func (c *Client) KeyID() string {
	return c.config.KeyID
}

// CreateOrder creates a gateway order for amount. Its id becomes the
// settlement reference.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	currency := req.Currency
	if currency == "" {
		currency = money.INR
	}
	receipt, err := newReceipt()
	if err != nil {
		return nil, fmt.Errorf("generate receipt: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"amount":   money.ToMinor(req.Amount, currency),
		"currency": string(currency),
		"receipt":  receipt,
		"notes":    req.Notes,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.SetBasicAuth(c.config.KeyID, c.config.KeySecret)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		gerr := &Error{StatusCode: httpResp.StatusCode, Body: string(respBody)}
		var env struct {
			Error struct {
				Code        string `json:"code"`
				Description string `json:"description"`
			} `json:"error"`
		}
		if json.Unmarshal(respBody, &env) == nil {
			gerr.Code = env.Error.Code
			gerr.Description = env.Error.Description
		}
		c.logger.Warn("gateway order creation failed",
			"status_code", gerr.StatusCode,
			"code", gerr.Code,
		)
		return nil, gerr
	}

	var order Order
	if err := json.Unmarshal(respBody, &order); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if order.ID == "" {
		return nil, fmt.Errorf("unmarshal response: missing order id")
	}

	c.logger.Info("gateway order created",
		"order_id", order.ID,
		"amount_minor", order.AmountMinor,
		"currency", order.Currency,
	)

	return &order, nil
}

func newReceipt() (string, error) {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
