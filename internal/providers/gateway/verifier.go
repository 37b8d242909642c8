// Package gateway integrates the payment gateway: order creation for
// payment intents and verification of the checkout callback signature.
package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrConfiguration is returned by constructors when a credential is missing.
var ErrConfiguration = errors.New("gateway: configuration error")

// Verifier checks the HMAC-SHA256 signature the gateway attaches to a
// successful checkout.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier. An empty secret is rejected immediately.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: key secret is empty", ErrConfiguration)
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Sign returns the hex signature for an order/payment pair.
func (v *Verifier) Sign(orderID, paymentID string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches orderID|paymentID. It never
// returns an error; a malformed signature simply does not match.
func (v *Verifier) Verify(orderID, paymentID, signature string) bool {
	expected := v.Sign(orderID, paymentID)
	return hmac.Equal([]byte(expected), []byte(signature))
}
