// Package issuer talks to the gift card issuing vendor: request signing,
// order placement and order lookup.
package issuer

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrConfiguration is returned by constructors when a credential is missing.
var ErrConfiguration = errors.New("issuer: configuration error")

// TimestampLayout is ISO-8601 UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// SigningContext is the material covered by one request signature.
type SigningContext struct {
	Method       string
	CanonicalURL string
	Timestamp    string
}

// BaseString joins method, canonical URL and timestamp with '&'.
func (c SigningContext) BaseString() string {
	return c.Method + "&" + c.CanonicalURL + "&" + c.Timestamp
}

// Signer computes the HMAC-SHA512 request signature the vendor expects.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a signer. An empty secret is rejected immediately.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: client secret is empty", ErrConfiguration)
	}
	return &Signer{secret: []byte(secret), now: time.Now}, nil
}

// Sign returns the signature and the timestamp that was signed. Each call
// takes a fresh timestamp, so a retried request must be signed again.
func (s *Signer) Sign(method, rawURL string) (signature, timestamp string) {
	ctx := s.Context(method, rawURL, s.now())
	return s.SignContext(ctx), ctx.Timestamp
}

// Context builds the signing context for a request made at t.
func (s *Signer) Context(method, rawURL string, t time.Time) SigningContext {
	return SigningContext{
		Method:       strings.ToUpper(method),
		CanonicalURL: CanonicalURL(rawURL),
		Timestamp:    t.UTC().Format(TimestampLayout),
	}
}

// SignContext returns the hex HMAC-SHA512 of the context's base string.
func (s *Signer) SignContext(ctx SigningContext) string {
	mac := hmac.New(sha512.New, s.secret)
	mac.Write([]byte(ctx.BaseString()))
	return hex.EncodeToString(mac.Sum(nil))
}

// CanonicalURL sorts the query string as whole key=value tokens and
// percent-encodes the result with EncodeComponent.
func CanonicalURL(rawURL string) string {
	base, query, found := strings.Cut(rawURL, "?")
	if !found || query == "" {
		return EncodeComponent(base)
	}
	params := strings.Split(query, "&")
	sort.Strings(params)
	return EncodeComponent(base + "?" + strings.Join(params, "&"))
}

// EncodeComponent percent-encodes every byte except ALPHA / DIGIT / "-" /
// "_" / "." / "~". The sub-delims ! ' ( ) * are written with lower-case hex
// to match the vendor's reference encoder byte for byte.
func EncodeComponent(s string) string {
	const upperHex = "0123456789ABCDEF"

	var b strings.Builder
	b.Grow(len(s) * 3)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case isUnreserved(c):
			b.WriteByte(c)
		case c == '!' || c == '\'' || c == '(' || c == ')' || c == '*':
			fmt.Fprintf(&b, "%%%x", c)
		default:
			b.WriteByte('%')
			b.WriteByte(upperHex[c>>4])
			b.WriteByte(upperHex[c&0x0f])
		}
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return 'a' <= c && c <= 'z' ||
		'A' <= c && c <= 'Z' ||
		'0' <= c && c <= '9' ||
		c == '-' || c == '_' || c == '.' || c == '~'
}
