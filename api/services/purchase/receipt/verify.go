package receipt

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"github.com/tbeaudouin05/entitlement-sync/api/services/purchase/domain"
)

// Payload is the verified content of a receipt.
type Payload struct {
	TransactionID string
	ProductID     string
	PurchaseDate  time.Time
	BundleID      string
	Price         decimal.Decimal
	CurrencyCode  string
	// KeyID names the trusted key that verified the signature.
	KeyID string
}

type options struct {
	bundleID string
}

// Option tunes verification.
type Option func(*options)

// WithBundleID requires the payload bundleId to equal id.
func WithBundleID(id string) Option {
	return func(o *options) { o.bundleID = strings.TrimSpace(id) }
}

type header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

type claims struct {
	TransactionID  string              `json:"transactionId"`
	ProductID      string              `json:"productId"`
	PurchaseDate   *timestamp          `json:"purchaseDate"`
	BundleID       string              `json:"bundleId"`
	Price          decimal.NullDecimal `json:"price"`
	Currency       string              `json:"currency"`
	RevocationDate *timestamp          `json:"revocationDate"`
}

// timestamp accepts epoch milliseconds or an RFC 3339 string.
type timestamp struct{ time.Time }

func (t *timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		t.Time = parsed.UTC()
		return nil
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return err
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

var segmentParser = jwt.NewParser(jwt.WithStrictDecoding())

// errNotSigned is the one answer for every structural, decoding or
// signature failure.
func errNotSigned() error { return domain.Invalid(domain.ReasonNotSigned) }

// Verify authenticates tx.ReceiptData with key and returns the payload.
// The payload JSON is not parsed until the signature has been checked.
func Verify(tx domain.Transaction, key TrustedKey, opts ...Option) (Payload, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return verify(tx, key, o)
}

func verify(tx domain.Transaction, key TrustedKey, o options) (Payload, error) {
	if key.Method == nil || key.Key == nil {
		return Payload{}, errNotSigned()
	}
	parts, ok := splitToken(tx)
	if !ok {
		return Payload{}, errNotSigned()
	}

	headerBytes, err := segmentParser.DecodeSegment(parts[0])
	if err != nil {
		return Payload{}, errNotSigned()
	}
	var h header
	if err := json.Unmarshal(headerBytes, &h); err != nil {
		return Payload{}, errNotSigned()
	}
	if h.Alg != key.Method.Alg() {
		return Payload{}, errNotSigned()
	}
	payloadBytes, err := segmentParser.DecodeSegment(parts[1])
	if err != nil {
		return Payload{}, errNotSigned()
	}
	sig, err := segmentParser.DecodeSegment(parts[2])
	if err != nil {
		return Payload{}, errNotSigned()
	}
	if err := key.Method.Verify(parts[0]+"."+parts[1], sig, key.Key); err != nil {
		return Payload{}, errNotSigned()
	}

	// Signature is valid from here on.
	var c claims
	if err := json.Unmarshal(payloadBytes, &c); err != nil {
		return Payload{}, errNotSigned()
	}
	if c.TransactionID == "" || c.ProductID == "" || c.PurchaseDate == nil || c.PurchaseDate.IsZero() {
		return Payload{}, errNotSigned()
	}
	if c.TransactionID != tx.TransactionID || c.ProductID != tx.ProductID {
		return Payload{}, domain.Invalid(domain.ReasonWrongBundle)
	}
	if o.bundleID != "" && c.BundleID != o.bundleID {
		return Payload{}, domain.Invalid(domain.ReasonWrongBundle)
	}
	if c.RevocationDate != nil && !c.RevocationDate.IsZero() {
		return Payload{}, domain.Invalid(domain.ReasonRevoked)
	}

	p := Payload{
		TransactionID: c.TransactionID,
		ProductID:     c.ProductID,
		PurchaseDate:  c.PurchaseDate.Time,
		BundleID:      c.BundleID,
		CurrencyCode:  strings.ToUpper(strings.TrimSpace(c.Currency)),
		KeyID:         key.ID,
	}
	if c.Price.Valid {
		p.Price = c.Price.Decimal
	}
	return p, nil
}

// splitToken returns the header, payload and signature segments. A store
// that ships the signature separately leaves ReceiptData as header.payload.
func splitToken(tx domain.Transaction) ([]string, bool) {
	parts := strings.Split(strings.TrimSpace(tx.ReceiptData), ".")
	if len(parts) == 2 && strings.TrimSpace(tx.Signature) != "" {
		parts = append(parts, strings.TrimSpace(tx.Signature))
	}
	if len(parts) != 3 {
		return nil, false
	}
	for _, p := range parts {
		if p == "" {
			return nil, false
		}
	}
	return parts, true
}

// Verifier verifies receipts against a trusted key set.
type Verifier struct {
	keys *KeySet
	opts options
}

// NewVerifier returns a Verifier over keys.
func NewVerifier(keys *KeySet, opts ...Option) *Verifier {
	v := &Verifier{keys: keys}
	for _, opt := range opts {
		opt(&v.opts)
	}
	return v
}

// Verify picks the key named by the header kid when it is trusted, and
// otherwise tries every trusted key in order.
func (v *Verifier) Verify(tx domain.Transaction) (Payload, error) {
	if v == nil || v.keys == nil {
		return Payload{}, errNotSigned()
	}
	if key, ok := v.keys.Lookup(peekKeyID(tx)); ok {
		return verify(tx, key, v.opts)
	}
	for _, key := range v.keys.Keys() {
		p, err := verify(tx, key, v.opts)
		if err == nil {
			return p, nil
		}
		// The signature matched this key but the content was rejected.
		if !errors.Is(err, domain.Invalid(domain.ReasonNotSigned)) {
			return Payload{}, err
		}
	}
	return Payload{}, errNotSigned()
}

// peekKeyID reads the kid from the untrusted header. It only selects which
// trusted key to check against.
func peekKeyID(tx domain.Transaction) string {
	parts, ok := splitToken(tx)
	if !ok {
		return ""
	}
	raw, err := segmentParser.DecodeSegment(parts[0])
	if err != nil {
		return ""
	}
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return ""
	}
	return h.Kid
}
