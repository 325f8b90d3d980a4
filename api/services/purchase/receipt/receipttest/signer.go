// Package receipttest signs receipts for tests of packages that verify them.
package receipttest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tbeaudouin05/entitlement-sync/api/services/purchase/domain"
	"github.com/tbeaudouin05/entitlement-sync/api/services/purchase/receipt"
)

// Signer holds a private key and its trusted public counterpart.
type Signer struct {
	KeyID  string
	Method jwt.SigningMethod
	priv   crypto.PrivateKey
	pub    crypto.PublicKey
}

// NewES256 generates a P-256 signer.
func NewES256(t testing.TB, kid string) *Signer {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ecdsa key: %v", err)
	}
	return &Signer{KeyID: kid, Method: jwt.SigningMethodES256, priv: k, pub: &k.PublicKey}
}

// NewEd25519 generates an Ed25519 signer.
func NewEd25519(t testing.TB, kid string) *Signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	return &Signer{KeyID: kid, Method: jwt.SigningMethodEdDSA, priv: priv, pub: pub}
}

// NewRS256 generates a 2048-bit RSA signer.
func NewRS256(t testing.TB, kid string) *Signer {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return &Signer{KeyID: kid, Method: jwt.SigningMethodRS256, priv: k, pub: &k.PublicKey}
}

// TrustedKey returns the public half as a receipt.TrustedKey.
func (s *Signer) TrustedKey() receipt.TrustedKey {
	return receipt.TrustedKey{ID: s.KeyID, Method: s.Method, Key: s.pub}
}

// KeySet wraps the signer's public key in a key set.
func (s *Signer) KeySet(t testing.TB) *receipt.KeySet {
	t.Helper()
	ks, err := receipt.NewKeySet(s.TrustedKey())
	if err != nil {
		t.Fatalf("new key set: %v", err)
	}
	return ks
}

// PublicPEM encodes the public key as SPKI PEM.
func (s *Signer) PublicPEM(t testing.TB) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(s.pub)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

// Claims builds the minimal receipt payload.
func Claims(transactionID, productID string, purchasedAt time.Time) map[string]any {
	return map[string]any{
		"transactionId": transactionID,
		"productId":     productID,
		"purchaseDate":  purchasedAt.UnixMilli(),
	}
}

// Sign returns a compact token over claims.
func (s *Signer) Sign(t testing.TB, claims map[string]any) string {
	t.Helper()
	h, err := json.Marshal(map[string]string{"alg": s.Method.Alg(), "kid": s.KeyID, "typ": "JWT"})
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	p, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	return s.SignRaw(t, h, p)
}

// SignRaw signs arbitrary header and payload bytes.
func (s *Signer) SignRaw(t testing.TB, header, payload []byte) string {
	t.Helper()
	signing := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	sig, err := s.Method.Sign(signing, s.priv)
	if err != nil {
		t.Fatalf("sign receipt: %v", err)
	}
	return signing + "." + base64.RawURLEncoding.EncodeToString(sig)
}

// Transaction returns a validly signed transaction for the given ids.
func (s *Signer) Transaction(t testing.TB, transactionID, productID string, purchasedAt time.Time) domain.Transaction {
	t.Helper()
	return domain.Transaction{
		TransactionID: transactionID,
		ProductID:     productID,
		PurchaseDate:  purchasedAt,
		ReceiptData:   s.Sign(t, Claims(transactionID, productID, purchasedAt)),
	}
}
