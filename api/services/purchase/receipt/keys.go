package receipt

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TrustedKey is one public key receipts may be signed with. The signing
// method is fixed by the key type, never by the token header.
type TrustedKey struct {
	ID     string
	Method jwt.SigningMethod
	Key    crypto.PublicKey
}

// ParsePublicKeyPEM decodes an SPKI PEM public key (EC, RSA or Ed25519).
func ParsePublicKeyPEM(id string, pemBytes []byte) (TrustedKey, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return TrustedKey{}, errors.New("key id is required")
	}
	if ecKey, err := jwt.ParseECPublicKeyFromPEM(pemBytes); err == nil {
		method, err := ecMethod(ecKey)
		if err != nil {
			return TrustedKey{}, fmt.Errorf("key %s: %w", id, err)
		}
		return TrustedKey{ID: id, Method: method, Key: ecKey}, nil
	}
	if rsaKey, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes); err == nil {
		if rsaKey.N.BitLen() < 2048 {
			return TrustedKey{}, fmt.Errorf("key %s: rsa key must be at least 2048 bits", id)
		}
		return TrustedKey{ID: id, Method: jwt.SigningMethodRS256, Key: rsaKey}, nil
	}
	edKey, err := jwt.ParseEdPublicKeyFromPEM(pemBytes)
	if err != nil {
		return TrustedKey{}, fmt.Errorf("key %s: unsupported or malformed public key: %w", id, err)
	}
	if _, ok := edKey.(ed25519.PublicKey); !ok {
		return TrustedKey{}, fmt.Errorf("key %s: unsupported public key type %T", id, edKey)
	}
	return TrustedKey{ID: id, Method: jwt.SigningMethodEdDSA, Key: edKey}, nil
}

func ecMethod(key *ecdsa.PublicKey) (jwt.SigningMethod, error) {
	switch key.Curve {
	case elliptic.P256():
		return jwt.SigningMethodES256, nil
	case elliptic.P384():
		return jwt.SigningMethodES384, nil
	case elliptic.P521():
		return jwt.SigningMethodES512, nil
	default:
		return nil, fmt.Errorf("unsupported curve %s", key.Curve.Params().Name)
	}
}

// KeySet is the process-wide, read-only set of trusted keys. It is loaded
// once at startup; rotating keys means deploying a new set.
type KeySet struct {
	keys []TrustedKey
	byID map[string]TrustedKey
}

// NewKeySet builds a key set. Key ids must be unique.
func NewKeySet(keys ...TrustedKey) (*KeySet, error) {
	if len(keys) == 0 {
		return nil, errors.New("at least one trusted key is required")
	}
	set := &KeySet{byID: make(map[string]TrustedKey, len(keys))}
	for _, k := range keys {
		if k.ID == "" || k.Method == nil || k.Key == nil {
			return nil, errors.New("trusted key is incomplete")
		}
		if _, dup := set.byID[k.ID]; dup {
			return nil, fmt.Errorf("duplicate trusted key id %q", k.ID)
		}
		set.byID[k.ID] = k
		set.keys = append(set.keys, k)
	}
	return set, nil
}

// LoadKeySet reads PEM files (key id = file name without extension) plus an
// optional inline PEM key. Any bad key fails the whole load.
func LoadKeySet(files []string, inlineID, inlinePEM string) (*KeySet, error) {
	var keys []TrustedKey
	for _, f := range files {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read trusted key %s: %w", f, err)
		}
		id := strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))
		key, err := ParsePublicKeyPEM(id, data)
		if err != nil {
			return nil, fmt.Errorf("load trusted key %s: %w", f, err)
		}
		keys = append(keys, key)
	}
	if strings.TrimSpace(inlinePEM) != "" {
		key, err := ParsePublicKeyPEM(inlineID, []byte(inlinePEM))
		if err != nil {
			return nil, fmt.Errorf("load inline trusted key: %w", err)
		}
		keys = append(keys, key)
	}
	return NewKeySet(keys...)
}

// Lookup returns the key with the given id.
func (s *KeySet) Lookup(id string) (TrustedKey, bool) {
	if s == nil || id == "" {
		return TrustedKey{}, false
	}
	k, ok := s.byID[id]
	return k, ok
}

// Keys returns the keys in load order.
func (s *KeySet) Keys() []TrustedKey {
	if s == nil {
		return nil
	}
	out := make([]TrustedKey, len(s.keys))
	copy(out, s.keys)
	return out
}

// IDs lists the key ids in load order.
func (s *KeySet) IDs() []string {
	ids := make([]string, 0, len(s.Keys()))
	for _, k := range s.Keys() {
		ids = append(ids, k.ID)
	}
	return ids
}
