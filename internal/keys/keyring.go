// Package keys manages the RSA signing keypair used to sign audit record
// hashes, including rotation history so historically signed records remain
// verifiable by key id.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultKeyBits is the RSA key size used when none is configured.
const DefaultKeyBits = 2048

// MinKeyBits is the smallest key size the ring will generate.
const MinKeyBits = 2048

// Key management errors.
var (
	ErrKeySize      = errors.New("rsa key size must be at least 2048 bits")
	ErrNoCurrentKey = errors.New("no current signing key available")
	ErrUnknownKeyID = errors.New("unknown signing key id")
	ErrBadPEM       = errors.New("failed to decode PEM block")
	ErrNotRSAKey    = errors.New("key material is not an RSA key")
)

// Pair is a signing keypair with its identity and creation time. Prior pairs
// are retained after rotation for verification of old signatures.
type Pair struct {
	KeyID     string
	Private   *rsa.PrivateKey
	Public    *rsa.PublicKey
	CreatedAt time.Time
}

// Ring holds the current signing pair plus the rotation history. Reads are
// far more common than rotation, so access is guarded by an RWMutex;
// concurrent signers observe either the old or the new pair, never a torn
// read.
type Ring struct {
	mu      sync.RWMutex
	current Pair
	history map[string]Pair
	bits    int
}

// NewRing generates an initial keypair and returns a ring with it installed
// as current.
func NewRing(bits int) (*Ring, error) {
	if bits == 0 {
		bits = DefaultKeyBits
	}
	r := &Ring{history: make(map[string]Pair), bits: bits}
	pair, err := generatePair(bits)
	if err != nil {
		return nil, err
	}
	r.install(pair)
	return r, nil
}

// LoadRing builds a ring around an existing private key in PEM form, e.g.
// key material supplied through configuration. The key id is preserved so
// records signed in earlier process lifetimes still resolve.
func LoadRing(privatePEM, keyID string, bits int) (*Ring, error) {
	priv, err := DecodePrivateKeyPEM(privatePEM)
	if err != nil {
		return nil, err
	}
	if keyID == "" {
		keyID = uuid.New().String()
	}
	if bits == 0 {
		bits = DefaultKeyBits
	}
	r := &Ring{history: make(map[string]Pair), bits: bits}
	r.install(Pair{
		KeyID:     keyID,
		Private:   priv,
		Public:    &priv.PublicKey,
		CreatedAt: time.Now().UTC(),
	})
	return r, nil
}

func generatePair(bits int) (Pair, error) {
	if bits < MinKeyBits {
		return Pair{}, ErrKeySize
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return Pair{}, fmt.Errorf("failed to generate rsa key: %w", err)
	}
	return Pair{
		KeyID:     uuid.New().String(),
		Private:   priv,
		Public:    &priv.PublicKey,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (r *Ring) install(pair Pair) {
	r.mu.Lock()
	r.current = pair
	r.history[pair.KeyID] = pair
	r.mu.Unlock()
}

// Current returns the pair used for new signatures.
func (r *Ring) Current() (Pair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current.Private == nil {
		return Pair{}, ErrNoCurrentKey
	}
	return r.current, nil
}

// CurrentKeyID returns the id of the active signing key.
func (r *Ring) CurrentKeyID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.KeyID
}

// Rotate generates a new pair and installs it as current. The previous pair
// remains in the history so existing signatures stay verifiable.
func (r *Ring) Rotate() (Pair, error) {
	pair, err := generatePair(r.bits)
	if err != nil {
		return Pair{}, err
	}
	r.install(pair)
	return pair, nil
}

// Lookup resolves a pair by key id, current or historical.
func (r *Ring) Lookup(keyID string) (Pair, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pair, ok := r.history[keyID]
	return pair, ok
}

// PublicKeyPEM exports a key's public half in PKIX PEM form for third-party
// proof verification. An empty key id selects the current key.
func (r *Ring) PublicKeyPEM(keyID string) (string, error) {
	r.mu.RLock()
	pair := r.current
	if keyID != "" {
		var ok bool
		pair, ok = r.history[keyID]
		if !ok {
			r.mu.RUnlock()
			return "", ErrUnknownKeyID
		}
	}
	r.mu.RUnlock()
	if pair.Public == nil {
		return "", ErrNoCurrentKey
	}
	return EncodePublicKeyPEM(pair.Public)
}

// EncodePrivateKeyPEM encodes a private key as PKCS#8 PEM.
func EncodePrivateKeyPEM(priv *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// DecodePrivateKeyPEM parses a PKCS#8 or PKCS#1 PEM private key.
func DecodePrivateKeyPEM(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, ErrBadPEM
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		// Older tooling emits PKCS#1.
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrNotRSAKey
	}
	return priv, nil
}

// EncodePublicKeyPEM encodes a public key as PKIX PEM.
func EncodePublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// DecodePublicKeyPEM parses a PKIX PEM public key.
func DecodePublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, ErrBadPEM
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, ErrNotRSAKey
	}
	return rsaPub, nil
}
