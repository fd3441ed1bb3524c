// Package integrity implements the cryptographic engine of the audit
// pipeline: per-record content hashing, hash chaining, RSA signatures, and
// the verification passes that detect tampering.
package integrity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/onnwee/chaintrail/internal/audit"
	"github.com/onnwee/chaintrail/internal/keys"
)

// Algorithm labels recorded in integrity proofs.
const (
	HashAlgorithm      = "SHA-256"
	SignatureAlgorithm = "RSA-SHA256"
)

// Crypto engine errors. ErrKeyUnavailable is always surfaced to the caller:
// it means the chain cannot be safely extended.
var (
	ErrKeyUnavailable = errors.New("signing key material unavailable")
	ErrNoEnvelope     = errors.New("record has no security envelope")
	ErrMalformedProof = errors.New("malformed integrity proof token")
)

// detMode encodes the hash input deterministically (RFC 8949 core
// deterministic encoding) so the digest does not depend on map iteration
// order.
var detMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor deterministic mode: %v", err))
	}
	return em
}()

// hashInput is the fixed, ordered subset of event fields bound into the
// content hash, together with the capture timestamp.
type hashInput struct {
	UserID       string         `cbor:"user_id"`
	Action       string         `cbor:"action"`
	ResourceType string         `cbor:"resource_type"`
	ResourceID   string         `cbor:"resource_id"`
	IPAddress    string         `cbor:"ip_address"`
	Metadata     map[string]any `cbor:"metadata"`
	Status       string         `cbor:"status"`
	CapturedAt   int64          `cbor:"captured_at"`
}

// Engine computes and verifies the security envelope for audit records.
// It resolves signing keys through a Ring so rotation never invalidates
// previously written records.
type Engine struct {
	ring   *keys.Ring
	logger *slog.Logger

	// captureMu guarantees strictly increasing capture timestamps so two
	// appends of the same logical event never share a data hash.
	captureMu   sync.Mutex
	lastCapture int64
}

// NewEngine creates an engine backed by the given key ring.
func NewEngine(ring *keys.Ring, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{ring: ring, logger: logger}
}

// captureTimestamp returns the current time truncated to microseconds
// (the resolution that survives a Postgres round trip), strictly greater
// than any previously issued capture timestamp.
func (e *Engine) captureTimestamp() time.Time {
	e.captureMu.Lock()
	defer e.captureMu.Unlock()
	now := time.Now().UTC().Truncate(time.Microsecond)
	if micros := now.UnixMicro(); micros <= e.lastCapture {
		now = time.UnixMicro(e.lastCapture + 1).UTC()
	}
	e.lastCapture = now.UnixMicro()
	return now
}

// DataHash computes the content hash for an event. The capture timestamp is
// generated here, at hash time, and folded into the digest: hashing the same
// logical event twice produces different hashes. The timestamp is returned
// so the store can persist it; verification recomputes the hash from the
// stored value.
func (e *Engine) DataHash(event *audit.Event) (string, time.Time, error) {
	capturedAt := e.captureTimestamp()
	hash, err := dataHashAt(event, capturedAt)
	return hash, capturedAt, err
}

// normalizeMap passes a metadata map through a JSON round trip so values
// hash identically whether the event is fresh or was reloaded from storage
// (JSON decoding turns all numbers into float64).
func normalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize metadata: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to normalize metadata: %w", err)
	}
	return out, nil
}

func dataHashAt(event *audit.Event, capturedAt time.Time) (string, error) {
	metadata, err := normalizeMap(event.Metadata)
	if err != nil {
		return "", err
	}
	in := hashInput{
		UserID:       event.UserID,
		Action:       string(event.Action),
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		IPAddress:    event.IPAddress,
		Metadata:     metadata,
		Status:       string(event.Status),
		CapturedAt:   capturedAt.UnixMicro(),
	}
	data, err := detMode.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("failed to serialize hash input: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ChainHash digests a record's data hash concatenated with its predecessor's
// chain hash, or the data hash alone for the first record.
func ChainHash(dataHash, previousHash string) string {
	h := sha256.New()
	h.Write([]byte(dataHash))
	if previousHash != "" {
		h.Write([]byte(previousHash))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Sign produces an RSA-SHA256 signature over the data hash with the current
// signing key, returning the signature and the id of the key that made it.
func (e *Engine) Sign(dataHash string) (signature, keyID string, err error) {
	pair, err := e.ring.Current()
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	digest := sha256.Sum256([]byte(dataHash))
	raw, err := rsa.SignPKCS1v15(rand.Reader, pair.Private, crypto.SHA256, digest[:])
	if err != nil {
		return "", "", fmt.Errorf("%w: signing failed: %v", ErrKeyUnavailable, err)
	}
	return base64.StdEncoding.EncodeToString(raw), pair.KeyID, nil
}

// Verify checks a signature over a data hash against the key identified by
// keyID, resolving historical keys after rotation. It never errors; any
// failure is a false result.
func (e *Engine) Verify(keyID, dataHash, signature string) bool {
	pair, ok := e.ring.Lookup(keyID)
	if !ok || pair.Public == nil {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256([]byte(dataHash))
	return rsa.VerifyPKCS1v15(pair.Public, crypto.SHA256, digest[:], raw) == nil
}

// GenerateEnvelope composes the full security envelope for an event at the
// given chain position. The returned time is the capture timestamp bound
// into the data hash; the store persists it as the record's creation time.
func (e *Engine) GenerateEnvelope(event *audit.Event, previousHash string, sequence int64) (audit.Envelope, time.Time, error) {
	dataHash, capturedAt, err := e.DataHash(event)
	if err != nil {
		return audit.Envelope{}, time.Time{}, err
	}
	signature, keyID, err := e.Sign(dataHash)
	if err != nil {
		return audit.Envelope{}, time.Time{}, err
	}
	return audit.Envelope{
		DataHash:       dataHash,
		PreviousHash:   previousHash,
		ChainHash:      ChainHash(dataHash, previousHash),
		Signature:      signature,
		SigningKeyID:   keyID,
		SequenceNumber: sequence,
	}, capturedAt, nil
}
