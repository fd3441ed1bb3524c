package integrity

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/onnwee/chaintrail/internal/audit"
)

// Proof is the decoded form of a portable integrity proof token. A holder of
// the signing public key can validate it without store access.
type Proof struct {
	RecordID       string    `json:"record_id"`
	DataHash       string    `json:"data_hash"`
	ChainHash      string    `json:"chain_hash"`
	Signature      string    `json:"signature"`
	KeyID          string    `json:"key_id"`
	SequenceNumber int64     `json:"sequence_number"`
	Algorithm      string    `json:"algorithm"`
	IssuedAt       time.Time `json:"timestamp"`
}

// ProofResult is the outcome of verifying a proof token.
type ProofResult struct {
	Valid  bool   `json:"valid"`
	Proof  *Proof `json:"data,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// GenerateProof encodes a record's envelope as a base64 JSON proof token.
// Records written by the degraded basic path carry no envelope and cannot be
// proven.
func (e *Engine) GenerateProof(rec *audit.Record) (string, error) {
	if rec == nil || rec.DataHash == "" || rec.Signature == "" {
		return "", ErrNoEnvelope
	}
	proof := Proof{
		RecordID:       rec.ID,
		DataHash:       rec.DataHash,
		ChainHash:      rec.ChainHash,
		Signature:      rec.Signature,
		KeyID:          rec.SigningKeyID,
		SequenceNumber: rec.SequenceNumber,
		Algorithm:      SignatureAlgorithm,
		IssuedAt:       time.Now().UTC(),
	}
	data, err := json.Marshal(proof)
	if err != nil {
		return "", fmt.Errorf("failed to encode proof: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// VerifyProof decodes a proof token and checks its signature against the key
// it names. Shape problems yield an invalid result with a reason, not an
// error, so callers can treat any outcome uniformly.
func (e *Engine) VerifyProof(token string) ProofResult {
	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return ProofResult{Reason: ErrMalformedProof.Error()}
	}
	var proof Proof
	if err := json.Unmarshal(data, &proof); err != nil {
		return ProofResult{Reason: ErrMalformedProof.Error()}
	}
	if proof.RecordID == "" || proof.DataHash == "" || proof.ChainHash == "" || proof.Signature == "" || proof.KeyID == "" {
		return ProofResult{Reason: "proof is missing required fields"}
	}
	if !e.Verify(proof.KeyID, proof.DataHash, proof.Signature) {
		return ProofResult{Reason: "signature verification failed"}
	}
	return ProofResult{Valid: true, Proof: &proof}
}
