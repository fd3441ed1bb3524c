package integrity

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestProofRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t)
	rec := buildChain(t, e, 1)[0]

	token, err := e.GenerateProof(rec)
	if err != nil {
		t.Fatalf("GenerateProof() error = %v", err)
	}

	result := e.VerifyProof(token)
	if !result.Valid {
		t.Fatalf("VerifyProof() invalid: %s", result.Reason)
	}
	if result.Proof == nil {
		t.Fatal("valid proof should carry decoded data")
	}
	if result.Proof.RecordID != rec.ID {
		t.Errorf("RecordID = %q, want %q", result.Proof.RecordID, rec.ID)
	}
	if result.Proof.SequenceNumber != rec.SequenceNumber {
		t.Errorf("SequenceNumber = %d, want %d", result.Proof.SequenceNumber, rec.SequenceNumber)
	}
	if result.Proof.Algorithm != SignatureAlgorithm {
		t.Errorf("Algorithm = %q, want %q", result.Proof.Algorithm, SignatureAlgorithm)
	}
}

func TestProofSurvivesRotation(t *testing.T) {
	e, ring := newTestEngine(t)
	rec := buildChain(t, e, 1)[0]

	token, err := e.GenerateProof(rec)
	if err != nil {
		t.Fatalf("GenerateProof() error = %v", err)
	}
	if _, err := ring.Rotate(); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if result := e.VerifyProof(token); !result.Valid {
		t.Errorf("proof should verify after key rotation: %s", result.Reason)
	}
}

func TestProofTamperDetection(t *testing.T) {
	e, _ := newTestEngine(t)
	rec := buildChain(t, e, 1)[0]

	token, err := e.GenerateProof(rec)
	if err != nil {
		t.Fatalf("GenerateProof() error = %v", err)
	}

	// Flip one character inside the data hash carried by the proof.
	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		t.Fatalf("decoding proof: %v", err)
	}
	body := string(decoded)
	idx := strings.Index(body, rec.DataHash)
	if idx < 0 {
		t.Fatal("proof body should contain the data hash")
	}
	flip := byte('0')
	if body[idx] == '0' {
		flip = '1'
	}
	tampered := body[:idx] + string(flip) + body[idx+1:]
	tamperedToken := base64.StdEncoding.EncodeToString([]byte(tampered))

	if result := e.VerifyProof(tamperedToken); result.Valid {
		t.Error("a tampered proof token must not verify")
	}
}

func TestProofMalformedTokens(t *testing.T) {
	e, _ := newTestEngine(t)

	for name, token := range map[string]string{
		"not base64":   "%%%not-base64%%%",
		"not json":     base64.StdEncoding.EncodeToString([]byte("{")),
		"empty fields": base64.StdEncoding.EncodeToString([]byte(`{"record_id":""}`)),
	} {
		if result := e.VerifyProof(token); result.Valid {
			t.Errorf("%s: VerifyProof() should be invalid", name)
		}
	}
}

func TestProofRequiresEnvelope(t *testing.T) {
	e, _ := newTestEngine(t)
	rec := buildChain(t, e, 1)[0]
	rec.DataHash = ""
	rec.Signature = ""

	if _, err := e.GenerateProof(rec); err != ErrNoEnvelope {
		t.Errorf("GenerateProof() error = %v, want ErrNoEnvelope", err)
	}
}
