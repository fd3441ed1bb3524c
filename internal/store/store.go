// Package store implements the secure audit store: transactional append with
// monotonic sequence assignment, chained security envelopes, and the
// integrity verification scans that detect tampering.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/onnwee/chaintrail/internal/audit"
	"github.com/onnwee/chaintrail/internal/integrity"
)

// MinRetentionAge is the floor below which retention cleanup refuses to
// delete records.
const MinRetentionAge = 90 * 24 * time.Hour

// DefaultBatchSize is the batch size for whole-store integrity walks when
// none is configured.
const DefaultBatchSize = 500

// Storage errors.
var (
	ErrRecordNotFound   = errors.New("audit record not found")
	ErrInvalidBatchSize = errors.New("batch size must be positive")
	ErrRetentionWindow  = errors.New("cleanup cutoff is younger than the minimum retention age")
)

// Store is the secure audit store contract shared by the Postgres and
// in-memory implementations. An append either fully succeeds, producing a
// record with a valid envelope, or fails with nothing written; callers retry
// the event, never patch the chain.
type Store interface {
	// Append writes an event with a full security envelope, assigning the
	// next sequence number under the chain serialization lock. Returns the
	// new record's id.
	Append(ctx context.Context, event *audit.Event) (string, error)

	// AppendBasic writes an event without cryptographic protection. Used
	// when the integrity subsystem is disabled or as the logged degradation
	// path when envelope generation fails.
	AppendBasic(ctx context.Context, event *audit.Event) (string, error)

	// Record loads a single record by id.
	Record(ctx context.Context, id string) (*audit.Record, error)

	// Range loads records created in [from, to], ordered by sequence.
	Range(ctx context.Context, from, to time.Time) ([]*audit.Record, error)

	// VerifyRange runs chain verification over [from, to] and refreshes the
	// verification flags of intact records.
	VerifyRange(ctx context.Context, from, to time.Time) (*integrity.ChainReport, error)

	// DetectTampering verifies an optional range and always returns a
	// report; tampering is data, not an error.
	DetectTampering(ctx context.Context, from, to *time.Time) (*TamperReport, error)

	// RunIntegrityCheck walks the whole store in ordered batches, carrying
	// the chain anchor across batch boundaries.
	RunIntegrityCheck(ctx context.Context, batchSize int) (*TamperReport, error)

	// Proof generates a portable integrity proof for a record.
	Proof(ctx context.Context, recordID string) (string, error)

	// VerifyProof validates a proof token with key material alone.
	VerifyProof(token string) integrity.ProofResult

	// Stats reports verification totals.
	Stats(ctx context.Context) (*Stats, error)

	// Cleanup deletes records created before the cutoff, which must be older
	// than MinRetentionAge.
	Cleanup(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping reports storage reachability for health checks.
	Ping(ctx context.Context) error
}

// TamperReport summarizes a tamper-detection pass. Unprotected records are
// degraded writes without an envelope; they are reported separately and
// never listed as tampered.
type TamperReport struct {
	TotalRecords       int       `json:"total_records"`
	VerifiedRecords    int       `json:"verified_records"`
	UnprotectedRecords int       `json:"unprotected_records"`
	TamperedRecordIDs  []string  `json:"tampered_record_ids"`
	IntegrityScore     float64   `json:"integrity_score"`
	LastCheck          time.Time `json:"last_check"`
}

// Stats reports the store's verification state.
type Stats struct {
	TotalRecords       int64     `json:"total_records"`
	VerifiedRecords    int64     `json:"verified_records"`
	UnverifiedRecords  int64     `json:"unverified_records"`
	UnprotectedRecords int64     `json:"unprotected_records"`
	LastVerification   time.Time `json:"last_verification"`
	IntegrityScore     float64   `json:"integrity_score"`
}

// scoreOf computes the 0-100 integrity score over the protected records.
// An empty (or fully degraded) input has nothing to fail, so it scores 100;
// degradation is alerted at write time, not rescored as tampering.
func scoreOf(verified, protected int) float64 {
	if protected == 0 {
		return 100
	}
	return float64(verified) / float64(protected) * 100
}

// reportFrom converts a chain report into a tamper report.
func reportFrom(chain *integrity.ChainReport, total int) *TamperReport {
	return &TamperReport{
		TotalRecords:       total,
		VerifiedRecords:    chain.VerifiedCount,
		UnprotectedRecords: chain.UnprotectedCount,
		TamperedRecordIDs:  chain.TamperedRecordIDs,
		IntegrityScore:     scoreOf(chain.VerifiedCount, total-chain.UnprotectedCount),
		LastCheck:          time.Now().UTC(),
	}
}
