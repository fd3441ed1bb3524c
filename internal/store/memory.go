package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/chaintrail/internal/audit"
	"github.com/onnwee/chaintrail/internal/integrity"
)

// MemoryStore is an in-memory Store with the same chain semantics as the
// Postgres implementation. Used for tests and development. A single mutex
// serializes chain extension, so concurrent appends can never fork the
// chain.
type MemoryStore struct {
	engine *integrity.Engine
	logger *slog.Logger

	mu               sync.Mutex
	records          []*audit.Record
	byID             map[string]*audit.Record
	lastVerification time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(engine *integrity.Engine, logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		engine: engine,
		logger: logger,
		byID:   make(map[string]*audit.Record),
	}
}

// Append writes an event with a full envelope at the chain tail.
func (s *MemoryStore) Append(ctx context.Context, event *audit.Event) (string, error) {
	if err := event.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previousHash := ""
	var sequence int64 = 1
	if n := len(s.records); n > 0 {
		tail := s.records[n-1]
		previousHash = tail.ChainHash
		sequence = tail.SequenceNumber + 1
	}

	env, capturedAt, err := s.engine.GenerateEnvelope(event, previousHash, sequence)
	if err != nil {
		return "", err
	}

	rec := &audit.Record{
		ID:                uuid.New().String(),
		Event:             *event,
		Envelope:          env,
		IntegrityVerified: true,
		LastVerifiedAt:    capturedAt,
		CreatedAt:         capturedAt,
	}
	s.records = append(s.records, rec)
	s.byID[rec.ID] = rec
	return rec.ID, nil
}

// AppendBasic writes an event without an envelope. The sequence number is
// still assigned so ordering survives the degradation.
func (s *MemoryStore) AppendBasic(ctx context.Context, event *audit.Event) (string, error) {
	if err := event.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var sequence int64 = 1
	if n := len(s.records); n > 0 {
		sequence = s.records[n-1].SequenceNumber + 1
	}
	rec := &audit.Record{
		ID:        uuid.New().String(),
		Event:     *event,
		Envelope:  audit.Envelope{SequenceNumber: sequence},
		CreatedAt: time.Now().UTC(),
	}
	s.records = append(s.records, rec)
	s.byID[rec.ID] = rec
	return rec.ID, nil
}

// Record returns a copy of the named record.
func (s *MemoryStore) Record(ctx context.Context, id string) (*audit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

// Range returns copies of records created in [from, to], ordered by
// sequence.
func (s *MemoryStore) Range(ctx context.Context, from, to time.Time) ([]*audit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rangeLocked(from, to), nil
}

func (s *MemoryStore) rangeLocked(from, to time.Time) []*audit.Record {
	var out []*audit.Record
	for _, rec := range s.records {
		if !from.IsZero() && rec.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && rec.CreatedAt.After(to) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

// VerifyRange verifies the chain over [from, to] and refreshes verification
// flags.
func (s *MemoryStore) VerifyRange(ctx context.Context, from, to time.Time) (*integrity.ChainReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	selected := s.rangeLocked(from, to)
	report := s.engine.VerifyChain(selected)
	s.markLocked(selected, report)
	return &report, nil
}

// markLocked flips verification flags for the scanned records according to
// the scan result. Basic records (no envelope) are never marked verified.
func (s *MemoryStore) markLocked(scanned []*audit.Record, report integrity.ChainReport) {
	tampered := make(map[string]bool, len(report.TamperedRecordIDs))
	for _, id := range report.TamperedRecordIDs {
		tampered[id] = true
	}
	now := time.Now().UTC()
	for _, sc := range scanned {
		rec, ok := s.byID[sc.ID]
		if !ok {
			continue
		}
		if tampered[rec.ID] {
			rec.IntegrityVerified = false
			continue
		}
		if rec.DataHash != "" {
			rec.IntegrityVerified = true
			rec.LastVerifiedAt = now
		}
	}
	s.lastVerification = now
}

// DetectTampering verifies an optional range and always returns a report.
func (s *MemoryStore) DetectTampering(ctx context.Context, from, to *time.Time) (*TamperReport, error) {
	var f, t time.Time
	if from != nil {
		f = *from
	}
	if to != nil {
		t = *to
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	selected := s.rangeLocked(f, t)
	report := s.engine.VerifyChain(selected)
	s.markLocked(selected, report)
	return reportFrom(&report, len(selected)), nil
}

// RunIntegrityCheck walks the whole store in batches, carrying the chain
// anchor across batch boundaries.
func (s *MemoryStore) RunIntegrityCheck(ctx context.Context, batchSize int) (*TamperReport, error) {
	if batchSize <= 0 {
		return nil, ErrInvalidBatchSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	verified := 0
	unprotected := 0
	var tamperedIDs []string
	var anchor *integrity.Anchor

	for offset := 0; offset < len(s.records); offset += batchSize {
		end := offset + batchSize
		if end > len(s.records) {
			end = len(s.records)
		}
		batch := s.records[offset:end]
		report := s.engine.VerifyChainFrom(batch, anchor)
		total += len(batch)
		verified += report.VerifiedCount
		unprotected += report.UnprotectedCount
		tamperedIDs = append(tamperedIDs, report.TamperedRecordIDs...)
		s.markLocked(batch, report)

		tail := batch[len(batch)-1]
		anchor = &integrity.Anchor{ChainHash: tail.ChainHash, SequenceNumber: tail.SequenceNumber}
	}

	if tamperedIDs == nil {
		tamperedIDs = []string{}
	}
	return &TamperReport{
		TotalRecords:       total,
		VerifiedRecords:    verified,
		UnprotectedRecords: unprotected,
		TamperedRecordIDs:  tamperedIDs,
		IntegrityScore:     scoreOf(verified, total-unprotected),
		LastCheck:          time.Now().UTC(),
	}, nil
}

// Proof loads a record and produces its proof token.
func (s *MemoryStore) Proof(ctx context.Context, recordID string) (string, error) {
	rec, err := s.Record(ctx, recordID)
	if err != nil {
		return "", err
	}
	return s.engine.GenerateProof(rec)
}

// VerifyProof validates a proof token.
func (s *MemoryStore) VerifyProof(token string) integrity.ProofResult {
	return s.engine.VerifyProof(token)
}

// Stats reports verification totals.
func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &Stats{
		TotalRecords:     int64(len(s.records)),
		LastVerification: s.lastVerification,
	}
	for _, rec := range s.records {
		if rec.IntegrityVerified {
			stats.VerifiedRecords++
		}
		if rec.DataHash == "" {
			stats.UnprotectedRecords++
		}
	}
	stats.UnverifiedRecords = stats.TotalRecords - stats.VerifiedRecords
	stats.IntegrityScore = scoreOf(int(stats.VerifiedRecords), int(stats.TotalRecords-stats.UnprotectedRecords))
	return stats, nil
}

// Cleanup deletes records created before the cutoff. The cutoff must be
// older than the minimum retention age.
func (s *MemoryStore) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	if time.Since(cutoff) < MinRetentionAge {
		return 0, ErrRetentionWindow
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	var removed int64
	for _, rec := range s.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.byID, rec.ID)
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	return removed, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
