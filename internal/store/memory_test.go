package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chaintrail/internal/audit"
	"github.com/onnwee/chaintrail/internal/integrity"
	"github.com/onnwee/chaintrail/internal/keys"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	ring, err := keys.NewRing(2048)
	if err != nil {
		t.Fatalf("NewRing() error = %v", err)
	}
	return NewMemoryStore(integrity.NewEngine(ring, nil), nil)
}

func loginEvent() *audit.Event {
	return &audit.Event{
		UserID:       "u1",
		Action:       audit.ActionLogin,
		ResourceType: "user",
		ResourceID:   "u1",
		Status:       audit.StatusSuccess,
	}
}

func TestAppendBuildsChain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Three rapid appends of the same logical event.
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := s.Append(ctx, loginEvent())
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		ids = append(ids, id)
	}

	records, err := s.Range(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len(records) = %d, want 3", len(records))
	}

	hashes := map[string]bool{}
	for i, rec := range records {
		if rec.SequenceNumber != int64(i+1) {
			t.Errorf("record %d sequence = %d, want %d", i, rec.SequenceNumber, i+1)
		}
		if hashes[rec.DataHash] {
			t.Error("data hashes must be distinct across appends of the same event")
		}
		hashes[rec.DataHash] = true
		if i > 0 && rec.PreviousHash != records[i-1].ChainHash {
			t.Errorf("record %d previous hash does not match predecessor chain hash", i)
		}
		if !rec.IntegrityVerified {
			t.Errorf("record %d should be written verified", i)
		}
	}
	if records[0].PreviousHash != "" {
		t.Error("first record should have an empty previous hash")
	}

	report, err := s.VerifyRange(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("VerifyRange() error = %v", err)
	}
	if !report.Valid || report.VerifiedCount != 3 {
		t.Errorf("chain over fresh appends should verify, got %+v", report)
	}
	_ = ids
}

func TestAppendConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 5

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := s.Append(ctx, loginEvent()); err != nil {
					t.Errorf("Append() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	records, err := s.Range(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(records) != writers*perWriter {
		t.Fatalf("len(records) = %d, want %d", len(records), writers*perWriter)
	}

	// Gapless strictly increasing sequence and unbroken chain.
	for i, rec := range records {
		if rec.SequenceNumber != int64(i+1) {
			t.Fatalf("sequence gap at %d: got %d", i, rec.SequenceNumber)
		}
		if i > 0 && rec.PreviousHash != records[i-1].ChainHash {
			t.Fatalf("chain fork at sequence %d", rec.SequenceNumber)
		}
	}

	report, err := s.VerifyRange(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("VerifyRange() error = %v", err)
	}
	if !report.Valid {
		t.Errorf("concurrently built chain should verify: %v", report.Errors)
	}
}

func TestAppendRejectsInvalidEvent(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Append(context.Background(), &audit.Event{ResourceType: "user"}); err != audit.ErrInvalidAction {
		t.Errorf("Append() error = %v, want ErrInvalidAction", err)
	}
}

func TestRecordLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Append(ctx, loginEvent())
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	rec, err := s.Record(ctx, id)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if rec.ID != id {
		t.Errorf("Record() id = %q, want %q", rec.ID, id)
	}

	if _, err := s.Record(ctx, "missing"); err != ErrRecordNotFound {
		t.Errorf("Record(missing) error = %v, want ErrRecordNotFound", err)
	}
}

func TestDetectTamperingCleanStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := s.Append(ctx, loginEvent()); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	report, err := s.DetectTampering(ctx, nil, nil)
	if err != nil {
		t.Fatalf("DetectTampering() error = %v", err)
	}
	if report.TotalRecords != 4 || report.VerifiedRecords != 4 {
		t.Errorf("report = %+v, want 4/4", report)
	}
	if report.IntegrityScore != 100 {
		t.Errorf("IntegrityScore = %v, want 100", report.IntegrityScore)
	}
	if len(report.TamperedRecordIDs) != 0 {
		t.Errorf("TamperedRecordIDs = %v, want empty", report.TamperedRecordIDs)
	}
}

func TestDetectTamperingIgnoresDegradedWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Protected, degraded, protected on an untouched store.
	if _, err := s.Append(ctx, loginEvent()); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := s.AppendBasic(ctx, loginEvent()); err != nil {
		t.Fatalf("AppendBasic() error = %v", err)
	}
	if _, err := s.Append(ctx, loginEvent()); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	report, err := s.DetectTampering(ctx, nil, nil)
	if err != nil {
		t.Fatalf("DetectTampering() error = %v", err)
	}
	if len(report.TamperedRecordIDs) != 0 {
		t.Errorf("TamperedRecordIDs = %v, want empty; degradation is not tampering", report.TamperedRecordIDs)
	}
	if report.TotalRecords != 3 || report.VerifiedRecords != 2 || report.UnprotectedRecords != 1 {
		t.Errorf("report = %+v, want 3 total / 2 verified / 1 unprotected", report)
	}
	if report.IntegrityScore != 100 {
		t.Errorf("IntegrityScore = %v, want 100", report.IntegrityScore)
	}

	// The batched walk carries the restart across the degraded record.
	check, err := s.RunIntegrityCheck(ctx, 1)
	if err != nil {
		t.Fatalf("RunIntegrityCheck() error = %v", err)
	}
	if len(check.TamperedRecordIDs) != 0 || check.VerifiedRecords != 2 || check.UnprotectedRecords != 1 {
		t.Errorf("batched check = %+v, want 2 verified / 1 unprotected / none tampered", check)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.UnprotectedRecords != 1 || stats.IntegrityScore != 100 {
		t.Errorf("stats = %+v, want 1 unprotected and score 100", stats)
	}
}

func TestDetectTamperingFlagsMutation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := s.Append(ctx, loginEvent()); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	// Mutate a persisted record's content directly, simulating tampering.
	s.mu.Lock()
	victim := s.records[2]
	victim.ResourceID = "someone-else"
	s.mu.Unlock()

	report, err := s.DetectTampering(ctx, nil, nil)
	if err != nil {
		t.Fatalf("DetectTampering() error = %v", err)
	}
	if len(report.TamperedRecordIDs) != 1 || report.TamperedRecordIDs[0] != victim.ID {
		t.Errorf("TamperedRecordIDs = %v, want [%s]", report.TamperedRecordIDs, victim.ID)
	}
	if report.VerifiedRecords != 4 {
		t.Errorf("VerifiedRecords = %d, want 4", report.VerifiedRecords)
	}
	if report.IntegrityScore != 80 {
		t.Errorf("IntegrityScore = %v, want 80", report.IntegrityScore)
	}

	// The tampered record is left unverified, the rest are refreshed.
	rec, _ := s.Record(ctx, victim.ID)
	if rec.IntegrityVerified {
		t.Error("tampered record should be marked unverified")
	}
}

func TestRunIntegrityCheckBatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := s.Append(ctx, loginEvent()); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	// Batch size 3 forces cross-batch anchoring on an intact chain.
	report, err := s.RunIntegrityCheck(ctx, 3)
	if err != nil {
		t.Fatalf("RunIntegrityCheck() error = %v", err)
	}
	if report.TotalRecords != 10 || report.VerifiedRecords != 10 {
		t.Errorf("report = %+v, want 10/10", report)
	}
	if len(report.TamperedRecordIDs) != 0 {
		t.Errorf("TamperedRecordIDs = %v, want empty", report.TamperedRecordIDs)
	}

	if _, err := s.RunIntegrityCheck(ctx, 0); err != ErrInvalidBatchSize {
		t.Errorf("RunIntegrityCheck(0) error = %v, want ErrInvalidBatchSize", err)
	}
}

func TestRunIntegrityCheckCrossBatchTamper(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		if _, err := s.Append(ctx, loginEvent()); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	// Corrupt the chain hash of the last record of the first batch: both it
	// and the first record of the next batch must be flagged.
	s.mu.Lock()
	victim := s.records[2]
	successor := s.records[3]
	victim.ChainHash = integrity.ChainHash("forged", "")
	s.mu.Unlock()

	report, err := s.RunIntegrityCheck(ctx, 3)
	if err != nil {
		t.Fatalf("RunIntegrityCheck() error = %v", err)
	}
	if len(report.TamperedRecordIDs) != 2 {
		t.Fatalf("TamperedRecordIDs = %v, want 2 entries", report.TamperedRecordIDs)
	}
	want := map[string]bool{victim.ID: true, successor.ID: true}
	for _, id := range report.TamperedRecordIDs {
		if !want[id] {
			t.Errorf("unexpected flagged record %s", id)
		}
	}
}

func TestProofThroughStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Append(ctx, loginEvent())
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	token, err := s.Proof(ctx, id)
	if err != nil {
		t.Fatalf("Proof() error = %v", err)
	}
	if result := s.VerifyProof(token); !result.Valid {
		t.Errorf("VerifyProof() invalid: %s", result.Reason)
	}

	if _, err := s.Proof(ctx, "missing"); err != ErrRecordNotFound {
		t.Errorf("Proof(missing) error = %v, want ErrRecordNotFound", err)
	}
}

func TestStatsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := s.Append(ctx, loginEvent()); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	first, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	second, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if *first != *second {
		t.Errorf("Stats() should be idempotent without writes: %+v vs %+v", first, second)
	}
	if first.TotalRecords != 3 || first.VerifiedRecords != 3 || first.UnverifiedRecords != 0 {
		t.Errorf("Stats() = %+v, want 3 verified records", first)
	}
}

func TestAppendBasicDegradedWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, loginEvent()); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	id, err := s.AppendBasic(ctx, loginEvent())
	if err != nil {
		t.Fatalf("AppendBasic() error = %v", err)
	}

	rec, err := s.Record(ctx, id)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if rec.DataHash != "" || rec.Signature != "" {
		t.Error("basic records must not carry an envelope")
	}
	if rec.SequenceNumber != 2 {
		t.Errorf("basic record sequence = %d, want 2", rec.SequenceNumber)
	}
	if rec.IntegrityVerified {
		t.Error("basic records are never integrity verified")
	}

	stats, _ := s.Stats(ctx)
	if stats.UnverifiedRecords != 1 {
		t.Errorf("UnverifiedRecords = %d, want 1", stats.UnverifiedRecords)
	}
}

func TestCleanupRetentionFloor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Cleanup(ctx, time.Now().Add(-time.Hour)); err != ErrRetentionWindow {
		t.Errorf("Cleanup() with young cutoff error = %v, want ErrRetentionWindow", err)
	}

	if _, err := s.Append(ctx, loginEvent()); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	// Age the record artificially, then delete with a valid cutoff.
	s.mu.Lock()
	s.records[0].CreatedAt = time.Now().Add(-200 * 24 * time.Hour)
	s.mu.Unlock()

	removed, err := s.Cleanup(ctx, time.Now().Add(-MinRetentionAge-time.Hour))
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Cleanup() removed = %d, want 1", removed)
	}
	stats, _ := s.Stats(ctx)
	if stats.TotalRecords != 0 {
		t.Errorf("TotalRecords after cleanup = %d, want 0", stats.TotalRecords)
	}
}
