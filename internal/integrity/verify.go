package integrity

import (
	"fmt"
	"sort"

	"github.com/onnwee/chaintrail/internal/audit"
)

// ChainReport is the result of verifying a sequence of records. Tampering is
// reported as data, never as an error, so a scan always covers the full
// input.
type ChainReport struct {
	Valid             bool     `json:"valid"`
	Errors            []string `json:"errors,omitempty"`
	VerifiedCount     int      `json:"verified_count"`
	UnprotectedCount  int      `json:"unprotected_count"`
	TamperedRecordIDs []string `json:"tampered_record_ids"`
}

// Anchor carries the chain position preceding a batch, so verification can
// check linkage across batch boundaries during a whole-store walk.
type Anchor struct {
	ChainHash      string
	SequenceNumber int64
}

// VerifyRecord recomputes a record's data hash and chain hash from its
// stored event and compares them to the envelope, then verifies the
// signature over the recomputed data hash. Returns false on any mismatch,
// never an error.
func (e *Engine) VerifyRecord(rec *audit.Record) bool {
	if rec == nil || rec.DataHash == "" || rec.Signature == "" {
		return false
	}
	recomputed, err := dataHashAt(&rec.Event, rec.CreatedAt)
	if err != nil || recomputed != rec.DataHash {
		return false
	}
	if ChainHash(rec.DataHash, rec.PreviousHash) != rec.ChainHash {
		return false
	}
	return e.Verify(rec.SigningKeyID, rec.DataHash, rec.Signature)
}

// VerifyChain verifies each record's own integrity and its link to its
// predecessor over the whole input.
func (e *Engine) VerifyChain(records []*audit.Record) ChainReport {
	return e.VerifyChainFrom(records, nil)
}

// VerifyChainFrom is VerifyChain with an explicit anchor: the first record's
// previous hash must match the anchor's chain hash. A nil anchor treats the
// first record as the chain head and accepts whatever previous hash it
// carries.
//
// Records are sorted by sequence number; the scan itself is a single O(n)
// pass. A record counts as verified only when both its self-integrity and
// its predecessor link hold; either failure adds it to TamperedRecordIDs.
//
// Records carrying no envelope at all are degraded writes, not tampering:
// they are counted in UnprotectedCount and skipped. Appends after a degraded
// write restart the chain with an empty previous hash, so the link check
// carries the empty chain hash across them. A protected record stripped of
// its envelope still surfaces, because its successor's previous hash no
// longer matches.
func (e *Engine) VerifyChainFrom(records []*audit.Record, anchor *Anchor) ChainReport {
	report := ChainReport{Valid: true, TamperedRecordIDs: []string{}}
	if len(records) == 0 {
		return report
	}

	ordered := make([]*audit.Record, len(records))
	copy(ordered, records)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].SequenceNumber < ordered[j].SequenceNumber
	})

	prevChainHash := ""
	havePrev := false
	if anchor != nil {
		prevChainHash = anchor.ChainHash
		havePrev = true
	}

	for i, rec := range ordered {
		if rec.DataHash == "" && rec.Signature == "" {
			report.UnprotectedCount++
			prevChainHash = rec.ChainHash
			havePrev = true
			continue
		}

		selfOK := e.VerifyRecord(rec)
		linkOK := true
		if havePrev || i > 0 {
			linkOK = rec.PreviousHash == prevChainHash
		}

		if selfOK && linkOK {
			report.VerifiedCount++
		} else {
			report.Valid = false
			report.TamperedRecordIDs = append(report.TamperedRecordIDs, rec.ID)
			switch {
			case !selfOK && !linkOK:
				report.Errors = append(report.Errors, fmt.Sprintf("record %s: content and chain linkage invalid (seq %d)", rec.ID, rec.SequenceNumber))
			case !selfOK:
				report.Errors = append(report.Errors, fmt.Sprintf("record %s: content hash or signature invalid (seq %d)", rec.ID, rec.SequenceNumber))
			default:
				report.Errors = append(report.Errors, fmt.Sprintf("record %s: previous hash does not match predecessor chain hash (seq %d)", rec.ID, rec.SequenceNumber))
			}
		}

		prevChainHash = rec.ChainHash
		havePrev = true
	}
	return report
}
