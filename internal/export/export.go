// Package export renders audit records for compliance delivery: CSV or JSON
// snapshots of a time range, optionally archived to object storage.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/onnwee/chaintrail/internal/audit"
	"github.com/onnwee/chaintrail/internal/store"
)

// Format defines supported export formats.
type Format string

const (
	// FormatCSV exports records as comma-separated values.
	FormatCSV Format = "csv"
	// FormatJSON exports records as a JSON array.
	FormatJSON Format = "json"
)

// Options configures an export run.
type Options struct {
	Format Format    // csv or json
	From   time.Time // start of time range (inclusive)
	To     time.Time // end of time range (inclusive)
	UserID string    // filter by acting user (optional)
	Limit  int       // maximum records to export (0 = no limit)
}

// Export renders records matching the options. The envelope columns are
// included so an exported snapshot can be independently chain-verified.
func Export(ctx context.Context, s store.Store, opts Options) ([]byte, error) {
	if opts.Format != FormatCSV && opts.Format != FormatJSON {
		return nil, fmt.Errorf("unsupported export format: %s", opts.Format)
	}

	records, err := s.Range(ctx, opts.From, opts.To)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}

	if opts.UserID != "" {
		filtered := records[:0]
		for _, rec := range records {
			if rec.UserID == opts.UserID {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	if opts.Limit > 0 && len(records) > opts.Limit {
		records = records[:opts.Limit]
	}

	switch opts.Format {
	case FormatCSV:
		return toCSV(records)
	default:
		return toJSON(records)
	}
}

func toCSV(records []*audit.Record) ([]byte, error) {
	buf := new(bytes.Buffer)
	writer := csv.NewWriter(buf)

	header := []string{
		"ID",
		"Sequence",
		"Timestamp (UTC)",
		"User ID",
		"Action",
		"Resource Type",
		"Resource ID",
		"Status",
		"IP Address",
		"Data Hash",
		"Previous Hash",
		"Chain Hash",
		"Signing Key ID",
		"Verified",
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, rec := range records {
		row := []string{
			rec.ID,
			strconv.FormatInt(rec.SequenceNumber, 10),
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.UserID,
			string(rec.Action),
			rec.ResourceType,
			rec.ResourceID,
			string(rec.Status),
			rec.IPAddress,
			rec.DataHash,
			rec.PreviousHash,
			rec.ChainHash,
			rec.SigningKeyID,
			strconv.FormatBool(rec.IntegrityVerified),
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

func toJSON(records []*audit.Record) ([]byte, error) {
	type exportRecord struct {
		ID             string       `json:"id"`
		SequenceNumber int64        `json:"sequence_number"`
		Timestamp      string       `json:"timestamp"`
		UserID         string       `json:"user_id,omitempty"`
		Action         audit.Action `json:"action"`
		ResourceType   string       `json:"resource_type"`
		ResourceID     string       `json:"resource_id,omitempty"`
		Status         audit.Status `json:"status"`
		IPAddress      string       `json:"ip_address,omitempty"`
		DataHash       string       `json:"data_hash,omitempty"`
		PreviousHash   string       `json:"previous_hash,omitempty"`
		ChainHash      string       `json:"chain_hash,omitempty"`
		Signature      string       `json:"signature,omitempty"`
		SigningKeyID   string       `json:"signing_key_id,omitempty"`
		Verified       bool         `json:"verified"`
	}

	out := make([]exportRecord, len(records))
	for i, rec := range records {
		out[i] = exportRecord{
			ID:             rec.ID,
			SequenceNumber: rec.SequenceNumber,
			Timestamp:      rec.CreatedAt.UTC().Format(time.RFC3339),
			UserID:         rec.UserID,
			Action:         rec.Action,
			ResourceType:   rec.ResourceType,
			ResourceID:     rec.ResourceID,
			Status:         rec.Status,
			IPAddress:      rec.IPAddress,
			DataHash:       rec.DataHash,
			PreviousHash:   rec.PreviousHash,
			ChainHash:      rec.ChainHash,
			Signature:      rec.Signature,
			SigningKeyID:   rec.SigningKeyID,
			Verified:       rec.IntegrityVerified,
		}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}
