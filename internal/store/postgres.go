package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/onnwee/chaintrail/internal/audit"
	"github.com/onnwee/chaintrail/internal/integrity"
)

// chainLockKey is the advisory lock key that serializes chain extension.
// Every append takes this transaction-scoped lock before reading the tail,
// so two concurrent writers can never compute their previous hash from the
// same tail or claim the same sequence number.
const chainLockKey = 7245001

const recordColumns = `id, user_id, action, resource_type, resource_id, ip_address,
	user_agent, session_id, old_values, new_values, metadata, status, error_message,
	data_hash, previous_hash, chain_hash, digital_signature, signing_key_id,
	sequence_number, integrity_verified, last_verified_at, created_at`

// PostgresStore implements Store on PostgreSQL via database/sql and lib/pq.
type PostgresStore struct {
	db     *sql.DB
	engine *integrity.Engine
	logger *slog.Logger
	tracer trace.Tracer
}

// NewPostgresStore creates a store over an open database handle.
func NewPostgresStore(db *sql.DB, engine *integrity.Engine, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:     db,
		engine: engine,
		logger: logger,
		tracer: otel.Tracer("chaintrail/store"),
	}
}

// Append writes an event with a full security envelope inside a single
// transaction: take the chain lock, read the tail, build the envelope bound
// to it, insert. Either the whole record exists with a valid envelope or
// nothing was written.
func (s *PostgresStore) Append(ctx context.Context, event *audit.Event) (string, error) {
	ctx, span := s.tracer.Start(ctx, "store.Append")
	defer span.End()

	if err := event.Validate(); err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Warn("failed to rollback append transaction",
				slog.String("error", err.Error()))
		}
	}()

	previousHash, sequence, err := s.lockTail(ctx, tx)
	if err != nil {
		return "", err
	}

	env, capturedAt, err := s.engine.GenerateEnvelope(event, previousHash, sequence)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.Int64("audit.sequence", sequence))

	id := uuid.New().String()
	if err := s.insert(ctx, tx, id, event, &env, true, capturedAt, capturedAt); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit audit record: %w", err)
	}
	return id, nil
}

// AppendBasic writes an event without cryptographic protection. The chain
// lock is still taken so the sequence stays gapless and strictly increasing.
func (s *PostgresStore) AppendBasic(ctx context.Context, event *audit.Event) (string, error) {
	ctx, span := s.tracer.Start(ctx, "store.AppendBasic")
	defer span.End()

	if err := event.Validate(); err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Warn("failed to rollback append transaction",
				slog.String("error", err.Error()))
		}
	}()

	_, sequence, err := s.lockTail(ctx, tx)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	env := audit.Envelope{SequenceNumber: sequence}
	now := time.Now().UTC()
	if err := s.insert(ctx, tx, id, event, &env, false, time.Time{}, now); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit audit record: %w", err)
	}
	return id, nil
}

// lockTail takes the chain advisory lock and reads the current tail,
// returning the previous hash and the next sequence number.
func (s *PostgresStore) lockTail(ctx context.Context, tx *sql.Tx) (string, int64, error) {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return "", 0, fmt.Errorf("failed to take chain lock: %w", err)
	}

	var lastSequence int64
	var chainHash sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT sequence_number, chain_hash FROM audit_records ORDER BY sequence_number DESC LIMIT 1`,
	).Scan(&lastSequence, &chainHash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 1, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to read chain tail: %w", err)
	}
	return chainHash.String, lastSequence + 1, nil
}

func (s *PostgresStore) insert(ctx context.Context, tx *sql.Tx, id string, event *audit.Event, env *audit.Envelope, verified bool, verifiedAt, createdAt time.Time) error {
	oldValues, err := marshalMap(event.OldValues)
	if err != nil {
		return err
	}
	newValues, err := marshalMap(event.NewValues)
	if err != nil {
		return err
	}
	metadata, err := marshalMap(event.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_records (
			id, user_id, action, resource_type, resource_id, ip_address,
			user_agent, session_id, old_values, new_values, metadata, status,
			error_message, data_hash, previous_hash, chain_hash,
			digital_signature, signing_key_id, sequence_number,
			integrity_verified, last_verified_at, created_at
		) VALUES (
			$1, NULLIF($2, ''), $3, $4, NULLIF($5, ''), NULLIF($6, ''),
			NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11, $12,
			NULLIF($13, ''), NULLIF($14, ''), NULLIF($15, ''), NULLIF($16, ''),
			NULLIF($17, ''), NULLIF($18, ''), $19, $20, $21, $22
		)`,
		id, event.UserID, string(event.Action), event.ResourceType, event.ResourceID,
		event.IPAddress, event.UserAgent, event.SessionID, oldValues, newValues,
		metadata, string(event.Status), event.ErrorMessage, env.DataHash,
		env.PreviousHash, env.ChainHash, env.Signature, env.SigningKeyID,
		env.SequenceNumber, verified, nullTime(verifiedAt), createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json column: %w", err)
	}
	return data, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// Record loads a single record by id.
func (s *PostgresStore) Record(ctx context.Context, id string) (*audit.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM audit_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

// Range loads records created in [from, to], ordered by sequence. Zero
// bounds are open.
func (s *PostgresStore) Range(ctx context.Context, from, to time.Time) ([]*audit.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM audit_records WHERE 1=1`
	args := []any{}
	if !from.IsZero() {
		args = append(args, from)
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		query += fmt.Sprintf(` AND created_at <= $%d`, len(args))
	}
	query += ` ORDER BY sequence_number`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// VerifyRange runs chain verification over [from, to] and refreshes the
// verification flags of intact records.
func (s *PostgresStore) VerifyRange(ctx context.Context, from, to time.Time) (*integrity.ChainReport, error) {
	ctx, span := s.tracer.Start(ctx, "store.VerifyRange")
	defer span.End()

	records, err := s.Range(ctx, from, to)
	if err != nil {
		return nil, err
	}
	report := s.engine.VerifyChain(records)
	if err := s.mark(ctx, records, report); err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("audit.scanned", len(records)),
		attribute.Int("audit.tampered", len(report.TamperedRecordIDs)),
	)
	return &report, nil
}

// mark refreshes integrity_verified/last_verified_at for the scanned
// records. Basic records (no envelope) are left unverified.
func (s *PostgresStore) mark(ctx context.Context, scanned []*audit.Record, report integrity.ChainReport) error {
	tampered := make(map[string]bool, len(report.TamperedRecordIDs))
	for _, id := range report.TamperedRecordIDs {
		tampered[id] = true
	}
	var intact []string
	for _, rec := range scanned {
		if rec.DataHash != "" && !tampered[rec.ID] {
			intact = append(intact, rec.ID)
		}
	}

	if len(intact) > 0 {
		_, err := s.db.ExecContext(ctx, `
			UPDATE audit_records
			SET integrity_verified = TRUE, last_verified_at = NOW()
			WHERE id = ANY($1)`, pq.Array(intact))
		if err != nil {
			return fmt.Errorf("failed to mark records verified: %w", err)
		}
	}
	if len(report.TamperedRecordIDs) > 0 {
		_, err := s.db.ExecContext(ctx, `
			UPDATE audit_records
			SET integrity_verified = FALSE
			WHERE id = ANY($1)`, pq.Array(report.TamperedRecordIDs))
		if err != nil {
			return fmt.Errorf("failed to mark records tampered: %w", err)
		}
	}
	return nil
}

// DetectTampering verifies an optional range and always returns a report.
func (s *PostgresStore) DetectTampering(ctx context.Context, from, to *time.Time) (*TamperReport, error) {
	var f, t time.Time
	if from != nil {
		f = *from
	}
	if to != nil {
		t = *to
	}

	records, err := s.Range(ctx, f, t)
	if err != nil {
		return nil, err
	}
	report := s.engine.VerifyChain(records)
	if err := s.mark(ctx, records, report); err != nil {
		return nil, err
	}
	return reportFrom(&report, len(records)), nil
}

// RunIntegrityCheck walks the entire store in ordered batches, carrying the
// chain anchor across batch boundaries so continuity is checked between
// batches as well as within them. Memory use is bounded by the batch size.
func (s *PostgresStore) RunIntegrityCheck(ctx context.Context, batchSize int) (*TamperReport, error) {
	if batchSize <= 0 {
		return nil, ErrInvalidBatchSize
	}
	ctx, span := s.tracer.Start(ctx, "store.RunIntegrityCheck")
	defer span.End()

	total := 0
	verified := 0
	unprotected := 0
	tamperedIDs := []string{}
	var anchor *integrity.Anchor
	var afterSequence int64

	for {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+recordColumns+` FROM audit_records
			WHERE sequence_number > $1
			ORDER BY sequence_number
			LIMIT $2`, afterSequence, batchSize)
		if err != nil {
			return nil, fmt.Errorf("failed to query integrity batch: %w", err)
		}
		batch, err := scanRecords(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}

		report := s.engine.VerifyChainFrom(batch, anchor)
		total += len(batch)
		verified += report.VerifiedCount
		unprotected += report.UnprotectedCount
		tamperedIDs = append(tamperedIDs, report.TamperedRecordIDs...)
		if err := s.mark(ctx, batch, report); err != nil {
			return nil, err
		}

		tail := batch[len(batch)-1]
		anchor = &integrity.Anchor{ChainHash: tail.ChainHash, SequenceNumber: tail.SequenceNumber}
		afterSequence = tail.SequenceNumber

		if len(batch) < batchSize {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("audit.scanned", total),
		attribute.Int("audit.tampered", len(tamperedIDs)),
	)
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
func (s *PostgresStore) Proof(ctx context.Context, recordID string) (string, error) {
	rec, err := s.Record(ctx, recordID)
	if err != nil {
		return "", err
	}
	return s.engine.GenerateProof(rec)
}

// VerifyProof validates a proof token.
func (s *PostgresStore) VerifyProof(token string) integrity.ProofResult {
	return s.engine.VerifyProof(token)
}

// Stats reports the store's verification state.
func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	var lastVerification sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE integrity_verified),
		       COUNT(*) FILTER (WHERE data_hash IS NULL),
		       MAX(last_verified_at)
		FROM audit_records`,
	).Scan(&stats.TotalRecords, &stats.VerifiedRecords, &stats.UnprotectedRecords, &lastVerification)
	if err != nil {
		return nil, fmt.Errorf("failed to read security stats: %w", err)
	}
	stats.UnverifiedRecords = stats.TotalRecords - stats.VerifiedRecords
	if lastVerification.Valid {
		stats.LastVerification = lastVerification.Time.UTC()
	}
	stats.IntegrityScore = scoreOf(int(stats.VerifiedRecords), int(stats.TotalRecords-stats.UnprotectedRecords))
	return stats, nil
}

// Cleanup deletes records created before the cutoff, which must be older
// than the minimum retention age.
func (s *PostgresStore) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	if time.Since(cutoff) < MinRetentionAge {
		return 0, ErrRetentionWindow
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_records WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired audit records: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted records: %w", err)
	}
	if removed > 0 {
		s.logger.Info("retention cleanup removed audit records",
			slog.Int64("removed", removed),
			slog.Time("cutoff", cutoff))
	}
	return removed, nil
}

// Ping reports database reachability.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rowScanner abstracts sql.Row and sql.Rows for scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*audit.Record, error) {
	var rec audit.Record
	var userID, resourceID, ipAddress, userAgent, sessionID sql.NullString
	var errorMessage, dataHash, previousHash, chainHash sql.NullString
	var signature, signingKeyID sql.NullString
	var oldValues, newValues, metadata []byte
	var lastVerifiedAt sql.NullTime
	var action, status string

	err := row.Scan(
		&rec.ID, &userID, &action, &rec.ResourceType, &resourceID, &ipAddress,
		&userAgent, &sessionID, &oldValues, &newValues, &metadata, &status,
		&errorMessage, &dataHash, &previousHash, &chainHash, &signature,
		&signingKeyID, &rec.SequenceNumber, &rec.IntegrityVerified,
		&lastVerifiedAt, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Action = audit.Action(action)
	rec.Status = audit.Status(status)
	rec.UserID = userID.String
	rec.ResourceID = resourceID.String
	rec.IPAddress = ipAddress.String
	rec.UserAgent = userAgent.String
	rec.SessionID = sessionID.String
	rec.ErrorMessage = errorMessage.String
	rec.DataHash = dataHash.String
	rec.PreviousHash = previousHash.String
	rec.ChainHash = chainHash.String
	rec.Signature = signature.String
	rec.SigningKeyID = signingKeyID.String
	if lastVerifiedAt.Valid {
		rec.LastVerifiedAt = lastVerifiedAt.Time.UTC()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()

	if err := unmarshalMap(oldValues, &rec.OldValues); err != nil {
		return nil, err
	}
	if err := unmarshalMap(newValues, &rec.NewValues); err != nil {
		return nil, err
	}
	if err := unmarshalMap(metadata, &rec.Metadata); err != nil {
		return nil, err
	}
	return &rec, nil
}

func unmarshalMap(data []byte, dst *map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to decode json column: %w", err)
	}
	return nil
}

func scanRecords(rows *sql.Rows) ([]*audit.Record, error) {
	var out []*audit.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit records: %w", err)
	}
	return out, nil
}
