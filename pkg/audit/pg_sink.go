package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
)

// PostgresSink is the primary Sink: an append-only audit_log table in the
// same Postgres cluster pstore uses. Batches are written inside a single
// transaction so a partial batch never surfaces mid-write.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink wraps db as a Sink.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) WriteBatch(ctx context.Context, records []*contracts.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_log (sequence, entry_id, timestamp, event_type, tenant_id, session_id, token_id, subject, payload, previous_hash, entry_hash, signature_type, signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`)
	if err != nil {
		return fmt.Errorf("audit: prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.Sequence, r.EntryID, r.Timestamp, r.EventType, r.TenantID, r.SessionID, r.TokenID,
			r.Subject, []byte(r.Payload), r.PreviousHash, r.EntryHash, r.SignatureType, r.Signature,
		); err != nil {
			return fmt.Errorf("audit: insert record %s: %w", r.EntryID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit: commit: %w", err)
	}
	return nil
}

// TenantsWithRecordsOn returns every tenant that wrote at least one record
// on day, for the cold-storage archival sweep (pkg/audit.ArchiveDay).
func (s *PostgresSink) TenantsWithRecordsOn(ctx context.Context, day time.Time) ([]string, error) {
	start, end := dayBounds(day)
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT tenant_id FROM audit_log WHERE timestamp >= $1 AND timestamp < $2`,
		start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query tenants for %s: %w", start.Format("2006-01-02"), err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("audit: scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// FetchPartition loads every record tenantID wrote on day, in sequence
// order, for handoff to an Archiver.
func (s *PostgresSink) FetchPartition(ctx context.Context, tenantID string, day time.Time) ([]*contracts.AuditRecord, error) {
	start, end := dayBounds(day)
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, entry_id, timestamp, event_type, tenant_id, session_id, token_id, subject, payload, previous_hash, entry_hash, signature_type, signature
		FROM audit_log
		WHERE tenant_id = $1 AND timestamp >= $2 AND timestamp < $3
		ORDER BY sequence ASC
	`, tenantID, start, end)
	if err != nil {
		return nil, fmt.Errorf("audit: query partition %s/%s: %w", tenantID, start.Format("2006-01-02"), err)
	}
	defer rows.Close()

	var records []*contracts.AuditRecord
	for rows.Next() {
		var r contracts.AuditRecord
		var payload []byte
		if err := rows.Scan(
			&r.Sequence, &r.EntryID, &r.Timestamp, &r.EventType, &r.TenantID, &r.SessionID, &r.TokenID,
			&r.Subject, &payload, &r.PreviousHash, &r.EntryHash, &r.SignatureType, &r.Signature,
		); err != nil {
			return nil, fmt.Errorf("audit: scan record: %w", err)
		}
		r.Payload = payload
		records = append(records, &r)
	}
	return records, rows.Err()
}

func dayBounds(day time.Time) (start, end time.Time) {
	start = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}
