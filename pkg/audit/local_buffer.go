package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
)

// BufferedSQLite is the LocalBuffer the writer falls back to when the
// Postgres sink is unreachable. It keeps the gateway's own disk from ever
// losing audit history during a database outage. Pending and Drain give
// access to the buffered rows for replay into Postgres; ailinkd itself
// starts no job that calls them.
type BufferedSQLite struct {
	db *sql.DB
}

// NewBufferedSQLite opens (and migrates) a local buffer backed by db, a
// *sql.DB already opened against the "sqlite" driver.
func NewBufferedSQLite(db *sql.DB) (*BufferedSQLite, error) {
	b := &BufferedSQLite{db: db}
	if err := b.migrate(context.Background()); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *BufferedSQLite) migrate(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS pending_audit_records (
			entry_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			record JSON NOT NULL,
			buffered_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("audit: migrate local buffer: %w", err)
	}
	return nil
}

// Append persists records locally so they survive a process restart.
func (b *BufferedSQLite) Append(ctx context.Context, records []*contracts.AuditRecord) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit: local buffer begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO pending_audit_records (entry_id, tenant_id, sequence, record, buffered_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("audit: local buffer prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range records {
		body, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("audit: marshal buffered record: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, r.EntryID, r.TenantID, r.Sequence, string(body), time.Now().UTC()); err != nil {
			return fmt.Errorf("audit: local buffer insert: %w", err)
		}
	}
	return tx.Commit()
}

// Pending returns up to limit buffered records not yet drained, oldest
// first, for a recovery job to replay into the primary sink.
func (b *BufferedSQLite) Pending(ctx context.Context, limit int) ([]*contracts.AuditRecord, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT record FROM pending_audit_records ORDER BY buffered_at ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.AuditRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var rec contracts.AuditRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("audit: unmarshal pending record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Drain removes records by EntryID after they have been successfully
// replayed into the primary sink.
func (b *BufferedSQLite) Drain(ctx context.Context, entryIDs []string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit: drain begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM pending_audit_records WHERE entry_id = ?`)
	if err != nil {
		return fmt.Errorf("audit: drain prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, id := range entryIDs {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("audit: drain delete %s: %w", id, err)
		}
	}
	return tx.Commit()
}
