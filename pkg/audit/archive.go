package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
)

// Archiver moves a tenant's closed day-partition out of Postgres into cold
// storage. S3Archive and GCSArchive are the two concrete backends; AILink
// never requires one — AuditArchive=="none" leaves every record in
// Postgres indefinitely.
type Archiver interface {
	WritePartition(ctx context.Context, tenantID string, day time.Time, records []*contracts.AuditRecord) error
}

// PartitionSource is the read side ArchiveDay needs: which tenants wrote
// records on a given day, and that day's records for one tenant. PostgresSink
// implements it directly.
type PartitionSource interface {
	TenantsWithRecordsOn(ctx context.Context, day time.Time) ([]string, error)
	FetchPartition(ctx context.Context, tenantID string, day time.Time) ([]*contracts.AuditRecord, error)
}

// ArchiveDay copies every tenant's partition for day from source into dest.
// It is idempotent: re-running it for a day already archived just
// overwrites the same objects with the same content.
func ArchiveDay(ctx context.Context, source PartitionSource, dest Archiver, day time.Time, log *slog.Logger) error {
	tenants, err := source.TenantsWithRecordsOn(ctx, day)
	if err != nil {
		return fmt.Errorf("audit: list tenants for %s: %w", day.Format("2006-01-02"), err)
	}

	for _, tenantID := range tenants {
		records, err := source.FetchPartition(ctx, tenantID, day)
		if err != nil {
			return fmt.Errorf("audit: fetch partition %s/%s: %w", tenantID, day.Format("2006-01-02"), err)
		}
		if len(records) == 0 {
			continue
		}
		if err := dest.WritePartition(ctx, tenantID, day, records); err != nil {
			return fmt.Errorf("audit: archive partition %s/%s: %w", tenantID, day.Format("2006-01-02"), err)
		}
		if log != nil {
			log.Info("audit: partition archived", "tenant_id", tenantID, "day", day.Format("2006-01-02"), "records", len(records))
		}
	}
	return nil
}

// RunDailyArchival calls ArchiveDay once every interval for the previous
// day's partitions, blocking in its own loop until ctx is cancelled. A
// single failed sweep is logged and retried on the next tick rather than
// aborting the loop.
func RunDailyArchival(ctx context.Context, source PartitionSource, dest Archiver, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			yesterday := time.Now().UTC().AddDate(0, 0, -1)
			if err := ArchiveDay(ctx, source, dest, yesterday, log); err != nil && log != nil {
				log.Warn("audit: daily archival sweep failed", "error", err)
			}
		}
	}
}
