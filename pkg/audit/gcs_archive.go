package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"

	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
)

// GCSArchive is the Google Cloud Storage counterpart to S3Archive, for
// deployments whose AILINK_AUDIT_ARCHIVE setting is "gcs" rather than "s3". Object
// layout and partitioning match S3Archive exactly so a tenant's archive can
// move between backends without a migration step.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSArchiveConfig configures GCSArchive.
type GCSArchiveConfig struct {
	Bucket string
	Prefix string
}

// NewGCSArchive builds a GCSArchive using application-default credentials,
// matching how the rest of the process picks up cloud credentials (no
// AILink-specific credential plumbing for this optional backend).
func NewGCSArchive(ctx context.Context, cfg GCSArchiveConfig) (*GCSArchive, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: new gcs client: %w", err)
	}
	return &GCSArchive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// WritePartition archives a day's worth of one tenant's records as a single
// newline-delimited-JSON object, same layout as S3Archive.WritePartition.
func (a *GCSArchive) WritePartition(ctx context.Context, tenantID string, day time.Time, records []*contracts.AuditRecord) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("audit: encode archive record: %w", err)
		}
	}

	key := a.partitionKey(tenantID, day)
	w := a.client.Bucket(a.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	if _, err := w.Write(buf.Bytes()); err != nil {
		_ = w.Close()
		return fmt.Errorf("audit: write partition %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("audit: close partition %s: %w", key, err)
	}
	return nil
}

// ReadPartition fetches a previously archived day's records for one tenant.
func (a *GCSArchive) ReadPartition(ctx context.Context, tenantID string, day time.Time) ([]*contracts.AuditRecord, error) {
	key := a.partitionKey(tenantID, day)
	r, err := a.client.Bucket(a.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: get partition %s: %w", key, err)
	}
	defer func() { _ = r.Close() }()

	dec := json.NewDecoder(r)
	var records []*contracts.AuditRecord
	for {
		var rec contracts.AuditRecord
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("audit: decode archived record: %w", err)
		}
		records = append(records, &rec)
	}
	return records, nil
}

func (a *GCSArchive) partitionKey(tenantID string, day time.Time) string {
	return fmt.Sprintf("%saudit/%s/%s.ndjson", a.prefix, tenantID, day.UTC().Format("2006-01-02"))
}

// Close releases the underlying GCS client.
func (a *GCSArchive) Close() error {
	return a.client.Close()
}
