package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
)

// S3Archive cold-stores audit partitions once they roll off the primary
// Postgres table, keyed by tenant and day so a later investigation can
// pull exactly one partition without scanning the whole archive.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ArchiveConfig configures S3Archive. Endpoint is optional, for S3
// compatible stores used in development (MinIO, LocalStack).
type S3ArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewS3Archive builds an S3Archive from cfg.
func NewS3Archive(ctx context.Context, cfg S3ArchiveConfig) (*S3Archive, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("audit: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Archive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// WritePartition archives a day's worth of one tenant's records as a single
// newline-delimited-JSON object.
func (a *S3Archive) WritePartition(ctx context.Context, tenantID string, day time.Time, records []*contracts.AuditRecord) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("audit: encode archive record: %w", err)
		}
	}

	key := a.partitionKey(tenantID, day)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("audit: put partition %s: %w", key, err)
	}
	return nil
}

// ReadPartition fetches a previously archived day's records for one tenant.
func (a *S3Archive) ReadPartition(ctx context.Context, tenantID string, day time.Time) ([]*contracts.AuditRecord, error) {
	key := a.partitionKey(tenantID, day)
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("audit: get partition %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	dec := json.NewDecoder(out.Body)
	var records []*contracts.AuditRecord
	for dec.More() {
		var rec contracts.AuditRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("audit: decode archived record: %w", err)
		}
		records = append(records, &rec)
	}
	return records, nil
}

func (a *S3Archive) partitionKey(tenantID string, day time.Time) string {
	return fmt.Sprintf("%saudit/%s/%s.ndjson", a.prefix, tenantID, day.UTC().Format("2006-01-02"))
}
