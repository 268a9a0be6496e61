package remote

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/store"
)

// S3API is the subset of the S3 client the archive uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

const snapshotSuffix = ".jsonl.gz"

// S3Archive stores gzipped JSONL snapshots of a record store.
type S3Archive struct {
	client S3API
	bucket string
	prefix string
	logger *events.Logger
}

// NewS3Archive creates an archive using the default AWS credential chain.
func NewS3Archive(ctx context.Context, bucket, prefix, region string, logger *events.Logger) (*S3Archive, error) {
	if bucket == "" {
		return nil, fmt.Errorf("%w: archive bucket required", models.ErrInvalidConfig)
	}

	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewS3ArchiveWithClient(s3.NewFromConfig(cfg), bucket, prefix, logger), nil
}

// NewS3ArchiveWithClient creates an archive on an existing client.
func NewS3ArchiveWithClient(client S3API, bucket, prefix string, logger *events.Logger) *S3Archive {
	return &S3Archive{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.WithField("component", "s3_archive"),
	}
}

// snapshotKey names snapshots so lexical order is chronological.
func (a *S3Archive) snapshotKey(at time.Time) string {
	name := fmt.Sprintf("snapshot-%s-%s%s", at.UTC().Format("20060102T150405.000000000Z"), uuid.NewString()[:8], snapshotSuffix)
	return path.Join(a.prefix, name)
}

// Backup exports every record of src into a new snapshot object.
func (a *S3Archive) Backup(ctx context.Context, src store.RecordStore) (string, int, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)

	count, err := Export(ctx, src, zw)
	if err != nil {
		return "", 0, err
	}
	if err := zw.Close(); err != nil {
		return "", 0, fmt.Errorf("compress snapshot: %w", err)
	}

	key := a.snapshotKey(time.Now())
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
		Metadata: map[string]string{
			"records": fmt.Sprintf("%d", count),
			"source":  src.Name(),
		},
	})
	if err != nil {
		return "", 0, fmt.Errorf("s3 put object: %w", err)
	}

	a.logger.WithFields(map[string]interface{}{
		"key":     key,
		"records": count,
		"size":    buf.Len(),
	}).Info("Uploaded snapshot")
	return key, count, nil
}

// Restore loads a snapshot into dst, overwriting records with the same key.
func (a *S3Archive) Restore(ctx context.Context, key string, dst store.RecordStore) (int, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("s3 get object: %w", err)
	}
	defer out.Body.Close()

	zr, err := gzip.NewReader(out.Body)
	if err != nil {
		return 0, fmt.Errorf("decompress snapshot: %w", err)
	}
	defer zr.Close()

	count, err := Import(ctx, zr, dst)
	if err != nil {
		return count, err
	}

	a.logger.WithFields(map[string]interface{}{
		"key":     key,
		"records": count,
	}).Info("Restored snapshot")
	return count, nil
}

// List returns snapshot keys, oldest first.
func (a *S3Archive) List(ctx context.Context) ([]string, error) {
	prefix := a.prefix
	if prefix != "" {
		prefix += "/"
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list objects: %w", err)
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if strings.HasSuffix(k, snapshotSuffix) {
				keys = append(keys, k)
			}
		}
	}

	sort.Strings(keys)
	return keys, nil
}

// Latest returns the newest snapshot key, or ErrNotFound.
func (a *S3Archive) Latest(ctx context.Context) (string, error) {
	keys, err := a.List(ctx)
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("no snapshots in s3://%s/%s: %w", a.bucket, a.prefix, models.ErrNotFound)
	}
	return keys[len(keys)-1], nil
}

// Export writes every record of src to w, one JSON document per line.
func Export(ctx context.Context, src store.RecordStore, w io.Writer) (int, error) {
	recs, err := store.ListAll(ctx, src)
	if err != nil {
		return 0, fmt.Errorf("list records: %w", err)
	}

	enc := json.NewEncoder(w)
	for i, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			return i, fmt.Errorf("encode %s: %w", rec.Key(), err)
		}
	}
	return len(recs), nil
}

// Import reads JSONL records from r and overwrites them into dst.
func Import(ctx context.Context, r io.Reader, dst store.RecordStore) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBodyBytes)

	count, line := 0, 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return count, err
		}

		var rec models.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return count, fmt.Errorf("line %d: %w: %v", line, models.ErrCorrupt, err)
		}
		if _, err := dst.Overwrite(ctx, &rec); err != nil {
			return count, fmt.Errorf("line %d: %w", line, err)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("read snapshot: %w", err)
	}
	return count, nil
}
