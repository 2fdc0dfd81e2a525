// Package archivestore implements cold-tier archival of settled sectors
// to S3-compatible object storage, grounded on the teacher's
// storage/persistence-s3.go (same aws-sdk-go-v2 config/credentials/s3
// client setup, same lazy ensureOpen pattern). Unlike the live-path
// CompressedSector (board.CompressSector, lz4 for low latency), archived
// sectors are compressed with ulikunitz/xz for better ratio since they are
// read rarely and off the placement hot path.
package archivestore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ulikunitz/xz"
)

// Config describes how to reach the archive bucket.
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Endpoint        string
	Bucket          string
	Prefix          string
	ForcePathStyle  bool
}

// Archive compresses and uploads settled sector buffers, and can fetch
// them back. It does not implement board.Store itself, and neither
// sqlstore nor memstore calls into it; it holds per-sector buffers only,
// not placements, and is not a drop-in replacement for live reads.
type Archive struct {
	cfg Config

	mu     sync.Mutex
	client *s3.Client
	opened bool
}

// New builds an Archive; the S3 client connects lazily on first use.
func New(cfg Config) *Archive {
	return &Archive{cfg: cfg}
}

func (a *Archive) ensureOpen(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.opened {
		return nil
	}

	var opts []func(*config.LoadOptions) error
	if a.cfg.Region != "" {
		opts = append(opts, config.WithRegion(a.cfg.Region))
	}
	if a.cfg.AccessKeyID != "" && a.cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(a.cfg.AccessKeyID, a.cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("archivestore: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if a.cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(a.cfg.Endpoint) })
	}
	if a.cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}

	a.client = s3.NewFromConfig(awsCfg, s3Opts...)
	a.opened = true
	return nil
}

func (a *Archive) key(boardID int64, sectorIndex uint64, kind string) string {
	prefix := a.cfg.Prefix
	if prefix != "" {
		prefix += "/"
	}
	return fmt.Sprintf("%sboard-%s/sector-%s.%s.xz",
		prefix, strconv.FormatInt(boardID, 10), strconv.FormatUint(sectorIndex, 10), kind)
}

func (a *Archive) boardPrefix(boardID int64) string {
	prefix := a.cfg.Prefix
	if prefix != "" {
		prefix += "/"
	}
	return fmt.Sprintf("%sboard-%s/", prefix, strconv.FormatInt(boardID, 10))
}

// DeleteBoard removes every archived object under boardID's own prefix
// (every key is scoped by the board id baked into the key path by key(),
// never by anything color/palette-shaped). A Store that archives cold
// sectors for a board should call this from its own DeleteBoard so
// deleting a board doesn't leave orphaned objects in the bucket.
func (a *Archive) DeleteBoard(ctx context.Context, boardID int64) error {
	if err := a.ensureOpen(ctx); err != nil {
		return err
	}
	prefix := a.boardPrefix(boardID)

	var keys []s3types.ObjectIdentifier
	var continuationToken *string
	for {
		resp, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(a.cfg.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return fmt.Errorf("archivestore: list objects: %w", err)
		}
		for _, obj := range resp.Contents {
			keys = append(keys, s3types.ObjectIdentifier{Key: obj.Key})
		}
		if resp.IsTruncated == nil || !*resp.IsTruncated {
			break
		}
		continuationToken = resp.NextContinuationToken
	}
	if len(keys) == 0 {
		return nil
	}

	_, err := a.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(a.cfg.Bucket),
		Delete: &s3types.Delete{Objects: keys},
	})
	if err != nil {
		return fmt.Errorf("archivestore: delete objects: %w", err)
	}
	return nil
}

// PutSector xz-compresses raw and uploads it under (boardID, sectorIndex, kind).
func (a *Archive) PutSector(ctx context.Context, boardID int64, sectorIndex uint64, kind string, raw []byte) error {
	if err := a.ensureOpen(ctx); err != nil {
		return err
	}
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return fmt.Errorf("archivestore: xz writer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("archivestore: xz compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("archivestore: xz close: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(a.key(boardID, sectorIndex, kind)),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("archivestore: put object: %w", err)
	}
	return nil
}

// GetSector downloads and decompresses one archived buffer, or ok=false if
// it has never been archived.
func (a *Archive) GetSector(ctx context.Context, boardID int64, sectorIndex uint64, kind string) (raw []byte, ok bool, err error) {
	if err := a.ensureOpen(ctx); err != nil {
		return nil, false, err
	}
	resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(a.key(boardID, sectorIndex, kind)),
	})
	if err != nil {
		return nil, false, nil
	}
	defer resp.Body.Close()

	r, err := xz.NewReader(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("archivestore: xz reader: %w", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false, fmt.Errorf("archivestore: xz decompress: %w", err)
	}
	return data, true, nil
}
