// Package archive ships topology snapshots to an S3-compatible bucket. The
// uploader consumes the correlation engine's snapshot channel; the engine
// drops sends when the channel is full, so a slow or unreachable bucket can
// never stall correlation.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v4"

	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/metrics"
	"github.com/fieldlight/otgraph/internal/model"
)

const (
	DefaultKeyPrefix     = "snapshots"
	DefaultMaxRetries    = 4
	DefaultRetryBaseWait = time.Second
)

// ObjectPutter is the slice of the S3 client the uploader needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Config struct {
	Logger *slog.Logger
	Client ObjectPutter
	Bucket string

	// KeyPrefix is prepended to every object key.
	KeyPrefix string

	// Snapshots delivers each snapshot the engine writes.
	Snapshots <-chan model.TopologySnapshot

	// MaxRetries bounds upload attempts beyond the first.
	MaxRetries    int
	RetryBaseWait time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Client == nil {
		return errors.New("s3 client is required")
	}
	if c.Bucket == "" {
		return errors.New("bucket is required")
	}
	if c.Snapshots == nil {
		return errors.New("snapshot channel is required")
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if c.MaxRetries < 0 {
		return errors.New("max retries must not be negative")
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBaseWait <= 0 {
		c.RetryBaseWait = DefaultRetryBaseWait
	}
	return nil
}

// Uploader serializes snapshots to JSON and puts them under
// <prefix>/<takenAt>-<id>.json. Upload failures are logged and counted,
// never propagated; the store keeps the authoritative copy.
type Uploader struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) (*Uploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, faults.Config("archive", "invalid config", err)
	}
	return &Uploader{cfg: cfg, log: cfg.Logger.With("component", "archive")}, nil
}

func (u *Uploader) Name() string { return "archive" }

// Run blocks until ctx is canceled or the snapshot channel closes.
func (u *Uploader) Run(ctx context.Context) error {
	u.log.Info("snapshot archiver starting", "bucket", u.cfg.Bucket, "prefix", u.cfg.KeyPrefix)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-u.cfg.Snapshots:
			if !ok {
				return nil
			}
			u.upload(ctx, snap)
		}
	}
}

func (u *Uploader) upload(ctx context.Context, snap model.TopologySnapshot) {
	body, err := json.Marshal(snap)
	if err != nil {
		metrics.ArchiveErrors.Inc()
		u.log.Error("snapshot not encodable", "snapshot", snap.ID, "error", err)
		return
	}
	key := u.key(snap)

	op := func() error {
		_, err := u.cfg.Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(u.cfg.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		})
		return err
	}
	notify := func(err error, wait time.Duration) {
		u.log.Warn("snapshot upload failed, retrying", "key", key, "wait", wait, "error", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = u.cfg.RetryBaseWait
	if err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(u.cfg.MaxRetries)), ctx), notify); err != nil {
		metrics.ArchiveErrors.Inc()
		u.log.Error("snapshot not archived", "key", key, "error", err)
		return
	}
	metrics.ArchiveUploads.Inc()
	u.log.Info("snapshot archived", "key", key, "bytes", len(body))
}

func (u *Uploader) key(snap model.TopologySnapshot) string {
	return fmt.Sprintf("%s/%s-%s.json", u.cfg.KeyPrefix, snap.TakenAt.UTC().Format(time.RFC3339), snap.ID)
}

// S3Options configures the production S3 client.
type S3Options struct {
	Region    string
	AccessKey string
	SecretKey string

	// Endpoint switches to a custom MinIO-compatible endpoint with path
	// style addressing.
	Endpoint string
}

// NewS3Client builds the real client. Static credentials are used when an
// access key is configured; otherwise the ambient AWS chain applies.
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, faults.Config("archive.s3", "loading aws config", err)
	}
	if opts.Endpoint != "" {
		return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true // Required for MinIO and similar services
		}), nil
	}
	return s3.NewFromConfig(awsCfg), nil
}
