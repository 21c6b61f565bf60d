package quill

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// SnapshotBackup uploads peer state snapshots to S3 or an S3-compatible
// service. Snapshots are uploaded exactly as produced by Engine.Save; the
// backup adds no encryption, so the document text and any seal key the
// snapshot holds are stored as they are.
type SnapshotBackup struct {
	client *s3.Client
	cfg    BackupConfig
}

// NewSnapshotBackup creates a backup target from the configuration.
func NewSnapshotBackup(ctx context.Context, cfg BackupConfig) (*SnapshotBackup, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("backup bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}
	return &SnapshotBackup{client: s3.NewFromConfig(awsCfg, s3Opts...), cfg: cfg}, nil
}

func (b *SnapshotBackup) key(channel ChannelID) string {
	return b.cfg.Prefix + channel.String() + ".qps"
}

// Upload stores a snapshot for a channel, retrying transient failures
// with exponential backoff.
func (b *SnapshotBackup) Upload(ctx context.Context, channel ChannelID, state []byte) error {
	return b.retry(ctx, func() error {
		_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(b.cfg.Bucket),
			Key:    aws.String(b.key(channel)),
			Body:   bytes.NewReader(state),
		})
		if err != nil {
			return fmt.Errorf("S3 put object failed: %w", err)
		}
		return nil
	})
}

// Download fetches the most recent snapshot for a channel.
func (b *SnapshotBackup) Download(ctx context.Context, channel ChannelID) ([]byte, error) {
	var state []byte
	err := b.retry(ctx, func() error {
		resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.cfg.Bucket),
			Key:    aws.String(b.key(channel)),
		})
		if err != nil {
			return fmt.Errorf("S3 get object failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		state, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("S3 read body failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (b *SnapshotBackup) retry(ctx context.Context, op func() error) error {
	delay := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < b.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying backup operation", "attempt", attempt, "err", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
		if lastErr = op(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}
