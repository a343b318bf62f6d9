package enroll

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOConfig configures the snapshot object store.
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string

	RequestTimeout time.Duration
	MaxRetries     uint64
}

// SnapshotStore uploads JPEG stills (enrollment samples and violation
// evidence) to object storage.
type SnapshotStore struct {
	client *minio.Client
	bucket string
	cfg    MinIOConfig
	logger *zap.Logger
}

// NewSnapshotStore connects to MinIO and ensures the bucket exists.
func NewSnapshotStore(ctx context.Context, cfg MinIOConfig) (*SnapshotStore, error) {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("enroll: create object store client: %w", err)
	}

	s := &SnapshotStore{
		client: client,
		bucket: cfg.Bucket,
		cfg:    cfg,
		logger: zap.L().Named("snapshot-store"),
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("enroll: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("enroll: create bucket: %w", err)
		}
		s.logger.Info("created snapshot bucket", zap.String("bucket", cfg.Bucket))
	}
	return s, nil
}

// PutSnapshot uploads one JPEG under key, retrying transient failures.
func (s *SnapshotStore) PutSnapshot(ctx context.Context, key string, jpegData []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = 250 * time.Millisecond
	ebo.MaxInterval = 3 * time.Second

	op := func() error {
		_, err := s.client.PutObject(ctx, s.bucket, key,
			bytes.NewReader(jpegData), int64(len(jpegData)),
			minio.PutObjectOptions{ContentType: "image/jpeg"})
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(ebo, s.cfg.MaxRetries), ctx)); err != nil {
		return fmt.Errorf("enroll: upload %s: %w", key, err)
	}

	s.logger.Debug("snapshot uploaded",
		zap.String("key", key), zap.Int("size", len(jpegData)))
	return nil
}
