// Package storage archives raw message bytes in S3-compatible object storage,
// content-addressed by their BLAKE3 hash.
package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
	"lukechampine.com/blake3"

	"inviteflow/pkg/config"
)

// S3Archive stores raw messages keyed by content hash.
type S3Archive struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// New returns nil, nil when no endpoint is configured.
func New(cfg config.StorageConfig, logger *zap.Logger) (*S3Archive, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	logger.Info("Raw message archive enabled", zap.String("endpoint", cfg.Endpoint), zap.String("bucket", cfg.Bucket))
	return &S3Archive{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

// Key returns the content address of raw.
func Key(raw []byte) string {
	sum := blake3.Sum256(raw)
	return "raw/" + hex.EncodeToString(sum[:])
}

// Put uploads raw unless an object with the same hash already exists.
func (s *S3Archive) Put(ctx context.Context, raw []byte) (string, error) {
	key := Key(raw)

	exists, err := s.exists(ctx, key)
	if err != nil {
		return "", err
	}
	if exists {
		return key, nil
	}

	start := time.Now()
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{
		ContentType:    "message/rfc822",
		SendContentMd5: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", key, err)
	}

	s.logger.Debug("Archived raw message", zap.String("key", key), zap.Int("size", len(raw)), zap.Duration("took", time.Since(start)))
	return key, nil
}

func (s *S3Archive) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}

	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) && minioErr.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object %s: %w", key, err)
}
