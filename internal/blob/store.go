// Package blob stores attachment content referenced by outbox rows.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrObjectNotFound = errors.New("blob object not found")
	ErrObjectTooLarge = errors.New("blob object exceeds size limit")
	ErrInvalidKey     = errors.New("invalid blob key")
)

// DefaultMaxObjectBytes caps a single attachment. SES rejects raw messages
// above 10MB, so larger attachments could never be delivered anyway.
const DefaultMaxObjectBytes int64 = 10 * 1024 * 1024

// Store reads attachment content. Objects are written by the uploader that
// creates outbox rows, not by this service.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

type Config struct {
	Backend           string
	FSRoot            string
	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3ForcePathStyle  bool
	MaxObjectBytes    int64
}

func NewFromConfig(ctx context.Context, cfg Config) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = "filesystem"
	}

	switch backend {
	case "filesystem", "fs", "local":
		return NewFilesystemStore(cfg.FSRoot, cfg.MaxObjectBytes)
	case "s3", "r2", "minio":
		return NewS3Store(ctx, S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			ForcePathStyle:  cfg.S3ForcePathStyle,
			MaxObjectBytes:  cfg.MaxObjectBytes,
		})
	default:
		return nil, fmt.Errorf("unsupported blob backend: %s", backend)
	}
}

func normalizeKey(key string) (string, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	if key == "" {
		return "", ErrInvalidKey
	}
	return key, nil
}

func maxBytesOrDefault(n int64) int64 {
	if n <= 0 {
		return DefaultMaxObjectBytes
	}
	return n
}
