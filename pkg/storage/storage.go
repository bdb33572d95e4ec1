package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/feichai0017/certificate-extractor/config"
	"github.com/feichai0017/certificate-extractor/pkg/logger"
	"github.com/feichai0017/certificate-extractor/pkg/storage/minio"
	"github.com/feichai0017/certificate-extractor/pkg/storage/s3"
)

type StorageType string

const (
	StorageTypeS3    StorageType = "s3"
	StorageTypeMinio StorageType = "minio"
)

// IsNotFound reports whether err means the key does not exist in either
// backend.
func IsNotFound(err error) bool {
	return errors.Is(err, s3.ErrNotFound) || errors.Is(err, minio.ErrNotFound)
}

// Storage keeps uploaded certificates and extraction results.
type Storage interface {
	Store(ctx context.Context, reader io.Reader, key string) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// CleanupBefore removes objects last modified before threshold and
	// returns how many were removed.
	CleanupBefore(ctx context.Context, threshold time.Time) (int, error)
}

// NewStorage builds the backend selected by cfg.Type.
func NewStorage(ctx context.Context, cfg config.StorageConfig, log logger.Logger) (Storage, error) {
	switch StorageType(cfg.Type) {
	case StorageTypeS3:
		return s3.NewS3Storage(ctx, cfg.S3, log)
	case StorageTypeMinio:
		return minio.NewMinioStorage(ctx, cfg.Minio, log)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// UploadKey is where the original upload of a task is kept.
func UploadKey(taskID, filename string) string {
	return path.Join("uploads", taskID, path.Base(filename))
}

// ResultKey is where the extraction result of a task is kept.
func ResultKey(taskID string) string {
	return path.Join("results", taskID+".json")
}
