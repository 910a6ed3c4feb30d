// Package archive provides content-addressed storage for evidence bundles.
// Every blob is addressed by its SHA-256 ("sha256:<hex>"), which makes
// writes idempotent and lets a verifier check a downloaded bundle against
// its reference offline.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Store is the contract for content-addressed evidence storage.
type Store interface {
	// Store persists data and returns its content reference ("sha256:<hex>").
	Store(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by its content reference.
	Get(ctx context.Context, ref string) ([]byte, error)
	// Exists reports whether a blob exists for the reference.
	Exists(ctx context.Context, ref string) (bool, error)
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, ref string) error
}

// Config selects and parameterizes a backend.
type Config struct {
	// Type is "fs", "s3", or "gcs".
	Type string
	// Dir is the base directory for the fs backend.
	Dir string

	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string

	GCSBucket string
	GCSPrefix string
}

// New builds the Store named by cfg.Type. GCS support requires a build with
// the gcp tag.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", "fs":
		return NewFileStore(cfg.Dir)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("archive: s3 backend requires a bucket")
		}
		return NewS3Store(ctx, cfg)
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("archive: gcs backend requires a bucket")
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("archive: unsupported storage type %q", cfg.Type)
	}
}

// refHash computes the content reference for data.
func refHash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// parseRef validates a content reference and returns the raw hex digest.
func parseRef(ref string) (string, error) {
	raw, ok := strings.CutPrefix(ref, "sha256:")
	if !ok {
		return "", fmt.Errorf("archive: invalid reference format: %s", ref)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("archive: invalid reference hex: %w", err)
	}
	return raw, nil
}
