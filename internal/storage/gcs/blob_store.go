// Package gcs archives artifacts in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the bucket and key prefix.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// ObjectWriterFactory opens a writer for one object. *storage.Client satisfies it through
// ClientWriter.
type ObjectWriterFactory interface {
	NewWriter(ctx context.Context, bucket, object, contentType string) io.WriteCloser
}

// ClientWriter adapts a storage client to ObjectWriterFactory.
type ClientWriter struct {
	Client *storage.Client
}

// NewWriter opens a GCS object writer.
func (c ClientWriter) NewWriter(ctx context.Context, bucket, object, contentType string) io.WriteCloser {
	w := c.Client.Bucket(bucket).Object(object).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	return w
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	writers ObjectWriterFactory
	bucket  string
	prefix  string
}

// New creates a GCS-backed archive.
func New(writers ObjectWriterFactory, cfg Config) (*BlobStore, error) {
	if writers == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{
		writers: writers,
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// PutObject uploads data and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	object := strings.TrimLeft(path, "/")
	if s.prefix != "" {
		object = s.prefix + "/" + object
	}
	writer := s.writers.NewWriter(ctx, s.bucket, object, contentType)
	if _, err := writer.Write(data); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}
