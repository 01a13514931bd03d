// Package archive mirrors a finished job's output directory to MinIO,
// an optional post-job step the scheduler/controller do not depend on.
// Adapted from the teacher's storage.MinIOStore: same client/bucket
// wrapper and fmt.Errorf wrapping, repurposed from a single-object
// frame store to a recursive directory walk-and-upload.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/joda/imagec/internal/config"
)

// Mirror uploads a job's output tree to an S3-compatible bucket.
type Mirror struct {
	client *minio.Client
	bucket string
}

// NewMirror constructs a Mirror from cfg. Returns (nil, nil) when the
// mirror is disabled, so callers can unconditionally hold a *Mirror and
// check for nil rather than branching on cfg.Enabled everywhere.
func NewMirror(cfg config.MinIOConfig) (*Mirror, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Mirror{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the configured bucket if it does not exist.
func (m *Mirror) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	return nil
}

// MirrorJobOutput walks jobOutputDir and uploads every file under it,
// keyed by jobID/<path relative to jobOutputDir>.
func (m *Mirror) MirrorJobOutput(ctx context.Context, jobID, jobOutputDir string) error {
	return filepath.WalkDir(jobOutputDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		key, err := objectKey(jobID, jobOutputDir, p)
		if err != nil {
			return err
		}
		return m.putFile(ctx, key, p)
	})
}

// objectKey derives the bucket key for a file at path under
// jobOutputDir: jobID/<path relative to jobOutputDir>, slash-separated.
func objectKey(jobID, jobOutputDir, path string) (string, error) {
	rel, err := filepath.Rel(jobOutputDir, path)
	if err != nil {
		return "", fmt.Errorf("relativize %s: %w", path, err)
	}
	return fmt.Sprintf("%s/%s", jobID, filepath.ToSlash(rel)), nil
}

func (m *Mirror) putFile(ctx context.Context, key, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return m.PutObject(ctx, key, data, contentType)
}

// PutObject uploads data to the bucket under key.
func (m *Mirror) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}
