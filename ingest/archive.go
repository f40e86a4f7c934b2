package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"

	"github.com/ammoindex/datafeed/model"
)

// Archive persists the raw downloaded bytes of each run for replay and
// debugging. Archival is best-effort: callers warn-log failures and never
// fail the run over them.
type Archive interface {
	Put(ctx context.Context, key string, data []byte) error
}

// ObjectKey is the archive location of one run's raw download.
func ObjectKey(feedID, runID int64, compression model.Compression) string {
	var ext = ".csv"
	if compression == model.CompressionGzip {
		ext = ".csv.gz"
	}
	return fmt.Sprintf("feeds/%d/%d%s", feedID, runID, ext)
}

// GCSArchive writes run payloads into a GCS bucket.
type GCSArchive struct {
	bucket *storage.BucketHandle
}

func NewGCSArchive(client *storage.Client, bucket string) *GCSArchive {
	return &GCSArchive{bucket: client.Bucket(bucket)}
}

func (a *GCSArchive) Put(ctx context.Context, key string, data []byte) error {
	var w = a.bucket.Object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("writing archive object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing archive object %s: %w", key, err)
	}
	return nil
}

// DirArchive writes run payloads under a local directory, for development
// and tests.
type DirArchive struct {
	Root string
}

func (a DirArchive) Put(_ context.Context, key string, data []byte) error {
	var path = filepath.Join(a.Root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing archive file %s: %w", path, err)
	}
	return nil
}

// NopArchive discards payloads; used when archiving is not configured.
type NopArchive struct{}

func (NopArchive) Put(context.Context, string, []byte) error { return nil }
