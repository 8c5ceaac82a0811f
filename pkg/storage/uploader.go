package storage

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	objectsUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archiver_objects_uploaded_total",
		Help: "Total staged files uploaded to object storage",
	})

	uploadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archiver_upload_failures_total",
		Help: "Total staged files that failed to upload",
	})
)

// Report summarizes one Upload call.
type Report struct {
	Uploaded int
	Failed   int
	Keys     []string
}

// Uploader copies a staging directory into the object store.
type Uploader struct {
	store  ObjectStore
	bucket string
	logger zerolog.Logger
}

// NewUploader creates an Uploader writing to bucket.
func NewUploader(store ObjectStore, bucket string) *Uploader {
	return &Uploader{
		store:  store,
		bucket: bucket,
		logger: log.With().Str("component", "uploader").Str("bucket", bucket).Logger(),
	}
}

// Upload walks dir and uploads every regular file under the collection's
// namespace. A file that fails is logged and counted; the walk continues.
func (u *Uploader) Upload(ctx context.Context, collectionID, label, dir string) Report {
	var report Report

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			u.logger.Warn().Err(err).Str("path", path).Msg("Skipping unreadable entry")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() {
			return nil
		}

		key := ObjectKey(label, collectionID, d.Name())
		if err := u.uploadFile(ctx, path, key); err != nil {
			report.Failed++
			uploadFailures.Inc()
			u.logger.Warn().Err(err).
				Str("collection", collectionID).
				Str("key", key).
				Msg("Upload failed")
			return nil
		}

		report.Uploaded++
		report.Keys = append(report.Keys, key)
		objectsUploaded.Inc()
		return nil
	})
	if err != nil {
		u.logger.Warn().Err(err).Str("collection", collectionID).Msg("Upload interrupted")
	}

	u.logger.Debug().
		Str("collection", collectionID).
		Int("uploaded", report.Uploaded).
		Int("failed", report.Failed).
		Msg("Upload complete")
	return report
}

func (u *Uploader) uploadFile(ctx context.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	return u.store.PutObject(ctx, u.bucket, key, f, info.Size(), contentTypeOf(path))
}

// contentTypeOf infers the content type from the extension, sniffing the file
// when the extension is unknown.
func contentTypeOf(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	if m, err := mimetype.DetectFile(path); err == nil {
		return m.String()
	}
	return "application/octet-stream"
}
