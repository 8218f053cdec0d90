package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/tendant/simple-snapshot-pipeline/pkg/pipeline"
)

// DirectoryUploader writes each snapshot to a timestamped file in a local directory
type DirectoryUploader struct {
	baseDir string
	now     func() time.Time
	logger  *slog.Logger
}

// NewDirectoryUploader creates the directory if needed
func NewDirectoryUploader(baseDir string, logger *slog.Logger) (*DirectoryUploader, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("uploader: directory is required")
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectoryUploader{
		baseDir: baseDir,
		now:     time.Now,
		logger:  logger.With("component", "directory-uploader"),
	}, nil
}

// Upload implements Uploader
func (d *DirectoryUploader) Upload(ctx context.Context, blob *pipeline.EncodedBlob) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	if blob.Len() == 0 {
		return fmt.Errorf("%w: empty blob", ErrUploadFailed)
	}

	name := d.now().UTC().Format("20060102T150405.000000000Z") + extensionFor(blob.ContentType)
	path := filepath.Join(d.baseDir, name)

	// readers never see a partially written snapshot
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob.Data, 0644); err != nil {
		return fmt.Errorf("%w: failed to write file: %w", ErrUploadFailed, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: failed to rename file: %w", ErrUploadFailed, err)
	}

	d.logger.Info("snapshot written", "path", path, "bytes", blob.Len())
	return nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "":
		return ".bin"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
