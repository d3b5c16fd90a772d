package images

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lehigh-university-libraries/labasset/internal/models"
)

// FileSource loads an image from disk
type FileSource struct {
	Path   string
	Limits Limits
}

// Acquire reads and validates the file.
func (f *FileSource) Acquire(ctx context.Context) (*models.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	img, err := Normalize(data, filepath.Base(f.Path), f.Limits)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Path, err)
	}
	img.Path = f.Path
	return img, nil
}

// Release is a no-op.
func (f *FileSource) Release() error {
	return nil
}

// BytesSource wraps an uploaded payload
type BytesSource struct {
	Data     []byte
	Filename string
	Limits   Limits
}

// Acquire validates the payload.
func (b *BytesSource) Acquire(ctx context.Context) (*models.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Normalize(b.Data, filepath.Base(b.Filename), b.Limits)
}

// Release is a no-op.
func (b *BytesSource) Release() error {
	return nil
}
