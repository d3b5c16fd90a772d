package images

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"path/filepath"
	"strings"

	_ "image/gif"
	_ "image/png"

	"github.com/lehigh-university-libraries/labasset/internal/models"
	"golang.org/x/image/draw"
)

var (
	// ErrEmpty is returned when a source yields no bytes.
	ErrEmpty = errors.New("image is empty")
	// ErrNotImage is returned when the payload is not a decodable image.
	ErrNotImage = errors.New("payload is not a supported image")
)

// Source acquires a single still image. Release frees whatever the source
// holds open; the owner of the source calls it, not the consumer.
type Source interface {
	Acquire(ctx context.Context) (*models.Image, error)
	Release() error
}

// Limits bounds the size of acquired images. Zero means unbounded.
type Limits struct {
	MaxWidth  int
	MaxHeight int
}

// Normalize validates data as an image and downscales it to fit lim.
// Images that are resized are re-encoded as JPEG.
func Normalize(data []byte, filename string, lim Limits) (*models.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}

	img := &models.Image{
		Data:     data,
		Filename: filename,
		MIMEType: "image/" + format,
		Width:    cfg.Width,
		Height:   cfg.Height,
	}
	if img.Filename == "" {
		img.Filename = "image." + extension(format)
	}

	w, h, resize := fit(cfg.Width, cfg.Height, lim)
	if !resize {
		return img, nil
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode resized image: %w", err)
	}

	img.Data = buf.Bytes()
	img.MIMEType = "image/jpeg"
	img.Width, img.Height = w, h
	img.Filename = strings.TrimSuffix(img.Filename, filepath.Ext(img.Filename)) + ".jpg"
	return img, nil
}

// fit returns the size that keeps the aspect ratio within lim.
func fit(w, h int, lim Limits) (int, int, bool) {
	if w <= 0 || h <= 0 {
		return w, h, false
	}
	scale := 1.0
	if lim.MaxWidth > 0 && w > lim.MaxWidth {
		scale = float64(lim.MaxWidth) / float64(w)
	}
	if lim.MaxHeight > 0 && float64(h)*scale > float64(lim.MaxHeight) {
		scale = float64(lim.MaxHeight) / float64(h)
	}
	if scale >= 1.0 {
		return w, h, false
	}
	nw := max(1, int(float64(w)*scale+0.5))
	nh := max(1, int(float64(h)*scale+0.5))
	return nw, nh, true
}

func extension(format string) string {
	if format == "jpeg" {
		return "jpg"
	}
	return format
}
