package images

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/lehigh-university-libraries/labasset/internal/models"
)

const maxDownloadBytes = 32 << 20

// URLSource downloads an image over HTTP
type URLSource struct {
	URL        string
	Limits     Limits
	HTTPClient *http.Client
}

// NewURLSource creates a source with a 30 second timeout
func NewURLSource(rawURL string, lim Limits) *URLSource {
	return &URLSource{
		URL:    rawURL,
		Limits: lim,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Acquire downloads and validates the image.
func (u *URLSource) Acquire(ctx context.Context) (*models.Image, error) {
	parsed, err := url.Parse(u.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("invalid image URL %q", u.URL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	client := u.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}

	filename := path.Base(parsed.Path)
	if filename == "." || filename == "/" {
		filename = ""
	}
	img, err := Normalize(data, filename, u.Limits)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", u.URL, err)
	}
	return img, nil
}

// Release is a no-op.
func (u *URLSource) Release() error {
	return nil
}
