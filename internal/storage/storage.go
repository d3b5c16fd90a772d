package storage

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lehigh-university-libraries/labasset/internal/models"
)

// ImageStore keeps acquired images on disk, named by content hash
type ImageStore struct {
	dir string
}

// New creates a store rooted at dir.
func New(dir string) *ImageStore {
	if dir == "" {
		dir = "images"
	}
	return &ImageStore{dir: dir}
}

// Dir is the directory images are written to.
func (s *ImageStore) Dir() string {
	return s.dir
}

// Save writes img and returns its path. Saving identical content twice
// returns the same path without rewriting the file.
func (s *ImageStore) Save(img models.Image) (string, error) {
	if len(img.Data) == 0 {
		return "", errors.New("no image data to save")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create image dir: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(img.Filename))
	if ext == "" {
		ext = ".jpg"
	}
	path := filepath.Join(s.dir, CalculateDataMD5(img.Data)+ext)

	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, img.Data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write image: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to store image: %w", err)
	}
	return path, nil
}

// CalculateDataMD5 returns the hex MD5 of data
func CalculateDataMD5(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
