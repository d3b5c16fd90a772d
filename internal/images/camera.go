package images

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/lehigh-university-libraries/labasset/internal/config"
	"github.com/lehigh-university-libraries/labasset/internal/models"
)

// ErrCameraBusy is returned when another process holds the capture device.
var ErrCameraBusy = errors.New("camera is in use by another process")

var commandContext = exec.CommandContext

// CameraSource captures stills by running an external capture command.
// The device lock is held from the first Acquire until Release.
type CameraSource struct {
	cfg    config.Camera
	limits Limits
	logger *slog.Logger

	mu     sync.Mutex
	lock   *flock.Flock
	locked bool
}

// NewCamera creates a camera source for cfg.
func NewCamera(cfg config.Camera, logger *slog.Logger) *CameraSource {
	if logger == nil {
		logger = slog.Default()
	}
	w, h := cfg.Size()
	return &CameraSource{
		cfg:    cfg,
		limits: Limits{MaxWidth: w, MaxHeight: h},
		logger: logger.With("component", "camera", "device", cfg.Device),
		lock:   flock.New(lockPath(cfg.Device)),
	}
}

// Open claims the device without capturing.
func (c *CameraSource) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claim()
}

func (c *CameraSource) claim() error {
	if c.locked {
		return nil
	}
	ok, err := c.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire camera lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrCameraBusy, c.cfg.Device)
	}
	c.locked = true
	c.logger.Debug("Camera claimed", "lock", c.lock.Path())
	return nil
}

// Acquire waits capture_delay, runs the capture command and reads the frame.
func (c *CameraSource) Acquire(ctx context.Context) (*models.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.claim(); err != nil {
		return nil, err
	}
	if len(c.cfg.Command) == 0 {
		return nil, errors.New("camera capture command not configured")
	}

	if c.cfg.CaptureDelay > 0 {
		timer := time.NewTimer(time.Duration(c.cfg.CaptureDelay) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	dir, err := os.MkdirTemp("", "labasset-capture-")
	if err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}
	defer os.RemoveAll(dir)

	output := filepath.Join(dir, "capture.jpg")
	args := c.expand(output)

	start := time.Now()
	cmd := commandContext(ctx, args[0], args[1:]...) //nolint:gosec
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("capture command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	data, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("capture produced no image: %w", err)
	}
	img, err := Normalize(data, fmt.Sprintf("capture_%d.jpg", time.Now().Unix()), c.limits)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Image captured", "size", len(img.Data), "width", img.Width, "height", img.Height, "duration", time.Since(start))
	return img, nil
}

// CameraStatus describes the capture device as seen by this process.
type CameraStatus struct {
	Device       string `json:"device"`
	Claimed      bool   `json:"claimed"`
	Ready        bool   `json:"ready"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	CaptureDelay int    `json:"capture_delay"`
	Error        string `json:"error,omitempty"`
}

// Status reports whether the device is claimed and a capture command is set.
func (c *CameraSource) Status() CameraStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, h := c.cfg.Size()
	return CameraStatus{
		Device:       c.cfg.Device,
		Claimed:      c.locked,
		Ready:        c.locked && len(c.cfg.Command) > 0,
		Width:        w,
		Height:       h,
		CaptureDelay: c.cfg.CaptureDelay,
	}
}

// Release frees the device lock.
func (c *CameraSource) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.locked {
		return nil
	}
	c.locked = false
	if err := c.lock.Unlock(); err != nil {
		return fmt.Errorf("release camera lock: %w", err)
	}
	return nil
}

func (c *CameraSource) expand(output string) []string {
	w, h := c.cfg.Size()
	r := strings.NewReplacer(
		"{device}", c.cfg.Device,
		"{width}", strconv.Itoa(w),
		"{height}", strconv.Itoa(h),
		"{output}", output,
	)
	args := make([]string, len(c.cfg.Command))
	for i, a := range c.cfg.Command {
		args[i] = r.Replace(a)
	}
	return args
}

func lockPath(device string) string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' {
			return '_'
		}
		return r
	}, strings.Trim(device, "/"))
	if name == "" {
		name = "camera"
	}
	return filepath.Join(os.TempDir(), "labasset-"+name+".lock")
}
