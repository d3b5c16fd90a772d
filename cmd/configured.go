package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/lehigh-university-libraries/labasset/internal/analysis"
	"github.com/lehigh-university-libraries/labasset/internal/config"
	"github.com/lehigh-university-libraries/labasset/internal/elabftw"
	"github.com/lehigh-university-libraries/labasset/internal/images"
	"github.com/lehigh-university-libraries/labasset/internal/label"
	"github.com/lehigh-university-libraries/labasset/internal/models"
	"github.com/lehigh-university-libraries/labasset/internal/storage"
)

// configuredAnalyzer selects the vision backend from the current settings.
// The service is rebuilt only when the llm section changes, so edits made
// through the API apply to the next analysis.
type configuredAnalyzer struct {
	store  *config.Store
	logger *slog.Logger

	mu  sync.Mutex
	cfg config.LLM
	svc *analysis.Service
}

func (a *configuredAnalyzer) service() (*analysis.Service, error) {
	settings, err := a.store.Settings()
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.svc != nil && a.cfg == settings.LLM {
		return a.svc, nil
	}
	svc, err := analysis.NewService(settings.LLM, a.logger)
	if err != nil {
		return nil, fmt.Errorf("configure %s provider: %w", settings.LLM.Provider, err)
	}
	a.cfg, a.svc = settings.LLM, svc
	a.logger.Info("Vision backend selected", "provider", svc.Provider(), "model", svc.Model())
	return svc, nil
}

func (a *configuredAnalyzer) Analyze(ctx context.Context, img models.Image, templateDescription, instruction string) (string, error) {
	svc, err := a.service()
	if err != nil {
		return "", err
	}
	return svc.Analyze(ctx, img, templateDescription, instruction)
}

// configuredInventory is an eLabFTW client rebuilt when the elabftw section changes.
type configuredInventory struct {
	store  *config.Store
	logger *slog.Logger

	mu     sync.Mutex
	cfg    config.ELabFTW
	client *elabftw.Client
}

func (c *configuredInventory) current() (*elabftw.Client, error) {
	settings, err := c.store.Settings()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil || c.cfg != settings.ELabFTW {
		if c.client != nil {
			c.logger.Info("eLabFTW settings changed, reconnecting", "api_url", settings.ELabFTW.APIURL)
		}
		c.cfg, c.client = settings.ELabFTW, elabftw.NewClient(settings.ELabFTW, c.logger)
	}
	return c.client, nil
}

func (c *configuredInventory) Templates(ctx context.Context) ([]models.Template, error) {
	client, err := c.current()
	if err != nil {
		return nil, err
	}
	return client.Templates(ctx)
}

func (c *configuredInventory) TemplateByID(ctx context.Context, id int) (*models.Template, error) {
	client, err := c.current()
	if err != nil {
		return nil, err
	}
	return client.TemplateByID(ctx, id)
}

func (c *configuredInventory) CreateRecord(ctx context.Context, rec models.NewRecord) (int, error) {
	client, err := c.current()
	if err != nil {
		return 0, err
	}
	return client.CreateRecord(ctx, rec)
}

func (c *configuredInventory) UpdateRecord(ctx context.Context, id int, patch map[string]any) error {
	client, err := c.current()
	if err != nil {
		return err
	}
	return client.UpdateRecord(ctx, id, patch)
}

func (c *configuredInventory) GetRecord(ctx context.Context, id int) (*models.Record, error) {
	client, err := c.current()
	if err != nil {
		return nil, err
	}
	return client.GetRecord(ctx, id)
}

func (c *configuredInventory) ListRecords(ctx context.Context, limit int) ([]models.Record, error) {
	client, err := c.current()
	if err != nil {
		return nil, err
	}
	return client.ListRecords(ctx, limit)
}

func (c *configuredInventory) AttachImage(ctx context.Context, id int, img models.Image) error {
	client, err := c.current()
	if err != nil {
		return err
	}
	return client.AttachImage(ctx, id, img)
}

func (c *configuredInventory) Info(ctx context.Context) (map[string]any, error) {
	client, err := c.current()
	if err != nil {
		return nil, err
	}
	return client.Info(ctx)
}

// labelSettings are the sections a label renderer is built from.
type labelSettings struct {
	elab    config.ELabFTW
	storage config.Storage
	label   config.Label
}

// configuredLabels is a label renderer rebuilt when the elabftw, storage or
// label section changes.
type configuredLabels struct {
	store  *config.Store
	logger *slog.Logger

	mu  sync.Mutex
	cfg labelSettings
	r   *label.Renderer
}

func (l *configuredLabels) renderer() (*label.Renderer, error) {
	settings, err := l.store.Settings()
	if err != nil {
		return nil, err
	}
	cfg := labelSettings{elab: settings.ELabFTW, storage: settings.Storage, label: settings.Label}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.r != nil && l.cfg == cfg {
		return l.r, nil
	}
	r, err := label.New(cfg.elab, cfg.storage, cfg.label, l.logger)
	if err != nil {
		return nil, err
	}
	l.cfg, l.r = cfg, r
	return r, nil
}

func (l *configuredLabels) Render(recordID int, title string) (string, error) {
	r, err := l.renderer()
	if err != nil {
		return "", err
	}
	return r.Render(recordID, title)
}

func (l *configuredLabels) RenderCard(rec models.Record) (string, error) {
	r, err := l.renderer()
	if err != nil {
		return "", err
	}
	return r.RenderCard(rec)
}

// URL returns an empty string when the settings cannot be read.
func (l *configuredLabels) URL(recordID int) string {
	r, err := l.renderer()
	if err != nil {
		l.logger.Warn("Label settings unavailable", "error", err)
		return ""
	}
	return r.URL(recordID)
}

func (l *configuredLabels) Dir() string {
	r, err := l.renderer()
	if err != nil {
		l.logger.Warn("Label settings unavailable", "error", err)
		return ""
	}
	return r.Dir()
}

// configuredImages saves into the current storage.image_dir.
type configuredImages struct {
	store *config.Store
}

func (s *configuredImages) Save(img models.Image) (string, error) {
	settings, err := s.store.Settings()
	if err != nil {
		return "", err
	}
	return storage.New(settings.Storage.ImageDir).Save(img)
}

// configuredCamera holds the capture device named by the camera section.
// A changed section releases the old device before claiming the new one.
type configuredCamera struct {
	store  *config.Store
	logger *slog.Logger

	mu  sync.Mutex
	cfg config.Camera
	cam *images.CameraSource
}

func (c *configuredCamera) current() (*images.CameraSource, config.Camera, error) {
	settings, err := c.store.Settings()
	if err != nil {
		return nil, config.Camera{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cam != nil && reflect.DeepEqual(c.cfg, settings.Camera) {
		return c.cam, settings.Camera, nil
	}
	if c.cam != nil {
		c.logger.Info("Camera settings changed, reopening", "device", settings.Camera.Device)
		if err := c.cam.Release(); err != nil {
			c.logger.Warn("Failed to release camera", "error", err)
		}
		c.cam = nil
	}
	cam := images.NewCamera(settings.Camera, c.logger)
	if err := cam.Open(); err != nil {
		return nil, settings.Camera, err
	}
	c.cfg, c.cam = settings.Camera, cam
	return cam, settings.Camera, nil
}

// Open claims the configured device.
func (c *configuredCamera) Open() error {
	_, _, err := c.current()
	return err
}

func (c *configuredCamera) Acquire(ctx context.Context) (*models.Image, error) {
	cam, _, err := c.current()
	if err != nil {
		return nil, err
	}
	return cam.Acquire(ctx)
}

func (c *configuredCamera) Status() images.CameraStatus {
	cam, cfg, err := c.current()
	if err != nil {
		w, h := cfg.Size()
		return images.CameraStatus{Device: cfg.Device, Width: w, Height: h, CaptureDelay: cfg.CaptureDelay, Error: err.Error()}
	}
	return cam.Status()
}

func (c *configuredCamera) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cam == nil {
		return nil
	}
	err := c.cam.Release()
	c.cam = nil
	return err
}
