package cmd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/lehigh-university-libraries/labasset/internal/images"
	"github.com/lehigh-university-libraries/labasset/internal/models"
)

func templatesServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/api/v2/items_types" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`[{"id": 7, "title": "Chemical"}]`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testRuntime(t *testing.T) *runtime {
	t.Helper()
	dir := t.TempDir()
	opts := &rootOptions{
		configPath: filepath.Join(dir, "config.json"),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	store, _, err := loadConfig(opts)
	if err != nil {
		t.Fatal(err)
	}
	err = store.Update(map[string]any{
		"storage": map[string]any{
			"image_dir":   filepath.Join(dir, "images"),
			"qrcode_dir":  filepath.Join(dir, "qrcodes"),
			"ledger_path": "",
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	rt, err := newRuntime(opts)
	if err != nil {
		t.Fatalf("newRuntime failed: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestInventoryFollowsConfigUpdates(t *testing.T) {
	var oldHits, newHits atomic.Int32
	oldSrv := templatesServer(t, &oldHits)
	newSrv := templatesServer(t, &newHits)

	rt := testRuntime(t)
	if err := rt.store.Set("elabftw.api_url", oldSrv.URL+"/api/v2"); err != nil {
		t.Fatal(err)
	}
	flow, err := rt.workflow()
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if _, err := flow.Templates(ctx); err != nil {
		t.Fatalf("Templates failed: %v", err)
	}
	err = rt.store.Update(map[string]any{"elabftw": map[string]any{"api_url": newSrv.URL + "/api/v2"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := flow.Templates(ctx); err != nil {
		t.Fatalf("Templates failed: %v", err)
	}

	if oldHits.Load() != 1 || newHits.Load() != 1 {
		t.Errorf("Expected one request per server, got old=%d new=%d", oldHits.Load(), newHits.Load())
	}
}

func TestLabelsFollowConfigUpdates(t *testing.T) {
	rt := testRuntime(t)
	if err := rt.store.Set("elabftw.api_url", "https://old.example.edu/api/v2"); err != nil {
		t.Fatal(err)
	}
	if got := rt.labels.URL(42); got != "https://old.example.edu/database.php?mode=view&id=42" {
		t.Errorf("unexpected URL %q", got)
	}

	err := rt.store.Update(map[string]any{"elabftw": map[string]any{
		"api_url":   "https://new.example.edu/api/v2",
		"view_path": "items.php?mode=view",
	}})
	if err != nil {
		t.Fatal(err)
	}
	if got := rt.labels.URL(42); got != "https://new.example.edu/items.php?mode=view&id=42" {
		t.Errorf("Expected URL from updated settings, got %q", got)
	}

	qrDir := filepath.Join(t.TempDir(), "moved")
	if err := rt.store.Set("storage.qrcode_dir", qrDir); err != nil {
		t.Fatal(err)
	}
	path, err := rt.labels.Render(42, "Sodium Chloride")
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if filepath.Dir(path) != qrDir || rt.labels.Dir() != qrDir {
		t.Errorf("Expected label in %s, got %s", qrDir, path)
	}
}

func TestImagesFollowConfigUpdates(t *testing.T) {
	rt := testRuntime(t)
	dir := filepath.Join(t.TempDir(), "shots")
	if err := rt.store.Set("storage.image_dir", dir); err != nil {
		t.Fatal(err)
	}

	path, err := rt.images.Save(models.Image{Data: []byte("jpeg-bytes"), Filename: "shot.jpg", MIMEType: "image/jpeg"})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("Expected image in %s, got %s", dir, path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Expected image file: %v", err)
	}
}

func TestCameraFollowsConfigUpdates(t *testing.T) {
	rt := testRuntime(t)
	first := "/dev/video-" + strings.ReplaceAll(t.Name(), "/", "_") + "-a"
	second := "/dev/video-" + strings.ReplaceAll(t.Name(), "/", "_") + "-b"
	if err := rt.store.Set("camera.device", first); err != nil {
		t.Fatal(err)
	}

	cam := &configuredCamera{store: rt.store, logger: rt.logger}
	if err := cam.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer cam.Release()

	settings, _ := rt.store.Settings()
	other := images.NewCamera(settings.Camera, nil)
	if err := other.Open(); !errors.Is(err, images.ErrCameraBusy) {
		t.Fatalf("Expected first device to be claimed, got %v", err)
	}

	if err := rt.store.Set("camera.device", second); err != nil {
		t.Fatal(err)
	}
	st := cam.Status()
	if st.Device != second || !st.Claimed {
		t.Errorf("Expected second device claimed, got %+v", st)
	}
	if err := other.Open(); err != nil {
		t.Errorf("Expected first device to be released, got %v", err)
	}
	_ = other.Release()
}

func TestParsePatch(t *testing.T) {
	got, err := parsePatch([]string{"title=Sodium Chloride (ACS)", `tags=["reagent"]`, "rating=3"})
	if err != nil {
		t.Fatalf("parsePatch failed: %v", err)
	}
	want := map[string]any{
		"title":  "Sodium Chloride (ACS)",
		"tags":   []any{"reagent"},
		"rating": float64(3),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %#v, got %#v", want, got)
	}

	for _, bad := range []string{"title", "=x"} {
		if _, err := parsePatch([]string{bad}); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

func TestParseID(t *testing.T) {
	if id, err := parseID("42"); err != nil || id != 42 {
		t.Errorf("Expected 42, got %d (%v)", id, err)
	}
	for _, bad := range []string{"0", "-1", "abc"} {
		if _, err := parseID(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}
