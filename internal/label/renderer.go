package label

import (
	"errors"
	"fmt"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/lehigh-university-libraries/labasset/internal/config"
	"github.com/skip2/go-qrcode"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

const (
	defaultCodeSize      = 256
	defaultCaptionHeight = 30
	defaultFontSize      = 16
	captionPadding       = 8
	ellipsis             = "..."
)

// Renderer draws QR labels that link back to inventory records
type Renderer struct {
	baseURL       string
	viewPath      string
	outDir        string
	codeSize      int
	captionHeight int
	logger        *slog.Logger

	// font.Face caches glyphs and is not safe for concurrent use
	mu   sync.Mutex
	face font.Face
}

// New builds a renderer from settings.
func New(elab config.ELabFTW, storage config.Storage, cfg config.Label, logger *slog.Logger) (*Renderer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.FontSize
	if size <= 0 {
		size = defaultFontSize
	}
	face, err := loadFontFace(cfg.FontPath, size)
	if err != nil {
		return nil, err
	}

	r := &Renderer{
		baseURL:       strings.TrimRight(elab.BaseURL(), "/"),
		viewPath:      strings.TrimLeft(elab.ViewPath, "/"),
		outDir:        storage.QRCodeDir,
		codeSize:      cfg.CodeSize,
		captionHeight: cfg.CaptionHeight,
		face:          face,
		logger:        logger.With("component", "label"),
	}
	if r.viewPath == "" {
		r.viewPath = "database.php?mode=view"
	}
	if r.outDir == "" {
		r.outDir = "qrcodes"
	}
	if r.codeSize <= 0 {
		r.codeSize = defaultCodeSize
	}
	if r.captionHeight <= 0 {
		r.captionHeight = defaultCaptionHeight
	}
	return r, nil
}

// Dir is where labels are written.
func (r *Renderer) Dir() string {
	return r.outDir
}

// URL is the link encoded for recordID.
func (r *Renderer) URL(recordID int) string {
	sep := "?"
	if strings.Contains(r.viewPath, "?") {
		sep = "&"
	}
	return r.baseURL + "/" + r.viewPath + sep + "id=" + strconv.Itoa(recordID)
}

// Render writes the label PNG for a record and returns its path.
func (r *Renderer) Render(recordID int, title string) (string, error) {
	if recordID <= 0 {
		return "", errors.New("label requires a record id")
	}

	qr, err := qrcode.New(r.URL(recordID), qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code: %w", err)
	}

	size := r.codeSize
	dc := gg.NewContext(size, size+r.captionHeight)
	dc.SetColor(color.White)
	dc.Clear()
	dc.DrawImage(qr.Image(size), 0, 0)

	r.mu.Lock()
	dc.SetFontFace(r.face)
	caption := fitCaption(dc, strings.TrimSpace(title), float64(size-2*captionPadding))
	dc.SetColor(color.Black)
	dc.DrawStringAnchored(caption, float64(size)/2, float64(size)+float64(r.captionHeight)/2, 0.5, 0.5)
	r.mu.Unlock()

	if err := os.MkdirAll(r.outDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create label dir: %w", err)
	}
	out := filepath.Join(r.outDir, Filename(title, recordID))
	if err := dc.SavePNG(out); err != nil {
		return "", fmt.Errorf("failed to write label: %w", err)
	}

	r.logger.Info("Label rendered", "record_id", recordID, "path", out)
	return out, nil
}

// Filename is "<sanitized title>_<id>.png", or "asset_<id>.png" when nothing usable remains.
func Filename(title string, recordID int) string {
	name := Sanitize(title)
	if name == "" {
		name = "asset"
	}
	return fmt.Sprintf("%s_%d.png", name, recordID)
}

// Sanitize keeps letters, digits, space, underscore and hyphen.
func Sanitize(title string) string {
	var sb strings.Builder
	for _, r := range title {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '_' || r == '-' {
			sb.WriteRune(r)
		}
	}
	return strings.TrimSpace(sb.String())
}

type measurer interface {
	MeasureString(s string) (float64, float64)
}

// fitCaption truncates s with an ellipsis until it fits in maxWidth.
func fitCaption(m measurer, s string, maxWidth float64) string {
	if w, _ := m.MeasureString(s); w <= maxWidth {
		return s
	}
	runes := []rune(s)
	for len(runes) > 0 {
		runes = runes[:len(runes)-1]
		candidate := strings.TrimRightFunc(string(runes), unicode.IsSpace) + ellipsis
		if w, _ := m.MeasureString(candidate); w <= maxWidth {
			return candidate
		}
	}
	return ellipsis
}

func loadFontFace(fontPath string, size float64) (font.Face, error) {
	fontBytes := goregular.TTF
	if strings.TrimSpace(fontPath) != "" {
		data, err := os.ReadFile(fontPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read font file: %w", err)
		}
		fontBytes = data
	}
	parsedFont, err := truetype.Parse(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TTF: %w", err)
	}
	return truetype.NewFace(parsedFont, &truetype.Options{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingNone,
	}), nil
}
