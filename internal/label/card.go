package label

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fogleman/gg"
	"github.com/lehigh-university-libraries/labasset/internal/models"
	"github.com/skip2/go-qrcode"
)

const (
	cardWidth  = 400
	cardHeight = 200
	cardCode   = 160
	cardMargin = 10
	lineHeight = 20
)

// RenderCard writes a wider shelf label: the QR code on the right, the
// title, id, category and the first lines of the record body on the left.
func (r *Renderer) RenderCard(rec models.Record) (string, error) {
	if rec.ID <= 0 {
		return "", fmt.Errorf("label requires a record id")
	}

	qr, err := qrcode.New(r.URL(rec.ID), qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code: %w", err)
	}

	dc := gg.NewContext(cardWidth, cardHeight)
	dc.SetColor(color.White)
	dc.Clear()
	dc.DrawImage(qr.Image(cardCode), cardWidth-cardCode-cardMargin, (cardHeight-cardCode)/2)

	textWidth := float64(cardWidth - cardCode - 3*cardMargin)
	lines := []string{
		strings.TrimSpace(rec.Title),
		"ID: " + strconv.Itoa(rec.ID),
	}
	if rec.Category != "" {
		lines = append(lines, "Category: "+rec.Category)
	}
	lines = append(lines, models.TextLines(rec.Body)...)

	r.mu.Lock()
	dc.SetFontFace(r.face)
	dc.SetColor(color.Black)
	y := float64(cardMargin + lineHeight)
	for _, line := range lines {
		if y > cardHeight-cardMargin {
			break
		}
		dc.DrawString(fitCaption(dc, line, textWidth), cardMargin, y)
		y += lineHeight
	}
	r.mu.Unlock()

	if err := os.MkdirAll(r.outDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create label dir: %w", err)
	}
	name := strings.TrimSuffix(Filename(rec.Title, rec.ID), ".png") + "_label.png"
	out := filepath.Join(r.outDir, name)
	if err := dc.SavePNG(out); err != nil {
		return "", fmt.Errorf("failed to write label: %w", err)
	}

	r.logger.Info("Label card rendered", "record_id", rec.ID, "path", out)
	return out, nil
}
