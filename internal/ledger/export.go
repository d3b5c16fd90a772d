package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lehigh-university-libraries/labasset/internal/models"
	"github.com/parquet-go/parquet-go"
	"gopkg.in/yaml.v3"
)

// exportRow is the flat parquet schema of a ledger entry.
type exportRow struct {
	RecordID   int64  `parquet:"record_id"`
	Title      string `parquet:"title"`
	TemplateID int64  `parquet:"template_id"`
	ImagePath  string `parquet:"image_path,optional"`
	RecordURL  string `parquet:"record_url,optional"`
	LabelPath  string `parquet:"label_path,optional"`
	CreatedAt  string `parquet:"created_at"`
	UpdatedAt  string `parquet:"updated_at"`
}

// Export writes entries to path. The format follows the extension:
// .parquet, .yaml/.yml, or .json.
func Export(path string, entries []models.LedgerEntry) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create export dir: %w", err)
		}
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".parquet":
		rows := make([]exportRow, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, exportRow{
				RecordID:   int64(e.RecordID),
				Title:      e.Title,
				TemplateID: int64(e.TemplateID),
				ImagePath:  e.ImagePath,
				RecordURL:  e.RecordURL,
				LabelPath:  e.LabelPath,
				CreatedAt:  e.CreatedAt.UTC().Format(time.RFC3339),
				UpdatedAt:  e.UpdatedAt.UTC().Format(time.RFC3339),
			})
		}
		if err := parquet.WriteFile(path, rows); err != nil {
			return fmt.Errorf("write parquet: %w", err)
		}
		return nil
	case ".yaml", ".yml":
		data, err := yaml.Marshal(entries)
		if err != nil {
			return fmt.Errorf("failed to marshal YAML: %w", err)
		}
		return os.WriteFile(path, data, 0o644)
	case ".json":
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		return os.WriteFile(path, append(data, '\n'), 0o644)
	default:
		return fmt.Errorf("unsupported export format %q", ext)
	}
}
