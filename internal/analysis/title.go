package analysis

import (
	"strings"

	"github.com/lehigh-university-libraries/labasset/internal/models"
)

// UntitledAsset is the title used when no field names the asset.
const UntitledAsset = "Untitled Asset"

// DeriveTitle picks the display title. summary.asset_name wins outright,
// then the flat name fields in priority order.
func DeriveTitle(fields models.Fields) string {
	if summary, ok := summaryOf(fields); ok {
		if v, ok := usable(summary["asset_name"]); ok {
			return v
		}
	}
	for _, k := range nameKeys {
		if v, ok := usable(fields[k]); ok {
			return v
		}
	}
	return UntitledAsset
}

func summaryOf(fields models.Fields) (map[string]any, bool) {
	switch s := fields["summary"].(type) {
	case map[string]any:
		return s, true
	case models.Fields:
		return s, true
	default:
		return nil, false
	}
}

func usable(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "unknown") {
		return "", false
	}
	return s, true
}
