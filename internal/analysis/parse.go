package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lehigh-university-libraries/labasset/internal/models"
)

var (
	// ErrEmptyResponse is returned for blank model output.
	ErrEmptyResponse = errors.New("empty analysis response")
	// ErrNoFields is returned when nothing in the output could be read as a field.
	ErrNoFields = errors.New("no fields found in analysis response")
)

// PlaceholderName is injected when line-oriented output names nothing.
const PlaceholderName = "unknown"

// nameKeys are the flat fields that count as naming the asset.
var nameKeys = []string{
	"name",
	"asset_name",
	"chemical_name",
	"equipment_name",
	"reagent_name",
	"product_name",
	"title",
}

// ParseResponse turns model output into fields. JSON is preferred, either
// the whole text or the outermost braces inside prose. Anything else is
// read as "key: value" lines.
func ParseResponse(text string) (models.Fields, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, ErrEmptyResponse
	}

	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		if fields, ok := decodeObject(trimmed); ok {
			return checkFailure(fields)
		}
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		if fields, ok := decodeObject(trimmed[start : end+1]); ok {
			return checkFailure(fields)
		}
	}

	fields := parseLines(trimmed)
	if len(fields) == 0 {
		return nil, ErrNoFields
	}
	if !hasName(fields) {
		fields["asset_name"] = PlaceholderName
	}
	return checkFailure(fields)
}

// ParseObject decodes operator-edited text, which must be a JSON object.
func ParseObject(text string) (models.Fields, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, ErrEmptyResponse
	}
	var fields models.Fields
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if fields == nil {
		return nil, errors.New("invalid JSON: expected an object")
	}
	return fields, nil
}

func decodeObject(s string) (models.Fields, bool) {
	var fields models.Fields
	if err := json.Unmarshal([]byte(s), &fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}

// checkFailure treats {"error": ...} as the model reporting failure.
func checkFailure(fields models.Fields) (models.Fields, error) {
	if msg, ok := fields["error"]; ok && len(fields) == 1 {
		return nil, fmt.Errorf("model reported error: %v", msg)
	}
	return fields, nil
}

func parseLines(text string) models.Fields {
	fields := models.Fields{}
	for _, line := range strings.Split(text, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), " ", "_")
		if key == "" {
			continue
		}
		fields[key] = strings.TrimSpace(value)
	}
	return fields
}

func hasName(fields models.Fields) bool {
	if summary, ok := fields["summary"].(map[string]any); ok {
		if _, ok := summary["asset_name"]; ok {
			return true
		}
	}
	for _, k := range nameKeys {
		if _, ok := fields[k]; ok {
			return true
		}
	}
	return false
}
