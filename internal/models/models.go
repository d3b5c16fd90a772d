package models

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// Fields is the structured description of an asset, keyed by field name.
// Values are whatever JSON decoding yields: strings, numbers, bools, []any or map[string]any.
type Fields map[string]any

// Clone returns a deep copy so callers can't mutate a draft through a snapshot.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

// Strings reads key as a list of strings. A single string value is split on commas.
func (f Fields) Strings(key string) []string {
	var out []string
	switch v := f[key].(type) {
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case []string:
		out = append(out, v...)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = cloneValue(inner)
		}
		return m
	case Fields:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, inner := range t {
			s[i] = cloneValue(inner)
		}
		return s
	default:
		return v
	}
}

// Image is an acquired still image
type Image struct {
	Data     []byte `json:"-"`
	Filename string `json:"filename"`
	MIMEType string `json:"mime_type"`
	Path     string `json:"path,omitempty"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// Template is an eLabFTW item type used to steer analysis
type Template struct {
	ID       int    `json:"id"`
	Title    string `json:"title"`
	Body     string `json:"body,omitempty"`
	Color    string `json:"color,omitempty"`
	Category string `json:"category,omitempty"`
}

// Schema returns the template body with markup removed.
func (t Template) Schema() string {
	return strings.Join(TextLines(t.Body), "\n")
}

// TextLines returns the non-blank text nodes of an HTML fragment.
func TextLines(markup string) []string {
	if strings.TrimSpace(markup) == "" {
		return nil
	}

	var lines []string
	z := html.NewTokenizer(strings.NewReader(markup))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return lines
		case html.TextToken:
			text := strings.TrimSpace(string(z.Text()))
			if text != "" {
				lines = append(lines, text)
			}
		}
	}
}

// Describe renders the template as the structure description handed to the vision model.
func (t Template) Describe() string {
	schema := t.Schema()
	if schema == "" {
		schema = "Provide the name, type, and any visible details of the asset."
	}
	return fmt.Sprintf("Template name: %s\nTemplate structure:\n%s\n\nPlease provide asset information in JSON format based on the above structure.", t.Title, schema)
}

// NewRecord is the payload for creating an inventory record
type NewRecord struct {
	CategoryID int
	Title      string
	Fields     Fields
	Tags       []string
}

// Record is an item stored in the inventory system
type Record struct {
	ID       int            `json:"id"`
	Title    string         `json:"title"`
	Body     string         `json:"body,omitempty"`
	Category string         `json:"category,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Date     string         `json:"date,omitempty"`
}

// LedgerEntry is the local history row kept for every committed asset
type LedgerEntry struct {
	RecordID   int       `json:"record_id" yaml:"record_id"`
	Title      string    `json:"title" yaml:"title"`
	TemplateID int       `json:"template_id" yaml:"template_id"`
	ImagePath  string    `json:"image_path,omitempty" yaml:"image_path,omitempty"`
	RecordURL  string    `json:"record_url,omitempty" yaml:"record_url,omitempty"`
	LabelPath  string    `json:"label_path,omitempty" yaml:"label_path,omitempty"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" yaml:"updated_at"`
}
