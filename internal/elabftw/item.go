package elabftw

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/lehigh-university-libraries/labasset/internal/models"
)

// item is the wire form of an eLabFTW item. Tags and metadata arrive in more
// than one shape depending on the server version.
type item struct {
	ID            int             `json:"id"`
	Title         string          `json:"title"`
	Body          string          `json:"body"`
	Category      json.RawMessage `json:"category"`
	CategoryTitle string          `json:"category_title"`
	Tags          json.RawMessage `json:"tags"`
	Metadata      json.RawMessage `json:"metadata"`
	Date          string          `json:"date"`
	CreatedAt     string          `json:"created_at"`
}

func (it item) record() models.Record {
	rec := models.Record{
		ID:       it.ID,
		Title:    it.Title,
		Body:     it.Body,
		Category: it.CategoryTitle,
		Tags:     decodeTags(it.Tags),
		Metadata: decodeMetadata(it.Metadata),
		Date:     it.Date,
	}
	if rec.Category == "" {
		rec.Category = rawScalar(it.Category)
	}
	if rec.Date == "" {
		rec.Date = it.CreatedAt
	}
	return rec
}

// decodeTags accepts ["a","b"] or "a|b".
func decodeTags(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}

	var joined string
	if err := json.Unmarshal(raw, &joined); err != nil || joined == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(joined, "|") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// decodeMetadata accepts an object or a JSON string holding one.
func decodeMetadata(raw json.RawMessage) map[string]any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		return m
	}

	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil || encoded == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(encoded), &m); err != nil {
		return nil
	}
	return m
}

func rawScalar(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return ""
}
