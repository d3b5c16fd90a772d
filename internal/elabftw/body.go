package elabftw

import (
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/lehigh-university-libraries/labasset/internal/models"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// FormatBody renders fields as the HTML body of an item. title and tags are
// stored in their own columns and left out.
func FormatBody(fields models.Fields) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == "title" || k == "tags" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("<div class='asset-details'>\n")
	for _, k := range keys {
		sb.WriteString("<div class='asset-field'>\n")
		fmt.Fprintf(&sb, "<h3>%s</h3>\n", html.EscapeString(heading(k)))
		fmt.Fprintf(&sb, "<div class='asset-value'>%s</div>\n", formatValue(fields[k]))
		sb.WriteString("</div>\n")
	}
	sb.WriteString("</div>")
	return sb.String()
}

func heading(key string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(key, "_", " "))
}

func formatValue(v any) string {
	switch t := v.(type) {
	case []any:
		var sb strings.Builder
		sb.WriteString("<ul>\n")
		for _, item := range t {
			fmt.Fprintf(&sb, "<li>%s</li>\n", html.EscapeString(scalar(item)))
		}
		sb.WriteString("</ul>")
		return sb.String()
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var sb strings.Builder
		sb.WriteString("<ul>\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "<li><strong>%s:</strong> %s</li>\n", html.EscapeString(k), html.EscapeString(scalar(t[k])))
		}
		sb.WriteString("</ul>")
		return sb.String()
	default:
		return html.EscapeString(scalar(v))
	}
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(t)
	}
}
