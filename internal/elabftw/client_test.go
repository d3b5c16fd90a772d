package elabftw

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/lehigh-university-libraries/labasset/internal/config"
	"github.com/lehigh-university-libraries/labasset/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.ELabFTW{
		APIURL:        srv.URL + "/api/v2",
		APIKey:        "elab-key",
		UploadComment: "Uploaded via labasset",
	}, nil)
}

func TestTemplates(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/items_types" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "elab-key" {
			t.Errorf("Expected api key in Authorization header")
		}
		_, _ = w.Write([]byte(`[
			{"id": 1, "title": "Chemicals", "body": "<p>Name</p><p>CAS</p>", "color": "29aeb9"},
			{"id": 2, "title": "Equipment", "body": ""}
		]`))
	})

	templates, err := c.Templates(context.Background())
	if err != nil {
		t.Fatalf("Templates failed: %v", err)
	}
	if len(templates) != 2 {
		t.Fatalf("Expected 2 templates, got %d", len(templates))
	}
	if templates[0].Title != "Chemicals" || templates[0].Schema() != "Name\nCAS" {
		t.Errorf("Unexpected first template %+v (schema %q)", templates[0], templates[0].Schema())
	}

	tpl, err := c.TemplateByID(context.Background(), 2)
	if err != nil || tpl.Title != "Equipment" {
		t.Errorf("TemplateByID(2) = %+v, %v", tpl, err)
	}
	if _, err := c.TemplateByID(context.Background(), 9); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCreateRecord(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v2/items" {
			t.Errorf("Unexpected %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Location", "https://elab.example.edu/api/v2/items/42")
		w.WriteHeader(http.StatusCreated)
	})

	id, err := c.CreateRecord(context.Background(), models.NewRecord{
		CategoryID: 3,
		Title:      "Beaker",
		Fields:     models.Fields{"title": "Beaker", "volume": "500ml"},
		Tags:       []string{"glass"},
	})
	if err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	if id != 42 {
		t.Errorf("Expected id 42, got %d", id)
	}
	if got["category_id"] != 3.0 || got["title"] != "Beaker" {
		t.Errorf("Unexpected payload %v", got)
	}
	body, _ := got["body"].(string)
	if !strings.Contains(body, "<h3>Volume</h3>") || strings.Contains(body, "<h3>Title</h3>") {
		t.Errorf("Unexpected body %q", body)
	}
}

func TestCreateRecordFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		location string
	}{
		{"server error", http.StatusInternalServerError, ""},
		{"missing location", http.StatusCreated, ""},
		{"bad location", http.StatusCreated, "/api/v2/items/abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.location != "" {
					w.Header().Set("Location", tt.location)
				}
				w.WriteHeader(tt.status)
			})
			if _, err := c.CreateRecord(context.Background(), models.NewRecord{Title: "x"}); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestGetRecord(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantTags []string
		wantMeta map[string]any
		wantCat  string
	}{
		{
			name:     "pipe separated tags and string metadata",
			payload:  `{"id": 7, "title": "Ethanol", "category": 2, "tags": "flammable|solvent", "metadata": "{\"cas\":\"64-17-5\"}"}`,
			wantTags: []string{"flammable", "solvent"},
			wantMeta: map[string]any{"cas": "64-17-5"},
			wantCat:  "2",
		},
		{
			name:     "array tags and object metadata",
			payload:  `{"id": 7, "title": "Ethanol", "category_title": "Chemicals", "tags": ["flammable"], "metadata": {"cas": "64-17-5"}}`,
			wantTags: []string{"flammable"},
			wantMeta: map[string]any{"cas": "64-17-5"},
			wantCat:  "Chemicals",
		},
		{
			name:    "null tags",
			payload: `{"id": 7, "title": "Ethanol", "tags": null, "metadata": null}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/v2/items/7" {
					http.NotFound(w, r)
					return
				}
				_, _ = w.Write([]byte(tt.payload))
			})
			rec, err := c.GetRecord(context.Background(), 7)
			if err != nil {
				t.Fatalf("GetRecord failed: %v", err)
			}
			if rec.Title != "Ethanol" {
				t.Errorf("Expected title Ethanol, got %q", rec.Title)
			}
			if !reflect.DeepEqual(rec.Tags, tt.wantTags) {
				t.Errorf("Tags = %#v, want %#v", rec.Tags, tt.wantTags)
			}
			if !reflect.DeepEqual(rec.Metadata, tt.wantMeta) {
				t.Errorf("Metadata = %#v, want %#v", rec.Metadata, tt.wantMeta)
			}
			if rec.Category != tt.wantCat {
				t.Errorf("Category = %q, want %q", rec.Category, tt.wantCat)
			}
		})
	}
}

func TestGetRecordNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	if _, err := c.GetRecord(context.Background(), 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestAttachImage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/items/42/uploads" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("Expected file part: %v", err)
			return
		}
		data, _ := io.ReadAll(file)
		if string(data) != "jpeg-bytes" || header.Filename != "photo.jpg" {
			t.Errorf("Unexpected upload %q %q", header.Filename, data)
		}
		if r.FormValue("comment") != "Uploaded via labasset" {
			t.Errorf("Expected upload comment, got %q", r.FormValue("comment"))
		}
		w.WriteHeader(http.StatusCreated)
	})

	err := c.AttachImage(context.Background(), 42, models.Image{Data: []byte("jpeg-bytes"), Filename: "/tmp/photo.jpg"})
	if err != nil {
		t.Fatalf("AttachImage failed: %v", err)
	}
	if err := c.AttachImage(context.Background(), 42, models.Image{}); err == nil {
		t.Error("Expected error for empty image")
	}
}

func TestListRecordsAndInfo(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/items":
			if r.URL.Query().Get("limit") != "5" {
				t.Errorf("Expected limit=5, got %q", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`[{"id": 1, "title": "A"}, {"id": 2, "title": "B"}]`))
		case "/api/v2/info":
			_, _ = w.Write([]byte(`{"elabftw_version": "5.1.0"}`))
		default:
			http.NotFound(w, r)
		}
	})

	records, err := c.ListRecords(context.Background(), 5)
	if err != nil || len(records) != 2 {
		t.Fatalf("ListRecords = %v, %v", records, err)
	}
	info, err := c.Info(context.Background())
	if err != nil || info["elabftw_version"] != "5.1.0" {
		t.Errorf("Info = %v, %v", info, err)
	}
}

func TestUpdateRecord(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("Expected PATCH, got %s", r.Method)
		}
		if r.URL.Path == "/api/v2/items/404" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if err := c.UpdateRecord(context.Background(), 1, map[string]any{"title": "New"}); err != nil {
		t.Errorf("UpdateRecord failed: %v", err)
	}
	if err := c.UpdateRecord(context.Background(), 404, map[string]any{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
