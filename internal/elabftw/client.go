package elabftw

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/lehigh-university-libraries/labasset/internal/config"
	"github.com/lehigh-university-libraries/labasset/internal/models"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNoLocation is returned when a create response does not name the new record.
	ErrNoLocation = errors.New("create response has no Location header")
)

// Client is an eLabFTW API v2 client
type Client struct {
	BaseURL       string
	APIKey        string
	UploadComment string
	httpClient    *http.Client
	logger        *slog.Logger
}

// NewClient creates a new eLabFTW client from settings
func NewClient(cfg config.ELabFTW, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed lab instances
	}

	return &Client{
		BaseURL:       strings.TrimRight(cfg.APIURL, "/"),
		APIKey:        cfg.APIKey,
		UploadComment: cfg.UploadComment,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger: logger.With("component", "elabftw"),
	}
}

// Templates lists the item types available for new records
func (c *Client) Templates(ctx context.Context) ([]models.Template, error) {
	var raw []struct {
		ID    int    `json:"id"`
		Title string `json:"title"`
		Body  string `json:"body"`
		Color string `json:"color"`
	}
	if err := c.getJSON(ctx, "/items_types", &raw); err != nil {
		return nil, fmt.Errorf("failed to fetch templates: %w", err)
	}

	templates := make([]models.Template, 0, len(raw))
	for _, t := range raw {
		templates = append(templates, models.Template{
			ID:    t.ID,
			Title: t.Title,
			Body:  t.Body,
			Color: t.Color,
		})
	}
	return templates, nil
}

// TemplateByID returns a single item type
func (c *Client) TemplateByID(ctx context.Context, id int) (*models.Template, error) {
	templates, err := c.Templates(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range templates {
		if t.ID == id {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("template %d: %w", id, ErrNotFound)
}

// CreateRecord creates an item and returns its id
func (c *Client) CreateRecord(ctx context.Context, rec models.NewRecord) (int, error) {
	payload := map[string]any{
		"category_id": rec.CategoryID,
		"title":       rec.Title,
		"body":        FormatBody(rec.Fields),
	}
	if len(rec.Tags) > 0 {
		payload["tags"] = rec.Tags
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal record: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/items", "application/json", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create record: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return 0, statusError("create record", resp)
	}

	id, err := idFromLocation(resp.Header.Get("Location"))
	if err != nil {
		return 0, err
	}
	c.logger.Info("Record created", "id", id, "title", rec.Title)
	return id, nil
}

// UpdateRecord patches fields of an existing item
func (c *Client) UpdateRecord(ctx context.Context, id int, patch map[string]any) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to marshal patch: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPatch, "/items/"+strconv.Itoa(id), "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to update record %d: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return statusError("update record", resp)
	}
	return nil
}

// GetRecord fetches a single item
func (c *Client) GetRecord(ctx context.Context, id int) (*models.Record, error) {
	var raw item
	if err := c.getJSON(ctx, "/items/"+strconv.Itoa(id), &raw); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("record %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to fetch record %d: %w", id, err)
	}
	rec := raw.record()
	return &rec, nil
}

// ListRecords returns the most recent items
func (c *Client) ListRecords(ctx context.Context, limit int) ([]models.Record, error) {
	endpoint := "/items"
	if limit > 0 {
		endpoint += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}

	var raw []item
	if err := c.getJSON(ctx, endpoint, &raw); err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	records := make([]models.Record, 0, len(raw))
	for _, it := range raw {
		records = append(records, it.record())
	}
	return records, nil
}

// AttachImage uploads the image to the item as a file attachment
func (c *Client) AttachImage(ctx context.Context, id int, img models.Image) error {
	if len(img.Data) == 0 {
		return errors.New("no image data to upload")
	}
	filename := img.Filename
	if filename == "" {
		filename = "asset.jpg"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", path.Base(filename))
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return fmt.Errorf("failed to write form file: %w", err)
	}
	if c.UploadComment != "" {
		if err := w.WriteField("comment", c.UploadComment); err != nil {
			return fmt.Errorf("failed to write comment: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close multipart body: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/items/"+strconv.Itoa(id)+"/uploads", w.FormDataContentType(), &buf)
	if err != nil {
		return fmt.Errorf("failed to upload image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return statusError("upload image", resp)
	}
	c.logger.Info("Image attached", "id", id, "filename", filename, "size", len(img.Data))
	return nil
}

// Info returns instance information. It doubles as a connection test.
func (c *Client) Info(ctx context.Context) (map[string]any, error) {
	var info map[string]any
	if err := c.getJSON(ctx, "/info", &info); err != nil {
		return nil, fmt.Errorf("failed to fetch instance info: %w", err)
	}
	return info, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, endpoint, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return statusError("GET "+endpoint, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint, contentType string, body io.Reader) (*http.Response, error) {
	if c.BaseURL == "" {
		return nil, errors.New("eLabFTW API URL not configured")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", c.APIKey)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.httpClient.Do(req)
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("%s: eLabFTW API returned status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
}

func idFromLocation(location string) (int, error) {
	if location == "" {
		return 0, ErrNoLocation
	}
	u, err := url.Parse(location)
	if err == nil {
		location = u.Path
	}
	last := path.Base(strings.TrimRight(location, "/"))
	id, err := strconv.Atoi(last)
	if err != nil {
		return 0, fmt.Errorf("unexpected Location header %q: %w", location, err)
	}
	return id, nil
}
