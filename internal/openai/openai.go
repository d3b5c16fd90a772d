package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lehigh-university-libraries/labasset/internal/providers"
)

const defaultBaseURL = "https://api.openai.com/v1"

// ErrUnsupportedModel is returned for models that cannot read images.
var ErrUnsupportedModel = errors.New("model does not support image input")

var visionModels = map[string]bool{
	"gpt-4-vision-preview": true,
	"gpt-4o":               true,
	"gpt-4o-mini":          true,
	"gpt-4-turbo":          true,
	"gpt-4.1":              true,
}

// SupportsVision reports whether model accepts image input.
func SupportsVision(model string) bool {
	return visionModels[model]
}

// OpenAI is a provider for OpenAI chat completions
type OpenAI struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// New returns a new OpenAI provider. An empty baseURL targets api.openai.com.
func New(apiKey, baseURL string, timeout time.Duration) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: %w", providers.ErrMissingAPIKey)
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &OpenAI{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Name identifies the backend
func (o *OpenAI) Name() string {
	return "openai"
}

// Analyze sends the image and prompts as a single chat completion
func (o *OpenAI) Analyze(ctx context.Context, req providers.Request) (string, error) {
	if !SupportsVision(req.Model) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedModel, req.Model)
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s", req.MIMEOrDefault(), base64.StdEncoding.EncodeToString(req.Image))

	requestBody, err := json.Marshal(map[string]interface{}{
		"model": req.Model,
		"messages": []map[string]interface{}{
			{
				"role":    "system",
				"content": req.SystemPrompt,
			},
			{
				"role": "user",
				"content": []map[string]interface{}{
					{"type": "text", "text": req.Prompt},
					{"type": "image_url", "image_url": map[string]string{"url": dataURL}},
				},
			},
		},
		"temperature":     req.Temperature,
		"max_tokens":      req.MaxTokens,
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewBuffer(requestBody))
	if err != nil {
		return "", fmt.Errorf("failed to create new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("received non-200 status code: %d - %s", resp.StatusCode, string(body))
	}

	var response struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("failed to decode response body: %w", err)
	}

	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no choices returned from OpenAI")
	}

	return response.Choices[0].Message.Content, nil
}
