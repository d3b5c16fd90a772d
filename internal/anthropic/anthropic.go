package anthropic

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/lehigh-university-libraries/labasset/internal/providers"
)

// Anthropic is a provider for the Claude Messages API
type Anthropic struct {
	client sdk.Client
}

// New returns a new Anthropic provider. An empty baseURL uses the SDK default.
func New(apiKey, baseURL string, timeout time.Duration) (*Anthropic, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: %w", providers.ErrMissingAPIKey)
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	return &Anthropic{client: sdk.NewClient(opts...)}, nil
}

// Name identifies the backend
func (a *Anthropic) Name() string {
	return "anthropic"
}

// Analyze sends the prompt and a base64 image block as one user message
func (a *Anthropic) Analyze(ctx context.Context, req providers.Request) (string, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4000
	}

	params := sdk.MessageNewParams{
		Model:       sdk.Model(req.Model),
		MaxTokens:   maxTokens,
		Temperature: sdk.Float(req.Temperature),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(
				sdk.NewTextBlock(req.Prompt),
				sdk.NewImageBlockBase64(req.MIMEOrDefault(), base64.StdEncoding.EncodeToString(req.Image)),
			),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic api call: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("empty response from Anthropic")
	}
	return sb.String(), nil
}
