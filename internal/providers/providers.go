package providers

import (
	"context"
	"errors"
)

// ErrMissingAPIKey is returned by hosted backends constructed without credentials.
var ErrMissingAPIKey = errors.New("api key not configured")

// Request is a single vision analysis call
type Request struct {
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	Prompt       string
	Image        []byte
	MIMEType     string
}

// Provider is a vision-capable model backend
type Provider interface {
	Name() string
	Analyze(ctx context.Context, req Request) (string, error)
}

// MIMEOrDefault returns the request MIME type, assuming JPEG when unset.
func (r Request) MIMEOrDefault() string {
	if r.MIMEType == "" {
		return "image/jpeg"
	}
	return r.MIMEType
}
