package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lehigh-university-libraries/labasset/internal/anthropic"
	"github.com/lehigh-university-libraries/labasset/internal/config"
	"github.com/lehigh-university-libraries/labasset/internal/gemini"
	"github.com/lehigh-university-libraries/labasset/internal/models"
	"github.com/lehigh-university-libraries/labasset/internal/ollama"
	"github.com/lehigh-university-libraries/labasset/internal/openai"
	"github.com/lehigh-university-libraries/labasset/internal/providers"
)

// ErrEmptyImage is returned when Analyze is called without image data.
var ErrEmptyImage = errors.New("no image data to analyze")

// Service turns an image and a template description into raw model output
type Service struct {
	provider    providers.Provider
	model       string
	temperature float64
	maxTokens   int
	logger      *slog.Logger
}

// NewService selects the backend named in cfg.
func NewService(cfg config.LLM, logger *slog.Logger) (*Service, error) {
	p, err := NewProvider(cfg)
	if err != nil {
		return nil, err
	}
	return New(p, cfg, logger), nil
}

// New wraps an already constructed provider.
func New(p providers.Provider, cfg config.LLM, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel(p.Name())
	}
	return &Service{
		provider:    p,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		logger:      logger.With("component", "analysis", "provider", p.Name()),
	}
}

// NewProvider builds the backend for cfg.Provider. "local" is an alias for ollama.
func NewProvider(cfg config.LLM) (providers.Provider, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "openai", "":
		return openai.New(cfg.APIKey, cfg.BaseURL, timeout)
	case "anthropic", "claude":
		return anthropic.New(cfg.APIKey, cfg.BaseURL, timeout)
	case "gemini", "google":
		return gemini.New(cfg.APIKey)
	case "ollama", "local":
		url := cfg.OllamaURL
		if url == "" {
			url = cfg.BaseURL
		}
		return ollama.New(url, timeout), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// DefaultModel is used when the configuration leaves the model blank.
func DefaultModel(provider string) string {
	switch provider {
	case "openai":
		return "gpt-4o"
	case "anthropic":
		return "claude-sonnet-4-5"
	case "gemini":
		return "gemini-1.5-flash"
	case "ollama":
		return "llava"
	default:
		return ""
	}
}

// Provider is the backend name.
func (s *Service) Provider() string {
	return s.provider.Name()
}

// Model is the model the service sends requests to.
func (s *Service) Model() string {
	return s.model
}

// Analyze asks the model to describe img following templateDescription.
// instruction is appended to the user prompt verbatim.
func (s *Service) Analyze(ctx context.Context, img models.Image, templateDescription, instruction string) (string, error) {
	if len(img.Data) == 0 {
		return "", ErrEmptyImage
	}

	start := time.Now()
	text, err := s.provider.Analyze(ctx, providers.Request{
		Model:        s.model,
		Temperature:  s.temperature,
		MaxTokens:    s.maxTokens,
		SystemPrompt: buildSystemPrompt(templateDescription),
		Prompt:       buildUserPrompt(instruction),
		Image:        img.Data,
		MIMEType:     img.MIMEType,
	})
	if err != nil {
		s.logger.Error("Image analysis failed", "model", s.model, "error", err)
		return "", fmt.Errorf("%s analysis: %w", s.provider.Name(), err)
	}

	s.logger.Info("Image analyzed", "model", s.model, "length", len(text), "duration", time.Since(start))
	return text, nil
}

func buildSystemPrompt(templateDescription string) string {
	if strings.TrimSpace(templateDescription) == "" {
		templateDescription = "Provide the name, type, manufacturer, model, and any other visible details of the asset as JSON fields."
	}
	return `You are a professional laboratory asset analysis assistant. Your task is to analyze laboratory equipment or items in the image and provide detailed structured information for the asset management system.

IMPORTANT: The most critical field is the asset name. Carefully identify the exact name of the chemical, equipment, or item from the image. Look for labels, markings, or text on the item itself. The name should be specific (e.g., "Hydrofluoric Acid" rather than just "Acid", or "K-Type Thermocouple" rather than just "Thermocouple").

Your response MUST follow this two-part structure:
1. FIRST, provide a summary section with ONLY the asset name and type at the very beginning of your JSON response:
   "summary": {
     "asset_name": "[Exact name of the asset]",
     "asset_type": "[Type of asset: chemical/equipment/tool/etc.]"
   },

2. THEN, provide the complete detailed information according to the following template format:

` + templateDescription + `

Answer with a single JSON object that includes both the summary section AND all detailed fields. If some information cannot be obtained from the image, mark it as "unknown" or provide the most reasonable guess. The asset name in the summary and detailed sections MUST match.`
}

func buildUserPrompt(instruction string) string {
	prompt := `Please analyze the laboratory equipment or item in this image and provide detailed information according to the template in the system prompt.
Remember to FIRST provide the summary section with the asset name and type, THEN provide the complete detailed information.
Pay special attention to accurately identifying the asset name from any visible labels, markings, or text on the item.`
	if instruction = strings.TrimSpace(instruction); instruction != "" {
		prompt += "\n\n" + instruction
	}
	return prompt
}
