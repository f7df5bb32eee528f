package registry

import (
	"fmt"
	"net/http"

	"aichatd/internal/providers"
	"aichatd/internal/providers/anthropic"
	"aichatd/internal/providers/gemini"
	"aichatd/internal/providers/openai"
)

const (
	KindClaude = "claude"
	KindOpenAI = "openai"
	KindGemini = "gemini"
)

type Keys struct {
	Anthropic string
	OpenAI    string
	Google    string
}

type BuildOptions struct {
	Kind       string
	Keys       Keys
	BaseURLs   map[string]string
	HTTPClient *http.Client
}

// Known reports whether kind names a supported backend.
func Known(kind string) bool {
	switch kind {
	case KindClaude, KindOpenAI, KindGemini:
		return true
	}
	return false
}

// Build constructs the provider for kind. The set of backends is closed;
// unknown kinds are an error, never a fallback.
func Build(opts BuildOptions) (providers.Provider, error) {
	baseURL := func(kind string) string {
		if opts.BaseURLs == nil {
			return ""
		}
		return opts.BaseURLs[kind]
	}

	switch opts.Kind {
	case KindClaude:
		if opts.Keys.Anthropic == "" {
			return nil, fmt.Errorf("anthropic api key not configured")
		}
		return anthropic.New(anthropic.Config{
			BaseURL:    baseURL(KindClaude),
			APIKey:     opts.Keys.Anthropic,
			HTTPClient: opts.HTTPClient,
		}), nil

	case KindOpenAI:
		if opts.Keys.OpenAI == "" {
			return nil, fmt.Errorf("openai api key not configured")
		}
		return openai.New(openai.Config{
			BaseURL:    baseURL(KindOpenAI),
			APIKey:     opts.Keys.OpenAI,
			HTTPClient: opts.HTTPClient,
		}), nil

	case KindGemini:
		if opts.Keys.Google == "" {
			return nil, fmt.Errorf("google api key not configured")
		}
		return gemini.New(gemini.Config{
			BaseURL:    baseURL(KindGemini),
			APIKey:     opts.Keys.Google,
			HTTPClient: opts.HTTPClient,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}

// DefaultModel returns the model used when a request names none.
func DefaultModel(kind string) string {
	switch kind {
	case KindClaude:
		return anthropic.DefaultModel
	case KindOpenAI:
		return openai.DefaultModel
	case KindGemini:
		return gemini.DefaultModel
	default:
		return ""
	}
}
