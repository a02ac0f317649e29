package codecs

import (
	"net/http"
	"os"
	"strings"

	"github.com/c360studio/forgegate/provider"
)

// OpenAICodec speaks the OpenAI API directly (or via OpenRouter). It is
// separate from OllamaCodec for different default URLs and auth.
type OpenAICodec struct {
	OllamaCodec // shared request/response format
}

func init() {
	provider.RegisterCodec(&OpenAICodec{})
}

// Name returns the codec identifier.
func (o *OpenAICodec) Name() string {
	return "openai"
}

// BuildURL constructs the OpenAI API endpoint.
func (o *OpenAICodec) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

// SetHeaders adds OpenAI authentication headers.
func (o *OpenAICodec) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if siteURL := os.Getenv("OPENROUTER_SITE_URL"); siteURL != "" {
		req.Header.Set("HTTP-Referer", siteURL)
	}
	if siteName := os.Getenv("OPENROUTER_SITE_NAME"); siteName != "" {
		req.Header.Set("X-Title", siteName)
	}
}
