// Package provider routes artifact-generation requests across external
// generation backends with deterministic cost-ordered fallback.
package provider

import (
	"net/http"
	"sort"
	"sync"
	"time"
)

// Message is one chat message sent to a generation backend.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request is one generation request.
type Request struct {
	// Capabilities the backend must declare for this task
	// (e.g. "codegen", "planning").
	Capabilities []string

	// Messages is the prompt, including any template enrichment.
	Messages []Message

	// Temperature: nil uses the backend default, 0 is deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 uses the backend default.
	MaxTokens int
}

// Result is the generation output.
type Result struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	TokensUsed   int    `json:"tokens_used"`
	FinishReason string `json:"finish_reason"`
}

// Provider is one configured generation backend.
type Provider struct {
	// Name identifies this backend instance.
	Name string `yaml:"name" json:"name"`

	// Codec names the wire codec to speak (anthropic, openai, ollama).
	Codec string `yaml:"codec" json:"codec"`

	// URL is the API endpoint base URL (codec default when empty).
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// Model is the model identifier sent to the backend.
	Model string `yaml:"model" json:"model"`

	// Cost is the relative cost per call; routing prefers cheaper.
	Cost float64 `yaml:"cost" json:"cost"`

	// Capabilities this backend declares.
	Capabilities []string `yaml:"capabilities" json:"capabilities"`

	// Timeout bounds a single call. Zero means the client default.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// matchCount returns how many of the requested capabilities the provider
// declares.
func (p Provider) matchCount(requested []string) int {
	n := 0
	for _, want := range requested {
		for _, have := range p.Capabilities {
			if want == have {
				n++
				break
			}
		}
	}
	return n
}

// Codec is the wire protocol for one backend family.
type Codec interface {
	// Name returns the codec identifier (e.g., "anthropic", "ollama").
	Name() string

	// BuildURL constructs the full API endpoint URL.
	BuildURL(baseURL string) string

	// SetHeaders adds codec-specific headers to the request.
	SetHeaders(req *http.Request)

	// BuildRequestBody creates the JSON request body.
	BuildRequestBody(model string, messages []Message, temperature *float64, maxTokens int) ([]byte, error)

	// ParseResponse extracts the result from backend-specific JSON.
	ParseResponse(body []byte, model string) (*Result, error)
}

// codecRegistry holds registered codecs.
var (
	codecRegistry = make(map[string]Codec)
	codecMu       sync.RWMutex
)

// RegisterCodec adds a codec to the registry.
func RegisterCodec(c Codec) {
	codecMu.Lock()
	defer codecMu.Unlock()
	codecRegistry[c.Name()] = c
}

// GetCodec retrieves a codec by name.
func GetCodec(name string) Codec {
	codecMu.RLock()
	defer codecMu.RUnlock()
	return codecRegistry[name]
}

// ListCodecs returns all registered codec names in sorted order.
func ListCodecs() []string {
	codecMu.RLock()
	defer codecMu.RUnlock()

	names := make([]string, 0, len(codecRegistry))
	for name := range codecRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
