package llm

import (
	"net/http"
	"sync"
)

// Provider defines the interface for LLM provider implementations.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "ollama").
	Name() string

	// BuildURL constructs the full chat endpoint URL.
	BuildURL(baseURL string) string

	// HealthURL constructs a cheap endpoint for reachability checks.
	HealthURL(baseURL string) string

	// SetHeaders adds provider-specific headers to the request. An
	// empty apiKey falls back to the provider's conventional
	// environment variable.
	SetHeaders(req *http.Request, apiKey string)

	// BuildRequestBody creates the JSON request body for the provider.
	// The params have already been shaped for the target model.
	BuildRequestBody(model string, messages []Message, params RequestParams) ([]byte, error)

	// ParseResponse extracts the response from provider-specific JSON.
	ParseResponse(body []byte, model string) (*ChatResponse, error)
}

// Embedder is implemented by providers that expose an embeddings API.
type Embedder interface {
	// BuildEmbeddingURL constructs the embeddings endpoint URL.
	BuildEmbeddingURL(baseURL string) string

	// BuildEmbeddingBody creates the JSON request body for an
	// embedding call over the given texts.
	BuildEmbeddingBody(model string, texts []string) ([]byte, error)

	// ParseEmbeddingResponse extracts one vector per input text.
	ParseEmbeddingResponse(body []byte) ([][]float32, error)
}

// providerRegistry holds registered providers.
var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider by name.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}

// ListProviders returns all registered provider names.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()

	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	return names
}
