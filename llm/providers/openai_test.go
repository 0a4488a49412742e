package providers

import (
	"encoding/json"
	"net/http"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codestoryhq/codestory/llm"
)

func TestOpenAIProvider_Name(t *testing.T) {
	p := &OpenAIProvider{}
	assert.Equal(t, "openai", p.Name())
}

func TestOpenAIProvider_BuildURL(t *testing.T) {
	p := &OpenAIProvider{}

	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{
			name:    "empty uses default",
			baseURL: "",
			want:    "https://api.openai.com/v1/chat/completions",
		},
		{
			name:    "custom base URL (OpenRouter)",
			baseURL: "https://openrouter.ai/api/v1",
			want:    "https://openrouter.ai/api/v1/chat/completions",
		},
		{
			name:    "trailing slash handled",
			baseURL: "https://api.openai.com/v1/",
			want:    "https://api.openai.com/v1/chat/completions",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.BuildURL(tt.baseURL)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOpenAIProvider_EmbeddingURL(t *testing.T) {
	p := &OpenAIProvider{}
	assert.Equal(t, "https://api.openai.com/v1/embeddings", p.BuildEmbeddingURL(""))
	assert.Equal(t, "http://local:8000/v1/embeddings", p.BuildEmbeddingURL("http://local:8000/v1/"))
}

func TestOpenAIProvider_SetHeaders(t *testing.T) {
	p := &OpenAIProvider{}

	t.Run("explicit key wins over environment", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "env-key")

		req, _ := http.NewRequest("POST", "https://api.openai.com/v1/chat/completions", nil)
		p.SetHeaders(req, "config-key")

		assert.Equal(t, "Bearer config-key", req.Header.Get("Authorization"))
	})

	t.Run("falls back to environment", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "env-key")

		req, _ := http.NewRequest("POST", "https://api.openai.com/v1/chat/completions", nil)
		p.SetHeaders(req, "")

		assert.Equal(t, "Bearer env-key", req.Header.Get("Authorization"))
	})

	t.Run("sets OpenRouter headers when env vars present", func(t *testing.T) {
		t.Setenv("OPENROUTER_SITE_URL", "https://myapp.com")
		t.Setenv("OPENROUTER_SITE_NAME", "My App")

		req, _ := http.NewRequest("POST", "https://openrouter.ai/api/v1/chat/completions", nil)
		p.SetHeaders(req, "key")

		assert.Equal(t, "https://myapp.com", req.Header.Get("HTTP-Referer"))
		assert.Equal(t, "My App", req.Header.Get("X-Title"))
	})

	t.Run("no headers when nothing set", func(t *testing.T) {
		os.Unsetenv("OPENAI_API_KEY")
		os.Unsetenv("OPENROUTER_SITE_URL")
		os.Unsetenv("OPENROUTER_SITE_NAME")

		req, _ := http.NewRequest("POST", "https://api.openai.com/v1/chat/completions", nil)
		p.SetHeaders(req, "")

		assert.Empty(t, req.Header.Get("Authorization"))
		assert.Empty(t, req.Header.Get("HTTP-Referer"))
		assert.Empty(t, req.Header.Get("X-Title"))
	})
}

func TestOpenAIProvider_ImplementsEmbedder(t *testing.T) {
	var p llm.Provider = &OpenAIProvider{}
	_, ok := p.(llm.Embedder)
	assert.True(t, ok, "openai provider should support embeddings")
}

func TestOpenAIProvider_BuildEmbeddingBody(t *testing.T) {
	p := &OpenAIProvider{}
	body, err := p.BuildEmbeddingBody("text-embedding-3-small", []string{"a", "b"})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "text-embedding-3-small", decoded["model"])
	assert.Len(t, decoded["input"], 2)
}
