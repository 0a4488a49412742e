package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsReasoningModel(t *testing.T) {
	tests := []struct {
		model string
		want  bool
	}{
		{"o1", true},
		{"o1-preview", true},
		{"o1-mini", true},
		{"O1-Preview", true},
		{"azure-o1-mini", true},
		{"gpt-4o", false},
		{"gpt-4o-mini", false},
		{"claude-3-5-sonnet", false},
		{"qwen2.5-coder:32b", false},
		{"model-o12", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, IsReasoningModel(tt.model))
		})
	}
}

func TestAdjustParams(t *testing.T) {
	maxTokens := 500
	temperature := 0.2

	tests := []struct {
		name        string
		model       string
		maxTokens   *int
		temperature *float64
		want        RequestParams
	}{
		{
			name:        "reasoning model renames token limit and drops temperature",
			model:       "o1-preview",
			maxTokens:   &maxTokens,
			temperature: &temperature,
			want:        RequestParams{MaxCompletionTokens: &maxTokens},
		},
		{
			name:        "reasoning model without limit emits neither",
			model:       "o1",
			maxTokens:   nil,
			temperature: &temperature,
			want:        RequestParams{},
		},
		{
			name:        "non-reasoning model passes through",
			model:       "gpt-4o",
			maxTokens:   &maxTokens,
			temperature: &temperature,
			want:        RequestParams{MaxTokens: &maxTokens, Temperature: &temperature},
		},
		{
			name:        "non-reasoning model with nothing set",
			model:       "gpt-4o",
			maxTokens:   nil,
			temperature: nil,
			want:        RequestParams{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AdjustParams(tt.model, tt.maxTokens, tt.temperature)
			assert.Equal(t, tt.want, got)
		})
	}
}
