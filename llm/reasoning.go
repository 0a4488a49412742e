package llm

import "strings"

// RequestParams are the provider-neutral sampling parameters after
// model-specific shaping. Exactly one of MaxTokens and
// MaxCompletionTokens is set, or neither.
type RequestParams struct {
	Temperature         *float64
	MaxTokens           *int
	MaxCompletionTokens *int
}

// IsReasoningModel reports whether the model name belongs to the o1
// reasoning family. Matching is case-insensitive on dash-delimited
// components, so "o1", "o1-preview", "o1-mini", and vendor-prefixed
// names like "azure-o1-mini" all match, while "gpt-4o" does not.
func IsReasoningModel(model string) bool {
	for _, part := range strings.Split(strings.ToLower(model), "-") {
		if part == "o1" {
			return true
		}
	}
	return false
}

// AdjustParams applies reasoning-model parameter rules before dispatch:
// reasoning models take max_completion_tokens instead of max_tokens
// (only when a limit was given) and reject temperature, which is
// dropped. Non-reasoning models keep the original parameter set.
func AdjustParams(model string, maxTokens *int, temperature *float64) RequestParams {
	if !IsReasoningModel(model) {
		return RequestParams{
			Temperature: temperature,
			MaxTokens:   maxTokens,
		}
	}

	params := RequestParams{}
	if maxTokens != nil {
		params.MaxCompletionTokens = maxTokens
	}
	return params
}
