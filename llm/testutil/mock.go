// Package testutil provides test utilities for the llm package.
// It includes mock implementations for testing LLM client interactions.
package testutil

import (
	"context"
	"sync"

	"github.com/codestoryhq/codestory/llm"
)

// MockLLMClient is a thread-safe mock LLM client for testing.
// It captures requests passed to Chat() and returns configured responses.
//
// Usage:
//
//	// Single response mock
//	mock := &MockLLMClient{
//	    Responses: []*llm.ChatResponse{
//	        {Content: `{"result": "success"}`, Model: "test-model"},
//	    },
//	}
//
//	// Multiple responses (for sequenced calls)
//	mock := &MockLLMClient{
//	    Responses: []*llm.ChatResponse{
//	        {Content: "first", Model: "test-model"},
//	        {Content: "second", Model: "test-model"},
//	    },
//	}
//
//	// Error response
//	mock := &MockLLMClient{
//	    Err: errors.New("connection failed"),
//	}
type MockLLMClient struct {
	mu              sync.Mutex
	capturedContext context.Context
	requests        []llm.ChatRequest
	embeddedTexts   [][]string
	Responses       []*llm.ChatResponse // Responses to return in sequence
	Embeddings      [][]float32         // Vector returned per embedded text
	Err             error               // Error to return (takes precedence over Responses)
	EmbedErr        error               // Error returned by Embed
	callCount       int
	responseIndex   int
}

// Chat returns the next response from the Responses slice, or Err if
// set, capturing the request for verification in tests.
func (m *MockLLMClient) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.capturedContext = ctx
	m.requests = append(m.requests, req)
	m.callCount++

	if m.Err != nil {
		return nil, m.Err
	}

	if m.responseIndex < len(m.Responses) {
		resp := m.Responses[m.responseIndex]
		m.responseIndex++
		return resp, nil
	}

	// Default response if no responses configured
	return &llm.ChatResponse{Content: "", Model: "test-model"}, nil
}

// Embed returns one configured vector per text (default when the
// Embeddings field is empty: a fixed 4-dim vector).
func (m *MockLLMClient) Embed(ctx context.Context, texts []string, _ string) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.capturedContext = ctx
	m.embeddedTexts = append(m.embeddedTexts, texts)

	if m.EmbedErr != nil {
		return nil, m.EmbedErr
	}

	vectors := make([][]float32, len(texts))
	for i := range texts {
		if len(m.Embeddings) > 0 {
			vectors[i] = m.Embeddings[i%len(m.Embeddings)]
		} else {
			vectors[i] = []float32{0.1, 0.2, 0.3, 0.4}
		}
	}
	return vectors, nil
}

// GetCapturedContext returns the last context passed to the mock.
func (m *MockLLMClient) GetCapturedContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capturedContext
}

// GetCallCount returns the number of times Chat() was called.
func (m *MockLLMClient) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// Requests returns a copy of the captured chat requests.
func (m *MockLLMClient) Requests() []llm.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.ChatRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// EmbeddedTexts returns the text batches passed to Embed.
func (m *MockLLMClient) EmbeddedTexts() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]string, len(m.embeddedTexts))
	copy(out, m.embeddedTexts)
	return out
}

// Reset resets the mock's state (call count, captures, response index).
// Useful for reusing the same mock instance across multiple test cases.
func (m *MockLLMClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount = 0
	m.responseIndex = 0
	m.capturedContext = nil
	m.requests = nil
	m.embeddedTexts = nil
}
