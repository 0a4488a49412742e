package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func doChat(t *testing.T, s *server, messages []chatMessage) chatResponse {
	t.Helper()

	body, err := json.Marshal(chatRequest{Model: "mock-chat", Messages: messages})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleChatCompletions(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("chat completion: status %d: %s", w.Code, w.Body.String())
	}

	var resp chatResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func doEmbed(t *testing.T, s *server, input []string) embeddingResponse {
	t.Helper()

	body, err := json.Marshal(embeddingRequest{Model: "mock-embedding", Input: input})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleEmbeddings(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("embeddings: status %d: %s", w.Code, w.Body.String())
	}

	var resp embeddingResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestChatCompletionDeterministic(t *testing.T) {
	s := newServer(8, 0)

	messages := []chatMessage{
		{Role: "system", Content: "You summarize code."},
		{Role: "user", Content: "Function: parseConfig\n\nfunc parseConfig() {}"},
	}

	first := doChat(t, s, messages)
	second := doChat(t, s, messages)

	if len(first.Choices) != 1 {
		t.Fatalf("expected 1 choice, got %d", len(first.Choices))
	}
	if first.Choices[0].Message.Content != second.Choices[0].Message.Content {
		t.Error("identical prompts should yield identical replies")
	}
	if first.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason: expected stop, got %q", first.Choices[0].FinishReason)
	}

	// The subject line from the user message should appear in the reply.
	if !strings.Contains(first.Choices[0].Message.Content, "Function: parseConfig") {
		t.Errorf("reply should mention the prompt subject, got: %s", first.Choices[0].Message.Content)
	}

	other := doChat(t, s, []chatMessage{
		{Role: "user", Content: "Function: main\n\nfunc main() {}"},
	})
	if other.Choices[0].Message.Content == first.Choices[0].Message.Content {
		t.Error("different prompts should yield different replies")
	}
}

func TestChatCompletionUsage(t *testing.T) {
	s := newServer(8, 0)

	resp := doChat(t, s, []chatMessage{
		{Role: "user", Content: strings.Repeat("summarize this code ", 20)},
	})

	if resp.Usage.PromptTokens == 0 {
		t.Error("prompt_tokens should be nonzero")
	}
	if resp.Usage.CompletionTokens == 0 {
		t.Error("completion_tokens should be nonzero")
	}
	if resp.Usage.TotalTokens != resp.Usage.PromptTokens+resp.Usage.CompletionTokens {
		t.Errorf("total_tokens %d != prompt %d + completion %d",
			resp.Usage.TotalTokens, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
}

func TestEmbeddingsDeterministicUnitVectors(t *testing.T) {
	s := newServer(32, 0)

	resp := doEmbed(t, s, []string{"alpha text", "beta text"})
	if len(resp.Data) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(resp.Data))
	}

	for i, d := range resp.Data {
		if d.Index != i {
			t.Errorf("data[%d].index = %d", i, d.Index)
		}
		if len(d.Embedding) != 32 {
			t.Errorf("vector %d: expected 32 dims, got %d", i, len(d.Embedding))
		}
		var norm float64
		for _, v := range d.Embedding {
			norm += float64(v) * float64(v)
		}
		if math.Abs(norm-1) > 1e-4 {
			t.Errorf("vector %d: norm^2 = %f, want 1", i, norm)
		}
	}

	// Same text again yields the exact same vector.
	again := doEmbed(t, s, []string{"alpha text"})
	for i := range again.Data[0].Embedding {
		if again.Data[0].Embedding[i] != resp.Data[0].Embedding[i] {
			t.Fatalf("vector component %d differs across calls", i)
		}
	}
}

func TestModelsEndpoint(t *testing.T) {
	s := newServer(8, 0)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	s.handleModels(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("models: status %d", w.Code)
	}

	var listing struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&listing); err != nil {
		t.Fatalf("decode models: %v", err)
	}
	if listing.Object != "list" || len(listing.Data) == 0 {
		t.Errorf("unexpected models listing: %+v", listing)
	}
}

func TestStatsCountsCalls(t *testing.T) {
	s := newServer(8, 0)

	doChat(t, s, []chatMessage{{Role: "user", Content: "one"}})
	doChat(t, s, []chatMessage{{Role: "user", Content: "two"}})
	doEmbed(t, s, []string{"three"})

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	s.handleStats(w, req)

	var stats map[string]int64
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats["chat_calls"] != 2 {
		t.Errorf("chat_calls: expected 2, got %d", stats["chat_calls"])
	}
	if stats["embed_calls"] != 1 {
		t.Errorf("embed_calls: expected 1, got %d", stats["embed_calls"])
	}
}

func TestRequestCaptureIsBounded(t *testing.T) {
	s := newServer(8, 0)

	for i := 0; i < maxCapturedRequests+25; i++ {
		doChat(t, s, []chatMessage{{Role: "user", Content: fmt.Sprintf("prompt %d", i)}})
	}

	req := httptest.NewRequest(http.MethodGet, "/requests", nil)
	w := httptest.NewRecorder()
	s.handleRequests(w, req)

	var captured []capturedRequest
	if err := json.NewDecoder(w.Body).Decode(&captured); err != nil {
		t.Fatalf("decode requests: %v", err)
	}
	if len(captured) != maxCapturedRequests {
		t.Fatalf("expected buffer capped at %d, got %d", maxCapturedRequests, len(captured))
	}

	// Oldest entries are evicted first.
	last := captured[len(captured)-1]
	if !strings.Contains(last.Messages[0].Content, fmt.Sprintf("prompt %d", maxCapturedRequests+24)) {
		t.Errorf("newest request missing from capture, got: %s", last.Messages[0].Content)
	}
}

func TestExtractSubject(t *testing.T) {
	tests := []struct {
		content string
		want    string
	}{
		{"Function: run\n\nbody here", "Function: run"},
		{"\n\n  Module: graph  \nrest", "Module: graph"},
		{"", ""},
		{strings.Repeat("x", 100), strings.Repeat("x", 80)},
	}
	for _, tt := range tests {
		if got := extractSubject(tt.content); got != tt.want {
			t.Errorf("extractSubject(%q) = %q, want %q", tt.content, got, tt.want)
		}
	}
}

func TestInvalidBodyRejected(t *testing.T) {
	s := newServer(8, 0)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	s.handleChatCompletions(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid body, got %d", w.Code)
	}
}
