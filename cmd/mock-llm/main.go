// Package main implements a mock LLM server for local development and
// wiring tests. It serves deterministic OpenAI-compatible chat
// completions and embeddings, so the summarizer and docgrapher steps
// run fast, offline and reproducibly: the same prompt always yields
// the same summary and the same text always yields the same vector.
//
// Usage:
//
//	mock-llm -port 11434 -dims 1536 -latency 50ms
//
// Point codestory at it with provider "ollama" (or "openai") and
// endpoint http://localhost:11434/v1.
package main

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Object string          `json:"object"`
	Model  string          `json:"model"`
	Data   []embeddingData `json:"data"`
}

type embeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// --- Server ---

// capturedRequest keeps the key fields of an incoming chat request so
// tests can verify what a step actually asked for.
type capturedRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Timestamp int64         `json:"timestamp"`
}

// maxCapturedRequests bounds the /requests buffer.
const maxCapturedRequests = 200

type server struct {
	dims    int
	latency time.Duration

	chatCalls  atomic.Int64
	embedCalls atomic.Int64

	mu       sync.Mutex
	captured []capturedRequest
}

func newServer(dims int, latency time.Duration) *server {
	return &server{dims: dims, latency: latency}
}

func main() {
	port := flag.Int("port", 11434, "port to listen on")
	dims := flag.Int("dims", 1536, "embedding vector dimensions")
	latency := flag.Duration("latency", 0, "artificial delay per call")
	flag.Parse()

	s := newServer(*dims, *latency)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("POST /v1/embeddings", s.handleEmbeddings)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /requests", s.handleRequests)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("mock LLM listening on %s (dims=%d latency=%s)", addr, *dims, *latency)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	call := s.chatCalls.Add(1)
	log.Printf("[chat %d] model=%s messages=%d", call, req.Model, len(req.Messages))
	s.capture(req)
	s.sleep()

	content := deterministicSummary(req.Messages)
	promptTokens := 0
	for _, m := range req.Messages {
		promptTokens += approximateTokens(m.Content)
	}
	completionTokens := approximateTokens(content)

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%x", digest(req.Messages)[:6]),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
	writeJSON(w, resp)
}

func (s *server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req embeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	s.embedCalls.Add(1)
	s.sleep()

	resp := embeddingResponse{Object: "list", Model: req.Model}
	for i, text := range req.Input {
		resp.Data = append(resp.Data, embeddingData{
			Object:    "embedding",
			Index:     i,
			Embedding: deterministicVector(text, s.dims),
		})
	}
	writeJSON(w, resp)
}

func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"object": "list",
		"data": []map[string]string{
			{"id": "mock-chat", "object": "model"},
			{"id": "mock-embedding", "object": "model"},
		},
	})
}

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]int64{
		"chat_calls":  s.chatCalls.Load(),
		"embed_calls": s.embedCalls.Load(),
	})
}

func (s *server) handleRequests(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	captured := make([]capturedRequest, len(s.captured))
	copy(captured, s.captured)
	s.mu.Unlock()
	writeJSON(w, captured)
}

func (s *server) capture(req chatRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captured = append(s.captured, capturedRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		Timestamp: time.Now().UnixMilli(),
	})
	if len(s.captured) > maxCapturedRequests {
		s.captured = s.captured[len(s.captured)-maxCapturedRequests:]
	}
}

func (s *server) sleep() {
	if s.latency > 0 {
		time.Sleep(s.latency)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// digest hashes the full conversation so identical prompts map to
// identical replies.
func digest(messages []chatMessage) []byte {
	h := sha256.New()
	for _, m := range messages {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
	}
	return h.Sum(nil)
}

// deterministicSummary fabricates a plausible summary paragraph from
// the prompt digest. The subject line is pulled from the last user
// message so replies differ per node.
func deterministicSummary(messages []chatMessage) string {
	subject := "this code"
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		if s := extractSubject(messages[i].Content); s != "" {
			subject = s
		}
		break
	}

	d := digest(messages)
	return fmt.Sprintf(
		"This is a mock summary of %s (ref %x). It describes what the unit does, "+
			"why it exists within the wider system, and how it collaborates with "+
			"its callers and dependencies. Generated deterministically for testing.",
		subject, d[:6])
}

// extractSubject takes the first non-empty line of the prompt, which
// the summarizer templates lead with, and trims it to a name-sized
// fragment.
func extractSubject(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > 80 {
			line = line[:80]
		}
		return line
	}
	return ""
}

// approximateTokens estimates tokens at four characters each, the
// usual rough cut for English text.
func approximateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

// deterministicVector expands the text's hash into a unit-length
// vector. Identical text always yields the identical vector, so
// semantic-search tests can assert exact matches.
func deterministicVector(text string, dims int) []float32 {
	seed := sha256.Sum256([]byte(text))
	vec := make([]float32, dims)

	var norm float64
	counter := uint64(0)
	buf := seed[:]
	for i := 0; i < dims; i++ {
		if i%8 == 0 && i > 0 {
			h := sha256.New()
			h.Write(seed[:])
			_ = binary.Write(h, binary.LittleEndian, counter)
			buf = h.Sum(nil)
			counter++
		}
		bits := binary.LittleEndian.Uint32(buf[(i%8)*4 : (i%8)*4+4])
		// Map to [-1, 1).
		v := float64(int32(bits)) / float64(math.MaxInt32)
		vec[i] = float32(v)
		norm += v * v
	}

	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}
