package modelrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/vmwarden/vmwarden/internal/model"
)

// OllamaConfig holds local inference server settings.
type OllamaConfig struct {
	BaseURL string // e.g. http://127.0.0.1:11434
	Model   string
	LogSink io.Writer
}

// Ollama relays payloads to a local OpenAI-compatible chat endpoint.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
	sink    io.Writer
	mu      sync.Mutex
}

// NewOllama builds an Ollama transport.
func NewOllama(cfg OllamaConfig) (*Ollama, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:11434"
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("modelrelay: ollama model required")
	}
	sink := cfg.LogSink
	if sink == nil {
		sink = os.Stderr
	}
	return &Ollama{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		client:  &http.Client{Timeout: 120 * time.Second},
		sink:    sink,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Send relays a prompt payload to the chat completions endpoint.
func (o *Ollama) Send(ctx context.Context, target model.TargetID, payload map[string]any) (map[string]any, error) {
	prompt, _ := payload["prompt"].(string)
	if prompt == "" {
		return nil, fmt.Errorf("modelrelay: missing prompt in payload")
	}

	body, err := json.Marshal(chatRequest{
		Model:    o.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("modelrelay: marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("modelrelay: build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("modelrelay: ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("modelrelay: ollama status %d: %s", resp.StatusCode, slurp)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("modelrelay: decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("modelrelay: ollama returned no choices")
	}

	return map[string]any{
		"model":    o.model,
		"response": parsed.Choices[0].Message.Content,
	}, nil
}

// Log writes a model log line to the configured sink.
func (o *Ollama) Log(ctx context.Context, target model.TargetID, payload map[string]any) error {
	return writeLogLine(&o.mu, o.sink, target, payload)
}
