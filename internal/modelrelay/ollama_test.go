package modelrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOllamaSend(t *testing.T) {
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Error(err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "pong"}},
			},
		})
	}))
	defer srv.Close()

	o, err := NewOllama(OllamaConfig{BaseURL: srv.URL, Model: "llama3.2"})
	if err != nil {
		t.Fatal(err)
	}

	out, err := o.Send(context.Background(), "foo-vm", map[string]any{"prompt": "ping"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if out["response"] != "pong" || out["model"] != "llama3.2" {
		t.Errorf("output %+v", out)
	}
	if gotBody.Model != "llama3.2" || len(gotBody.Messages) != 1 || gotBody.Messages[0].Content != "ping" {
		t.Errorf("request %+v", gotBody)
	}
}

func TestOllamaSendErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	o, err := NewOllama(OllamaConfig{BaseURL: srv.URL, Model: "ghost"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := o.Send(context.Background(), "foo-vm", map[string]any{"prompt": "x"}); err == nil {
		t.Error("backend error not surfaced")
	}
	if _, err := o.Send(context.Background(), "foo-vm", nil); err == nil {
		t.Error("missing prompt accepted")
	}
	if _, err := NewOllama(OllamaConfig{}); err == nil {
		t.Error("missing model accepted")
	}
}

func TestOllamaLog(t *testing.T) {
	var sink bytes.Buffer
	o, err := NewOllama(OllamaConfig{Model: "llama3.2", LogSink: &sink})
	if err != nil {
		t.Fatal(err)
	}

	err = o.Log(context.Background(), "foo-vm", map[string]any{
		"line":   "booted",
		"source": "kernel",
	})
	if err != nil {
		t.Fatal(err)
	}
	got := sink.String()
	if !strings.Contains(got, "foo-vm") || !strings.Contains(got, "kernel: booted") {
		t.Errorf("log line %q", got)
	}
}
