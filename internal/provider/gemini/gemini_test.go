package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vnmchuo/llm-costgate/internal/provider"
)

func TestComplete_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-1.5-pro:generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("missing api key query param")
		}

		resp := geminiResponse{
			Candidates: []geminiCandidate{
				{Content: geminiContent{Parts: []geminiPart{{Text: "Hello from mock!"}}}},
			},
			UsageMetadata: &geminiUsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 20},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := New("test-key", provider.WithBaseURL(server.URL))

	resp, err := p.Complete(context.Background(), &provider.Request{Model: "gemini-1.5-pro", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Text != "Hello from mock!" {
		t.Errorf("Expected 'Hello from mock!', got %s", resp.Text)
	}
	if resp.UsageTokens == nil || *resp.UsageTokens != 30 {
		t.Errorf("Expected 30 usage tokens, got %v", resp.UsageTokens)
	}
	if resp.Model != "gemini-1.5-pro" {
		t.Errorf("Expected request model to be echoed, got %s", resp.Model)
	}
}

func TestComplete_NoCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer server.Close()

	p := New("key", provider.WithBaseURL(server.URL))
	_, err := p.Complete(context.Background(), &provider.Request{Model: "gemini-1.5-pro", Prompt: "hi"})
	if !errors.Is(err, provider.ErrMalformedResponse) {
		t.Errorf("Expected ErrMalformedResponse, got %v", err)
	}
}

func TestComplete_ContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New("key", provider.WithBaseURL(server.URL))
	_, err := p.Complete(ctx, &provider.Request{Model: "gemini-1.5-pro", Prompt: "hi"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestName(t *testing.T) {
	p := New("key")
	if p.Name() != "gemini" {
		t.Errorf("Expected 'gemini', got %s", p.Name())
	}
}
