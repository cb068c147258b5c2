package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vnmchuo/llm-costgate/internal/provider"
)

const defaultBaseURL = "https://api.openai.com/v1"

// OpenAIProvider speaks the chat completions API. Any OpenAI-compatible
// server (vLLM, Ollama, LM Studio) works through WithBaseURL.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Message openAIMessage `json:"message"`
}

type openAIUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

func New(apiKey string, opts ...provider.Option) *OpenAIProvider {
	o := provider.ApplyOptions(defaultBaseURL, opts)
	return &OpenAIProvider{
		apiKey:     apiKey,
		baseURL:    o.BaseURL,
		httpClient: o.HTTPClient,
	}
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))
	}

	start := time.Now()
	resp, err := p.client().Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &provider.StatusError{Provider: p.Name(), StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var openAIResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&openAIResp); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformedResponse, err)
	}

	if len(openAIResp.Choices) == 0 {
		return nil, fmt.Errorf("%w: openai api returned no choices", provider.ErrMalformedResponse)
	}

	out := &provider.Response{
		ID:        openAIResp.ID,
		Text:      openAIResp.Choices[0].Message.Content,
		Model:     openAIResp.Model,
		Provider:  p.Name(),
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if u := openAIResp.Usage; u != nil {
		if u.TotalTokens > 0 {
			total := u.TotalTokens
			out.UsageTokens = &total
		} else {
			out.UsageTokens = provider.Usage(u.PromptTokens, u.CompletionTokens)
		}
	}
	return out, nil
}

func (p *OpenAIProvider) mapRequest(req *provider.Request) openAIRequest {
	var messages []openAIMessage
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: req.Prompt})

	return openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxOutputTokens,
		Temperature: req.Temperature,
	}
}

func (p *OpenAIProvider) client() *http.Client {
	if p.httpClient == nil {
		return http.DefaultClient
	}
	return p.httpClient
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}
