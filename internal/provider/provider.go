package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrMalformedResponse is returned when a backend answers 2xx with a body the
// adapter cannot use.
var ErrMalformedResponse = errors.New("provider: malformed response")

type Request struct {
	BackendID       string
	Model           string
	System          string
	Prompt          string
	MaxOutputTokens int
	Temperature     float64
	RequestID       string
}

type Response struct {
	ID       string
	Text     string
	Model    string
	Provider string
	// UsageTokens is nil when the backend returned no usage metadata.
	UsageTokens *int64
	LatencyMs   int64
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Name() string
}

// StatusError reports a non-2xx answer from a backend.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// Usage returns a pointer suitable for Response.UsageTokens, or nil when the
// backend reported nothing.
func Usage(input, output int64) *int64 {
	if input == 0 && output == 0 {
		return nil
	}
	total := input + output
	return &total
}

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
}

type Option func(*Options)

func WithBaseURL(url string) Option {
	return func(o *Options) {
		if url != "" {
			o.BaseURL = url
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *Options) {
		if c != nil {
			o.HTTPClient = c
		}
	}
}

func ApplyOptions(defaultBaseURL string, opts []Option) Options {
	o := Options{BaseURL: defaultBaseURL, HTTPClient: http.DefaultClient}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
