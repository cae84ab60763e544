package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"turnengine/pkg/engine/transport"
	"turnengine/pkg/logger"
)

// TransportLLM is a provider-tagged LLM implementation built on the
// shared transport.Client (pacing, retry/backoff, rate-limit
// snapshot parsing) instead of a bare *http.Client. It speaks the
// OpenAI-compatible chat/completions wire format, which covers every
// provider this engine targets except Anthropic's native Messages API
// — see DESIGN.md for why that translation is out of scope for now.
type TransportLLM struct {
	client  *transport.Client
	baseURL string
	model   string
}

// NewTransportLLM builds a provider-tagged client. opts.Provider is
// carried through to logging and error messages;
// opts.BaseURL/APIKey/Model select the actual endpoint.
func NewTransportLLM(opts transport.Options) *TransportLLM {
	if opts.ExtraHeaders == nil {
		opts.ExtraHeaders = map[string]string{}
	}
	if opts.APIKey != "" {
		opts.ExtraHeaders["Authorization"] = "Bearer " + opts.APIKey
	}
	opts.ExtraHeaders["Content-Type"] = "application/json"
	opts.ExtraHeaders["Accept"] = "text/event-stream"

	return &TransportLLM{
		client:  transport.NewClient(opts),
		baseURL: opts.BaseURL,
		model:   opts.Model,
	}
}

// LastRateLimitSnapshot satisfies runtime.RateLimitReporter.
func (c *TransportLLM) LastRateLimitSnapshot() (transport.RateLimitSnapshot, bool) {
	return c.client.LastRateLimitSnapshot()
}

func (c *TransportLLM) Stream(ctx context.Context, req LLMRequest) (LLMStream, error) {
	payload := openAIChatCompletionRequest{
		Model:       c.model,
		Messages:    toOpenAIMessages(req.Messages),
		Stream:      true,
		Temperature: 0.1,
	}
	if req.MaxTokens > 0 {
		payload.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		payload.Tools = toOpenAITools(req.Tools)
		payload.ToolChoice = "auto"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(c.baseURL, "/") + "/chat/completions"
	resp, err := c.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	})
	if err != nil {
		logger.Error("Transport", "LLM request failed", map[string]interface{}{"error": err.Error(), "url": url})
		return nil, err
	}

	logger.Info("Transport", "LLM request succeeded, starting stream", map[string]interface{}{
		"url":   url,
		"model": c.model,
	})
	return newOpenAIStream(resp.Body), nil
}

// RateLimitReporter is implemented by LLM adapters that expose the
// provider's most recent rate-limit usage snapshot, letting the turn
// driver surface it as an api.EventRateLimit without coupling the
// turn driver to any one provider's HTTP client.
type RateLimitReporter interface {
	LastRateLimitSnapshot() (transport.RateLimitSnapshot, bool)
}
