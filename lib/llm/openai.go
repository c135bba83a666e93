// Copyright 2026 The SafeExec Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// DefaultMaxTokens is the completion budget used when the client
// configuration leaves MaxTokens zero.
const DefaultMaxTokens = 4096

// Request is one blocking completion request.
type Request struct {
	// System is an optional system prompt, sent as the first message
	// with role "system".
	System string

	// Prompt is the user message text.
	Prompt string

	// MaxTokens caps the completion length. Zero means the client's
	// configured default.
	MaxTokens int

	// Temperature is the sampling temperature. Nil leaves the
	// provider default in place.
	Temperature *float64
}

// Response is the parsed completion.
type Response struct {
	// Model is the model name reported by the provider.
	Model string

	// Text is the assistant message text.
	Text string

	// FinishReason is the provider's finish reason ("stop",
	// "length", ...).
	FinishReason string

	// InputTokens and OutputTokens are the usage counts reported by
	// the provider.
	InputTokens  int64
	OutputTokens int64
}

// Config holds the connection settings for a chat endpoint.
type Config struct {
	// BaseURL is the API base, typically ending in /v1
	// (e.g., "https://api.openai.com/v1"). The client appends
	// /chat/completions.
	BaseURL string

	// APIKey is sent as a bearer token. Empty means no
	// Authorization header, for local inference servers.
	APIKey string

	// Model is the model name placed in every request.
	Model string

	// MaxTokens is the default completion budget. Zero means
	// [DefaultMaxTokens].
	MaxTokens int

	// HTTPClient overrides the transport. Nil means
	// http.DefaultClient; request deadlines come from the caller's
	// context either way.
	HTTPClient *http.Client
}

// Client is a blocking client for one OpenAI-compatible chat endpoint.
// It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	model      string
	maxTokens  int
}

// NewClient creates a client from connection settings.
func NewClient(config Config) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	maxTokens := config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Client{
		httpClient: httpClient,
		endpoint:   strings.TrimSuffix(config.BaseURL, "/") + "/chat/completions",
		apiKey:     config.APIKey,
		model:      config.Model,
		maxTokens:  maxTokens,
	}
}

// Model returns the configured model name.
func (client *Client) Model() string {
	return client.model
}

// Complete sends a request and blocks until the full response is
// available.
func (client *Client) Complete(ctx context.Context, request Request) (*Response, error) {
	wireRequest := client.buildRequest(request)

	httpResponse, err := doProviderRequest(ctx, client.httpClient,
		client.endpoint, client.apiKey, wireRequest)
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	var wireResp openaiResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&wireResp); err != nil {
		return nil, fmt.Errorf("llm: decoding response: %w", err)
	}
	return wireResp.toResponse(), nil
}

// Chat submits one user message and returns the assistant text. This
// is the shape the broker's capability surface consumes.
func (client *Client) Chat(ctx context.Context, prompt string) (string, error) {
	response, err := client.Complete(ctx, Request{Prompt: prompt})
	if err != nil {
		return "", err
	}
	return response.Text, nil
}

// buildRequest converts our types to the Chat Completions wire format.
func (client *Client) buildRequest(request Request) openaiRequest {
	maxTokens := request.MaxTokens
	if maxTokens <= 0 {
		maxTokens = client.maxTokens
	}
	wireRequest := openaiRequest{
		Model:       client.model,
		MaxTokens:   maxTokens,
		Temperature: request.Temperature,
	}
	if request.System != "" {
		wireRequest.Messages = append(wireRequest.Messages, openaiMessage{
			Role:    "system",
			Content: request.System,
		})
	}
	wireRequest.Messages = append(wireRequest.Messages, openaiMessage{
		Role:    "user",
		Content: request.Prompt,
	})
	return wireRequest
}

// --- Wire types ---
//
// These map directly to the OpenAI Chat Completions API JSON format.
// Content is a plain string: the broker sends text-only messages.

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

func (wireResponse *openaiResponse) toResponse() *Response {
	response := &Response{
		Model:        wireResponse.Model,
		InputTokens:  wireResponse.Usage.PromptTokens,
		OutputTokens: wireResponse.Usage.CompletionTokens,
	}
	if len(wireResponse.Choices) == 0 {
		return response
	}
	choice := wireResponse.Choices[0]
	response.Text = choice.Message.Content
	response.FinishReason = choice.FinishReason
	return response
}
