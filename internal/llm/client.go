// Package llm is the pass-through collaborator for the language-model
// upstream: a plain chat completion for /chat and an image-plus-prompt
// analysis for /analyze_screen. It holds no state and does no gating.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"

	chatModel   = "gpt-4o-mini"
	visionModel = "gpt-4.1-mini"

	systemPrompt = "You are a calm step-by-step assistant."
)

// Option configures the client.
type Option func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client is a custom HTTP client for the OpenAI API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// New creates a new client. An empty API key produces an unconfigured client;
// handlers check Configured before use.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether an upstream API key is present.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends a single user message through the chat completions API and
// returns the assistant reply.
func (c *Client) Complete(ctx context.Context, message string) (string, error) {
	req := chatCompletionRequest{
		Model: chatModel,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: message},
		},
	}

	var resp chatCompletionResponse
	if err := c.post(ctx, "/chat/completions", req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}

type responseContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type responseInput struct {
	Role    string                `json:"role"`
	Content []responseContentPart `json:"content"`
}

type responsesRequest struct {
	Model string          `json:"model"`
	Input []responseInput `json:"input"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
}

// AnalyzeImage sends a prompt plus a base64-encoded JPEG through the
// responses API and returns the concatenated text output.
func (c *Client) AnalyzeImage(ctx context.Context, prompt, imageB64 string) (string, error) {
	req := responsesRequest{
		Model: visionModel,
		Input: []responseInput{{
			Role: "user",
			Content: []responseContentPart{
				{Type: "input_text", Text: prompt},
				{Type: "input_image", ImageURL: "data:image/jpeg;base64," + imageB64},
			},
		}},
	}

	var resp responsesResponse
	if err := c.post(ctx, "/responses", req, &resp); err != nil {
		return "", err
	}

	var out strings.Builder
	for _, item := range resp.Output {
		for _, part := range item.Content {
			if part.Type == "output_text" {
				out.WriteString(part.Text)
			}
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("empty analysis response")
	}
	return out.String(), nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("User-Agent", "entitled-gateway/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
