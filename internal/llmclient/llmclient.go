// Package llmclient talks to an OpenAI-style /v1/chat/completions endpoint,
// used by both local (per-host) and cloud inference targets behind one
// interface so the dispatcher's retry/breaker layer doesn't need to know
// which kind of host it's calling.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the request body sent to /v1/chat/completions.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatChoice struct {
	Message Message `json:"message"`
}

type chatUsage struct {
	TotalTokens int `json:"total_tokens"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

// ChatResult is the normalized response handed back to the handler layer.
type ChatResult struct {
	Content string
	Tokens  int
}

// Client is a thin wrapper around one endpoint + optional bearer token.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// New builds a client for baseURL. httpClient is typically shared with
// the caller so the request deadline set by the retry layer is honored.
func New(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{BaseURL: baseURL, APIKey: apiKey, HTTPClient: httpClient}
}

// ChatCompletion issues one chat completion request. The returned
// (statusCode, body) are surfaced even on error so breaker.Classify can
// inspect HTTP-layer failures as well as transport errors.
func (c *Client) ChatCompletion(ctx context.Context, model, prompt string) (*ChatResult, int, string, error) {
	reqBody := ChatRequest{
		Model: model,
		Messages: []Message{
			{Role: "user", Content: prompt},
		},
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, 0, "", fmt.Errorf("llmclient: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, "", err
	}

	if resp.StatusCode >= 300 {
		return nil, resp.StatusCode, string(body), nil
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, resp.StatusCode, string(body), fmt.Errorf("llmclient: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, resp.StatusCode, string(body), fmt.Errorf("llmclient: empty choices in response")
	}

	return &ChatResult{
		Content: parsed.Choices[0].Message.Content,
		Tokens:  parsed.Usage.TotalTokens,
	}, resp.StatusCode, string(body), nil
}
