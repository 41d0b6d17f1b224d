// Copyright 2025 The Emissia Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/moveslab/emissia/pkg/config"
)

const defaultTimeout = 120 * time.Second

// Client is an OpenAI-compatible chat client for one role assignment.
// When a proxy is configured it is tried first; transports that fail
// with connection-class errors fall over to the direct transport, and
// whichever transport succeeds is promoted for subsequent requests.
type Client struct {
	model       string
	temperature float64
	maxTokens   int
	apiKey      string
	baseURL     string

	mu      sync.Mutex
	clients []*http.Client // active order
	labels  []string
}

// NewClient builds a client for a role from the service configuration.
func NewClient(cfg *config.Config, role string) (*Client, error) {
	assignment := cfg.Assignment(role)
	provider, ok := cfg.Providers[assignment.Provider]
	if !ok {
		return nil, fmt.Errorf("[LLM:NewClient] unknown provider %q", assignment.Provider)
	}
	if provider.BaseURL == "" {
		return nil, fmt.Errorf("[LLM:NewClient] provider %q has no base_url", assignment.Provider)
	}

	c := &Client{
		model:       assignment.Model,
		temperature: assignment.Temperature,
		maxTokens:   assignment.MaxTokens,
		apiKey:      provider.APIKey,
		baseURL:     strings.TrimSuffix(provider.BaseURL, "/"),
	}

	direct := &http.Client{Timeout: defaultTimeout}
	if proxy := cfg.Proxy(); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("[LLM:NewClient] invalid proxy %q: %w", proxy, err)
		}
		proxied := &http.Client{
			Timeout:   defaultTimeout,
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
		c.clients = []*http.Client{proxied, direct}
		c.labels = []string{"proxy", "direct"}
		slog.Info("LLM client using proxy", "proxy", proxy, "model", c.model)
	} else {
		c.clients = []*http.Client{direct}
		c.labels = []string{"direct"}
	}

	return c, nil
}

// NewLocalClient builds a client for a bare OpenAI-compatible endpoint
// on the local network, bypassing provider configuration and proxies.
// Used for the fine-tuned standardizer model.
func NewLocalClient(baseURL, model string) *Client {
	return &Client{
		model:     model,
		maxTokens: 200,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		clients:   []*http.Client{{Timeout: defaultTimeout}},
		labels:    []string{"direct"},
	}
}

// isConnectionError reports whether err is a transport-level failure
// worth retrying on another transport. Application errors fail fast.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	for _, keyword := range []string{
		"connection error",
		"connecterror",
		"timed out",
		"unexpected eof",
		"ssl",
		"tls",
		"connection refused",
		"no such host",
	} {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

// Chat performs a completion without tools.
func (c *Client) Chat(ctx context.Context, messages []Message, system string, temperature *float64) (*Response, error) {
	req := c.buildRequest(messages, system, temperature)
	return c.complete(ctx, req, "LLM chat")
}

// ChatWithTools performs a completion with tool use enabled.
func (c *Client) ChatWithTools(ctx context.Context, messages []Message, tools []ToolDefinition, system string, temperature *float64) (*Response, error) {
	req := c.buildRequest(messages, system, temperature)
	for _, t := range tools {
		req.Tools = append(req.Tools, openAITool{Type: "function", Function: t})
	}
	req.ToolChoice = "auto"
	return c.complete(ctx, req, "LLM chat with tools")
}

// ChatJSON performs a completion in JSON mode and decodes the object.
func (c *Client) ChatJSON(ctx context.Context, prompt, system string) (map[string]interface{}, error) {
	req := c.buildRequest([]Message{{Role: "user", Content: prompt}}, system, nil)
	req.Temperature = 0.3
	req.ResponseFmt = &responseFormat{Type: "json_object"}

	resp, err := c.complete(ctx, req, "LLM JSON chat")
	if err != nil {
		return nil, err
	}

	var out map[string]interface{}
	if err := json.Unmarshal([]byte(resp.Content), &out); err != nil {
		return nil, fmt.Errorf("parse JSON response: %w", err)
	}
	return out, nil
}

func (c *Client) buildRequest(messages []Message, system string, temperature *float64) *openAIRequest {
	full := make([]Message, 0, len(messages)+1)
	if system != "" {
		full = append(full, Message{Role: "system", Content: system})
	}
	full = append(full, messages...)

	temp := c.temperature
	if temperature != nil {
		temp = *temperature
	}

	return &openAIRequest{
		Model:       c.model,
		Messages:    full,
		Temperature: temp,
		MaxTokens:   c.maxTokens,
	}
}

func (c *Client) complete(ctx context.Context, req *openAIRequest, operation string) (*Response, error) {
	c.mu.Lock()
	clients := make([]*http.Client, len(c.clients))
	labels := make([]string, len(c.labels))
	copy(clients, c.clients)
	copy(labels, c.labels)
	c.mu.Unlock()

	var lastErr error
	for i, httpClient := range clients {
		resp, err := c.doRequest(ctx, httpClient, req)
		if err == nil {
			c.promote(i)
			if labels[i] == "direct" && len(clients) > 1 && i > 0 {
				slog.Warn(operation + ": switched to direct connection after proxy failure")
			}
			return resp, nil
		}

		lastErr = err
		if !isConnectionError(err) {
			return nil, err
		}
		slog.Warn(operation+" transport failed", "transport", labels[i], "error", err)
	}

	return nil, fmt.Errorf("%s: %w", operation, lastErr)
}

// promote moves the transport at index i to the front of the active order.
func (c *Client) promote(i int) {
	if i == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.clients) {
		return
	}
	client, label := c.clients[i], c.labels[i]
	c.clients = append([]*http.Client{client}, append(c.clients[:i:i], c.clients[i+1:]...)...)
	c.labels = append([]string{label}, append(c.labels[:i:i], c.labels[i+1:]...)...)
}

func (c *Client) doRequest(ctx context.Context, httpClient *http.Client, req *openAIRequest) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var parsed openAIResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse response (status %d): %w", httpResp.StatusCode, err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("API error (%s): %s", parsed.Error.Type, parsed.Error.Message)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d: %s", httpResp.StatusCode, string(respBody))
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("API returned no choices")
	}

	choice := parsed.Choices[0]
	return &Response{
		Content:      choice.Message.Content,
		ToolCalls:    parseToolCalls(choice.Message.ToolCalls),
		FinishReason: choice.FinishReason,
	}, nil
}
