// Package knowledge retrieves context snippets from an external search
// endpoint for prompt augmentation. The capability is optional: the
// coordinator skips retrieval when no client is configured.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type searchResponse struct {
	Snippets []string `json:"snippets"`
}

// Client queries a knowledge endpoint over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limit      int
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithLimit(limit int) Option {
	return func(c *Client) {
		c.limit = limit
	}
}

// New creates a Client for the given endpoint base URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("knowledge: base url must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		limit:      3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Retrieve returns snippets relevant to query, joined for prompt
// inclusion. An empty result is not an error.
func (c *Client) Retrieve(ctx context.Context, query string) (string, error) {
	body, err := json.Marshal(searchRequest{Query: query, Limit: c.limit})
	if err != nil {
		return "", fmt.Errorf("knowledge: marshal request: %w", err)
	}

	url := c.baseURL + "/search"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("knowledge: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("knowledge: request failed: %w", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("knowledge: read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", fmt.Errorf("knowledge: unexpected status %d from %s", res.StatusCode, url)
	}

	var payload searchResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return "", fmt.Errorf("knowledge: decode response: %w", decErr)
	}
	return strings.Join(payload.Snippets, "\n\n"), nil
}
