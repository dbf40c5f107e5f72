// Package tavily serves the agent's web_search tool through the Tavily
// Search API, an AI-native search engine with a simple JSON endpoint.
package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/melodyhq/voice-gateway/pkg/gateway/actions"
)

const defaultBaseURL = "https://api.tavily.com"

// Option configures a Search client.
type Option func(*Search)

// WithBaseURL overrides the Tavily API base URL.
func WithBaseURL(url string) Option {
	return func(s *Search) { s.baseURL = url }
}

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Search) { s.client = client }
}

// Search implements the web searcher the Spotify action service composes.
type Search struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// New creates a Tavily search provider.
func New(apiKey string, opts ...Option) *Search {
	s := &Search{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type searchRequest struct {
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth,omitempty"`
	MaxResults  int    `json:"max_results,omitempty"`
}

type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search runs one query and returns trimmed hits.
func (s *Search) Search(ctx context.Context, query string, limit int) ([]actions.SearchHit, error) {
	if limit <= 0 {
		limit = 5
	}
	body, err := json.Marshal(searchRequest{Query: query, SearchDepth: "basic", MaxResults: limit})
	if err != nil {
		return nil, fmt.Errorf("tavily: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tavily: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tavily: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("tavily: API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("tavily: decode response: %w", err)
	}

	hits := make([]actions.SearchHit, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		hits = append(hits, actions.SearchHit{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return hits, nil
}
