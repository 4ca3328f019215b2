package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Tavily queries the Tavily search API. Requires an API key; when the key is
// absent the tool reports itself unavailable and the enricher skips it.
type Tavily struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewTavily(apiKey string) *Tavily {
	return &Tavily{
		apiKey:  apiKey,
		baseURL: "https://api.tavily.com",
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// NewTavilyWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewTavilyWithBaseURL(apiKey, baseURL string) *Tavily {
	t := NewTavily(apiKey)
	t.baseURL = strings.TrimRight(baseURL, "/")
	return t
}

func (t *Tavily) Name() string { return "tavily_search" }

func (t *Tavily) Available() bool { return t.apiKey != "" }

type tavilyRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results"`
	IncludeAnswer bool   `json:"include_answer"`
}

type tavilyResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (t *Tavily) Search(ctx context.Context, query string) (string, error) {
	body, err := json.Marshal(tavilyRequest{
		APIKey:        t.apiKey,
		Query:         query,
		MaxResults:    3,
		IncludeAnswer: true,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var parsed tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	var parts []string
	if parsed.Answer != "" {
		parts = append(parts, parsed.Answer)
	}
	for _, r := range parsed.Results {
		if r.Content == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("- %s (%s): %s", r.Title, r.URL, r.Content))
	}

	if len(parts) == 0 {
		return "", nil
	}
	return strings.Join(parts, "\n"), nil
}
