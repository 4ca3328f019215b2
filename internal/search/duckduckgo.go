package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxPageFetchSize = 1 << 20 // 1MB

// DuckDuckGo queries the Instant Answer API. No credential required, which
// makes it the first tool in the enrichment priority order.
type DuckDuckGo struct {
	baseURL    string
	httpClient *http.Client
}

func NewDuckDuckGo() *DuckDuckGo {
	return &DuckDuckGo{
		baseURL: "https://api.duckduckgo.com",
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NewDuckDuckGoWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewDuckDuckGoWithBaseURL(baseURL string) *DuckDuckGo {
	d := NewDuckDuckGo()
	d.baseURL = strings.TrimRight(baseURL, "/")
	return d
}

func (d *DuckDuckGo) Name() string { return "duckduckgo_search" }

func (d *DuckDuckGo) Available() bool { return true }

type instantAnswer struct {
	AbstractText  string `json:"AbstractText"`
	AbstractURL   string `json:"AbstractURL"`
	RelatedTopics []struct {
		Text string `json:"Text"`
	} `json:"RelatedTopics"`
}

func (d *DuckDuckGo) Search(ctx context.Context, query string) (string, error) {
	u := fmt.Sprintf("%s/?q=%s&format=json&no_html=1", d.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var answer instantAnswer
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	var parts []string
	if answer.AbstractText != "" {
		parts = append(parts, answer.AbstractText)
	} else if answer.AbstractURL != "" {
		// No ready abstract; fetch the source page and extract readable text.
		if text := d.fetchReadable(ctx, answer.AbstractURL); text != "" {
			parts = append(parts, text)
		}
	}
	for i, topic := range answer.RelatedTopics {
		if i >= 3 {
			break
		}
		if topic.Text != "" {
			parts = append(parts, "- "+topic.Text)
		}
	}

	if len(parts) == 0 {
		return "", nil
	}
	return strings.Join(parts, "\n"), nil
}

func (d *DuckDuckGo) fetchReadable(ctx context.Context, pageURL string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return ""
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ""
	}
	return ExtractText(io.LimitReader(resp.Body, maxPageFetchSize), 1500)
}
