// Package diffusion is the HTTP client for the image generation worker.
// The worker accepts a prompt plus numeric parameters and returns base64
// PNG images; supplying a source image switches it to variation (img2img)
// mode.
package diffusion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const generateTimeout = 300 * time.Second

// GenerateRequest describes one generation call.
type GenerateRequest struct {
	Prompt        string  `json:"prompt"`
	Width         int     `json:"width,omitempty"`
	Height        int     `json:"height,omitempty"`
	NumImages     int     `json:"num_images,omitempty"`
	NumSteps      int     `json:"num_steps,omitempty"`
	GuidanceScale float64 `json:"guidance_scale,omitempty"`
	Seed          int64   `json:"seed"`
	ModelVariant  string  `json:"model_variant,omitempty"`
	SourceB64     string  `json:"source_b64,omitempty"` // enables img2img
	Strength      float64 `json:"strength,omitempty"`
}

// GenerateResult is the worker's response.
type GenerateResult struct {
	Images []string `json:"images"` // base64 PNG
	Time   float64  `json:"time"`   // seconds spent on the worker
	Model  string   `json:"model"`
}

// Client calls the generation worker endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: generateTimeout,
		},
	}
}

// Generate runs one generation call. The worker declines bad parameters with
// a JSON error body, which is surfaced verbatim.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate/sync", bytes.NewReader(body))
	if err != nil {
		return GenerateResult{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return GenerateResult{}, fmt.Errorf("worker returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result GenerateResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return GenerateResult{}, fmt.Errorf("decoding response: %w", err)
	}
	if len(result.Images) == 0 {
		return GenerateResult{}, fmt.Errorf("worker returned no images")
	}
	return result, nil
}

// Health reports whether the worker is reachable and its model is loaded.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("worker health returned status %d", resp.StatusCode)
	}
	return nil
}
