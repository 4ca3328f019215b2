// Package qualitygate validates generated images against their intended
// camera angle and drives the bounded retry loop around the generation
// worker.
package qualitygate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Verdict is the outcome of one vision quality check. A unit passes only
// when the viewpoint is correct AND the subject is still visible.
type Verdict struct {
	ViewpointCorrect bool   `json:"viewpoint_correct"`
	SubjectVisible   bool   `json:"subject_visible"`
	Reason           string `json:"reason"`
}

func (v Verdict) Passed() bool {
	return v.ViewpointCorrect && v.SubjectVisible
}

// Checker is the external vision QC backend.
type Checker interface {
	// Available reports whether the checker's credential is present.
	Available() bool
	// Check judges whether imageB64 matches the expected description.
	Check(ctx context.Context, imageB64, expected string) (Verdict, error)
}

const checkPromptFormat = `Judge this generated image against its intended description: %q.

Answer two yes/no questions and respond ONLY with valid JSON:
{"viewpoint_correct": true, "subject_visible": true, "reason": "short explanation"}

- viewpoint_correct: is the camera angle/viewpoint what the description asks for?
- subject_visible: is the main subject still clearly visible?`

// GeminiChecker checks images with the Gemini vision API.
type GeminiChecker struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

func NewGeminiChecker(apiKey string) *GeminiChecker {
	return &GeminiChecker{
		apiKey:  apiKey,
		model:   "gemini-2.0-flash",
		baseURL: "https://generativelanguage.googleapis.com",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewGeminiCheckerWithBaseURL creates a checker pointing at a custom base URL (for testing).
func NewGeminiCheckerWithBaseURL(apiKey, baseURL string) *GeminiChecker {
	c := NewGeminiChecker(apiKey)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

func (c *GeminiChecker) Available() bool { return c.apiKey != "" }

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

func (c *GeminiChecker) Check(ctx context.Context, imageB64, expected string) (Verdict, error) {
	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{
			Parts: []geminiPart{
				{Text: fmt.Sprintf(checkPromptFormat, expected)},
				{InlineData: &geminiInlineData{MimeType: "image/png", Data: imageB64}},
			},
		}},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("marshaling request: %w", err)
	}

	u := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Verdict{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Verdict{}, fmt.Errorf("decoding response: %w", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return Verdict{}, fmt.Errorf("empty candidates in response")
	}

	raw := parsed.Candidates[0].Content.Parts[0].Text
	if match := jsonObjectRe.FindString(raw); match != "" {
		raw = match
	}

	var verdict Verdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return Verdict{}, fmt.Errorf("parsing verdict JSON: %w", err)
	}
	return verdict, nil
}
