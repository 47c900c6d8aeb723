package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultFirecrawlURL = "https://api.firecrawl.dev"
	extractDealsPrompt  = "Extract the current product deals from this web store. " +
		"Return every deal as an object following the provided schema."
)

// dealSchema is the JSON schema sent with each extraction request.
var dealSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"deals": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []string{"title", "url", "price", "currency"},
				"properties": map[string]any{
					"title":    map[string]any{"type": "string", "description": "The title or name of the product/deal"},
					"url":      map[string]any{"type": "string", "pattern": "^https?://.+", "description": "The full URL of the deal page"},
					"image":    map[string]any{"type": "string", "pattern": "^https?://.+", "description": "The main product image URL"},
					"price":    map[string]any{"type": "number", "minimum": 0, "description": "The current price of the item"},
					"currency": map[string]any{"type": "string", "minLength": 3, "maxLength": 3, "description": "The currency code (e.g., USD, EUR)"},
					"msrp":     map[string]any{"type": "number", "minimum": 0, "description": "The original/MSRP price before discount"},
				},
			},
		},
	},
	"required": []string{"deals"},
}

// Firecrawl is an Agent backed by the Firecrawl agent API.
type Firecrawl struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewFirecrawl creates a Firecrawl client. An empty baseURL uses the public API.
func NewFirecrawl(apiKey, baseURL string) *Firecrawl {
	if baseURL == "" {
		baseURL = defaultFirecrawlURL
	}
	return &Firecrawl{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

type startAgentRequest struct {
	URLs   []string       `json:"urls"`
	Prompt string         `json:"prompt"`
	Schema map[string]any `json:"schema"`
}

type startAgentResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Error   string `json:"error"`
}

type agentStatusResponse struct {
	Success   bool            `json:"success"`
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	ExpiresAt string          `json:"expiresAt"`
}

// StartAgent submits urls for extraction.
func (f *Firecrawl) StartAgent(ctx context.Context, urls []string) (Job, error) {
	if f.apiKey == "" {
		return Job{}, &StartAgentError{URLs: urls, Err: fmt.Errorf("firecrawl api key is not configured")}
	}

	var resp startAgentResponse
	err := f.do(ctx, http.MethodPost, "/v2/agent", startAgentRequest{
		URLs:   urls,
		Prompt: extractDealsPrompt,
		Schema: dealSchema,
	}, &resp)
	if err != nil {
		return Job{}, &StartAgentError{URLs: urls, Err: err}
	}
	if resp.ID == "" {
		return Job{}, &StartAgentError{URLs: urls, Err: fmt.Errorf("no job id in response (error: %q)", resp.Error)}
	}
	return Job{ID: resp.ID}, nil
}

// AgentStatus fetches the state of a submitted job.
func (f *Firecrawl) AgentStatus(ctx context.Context, jobID string) (State, error) {
	var resp agentStatusResponse
	if err := f.do(ctx, http.MethodGet, "/v2/agent/"+url.PathEscape(jobID), nil, &resp); err != nil {
		return nil, &StatusError{JobID: jobID, Err: err}
	}

	switch resp.Status {
	case "completed":
		deals, err := decodeCandidates(resp.Data)
		if err != nil {
			return nil, &StatusError{JobID: jobID, Err: err}
		}
		return Completed{Data: deals, ExpiresAt: resp.ExpiresAt}, nil
	case "processing", "pending":
		return Pending{ExpiresAt: resp.ExpiresAt}, nil
	case "failed", "cancelled":
		msg := resp.Error
		if msg == "" {
			msg = "extraction " + resp.Status
		}
		return Failed{ErrorMessage: msg, ExpiresAt: resp.ExpiresAt}, nil
	default:
		return nil, &StatusError{JobID: jobID, Err: fmt.Errorf("unknown status %q", resp.Status)}
	}
}

// decodeCandidates accepts either a bare array or an object with a deals array.
func decodeCandidates(raw json.RawMessage) ([]Candidate, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var deals []Candidate
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &deals); err != nil {
			return nil, fmt.Errorf("decode deals: %w", err)
		}
		return deals, nil
	}

	var wrapped struct {
		Deals []Candidate `json:"deals"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("decode deals: %w", err)
	}
	return wrapped.Deals, nil
}

func (f *Firecrawl) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, f.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+f.apiKey)
	req.Header.Set("User-Agent", "dealradar/1.0")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
