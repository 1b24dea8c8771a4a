package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
	defaultModel        = "claude-sonnet-4-20250514"
)

// Anthropic is the production Client against the Anthropic messages API.
type Anthropic struct {
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewAnthropic builds a client. Empty apiKey falls back to
// ANTHROPIC_API_KEY; empty model uses the default.
func NewAnthropic(apiKey, model string) *Anthropic {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if model == "" {
		model = defaultModel
	}
	return &Anthropic{
		apiKey: apiKey,
		model:  model,
		// Extended thinking calls run long; the caller's ctx carries
		// the real deadline.
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	System      string             `json:"system,omitempty"`
	Thinking    *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete performs one messages-API call.
func (a *Anthropic) Complete(ctx context.Context, req Request) (Response, error) {
	if a.apiKey == "" {
		return Response{}, &Error{Kind: KindOther, Err: fmt.Errorf("no API key configured")}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}
	body := anthropicRequest{
		Model:     a.model,
		Messages:  []anthropicMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens: maxTokens,
		System:    req.System,
	}
	if req.ThinkingBudget > 0 {
		body.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: req.ThinkingBudget}
	} else if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}

	data, err := json.Marshal(body)
	if err != nil {
		return Response{}, &Error{Kind: KindOther, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicAPIURL, bytes.NewReader(data))
	if err != nil {
		return Response{}, &Error{Kind: KindOther, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, &Error{Kind: KindConnection, Err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{}, &Error{Kind: KindConnection, Err: err}
	}

	if httpResp.StatusCode != http.StatusOK {
		var apiErr anthropicError
		msg := string(raw)
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		kind := KindStatus
		if httpResp.StatusCode == http.StatusTooManyRequests {
			kind = KindRateLimit
		}
		return Response{}, &Error{Kind: kind, Status: httpResp.StatusCode, Err: fmt.Errorf("%s", msg)}
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, &Error{Kind: KindOther, Err: fmt.Errorf("decoding response: %w", err)}
	}

	var resp Response
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "thinking":
			resp.Thinking += block.Thinking
		}
	}
	if resp.Text == "" {
		return Response{}, &Error{Kind: KindOther, Err: fmt.Errorf("empty completion (stop_reason=%s)", parsed.StopReason)}
	}
	return resp, nil
}
