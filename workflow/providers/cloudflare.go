package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/flowmesh/flowd/common/logger"
	"github.com/flowmesh/flowd/common/models"
)

const cloudflareBaseURL = "https://api.cloudflare.com/client/v4"

// Cloudflare adapts the Workers AI run endpoint over plain REST. Forwarded
// MCP servers are logged and dropped.
type Cloudflare struct {
	accountID  string
	apiToken   string
	baseURL    string
	httpClient *http.Client
	log        *logger.Logger
}

// NewCloudflare creates a Workers AI adapter.
func NewCloudflare(accountID, apiToken string, log *logger.Logger) *Cloudflare {
	if log == nil {
		log = logger.Discard()
	}
	return &Cloudflare{
		accountID:  accountID,
		apiToken:   apiToken,
		baseURL:    cloudflareBaseURL,
		httpClient: &http.Client{},
		log:        log,
	}
}

// SetBaseURL overrides the API origin. Tests use this.
func (c *Cloudflare) SetBaseURL(u string) { c.baseURL = u }

func (c *Cloudflare) Name() string { return "cloudflare" }

type cloudflareResult struct {
	Response string `json:"response"`
	Usage    *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

type cloudflareEnvelope struct {
	Success bool             `json:"success"`
	Result  cloudflareResult `json:"result"`
	Errors  []struct {
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

func (c *Cloudflare) Complete(ctx context.Context, req *Request) (*Response, error) {
	if len(req.MCPServers) > 0 {
		c.log.Warn("workers ai cannot forward mcp servers, dropping", "count", len(req.MCPServers))
	}

	messages := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	messages = append(messages, req.Messages...)

	payload := map[string]any{
		"messages":   messages,
		"max_tokens": req.MaxTokens,
	}
	if req.JSONSchema != nil {
		payload["response_format"] = map[string]any{
			"type":        "json_schema",
			"json_schema": req.JSONSchema,
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/accounts/%s/ai/run/%s", c.baseURL, c.accountID, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiToken)
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("workers ai call failed: %w", err)
	}
	defer res.Body.Close()

	var envelope cloudflareEnvelope
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("invalid workers ai response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 || !envelope.Success {
		msg := "unknown error"
		if len(envelope.Errors) > 0 {
			msg = envelope.Errors[0].Message
		}
		return nil, fmt.Errorf("workers ai returned status %d: %s", res.StatusCode, msg)
	}

	out := &Response{
		Text: envelope.Result.Response,
		Message: map[string]any{
			"role":    "assistant",
			"content": envelope.Result.Response,
		},
		Usage: models.ModelUsage{Model: req.Model},
	}
	if envelope.Result.Usage != nil {
		out.Usage.InputTokens = envelope.Result.Usage.PromptTokens
		out.Usage.OutputTokens = envelope.Result.Usage.CompletionTokens
	}
	if req.JSONSchema != nil && envelope.Result.Response != "" {
		var structured any
		if err := json.Unmarshal([]byte(envelope.Result.Response), &structured); err == nil {
			out.Structured = structured
		}
	}
	return out, nil
}
