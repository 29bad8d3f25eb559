package providers

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/flowmesh/flowd/common/logger"
	"github.com/flowmesh/flowd/common/models"
)

// OpenAIChat is the slice of the OpenAI SDK the adapter calls.
type OpenAIChat interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI adapts the chat completions API. Structured output uses the
// json_schema response format. The chat completions API has no MCP tool
// transport, so forwarded servers are logged and dropped.
type OpenAI struct {
	chat OpenAIChat
	log  *logger.Logger
}

// NewOpenAI creates an adapter over an API key.
func NewOpenAI(apiKey string, log *logger.Logger) *OpenAI {
	if log == nil {
		log = logger.Discard()
	}
	return &OpenAI{chat: openai.NewClient(apiKey), log: log}
}

// NewOpenAIWithChat creates an adapter over an existing chat client. Tests
// use this.
func NewOpenAIWithChat(chat OpenAIChat, log *logger.Logger) *OpenAI {
	if log == nil {
		log = logger.Discard()
	}
	return &OpenAI{chat: chat, log: log}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Complete(ctx context.Context, req *Request) (*Response, error) {
	if len(req.MCPServers) > 0 {
		o.log.Warn("chat completions cannot forward mcp servers, dropping", "count", len(req.MCPServers))
	}

	chatReq := openai.ChatCompletionRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	}
	if req.System != "" {
		chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	if req.JSONSchema != nil {
		schemaBytes, err := json.Marshal(req.JSONSchema)
		if err != nil {
			return nil, fmt.Errorf("invalid json schema: %w", err)
		}
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   structuredOutputTool,
				Schema: json.RawMessage(schemaBytes),
			},
		}
	}

	resp, err := o.chat.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}
	choice := resp.Choices[0]

	out := &Response{
		Text: choice.Message.Content,
		Message: map[string]any{
			"role":    choice.Message.Role,
			"content": choice.Message.Content,
		},
		Usage: models.ModelUsage{
			Model:        resp.Model,
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if req.JSONSchema != nil && choice.Message.Content != "" {
		var structured any
		if err := json.Unmarshal([]byte(choice.Message.Content), &structured); err == nil {
			out.Structured = structured
		}
	}
	return out, nil
}
