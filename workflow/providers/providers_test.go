package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChat struct {
	lastReq openai.ChatCompletionRequest
	resp    openai.ChatCompletionResponse
	err     error
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.lastReq = req
	return f.resp, f.err
}

func chatResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Model: "gpt-4o",
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{Role: "assistant", Content: content},
		}},
		Usage: openai.Usage{PromptTokens: 12, CompletionTokens: 7},
	}
}

func TestOpenAIComplete(t *testing.T) {
	chat := &fakeChat{resp: chatResponse("hello")}
	p := NewOpenAIWithChat(chat, nil)

	resp, err := p.Complete(context.Background(), &Request{
		Model:     "gpt-4o",
		MaxTokens: 256,
		System:    "be brief",
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	require.Len(t, chat.lastReq.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, chat.lastReq.Messages[0].Role)
	assert.Equal(t, "be brief", chat.lastReq.Messages[0].Content)
	assert.Equal(t, "hi", chat.lastReq.Messages[1].Content)
	assert.Equal(t, 256, chat.lastReq.MaxTokens)

	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, "assistant", resp.Message["role"])
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, 7, resp.Usage.OutputTokens)
	assert.Equal(t, "gpt-4o", resp.Usage.Model)
	assert.Nil(t, resp.Structured)
}

func TestOpenAIStructuredOutput(t *testing.T) {
	chat := &fakeChat{resp: chatResponse(`{"score": 9}`)}
	p := NewOpenAIWithChat(chat, nil)

	schema := map[string]any{"type": "object"}
	resp, err := p.Complete(context.Background(), &Request{
		Model:      "gpt-4o",
		Messages:   []Message{{Role: "user", Content: "rate this"}},
		JSONSchema: schema,
	})
	require.NoError(t, err)

	require.NotNil(t, chat.lastReq.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONSchema, chat.lastReq.ResponseFormat.Type)
	assert.Equal(t, structuredOutputTool, chat.lastReq.ResponseFormat.JSONSchema.Name)

	assert.Equal(t, map[string]any{"score": float64(9)}, resp.Structured)
}

func TestOpenAINoChoicesIsError(t *testing.T) {
	chat := &fakeChat{resp: openai.ChatCompletionResponse{}}
	p := NewOpenAIWithChat(chat, nil)

	_, err := p.Complete(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	assert.Error(t, err)
}

func TestCloudflareComplete(t *testing.T) {
	var gotPath, gotAuth string
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result": map[string]any{
				"response": "bonjour",
				"usage":    map[string]any{"prompt_tokens": 3, "completion_tokens": 2},
			},
		})
	}))
	defer srv.Close()

	p := NewCloudflare("acct-1", "cf-token", nil)
	p.SetBaseURL(srv.URL)

	resp, err := p.Complete(context.Background(), &Request{
		Model:     "@cf/meta/llama-3-8b",
		MaxTokens: 128,
		System:    "translate to french",
		Messages:  []Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "/accounts/acct-1/ai/run/@cf/meta/llama-3-8b", gotPath)
	assert.Equal(t, "Bearer cf-token", gotAuth)
	assert.Equal(t, float64(128), gotPayload["max_tokens"])
	messages := gotPayload["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])

	assert.Equal(t, "bonjour", resp.Text)
	assert.Equal(t, 3, resp.Usage.InputTokens)
	assert.Equal(t, 2, resp.Usage.OutputTokens)
	assert.Equal(t, "@cf/meta/llama-3-8b", resp.Usage.Model)
}

func TestCloudflareStructuredOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Contains(t, payload, "response_format")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result":  map[string]any{"response": `{"ok": true}`},
		})
	}))
	defer srv.Close()

	p := NewCloudflare("acct-1", "cf-token", nil)
	p.SetBaseURL(srv.URL)

	resp, err := p.Complete(context.Background(), &Request{
		Model:      "@cf/model",
		Messages:   []Message{{Role: "user", Content: "q"}},
		JSONSchema: map[string]any{"type": "object"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, resp.Structured)
}

func TestCloudflareAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"errors":  []map[string]any{{"message": "no such model"}},
		})
	}))
	defer srv.Close()

	p := NewCloudflare("acct-1", "cf-token", nil)
	p.SetBaseURL(srv.URL)

	_, err := p.Complete(context.Background(), &Request{
		Model:    "@cf/bogus",
		Messages: []Message{{Role: "user", Content: "q"}},
	})
	assert.ErrorContains(t, err, "no such model")
}

func TestProviderNames(t *testing.T) {
	assert.Equal(t, "openai", NewOpenAIWithChat(&fakeChat{}, nil).Name())
	assert.Equal(t, "cloudflare", NewCloudflare("", "", nil).Name())
}
