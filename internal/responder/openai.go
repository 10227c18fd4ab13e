// ABOUTME: OpenAI-compatible chat completion backend for the automated responder
// ABOUTME: Asks the model for a JSON object with an answer and a handover flag

package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultSystemPrompt instructs the model to reply in the object shape
// understood by ParseResponse.
const DefaultSystemPrompt = `You are a customer support assistant answering chat messages.
Reply with a JSON object: {"answer": "<reply to the customer>", "handover": <true|false>}.
Set "handover" to true when the customer asks for a human or you cannot help.`

// DefaultModel is used when no model is configured.
const DefaultModel = openai.GPT4oMini

// OpenAIConfig configures an OpenAIBackend.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
}

// OpenAIBackend answers requests with a chat completion.
type OpenAIBackend struct {
	client       *openai.Client
	model        string
	systemPrompt string
}

// NewOpenAIBackend creates a backend for any OpenAI-compatible endpoint.
func NewOpenAIBackend(cfg OpenAIConfig) *OpenAIBackend {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}

	return &OpenAIBackend{
		client:       openai.NewClientWithConfig(config),
		model:        model,
		systemPrompt: prompt,
	}
}

// Call runs one completion and returns its content as a JSON payload.
func (o *OpenAIBackend) Call(ctx context.Context, req *Request) ([]byte, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.Body},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no response choices", ErrMalformedResponse)
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if strings.HasPrefix(content, "{") && json.Valid([]byte(content)) {
		return []byte(content), nil
	}

	// Models occasionally ignore the format; treat plain text as a bare answer.
	return json.Marshal(content)
}
