package ai

import (
	"context"

	"corpuschat/internal/config"
	"corpuschat/internal/models"
	"corpuschat/internal/registry"

	openai "github.com/sashabaranov/go-openai"
)

const defaultGroqBaseURL = "https://api.groq.com/openai/v1"

// groqAdapter talks to Groq's OpenAI-compatible endpoint in JSON mode.
type groqAdapter struct {
	modelSet
	baseURL string
	apiKey  string
}

func NewGroqAdapter(reg *registry.Registry, cfg config.ProviderConfig) Adapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultGroqBaseURL
	}
	return &groqAdapter{
		modelSet: newModelSet(reg, registry.ProviderGroq),
		baseURL:  baseURL,
		apiKey:   cfg.APIKey,
	}
}

func (a *groqAdapter) GenerateStream(ctx context.Context, req GenerateRequest) (*Stream, error) {
	if err := a.ValidateModel(req.Model); err != nil {
		return nil, err
	}
	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = a.apiKey
	}
	clientCfg := openai.DefaultConfig(apiKey)
	clientCfg.BaseURL = a.baseURL
	client := openai.NewClientWithConfig(clientCfg)

	prompt := withInstruction(req.Messages, false)
	messages := make([]openai.ChatCompletionMessage, 0, len(prompt))
	for _, msg := range prompt {
		role := openai.ChatMessageRoleUser
		switch msg.Role {
		case models.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case models.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}

	stream, err := client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		Stream:      true,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, generationError(a.provider, req.Model, err)
	}
	return newStream(a.provider, req.Model, groqSource{stream: stream}, req.OnFinish), nil
}

type groqSource struct {
	stream *openai.ChatCompletionStream
}

func (s groqSource) Recv() (string, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Delta.Content, nil
}

func (s groqSource) Close() {
	_ = s.stream.Close()
}
