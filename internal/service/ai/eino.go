package ai

import (
	"context"
	"fmt"

	"corpuschat/internal/config"
	"corpuschat/internal/registry"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

const defaultClaudeMaxTokens = 3000

// ChatModelFactory builds an eino chat model for one request.
type ChatModelFactory func(ctx context.Context, modelID, apiKey string) (model.BaseChatModel, error)

type einoAdapter struct {
	modelSet
	factory     ChatModelFactory
	apiKey      string
	systemFirst bool
}

// NewEinoAdapter serves provider p through chat models built by factory.
// systemFirst moves system messages ahead of the conversation.
func NewEinoAdapter(reg *registry.Registry, p registry.Provider, apiKey string, systemFirst bool, factory ChatModelFactory) Adapter {
	return &einoAdapter{
		modelSet:    newModelSet(reg, p),
		factory:     factory,
		apiKey:      apiKey,
		systemFirst: systemFirst,
	}
}

// NewOpenAIAdapter serves OpenAI models.
func NewOpenAIAdapter(reg *registry.Registry, cfg config.ProviderConfig) Adapter {
	return NewEinoAdapter(reg, registry.ProviderOpenAI, cfg.APIKey, false,
		func(ctx context.Context, modelID, apiKey string) (model.BaseChatModel, error) {
			chatCfg := &openai.ChatModelConfig{
				BaseURL: cfg.BaseURL,
				Model:   modelID,
				APIKey:  apiKey,
			}
			if cfg.MaxTokens > 0 {
				maxTokens := cfg.MaxTokens
				chatCfg.MaxTokens = &maxTokens
			}
			return openai.NewChatModel(ctx, chatCfg)
		})
}

// NewAnthropicAdapter serves Claude models. Anthropic wants system prompts first.
func NewAnthropicAdapter(reg *registry.Registry, cfg config.ProviderConfig) Adapter {
	return NewEinoAdapter(reg, registry.ProviderAnthropic, cfg.APIKey, true,
		func(ctx context.Context, modelID, apiKey string) (model.BaseChatModel, error) {
			var baseURLPtr *string
			if cfg.BaseURL != "" {
				baseURL := cfg.BaseURL
				baseURLPtr = &baseURL
			}
			maxTokens := cfg.MaxTokens
			if maxTokens <= 0 {
				maxTokens = defaultClaudeMaxTokens
			}
			return claude.NewChatModel(ctx, &claude.Config{
				APIKey:    apiKey,
				Model:     modelID,
				BaseURL:   baseURLPtr,
				MaxTokens: maxTokens,
			})
		})
}

// NewGoogleAdapter serves Gemini models.
func NewGoogleAdapter(reg *registry.Registry, cfg config.ProviderConfig) Adapter {
	return NewEinoAdapter(reg, registry.ProviderGoogle, cfg.APIKey, true,
		func(ctx context.Context, modelID, apiKey string) (model.BaseChatModel, error) {
			client, err := genai.NewClient(ctx, &genai.ClientConfig{
				APIKey:  apiKey,
				Backend: genai.BackendGeminiAPI,
			})
			if err != nil {
				return nil, fmt.Errorf("gemini client: %w", err)
			}
			return gemini.NewChatModel(ctx, &gemini.Config{
				Client: client,
				Model:  modelID,
			})
		})
}

func (a *einoAdapter) GenerateStream(ctx context.Context, req GenerateRequest) (*Stream, error) {
	if err := a.ValidateModel(req.Model); err != nil {
		return nil, err
	}
	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = a.apiKey
	}
	chatModel, err := a.factory(ctx, req.Model, apiKey)
	if err != nil {
		return nil, generationError(a.provider, req.Model, err)
	}
	prompt := toEino(withInstruction(req.Messages, a.systemFirst))
	reader, err := chatModel.Stream(ctx, prompt, model.WithTemperature(req.Temperature))
	if err != nil {
		return nil, generationError(a.provider, req.Model, err)
	}
	return newStream(a.provider, req.Model, einoSource{reader: reader}, req.OnFinish), nil
}

type einoSource struct {
	reader *schema.StreamReader[*schema.Message]
}

func (s einoSource) Recv() (string, error) {
	chunk, err := s.reader.Recv()
	if err != nil {
		return "", err
	}
	if chunk == nil {
		return "", nil
	}
	return chunk.Content, nil
}

func (s einoSource) Close() {
	s.reader.Close()
}
