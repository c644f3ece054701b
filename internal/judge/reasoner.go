package judge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
	"google.golang.org/genai"

	"github.com/dida1024/infoSentry/internal/model"
	"github.com/dida1024/infoSentry/internal/tools"
)

// maxCompletionTokens caps reasoner output. The response object is small.
const maxCompletionTokens = 512

// Default models per provider when INFOSENTRY_JUDGE_MODEL is unset.
const (
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultAnthropicModel = "claude-3-5-haiku-latest"
	DefaultGeminiModel    = "gemini-2.0-flash"
	DefaultOllamaModel    = "qwen2.5:3b"
)

// ProviderConfig selects and configures the reasoner.
type ProviderConfig struct {
	Provider        string // auto, openai, anthropic, gemini, ollama or noop
	Model           string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	GeminiAPIKey    string
	OllamaURL       string
}

// NewReasoner builds the configured reasoner. It returns nil for "noop" and
// for "auto" when no provider is configured; runs then fall back without
// dispatching. "auto" picks the first provider with credentials in the order
// openai, anthropic, gemini, ollama.
func NewReasoner(ctx context.Context, cfg ProviderConfig, logger *slog.Logger) (tools.Reasoner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	provider := cfg.Provider
	if provider == "" || provider == "auto" {
		switch {
		case cfg.OpenAIAPIKey != "":
			provider = "openai"
		case cfg.AnthropicAPIKey != "":
			provider = "anthropic"
		case cfg.GeminiAPIKey != "":
			provider = "gemini"
		case cfg.OllamaURL != "":
			provider = "ollama"
		default:
			logger.Info("judge: no reasoner configured, boundary judgments will fall back")
			return nil, nil
		}
	}

	var (
		r   tools.Reasoner
		err error
	)
	switch provider {
	case "openai":
		r, err = NewOpenAIReasoner(cfg.OpenAIAPIKey, cfg.Model)
	case "anthropic":
		r, err = NewAnthropicReasoner(cfg.AnthropicAPIKey, cfg.Model)
	case "gemini":
		r, err = NewGeminiReasoner(ctx, cfg.GeminiAPIKey, cfg.Model)
	case "ollama":
		r = NewOllamaReasoner(cfg.OllamaURL, cfg.Model, 0)
	case "noop":
		logger.Info("judge: reasoner disabled")
		return nil, nil
	default:
		return nil, fmt.Errorf("judge: unknown provider %q", provider)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("judge: reasoner configured", "reasoner", r.Name())
	return r, nil
}

// OpenAIReasoner calls the OpenAI chat completions API.
type OpenAIReasoner struct {
	client openai.Client
	model  string
}

// NewOpenAIReasoner creates an OpenAI reasoner.
func NewOpenAIReasoner(apiKey, modelName string) (*OpenAIReasoner, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("judge: openai API key is required")
	}
	if modelName == "" {
		modelName = DefaultOpenAIModel
	}
	return &OpenAIReasoner{client: openai.NewClient(openaioption.WithAPIKey(apiKey)), model: modelName}, nil
}

func (r *OpenAIReasoner) Name() string { return "openai:" + r.model }

func (r *OpenAIReasoner) Reason(ctx context.Context, req model.JudgeRequest) (model.JudgeReply, error) {
	reply := model.JudgeReply{Model: r.model}
	resp, err := r.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(r.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.Prompt),
		},
		MaxCompletionTokens: openai.Int(maxCompletionTokens),
	})
	if err != nil {
		return reply, fmt.Errorf("openai reasoner: %w", err)
	}
	reply.PromptTokens = resp.Usage.PromptTokens
	reply.CompletionTokens = resp.Usage.CompletionTokens
	if len(resp.Choices) == 0 {
		return reply, fmt.Errorf("openai reasoner: no choices returned")
	}
	reply.Raw = resp.Choices[0].Message.Content
	return reply, nil
}

// AnthropicReasoner calls the Anthropic messages API.
type AnthropicReasoner struct {
	client anthropic.Client
	model  string
}

// NewAnthropicReasoner creates an Anthropic reasoner.
func NewAnthropicReasoner(apiKey, modelName string) (*AnthropicReasoner, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("judge: anthropic API key is required")
	}
	if modelName == "" {
		modelName = DefaultAnthropicModel
	}
	return &AnthropicReasoner{client: anthropic.NewClient(anthropicoption.WithAPIKey(apiKey)), model: modelName}, nil
}

func (r *AnthropicReasoner) Name() string { return "anthropic:" + r.model }

func (r *AnthropicReasoner) Reason(ctx context.Context, req model.JudgeRequest) (model.JudgeReply, error) {
	reply := model.JudgeReply{Model: r.model}
	resp, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(r.model),
		MaxTokens: maxCompletionTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return reply, fmt.Errorf("anthropic reasoner: %w", err)
	}
	reply.PromptTokens = resp.Usage.InputTokens
	reply.CompletionTokens = resp.Usage.OutputTokens
	for _, block := range resp.Content {
		if block.Type == "text" {
			reply.Raw += block.Text
		}
	}
	return reply, nil
}

// GeminiReasoner calls the Gemini API.
type GeminiReasoner struct {
	client *genai.Client
	model  string
}

// NewGeminiReasoner creates a Gemini reasoner.
func NewGeminiReasoner(ctx context.Context, apiKey, modelName string) (*GeminiReasoner, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("judge: gemini API key is required")
	}
	if modelName == "" {
		modelName = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("judge: create gemini client: %w", err)
	}
	return &GeminiReasoner{client: client, model: modelName}, nil
}

func (r *GeminiReasoner) Name() string { return "gemini:" + r.model }

func (r *GeminiReasoner) Reason(ctx context.Context, req model.JudgeRequest) (model.JudgeReply, error) {
	reply := model.JudgeReply{Model: r.model}
	resp, err := r.client.Models.GenerateContent(ctx, r.model, genai.Text(req.Prompt), nil)
	if err != nil {
		return reply, fmt.Errorf("gemini reasoner: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return reply, fmt.Errorf("gemini reasoner: no candidates returned")
	}
	if u := resp.UsageMetadata; u != nil {
		reply.PromptTokens = int64(u.PromptTokenCount)
		reply.CompletionTokens = int64(u.CandidatesTokenCount)
	}
	if c := resp.Candidates[0].Content; c != nil {
		for _, part := range c.Parts {
			if part != nil {
				reply.Raw += part.Text
			}
		}
	}
	return reply, nil
}
