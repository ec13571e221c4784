package verify

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/miradorstack/mirador-audit/internal/models"
	"github.com/miradorstack/mirador-audit/internal/utils"
)

// OpenAIProvider calls an OpenAI-compatible chat completions endpoint.
// SDK retries are disabled; the orchestrator owns retry and backoff.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider builds a provider for apiKey. An empty baseURL uses the SDK default.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{client: openai.NewClient(opts...)}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Metered() bool { return true }

// Complete sends one chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (Response, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(req.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.User),
		},
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(req.MaxTokens)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return Response{}, &StatusError{StatusCode: apiErr.StatusCode, Err: err}
		}
		return Response{}, err
	}
	if len(completion.Choices) == 0 {
		return Response{}, utils.NewCodedError(utils.CodeLLMBadResponse, "verify.openai", "completion has no choices", nil)
	}
	return Response{
		Content: completion.Choices[0].Message.Content,
		Usage: models.TokenUsage{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
			TotalTokens:      completion.Usage.TotalTokens,
		},
	}, nil
}
