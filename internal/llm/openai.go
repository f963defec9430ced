package llm

import (
	"context"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenRouterBaseURL is the OpenAI-compatible endpoint of OpenRouter.
const OpenRouterBaseURL = "https://openrouter.ai/api/v1"

// openAIProvider talks to the chat completions API. OpenRouter is served by the
// same adapter pointed at a different base URL.
type openAIProvider struct {
	name   string
	client openai.Client
}

func newOpenAIProvider(name, apiKey, baseURL string, httpClient *http.Client) *openAIProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Retries are handled by the Router so they are counted and logged once.
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &openAIProvider{name: name, client: openai.NewClient(opts...)}
}

func (p *openAIProvider) Name() string { return p.name }

func (p *openAIProvider) complete(ctx context.Context, req request) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(req.Model),
		Messages:    make([]openai.ChatCompletionMessageParamUnion, 0, 2),
		Temperature: openai.Float(req.Temperature),
	}
	if req.System != "" {
		params.Messages = append(params.Messages, openai.SystemMessage(req.System))
	}
	params.Messages = append(params.Messages, openai.UserMessage(req.User))
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: openai.Ptr(shared.NewResponseFormatJSONObjectParam()),
		}
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(completion.Choices) == 0 {
		return "", errEmptyResponse
	}
	return completion.Choices[0].Message.Content, nil
}
