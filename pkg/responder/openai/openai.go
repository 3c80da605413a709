package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"zapdesk/pkg/config"
	"zapdesk/pkg/responder/types"
)

type Client struct {
	client         osdk.Client
	requestTimeout time.Duration
	modelID        string
	temperature    float64
	maxTokens      int64
}

func New(cfg config.ResponderConfig) (*Client, error) {
	providerCfg := cfg.OpenAI
	apiKey := resolveAPIKey(providerCfg)
	if apiKey == "" {
		return nil, errors.New("responder.openai.api_key_env is required or OPENAI_API_KEY must be set")
	}

	modelID, err := normalizeModel(cfg.Model)
	if err != nil {
		return nil, err
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(providerCfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(providerCfg.Organization); organization != "" {
		opts = append(opts, option.WithOrganization(organization))
	}
	if project := strings.TrimSpace(providerCfg.Project); project != "" {
		opts = append(opts, option.WithProject(project))
	}

	requestTimeout := time.Duration(providerCfg.RequestTimeoutSeconds) * time.Second
	if requestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(requestTimeout))
	}

	return &Client{
		client:         osdk.NewClient(opts...),
		requestTimeout: requestTimeout,
		modelID:        modelID,
		temperature:    cfg.Temperature,
		maxTokens:      int64(cfg.MaxTokens),
	}, nil
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "health")
	startedAt := time.Now()
	log.Debug("provider request started")

	if _, err := c.client.Models.List(ctx); err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds())

	return nil
}

// Complete sends the system prompt, prior turns and user text as one chat completion.
func (c *Client) Complete(ctx context.Context, req types.Request) (types.Completion, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "complete")
	startedAt := time.Now()

	if strings.TrimSpace(req.UserText) == "" {
		return types.Completion{}, errors.New("user text is required")
	}

	params := osdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.modelID),
		Messages: buildMessages(req),
	}
	if c.temperature > 0 {
		params.Temperature = osdk.Float(c.temperature)
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = osdk.Int(c.maxTokens)
	}
	log.Debug("provider request started",
		"model", c.modelID,
		"history_turns", len(req.History),
		"prompt_length", len(req.UserText),
	)

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return types.Completion{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no choices")
		return types.Completion{}, errors.New("chat completion returned no choices")
	}

	text := strings.TrimSpace(completion.Choices[0].Message.Content)
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "response_length", len(text))

	usage := types.TokenUsage{
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
		TotalTokens:  completion.Usage.TotalTokens,
	}
	result := types.Completion{Text: text, Provider: "openai", Model: c.modelID}
	if !usage.IsZero() {
		result.Usage = &usage
	}
	return result, nil
}

func buildMessages(req types.Request) []osdk.ChatCompletionMessageParamUnion {
	messages := make([]osdk.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if system := strings.TrimSpace(req.SystemPrompt); system != "" {
		messages = append(messages, osdk.SystemMessage(system))
	}
	for _, turn := range req.History {
		switch turn.Role {
		case types.RoleAssistant:
			messages = append(messages, osdk.AssistantMessage(turn.Text))
		default:
			messages = append(messages, osdk.UserMessage(turn.Text))
		}
	}
	return append(messages, osdk.UserMessage(req.UserText))
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "responder.openai")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

func resolveAPIKey(cfg config.OpenAIProviderConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}

	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}

func normalizeModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("model is required")
	}

	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 {
		return model, nil
	}

	providerID := strings.TrimSpace(parts[0])
	modelID := strings.TrimSpace(parts[1])
	if providerID == "" || modelID == "" {
		return "", errors.New("model is invalid")
	}
	if providerID != "openai" {
		return "", fmt.Errorf("model provider %q is not supported by openai responder", providerID)
	}

	return modelID, nil
}
