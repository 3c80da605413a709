package fantasy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	core "charm.land/fantasy"
	provideropenai "charm.land/fantasy/providers/openai"

	"zapdesk/pkg/config"
	"zapdesk/pkg/responder/types"
)

type languageModelProvider interface {
	LanguageModel(ctx context.Context, modelID string) (core.LanguageModel, error)
}

// Client completes through a fantasy agent over the OpenAI provider. It is
// stateless; the caller supplies the conversation history on every call.
type Client struct {
	provider        languageModelProvider
	requestTimeout  time.Duration
	modelID         string
	maxOutputTokens *int64
	temperature     *float64
	generate        func(context.Context, core.LanguageModel, core.AgentCall) (*core.AgentResult, error)
}

func New(cfg config.ResponderConfig) (*Client, error) {
	apiKey := resolveAPIKey(cfg.OpenAI)
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY must be set")
	}

	modelID, err := normalizeOpenAIModel(cfg.Model)
	if err != nil {
		return nil, err
	}

	providerOptions := []provideropenai.Option{provideropenai.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.OpenAI.BaseURL); baseURL != "" {
		providerOptions = append(providerOptions, provideropenai.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(cfg.OpenAI.Organization); organization != "" {
		providerOptions = append(providerOptions, provideropenai.WithOrganization(organization))
	}
	if project := strings.TrimSpace(cfg.OpenAI.Project); project != "" {
		providerOptions = append(providerOptions, provideropenai.WithProject(project))
	}

	fantasyProvider, err := provideropenai.New(providerOptions...)
	if err != nil {
		return nil, fmt.Errorf("initialize fantasy openai provider: %w", err)
	}

	client := &Client{
		provider:       fantasyProvider,
		requestTimeout: time.Duration(cfg.OpenAI.RequestTimeoutSeconds) * time.Second,
		modelID:        modelID,
		generate:       generateWithFantasyAgent,
	}

	if cfg.MaxTokens > 0 {
		maxTokens := int64(cfg.MaxTokens)
		client.maxOutputTokens = &maxTokens
	}
	if cfg.Temperature > 0 {
		temp := cfg.Temperature
		client.temperature = &temp
	}

	return client, nil
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.provider.LanguageModel(ctx, c.modelID); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	return nil
}

func (c *Client) Complete(ctx context.Context, req types.Request) (types.Completion, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	prompt := strings.TrimSpace(req.UserText)
	if prompt == "" {
		return types.Completion{}, errors.New("user text is required")
	}

	languageModel, err := c.provider.LanguageModel(ctx, c.modelID)
	if err != nil {
		return types.Completion{}, fmt.Errorf("resolve language model: %w", err)
	}

	call := core.AgentCall{
		Prompt:   req.UserText,
		Messages: buildMessages(req),
	}
	if c.maxOutputTokens != nil {
		call.MaxOutputTokens = c.maxOutputTokens
	}
	if c.temperature != nil {
		call.Temperature = c.temperature
	}

	generate := c.generate
	if generate == nil {
		generate = generateWithFantasyAgent
	}

	result, err := generate(ctx, languageModel, call)
	if err != nil {
		return types.Completion{}, fmt.Errorf("generate failed: %w", err)
	}

	usage := types.TokenUsage{
		InputTokens:     result.TotalUsage.InputTokens,
		OutputTokens:    result.TotalUsage.OutputTokens,
		TotalTokens:     result.TotalUsage.TotalTokens,
		ReasoningTokens: result.TotalUsage.ReasoningTokens,
		CacheReadTokens: result.TotalUsage.CacheReadTokens,
	}
	completion := types.Completion{
		Text:     extractText(result.Response.Content),
		Provider: "openai",
		Model:    c.modelID,
	}
	if !usage.IsZero() {
		completion.Usage = &usage
	}
	return completion, nil
}

// buildMessages renders the system prompt and prior turns; the new user
// text travels as AgentCall.Prompt.
func buildMessages(req types.Request) []core.Message {
	messages := make([]core.Message, 0, len(req.History)+1)
	if system := strings.TrimSpace(req.SystemPrompt); system != "" {
		messages = append(messages, core.Message{
			Role:    core.MessageRoleSystem,
			Content: []core.MessagePart{core.TextPart{Text: system}},
		})
	}
	for _, turn := range req.History {
		if turn.Role == types.RoleAssistant {
			messages = append(messages, core.Message{
				Role:    core.MessageRoleAssistant,
				Content: []core.MessagePart{core.TextPart{Text: turn.Text}},
			})
			continue
		}
		messages = append(messages, core.NewUserMessage(turn.Text))
	}
	return messages
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

func normalizeOpenAIModel(model string) (string, error) {
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
		return "", fmt.Errorf("model provider %q is not supported by fantasy openai provider", providerID)
	}

	return modelID, nil
}

func extractText(content core.ResponseContent) string {
	lines := make([]string, 0)
	for _, part := range content {
		if part.GetType() != core.ContentTypeText {
			continue
		}

		textPart, ok := core.AsContentType[core.TextContent](part)
		if !ok {
			continue
		}

		line := strings.TrimSpace(textPart.Text)
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func generateWithFantasyAgent(ctx context.Context, model core.LanguageModel, call core.AgentCall) (*core.AgentResult, error) {
	return core.NewAgent(model).Generate(ctx, call)
}
