package opencode

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	sdk "github.com/sst/opencode-sdk-go"
	"github.com/sst/opencode-sdk-go/option"

	"zapdesk/pkg/config"
	"zapdesk/pkg/responder/types"
)

// Client completes through an OpenCode server. Every call opens a fresh
// server session so no state leaks between conversations.
type Client struct {
	client         *sdk.Client
	requestTimeout time.Duration
	model          string
}

type healthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

func New(cfg config.ResponderConfig) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.OpenCode.BaseURL)
	if baseURL == "" {
		return nil, errors.New("responder.opencode.base_url is required")
	}

	opts := []option.RequestOption{option.WithBaseURL(baseURL)}
	if authHeader, ok := buildBasicAuthHeader(cfg.OpenCode); ok {
		opts = append(opts, option.WithHeader("Authorization", authHeader))
	}

	return &Client{
		client:         sdk.NewClient(opts...),
		requestTimeout: time.Duration(cfg.OpenCode.RequestTimeoutSeconds) * time.Second,
		model:          strings.TrimSpace(cfg.Model),
	}, nil
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "health")
	startedAt := time.Now()
	log.Debug("provider request started")

	var response healthResponse
	if err := c.client.Get(ctx, "/global/health", nil, &response); err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return fmt.Errorf("health check failed: %w", err)
	}
	if !response.Healthy {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "server unhealthy")
		return errors.New("opencode server reported unhealthy status")
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "version", response.Version)
	return nil
}

func (c *Client) Complete(ctx context.Context, req types.Request) (types.Completion, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "complete")
	startedAt := time.Now()

	prompt := renderPrompt(req)
	if prompt == "" {
		return types.Completion{}, errors.New("user text is required")
	}
	log.Debug("provider request started", "model", c.model, "history_turns", len(req.History), "prompt_length", len(prompt))

	session, err := c.client.Session.New(ctx, sdk.SessionNewParams{Title: sdk.F("zapdesk")})
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return types.Completion{}, fmt.Errorf("create session failed: %w", err)
	}
	if session.ID == "" {
		return types.Completion{}, errors.New("create session returned empty session id")
	}

	params := sdk.SessionPromptParams{
		Parts: sdk.F([]sdk.SessionPromptParamsPartUnion{
			sdk.TextPartInputParam{
				Type: sdk.F(sdk.TextPartInputTypeText),
				Text: sdk.F(prompt),
			},
		}),
	}
	if providerID, modelID, ok := parseModelRef(c.model); ok {
		params.Model = sdk.F(sdk.SessionPromptParamsModel{
			ProviderID: sdk.F(providerID),
			ModelID:    sdk.F(modelID),
		})
	}

	response, err := c.client.Session.Prompt(ctx, session.ID, params)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return types.Completion{}, fmt.Errorf("prompt failed: %w", err)
	}

	text := extractText(response.Parts)
	log.Debug("provider request completed",
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"response_length", len(text),
		"parts_count", len(response.Parts),
	)

	usage := types.TokenUsage{
		InputTokens:     tokenCount(response.Info.Tokens.Input),
		OutputTokens:    tokenCount(response.Info.Tokens.Output),
		TotalTokens:     tokenCount(response.Info.Tokens.Input) + tokenCount(response.Info.Tokens.Output),
		ReasoningTokens: tokenCount(response.Info.Tokens.Reasoning),
		CacheReadTokens: tokenCount(response.Info.Tokens.Cache.Read),
	}
	completion := types.Completion{
		Text:     text,
		Provider: strings.TrimSpace(response.Info.ProviderID),
		Model:    strings.TrimSpace(response.Info.ModelID),
	}
	if !usage.IsZero() {
		completion.Usage = &usage
	}
	return completion, nil
}

// renderPrompt folds the department instructions and transcript into the
// single text part a session prompt accepts.
func renderPrompt(req types.Request) string {
	userText := strings.TrimSpace(req.UserText)
	if userText == "" {
		return ""
	}

	var b strings.Builder
	if system := strings.TrimSpace(req.SystemPrompt); system != "" {
		b.WriteString("<instructions>\n")
		b.WriteString(system)
		b.WriteString("\n</instructions>\n\n")
	}
	if len(req.History) > 0 {
		b.WriteString("<conversation>\n")
		for _, turn := range req.History {
			role := "customer"
			if turn.Role == types.RoleAssistant {
				role = "assistant"
			}
			fmt.Fprintf(&b, "%s: %s\n", role, strings.TrimSpace(turn.Text))
		}
		b.WriteString("</conversation>\n\n")
	}
	b.WriteString(userText)

	return b.String()
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "responder.opencode")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

func buildBasicAuthHeader(cfg config.OpenCodeProviderConfig) (string, bool) {
	passwordEnv := strings.TrimSpace(cfg.PasswordEnv)
	if passwordEnv == "" {
		return "", false
	}

	password := strings.TrimSpace(os.Getenv(passwordEnv))
	if password == "" {
		return "", false
	}

	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		username = "opencode"
	}

	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return "Basic " + token, true
}

func parseModelRef(input string) (providerID string, modelID string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(input), "/", 2)
	if len(parts) != 2 {
		return "", "", false
	}

	providerID = strings.TrimSpace(parts[0])
	modelID = strings.TrimSpace(parts[1])
	if providerID == "" || modelID == "" {
		return "", "", false
	}

	return providerID, modelID, true
}

func extractText(parts []sdk.Part) string {
	var lines []string
	for _, part := range parts {
		if part.Type != sdk.PartTypeText {
			continue
		}
		if text := strings.TrimSpace(part.Text); text != "" {
			lines = append(lines, text)
		}
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func tokenCount(value float64) int64 {
	if value <= 0 {
		return 0
	}

	return int64(math.Round(value))
}
