package responder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"zapdesk/pkg/apperr"
	"zapdesk/pkg/config"
	responderfantasy "zapdesk/pkg/responder/fantasy"
	responderopenai "zapdesk/pkg/responder/openai"
	"zapdesk/pkg/responder/opencode"
	"zapdesk/pkg/responder/types"
)

const (
	ErrorReply = "Desculpe, ocorreu um erro ao processar sua mensagem."
	EmptyReply = "Desculpe, não consegui processar sua solicitação."

	ProviderEcho = "echo"
)

// Completer is one text-generation backend.
type Completer interface {
	Complete(ctx context.Context, req types.Request) (types.Completion, error)
	Health(ctx context.Context) error
}

// NewCompleter resolves the configured backend.
func NewCompleter(cfg config.ResponderConfig) (Completer, error) {
	providerID := strings.TrimSpace(cfg.Provider)
	if providerID == "" {
		providerID = "openai"
	}

	slog.Default().With("component", "responder.factory").Debug("Resolving completer", "provider", providerID)

	switch providerID {
	case "openai":
		return responderopenai.New(cfg)
	case "fantasy":
		return responderfantasy.New(cfg)
	case "opencode":
		return opencode.New(cfg)
	case ProviderEcho:
		return Echo{}, nil
	default:
		return nil, fmt.Errorf("unsupported responder provider: %s", providerID)
	}
}

// Responder wraps a Completer so callers always get text to send.
type Responder struct {
	completer Completer
	log       *slog.Logger
}

func New(completer Completer, log *slog.Logger) *Responder {
	if log == nil {
		log = slog.Default()
	}
	return &Responder{completer: completer, log: log.With("component", "responder")}
}

// Reply returns the completion text, EmptyReply when the backend produced
// nothing, or ErrorReply on any failure including a panicking backend.
func (r *Responder) Reply(ctx context.Context, req types.Request) (reply string) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.log.Error("Completer panicked",
				"category", apperr.UpstreamFailure,
				"panic", fmt.Sprint(recovered),
			)
			reply = ErrorReply
		}
	}()

	if r.completer == nil {
		r.log.Error("No completer configured", "category", apperr.UpstreamFailure)
		return ErrorReply
	}

	completion, err := r.completer.Complete(ctx, req)
	if err != nil {
		err = apperr.Wrap(apperr.UpstreamFailure, "complete", err)
		r.log.Error("Completion failed", "category", apperr.CategoryFromError(err), "error", err)
		return ErrorReply
	}

	attrs := []any{"provider", completion.Provider, "model", completion.Model, "history_turns", len(req.History)}
	if completion.Usage != nil {
		attrs = append(attrs,
			"input_tokens", completion.Usage.InputTokens,
			"output_tokens", completion.Usage.OutputTokens,
			"total_tokens", completion.Usage.TotalTokens,
		)
	}
	r.log.Debug("Completion received", attrs...)

	text := strings.TrimSpace(completion.Text)
	if text == "" {
		return EmptyReply
	}
	return text
}

func (r *Responder) Health(ctx context.Context) error {
	if r.completer == nil {
		return apperr.New(apperr.UpstreamFailure, "no completer configured")
	}
	return r.completer.Health(ctx)
}

// Echo answers with the user text. It backs offline rehearsal runs.
type Echo struct{}

func (Echo) Complete(_ context.Context, req types.Request) (types.Completion, error) {
	return types.Completion{
		Text:     "Você disse: " + strings.TrimSpace(req.UserText),
		Provider: ProviderEcho,
		Model:    ProviderEcho,
	}, nil
}

func (Echo) Health(context.Context) error { return nil }
