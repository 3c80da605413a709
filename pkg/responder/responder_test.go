package responder

import (
	"context"
	"errors"
	"testing"

	"zapdesk/pkg/config"
	"zapdesk/pkg/logger"
	responderopenai "zapdesk/pkg/responder/openai"
	provideropencode "zapdesk/pkg/responder/opencode"
	"zapdesk/pkg/responder/types"
)

type scriptedCompleter struct {
	completion types.Completion
	err        error
	panicWith  any
	requests   []types.Request
}

func (s *scriptedCompleter) Complete(_ context.Context, req types.Request) (types.Completion, error) {
	s.requests = append(s.requests, req)
	if s.panicWith != nil {
		panic(s.panicWith)
	}
	return s.completion, s.err
}

func (s *scriptedCompleter) Health(context.Context) error { return s.err }

func TestReplyReturnsCompletionText(t *testing.T) {
	t.Parallel()

	completer := &scriptedCompleter{completion: types.Completion{Text: "  Seu saldo é zero.  "}}
	r := New(completer, logger.Discard())

	req := types.Request{SystemPrompt: "financeiro", UserText: "qual meu saldo"}
	if got := r.Reply(context.Background(), req); got != "Seu saldo é zero." {
		t.Fatalf("Reply = %q", got)
	}
	if len(completer.requests) != 1 || completer.requests[0].SystemPrompt != "financeiro" {
		t.Fatalf("requests = %#v", completer.requests)
	}
}

func TestReplyDegradesToApology(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		completer Completer
		want      string
	}{
		{name: "upstream error", completer: &scriptedCompleter{err: errors.New("quota exceeded")}, want: ErrorReply},
		{name: "empty text", completer: &scriptedCompleter{completion: types.Completion{Text: "   "}}, want: EmptyReply},
		{name: "panic", completer: &scriptedCompleter{panicWith: "boom"}, want: ErrorReply},
		{name: "no completer", completer: nil, want: ErrorReply},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.completer, logger.Discard())
			if got := r.Reply(context.Background(), types.Request{UserText: "oi"}); got != tt.want {
				t.Fatalf("Reply = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHealthPropagatesCompleterError(t *testing.T) {
	t.Parallel()

	r := New(&scriptedCompleter{err: errors.New("down")}, logger.Discard())
	if err := r.Health(context.Background()); err == nil {
		t.Fatal("expected health error")
	}
	if err := New(Echo{}, logger.Discard()).Health(context.Background()); err != nil {
		t.Fatalf("echo health: %v", err)
	}
}

func TestNewCompleterDefaultsToOpenAI(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	completer, err := NewCompleter(config.ResponderConfig{Model: "openai/gpt-4"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, ok := completer.(*responderopenai.Client); !ok {
		t.Fatalf("expected *openai.Client, got %T", completer)
	}
}

func TestNewCompleterReturnsOpenCode(t *testing.T) {
	cfg := config.ResponderConfig{Provider: "opencode"}
	cfg.OpenCode.BaseURL = "http://127.0.0.1:4096"

	completer, err := NewCompleter(cfg)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, ok := completer.(*provideropencode.Client); !ok {
		t.Fatalf("expected *opencode.Client, got %T", completer)
	}
}

func TestNewCompleterUnsupported(t *testing.T) {
	if _, err := NewCompleter(config.ResponderConfig{Provider: "unknown"}); err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

func TestEcho(t *testing.T) {
	t.Parallel()

	got, err := Echo{}.Complete(context.Background(), types.Request{UserText: " oi "})
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if got.Text != "Você disse: oi" {
		t.Fatalf("text = %q", got.Text)
	}
}
