package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zapdesk/pkg/bus"
	"zapdesk/pkg/logger"
	"zapdesk/pkg/responder/types"
	"zapdesk/pkg/store"
)

const (
	testConversation = "5511999999999@s.whatsapp.net"
	financeiroPrompt = "Você é um assistente do setor financeiro."
)

type sentMessage struct {
	to   string
	text string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (s *recordingSender) Send(_ context.Context, conversationID string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMessage{to: conversationID, text: text})
	return nil
}

func (s *recordingSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.sent))
	for i, msg := range s.sent {
		out[i] = msg.text
	}
	return out
}

func (s *recordingSender) last() string {
	texts := s.texts()
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

type scriptedResponder struct {
	mu       sync.Mutex
	requests []types.Request
	reply    func(types.Request) string
}

func (r *scriptedResponder) Reply(_ context.Context, req types.Request) string {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	reply := r.reply
	r.mu.Unlock()

	if reply != nil {
		return reply(req)
	}
	return "resposta: " + req.UserText
}

type fixture struct {
	store     *store.MemoryStore
	sender    *recordingSender
	responder *scriptedResponder
	router    *Router
	contact   *store.Contact
	options   []*store.MenuOption
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	ctx := context.Background()
	st := store.NewMemoryStore()

	f := &fixture{store: st, sender: &recordingSender{}, responder: &scriptedResponder{}}
	for i, title := range []string{"SAC", "Financeiro", "Vendas"} {
		option := &store.MenuOption{Title: title, Order: i + 1}
		require.NoError(t, st.CreateMenuOption(ctx, option))
		f.options = append(f.options, option)
	}
	require.NoError(t, st.CreatePrompt(ctx, &store.Prompt{MenuOptionID: f.options[0].ID, Content: "Você é do SAC."}))
	require.NoError(t, st.CreatePrompt(ctx, &store.Prompt{MenuOptionID: f.options[1].ID, Content: financeiroPrompt}))
	// Vendas deliberately has no prompt.

	f.contact = &store.Contact{Phone: "5511999999999", Name: "Maria", Tags: []string{store.DefaultContactTag}}
	require.NoError(t, st.CreateContact(ctx, f.contact))

	f.router = New(st, f.responder, f.sender, opts, logger.Discard())
	return f
}

// inbound persists the customer message the way ingest does, then routes it.
func (f *fixture) inbound(t *testing.T, text string) error {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, f.store.SaveMessage(ctx, &store.Message{
		ContactID:  f.contact.ID,
		Content:    text,
		SenderType: store.SenderContact,
	}))
	return f.router.Handle(ctx, bus.InboundMessage{ConversationID: testConversation, Text: text}, f.contact)
}

func (f *fixture) mustInbound(t *testing.T, text string) {
	t.Helper()
	require.NoError(t, f.inbound(t, text))
}

func (f *fixture) bind(t *testing.T, index int) {
	t.Helper()
	f.mustInbound(t, "oi")
	f.mustInbound(t, fmt.Sprint(index))
	_, ok := f.router.Lookup(testConversation)
	require.True(t, ok, "expected bound conversation")
}

func TestFirstMessageSendsWelcome(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.mustInbound(t, "olá")

	require.Equal(t, []string{WelcomeText(f.options)}, f.sender.texts())
	require.Equal(t, 0, f.router.Contexts())

	messages, err := f.store.ListMessages(context.Background(), f.contact.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, store.SenderBot, messages[1].SenderType)
	require.Equal(t, WelcomeText(f.options), messages[1].Content)
}

func TestFirstMessageIgnoresSelectionText(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.mustInbound(t, "2")

	require.Equal(t, []string{WelcomeText(f.options)}, f.sender.texts())
	require.Equal(t, 0, f.router.Contexts())
}

func TestSelectingOptionBindsDepartment(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.mustInbound(t, "oi")
	f.mustInbound(t, " 2 ")

	require.Equal(t, OpenerText, f.sender.last())

	conv, ok := f.router.Lookup(testConversation)
	require.True(t, ok)
	require.Equal(t, "Financeiro", conv.Department)
	require.Equal(t, financeiroPrompt, conv.Prompt)
	require.Empty(t, conv.History())

	contact, err := f.store.GetContact(context.Background(), f.contact.ID)
	require.NoError(t, err)
	require.Equal(t, []string{store.DefaultContactTag, "dept:Financeiro"}, contact.Tags)
}

func TestReselectingReplacesDepartmentTag(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.store.SetContactTags(ctx, f.contact.ID, []string{"vip", "dept:SAC", store.DefaultContactTag}))

	f.bind(t, 2)

	contact, err := f.store.GetContact(ctx, f.contact.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"vip", store.DefaultContactTag, "dept:Financeiro"}, contact.Tags)
}

func TestBoundConversationCallsResponder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.bind(t, 2)

	f.mustInbound(t, "qual meu saldo")

	require.Len(t, f.responder.requests, 1)
	req := f.responder.requests[0]
	require.Equal(t, financeiroPrompt, req.SystemPrompt)
	require.Empty(t, req.History)
	require.Equal(t, "qual meu saldo", req.UserText)

	conv, _ := f.router.Lookup(testConversation)
	require.Equal(t, []types.Turn{
		{Role: types.RoleUser, Text: "qual meu saldo"},
		{Role: types.RoleAssistant, Text: "resposta: qual meu saldo"},
	}, conv.History())
	require.Equal(t, "resposta: qual meu saldo", f.sender.last())

	f.mustInbound(t, "e a fatura?")
	require.Len(t, f.responder.requests, 2)
	require.Len(t, f.responder.requests[1].History, 2)
}

func TestTerminateClearsContextAndReturnsToMenu(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.bind(t, 1)

	f.mustInbound(t, "0")
	require.Equal(t, GoodbyeText, f.sender.last())
	require.Equal(t, 0, f.router.Contexts())

	f.mustInbound(t, "preciso de ajuda")
	require.Equal(t, InvalidOptionText+WelcomeText(f.options), f.sender.last())
	require.NotEqual(t, GoodbyeText, f.sender.last())

	f.mustInbound(t, "1")
	require.Equal(t, OpenerText, f.sender.last())
	require.Equal(t, 1, f.router.Contexts())
}

func TestTerminateWhileAwaitingSelection(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.mustInbound(t, "oi")
	f.mustInbound(t, "0")

	require.Equal(t, GoodbyeText, f.sender.last())
	require.Equal(t, 0, f.router.Contexts())
}

func TestInvalidSelections(t *testing.T) {
	t.Parallel()

	for _, text := range []string{"9", "-1", "abc", "3"} {
		t.Run(text, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, Options{})
			f.mustInbound(t, "oi")
			f.mustInbound(t, text)

			require.Equal(t, InvalidOptionText+WelcomeText(f.options), f.sender.last())
			require.Equal(t, 0, f.router.Contexts())

			messages, err := f.store.ListMessages(context.Background(), f.contact.ID, 1)
			require.NoError(t, err)
			require.Equal(t, store.SenderBot, messages[0].SenderType)
		})
	}
}

func TestEmptyTextIsIgnored(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.mustInbound(t, "oi")
	sent := len(f.sender.texts())

	f.mustInbound(t, "   ")
	require.Len(t, f.sender.texts(), sent)
}

func TestManualServiceSuppressesReplies(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	require.NoError(t, f.store.SetManualService(context.Background(), f.contact.ID, true))

	for _, text := range []string{"oi", "1", "qual meu saldo", "0", "2", ""} {
		f.mustInbound(t, text)
	}

	require.Empty(t, f.sender.texts())
	require.Empty(t, f.responder.requests)
}

func TestManualToggleTakesEffectMidConversation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.bind(t, 2)
	sent := len(f.sender.texts())

	// The caller still holds the stale contact with the flag unset.
	require.NoError(t, f.store.SetManualService(context.Background(), f.contact.ID, true))
	f.mustInbound(t, "qual meu saldo")

	require.Len(t, f.sender.texts(), sent)
	require.Empty(t, f.responder.requests)
}

func TestHistoryIsBoundedSuffix(t *testing.T) {
	t.Parallel()

	const maxHistory = 6
	f := newFixture(t, Options{MaxHistory: maxHistory})
	f.bind(t, 2)

	var full []types.Turn
	for i := range 10 {
		text := fmt.Sprintf("pergunta %d", i)
		f.mustInbound(t, text)
		full = append(full,
			types.Turn{Role: types.RoleUser, Text: text},
			types.Turn{Role: types.RoleAssistant, Text: "resposta: " + text},
		)

		conv, _ := f.router.Lookup(testConversation)
		history := conv.History()
		require.LessOrEqual(t, len(history), maxHistory)
		require.Equal(t, full[len(full)-len(history):], history)
	}
}

func TestHistoryDefaultCapKeepsLatestTurns(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.bind(t, 2)

	var full []types.Turn
	for i := range DefaultMaxHistory {
		text := fmt.Sprintf("pergunta %d", i)
		f.mustInbound(t, text)
		full = append(full,
			types.Turn{Role: types.RoleUser, Text: text},
			types.Turn{Role: types.RoleAssistant, Text: "resposta: " + text},
		)
	}

	conv, ok := f.router.Lookup(testConversation)
	require.True(t, ok)
	history := conv.History()
	require.Len(t, history, DefaultMaxHistory)
	require.Equal(t, full[len(full)-DefaultMaxHistory:], history)
}

func TestBindingKeepsPromptAfterReorder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.bind(t, 2)

	ctx := context.Background()
	extra := &store.MenuOption{Title: "Suporte", Order: 0}
	require.NoError(t, f.store.CreateMenuOption(ctx, extra))
	require.NoError(t, f.store.CreatePrompt(ctx, &store.Prompt{MenuOptionID: extra.ID, Content: "suporte"}))

	f.mustInbound(t, "qual meu saldo")
	require.Equal(t, financeiroPrompt, f.responder.requests[0].SystemPrompt)
}

func TestSendFailureSkipsPersistence(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.sender.err = errors.New("not connected")

	err := f.inbound(t, "oi")
	require.Error(t, err)

	count, err := f.store.CountMessages(context.Background(), f.contact.ID)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestGroupMessagesAreIgnored(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	err := f.router.Handle(context.Background(), bus.InboundMessage{ConversationID: "1203630@g.us", Text: "oi"}, f.contact)
	require.NoError(t, err)
	require.Empty(t, f.sender.texts())
}

func TestStateDerivation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	ctx := context.Background()

	state, err := f.router.State(ctx, testConversation, f.contact)
	require.NoError(t, err)
	require.Equal(t, StateNew, state.Kind)

	f.mustInbound(t, "oi")
	f.mustInbound(t, "nada")
	state, err = f.router.State(ctx, testConversation, f.contact)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingSelection, state.Kind)

	f.mustInbound(t, "1")
	state, err = f.router.State(ctx, testConversation, f.contact)
	require.NoError(t, err)
	require.Equal(t, StateBound, state.Kind)
	require.NotNil(t, state.Context)

	require.NoError(t, f.store.SetManualService(ctx, f.contact.ID, true))
	state, err = f.router.State(ctx, testConversation, f.contact)
	require.NoError(t, err)
	require.Equal(t, StateManual, state.Kind)
	require.Equal(t, "manual", state.Kind.String())
}

func TestSweepEvictsIdleConversations(t *testing.T) {
	t.Parallel()

	var now atomic.Pointer[time.Time]
	start := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	now.Store(&start)
	clock := func() time.Time { return *now.Load() }

	f := newFixture(t, Options{IdleTimeout: 30 * time.Minute, Now: clock})
	f.bind(t, 1)

	require.Equal(t, 0, f.router.Sweep(start.Add(29*time.Minute)))
	require.Equal(t, 1, f.router.Sweep(start.Add(31*time.Minute)))
	require.Equal(t, 0, f.router.Contexts())
}

func TestSweepDisabledByDefault(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.bind(t, 1)

	require.Equal(t, 0, f.router.Sweep(time.Now().Add(24*time.Hour)))
	require.Equal(t, 1, f.router.Contexts())
}

func TestHandleSerializesPerConversation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.bind(t, 2)

	var inflight, peak atomic.Int32
	f.responder.reply = func(req types.Request) string {
		current := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			old := peak.Load()
			if current <= old || peak.CompareAndSwap(old, current) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		return "ok"
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := bus.InboundMessage{ConversationID: testConversation, Text: fmt.Sprintf("msg %d", i)}
			_ = f.router.Handle(ctx, msg, f.contact)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), peak.Load())
	require.Len(t, f.responder.requests, 8)
	require.Equal(t, 0, f.router.locks.size())
}

func TestWelcomeText(t *testing.T) {
	t.Parallel()

	got := WelcomeText([]*store.MenuOption{{Title: "SAC"}, {Title: "Financeiro"}})
	require.True(t, strings.HasPrefix(got, "Olá! 👋 Bem-vindo ao nosso atendimento."))
	require.Contains(t, got, "1️⃣ - SAC\n2️⃣ - Financeiro\n\nResponda com o número da opção desejada.")
	require.True(t, strings.HasSuffix(got, "Digite 0️⃣ a qualquer momento para encerrar o atendimento."))

	empty := WelcomeText(nil)
	require.Contains(t, empty, "Escolha uma das opções abaixo:\n\n\n\nResponda")
}

func TestHistoryAppendSkipsBlank(t *testing.T) {
	t.Parallel()

	h := NewHistory(2)
	h.Append(types.RoleUser, "  ")
	h.Append("", "texto")
	require.Equal(t, 0, h.Len())

	h.Append(types.RoleUser, "a")
	h.Append(types.RoleAssistant, "b")
	h.Append(types.RoleUser, "c")
	require.Equal(t, []types.Turn{{Role: types.RoleAssistant, Text: "b"}, {Role: types.RoleUser, Text: "c"}}, h.Turns())
}
