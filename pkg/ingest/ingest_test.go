package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"zapdesk/pkg/apperr"
	"zapdesk/pkg/bus"
	"zapdesk/pkg/logger"
	"zapdesk/pkg/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type routed struct {
	msg     bus.InboundMessage
	contact store.Contact
}

type recordingRouter struct {
	mu    sync.Mutex
	calls []routed
	err   error
}

func (r *recordingRouter) Handle(_ context.Context, msg bus.InboundMessage, contact *store.Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, routed{msg: msg, contact: *contact})
	return r.err
}

func (r *recordingRouter) snapshot() []routed {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]routed, len(r.calls))
	copy(out, r.calls)
	return out
}

type failingStore struct {
	store.Store
}

func (failingStore) SaveMessage(context.Context, *store.Message) error {
	return errors.New("disk full")
}

var fixedNow = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func newPipeline(t *testing.T, st store.Store, router Router) (*Pipeline, *bus.MessageBus) {
	t.Helper()

	messageBus := bus.NewMessageBus()
	t.Cleanup(messageBus.Close)

	p := New(st, router, messageBus, Options{Workers: 3, Now: func() time.Time { return fixedNow }}, logger.Discard())
	return p, messageBus
}

func TestHandleCreatesContactAndPersists(t *testing.T) {
	st := store.NewMemoryStore()
	router := &recordingRouter{}
	p, messageBus := newPipeline(t, st, router)
	events, unsubscribe := messageBus.SubscribeEvents(context.Background(), 4)
	defer unsubscribe()

	ctx := context.Background()
	msg := bus.InboundMessage{
		ConversationID: "5511999999999@s.whatsapp.net",
		SenderName:     "Maria",
		Text:           "oi",
		Timestamp:      1700000000,
	}
	require.NoError(t, p.Handle(ctx, msg))

	contact, err := st.FindContactByPhone(ctx, "5511999999999")
	require.NoError(t, err)
	require.Equal(t, "Maria", contact.Name)
	require.Equal(t, []string{store.DefaultContactTag}, contact.Tags)
	require.True(t, contact.LastMessageAt.Equal(fixedNow))

	messages, err := st.ListMessages(ctx, contact.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, store.SenderContact, messages[0].SenderType)
	require.Equal(t, "oi", messages[0].Content)
	require.True(t, messages[0].CreatedAt.Equal(time.Unix(1700000000, 0)))

	calls := router.snapshot()
	require.Len(t, calls, 1)
	require.Equal(t, contact.ID, calls[0].contact.ID)

	select {
	case event := <-events:
		require.Equal(t, bus.EventMessage, event.Type)
		require.Equal(t, bus.MessageData{
			From:        msg.ConversationID,
			Content:     "oi",
			Timestamp:   1700000000,
			ContactID:   contact.ID,
			ContactName: "Maria",
		}, event.Data)
	case <-time.After(time.Second):
		t.Fatal("expected message event")
	}
}

func TestHandleNamesContactAfterPhoneWithoutSenderName(t *testing.T) {
	st := store.NewMemoryStore()
	p, _ := newPipeline(t, st, &recordingRouter{})

	require.NoError(t, p.Handle(context.Background(), bus.InboundMessage{ConversationID: "5511888887777@s.whatsapp.net", Text: "oi"}))

	contact, err := st.FindContactByPhone(context.Background(), "5511888887777")
	require.NoError(t, err)
	require.Equal(t, "5511888887777", contact.Name)
}

func TestHandleReusesExistingContact(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	existing := &store.Contact{Phone: "5511999999999", Name: "Cliente", Tags: []string{"vip"}}
	require.NoError(t, st.CreateContact(ctx, existing))

	router := &recordingRouter{}
	p, _ := newPipeline(t, st, router)
	require.NoError(t, p.Handle(ctx, bus.InboundMessage{ConversationID: "5511999999999@s.whatsapp.net", SenderName: "Outro", Text: "oi"}))

	contacts, err := st.ListContacts(ctx)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	require.Equal(t, existing.ID, router.snapshot()[0].contact.ID)
	require.Equal(t, "Cliente", router.snapshot()[0].contact.Name)
}

func TestHandleSkipsGroupsAndOwnMessages(t *testing.T) {
	st := store.NewMemoryStore()
	router := &recordingRouter{}
	p, _ := newPipeline(t, st, router)

	ctx := context.Background()
	require.NoError(t, p.Handle(ctx, bus.InboundMessage{ConversationID: "120363000000@g.us", Text: "oi"}))
	require.NoError(t, p.Handle(ctx, bus.InboundMessage{ConversationID: "-100123@telegram", Group: true, Text: "oi"}))
	require.NoError(t, p.Handle(ctx, bus.InboundMessage{ConversationID: "5511999999999@s.whatsapp.net", FromSelf: true, Text: "oi"}))

	contacts, err := st.ListContacts(ctx)
	require.NoError(t, err)
	require.Empty(t, contacts)
	require.Empty(t, router.snapshot())
}

func TestRouterFailureStillPublishes(t *testing.T) {
	st := store.NewMemoryStore()
	p, messageBus := newPipeline(t, st, &recordingRouter{err: apperr.New(apperr.PersistenceFailure, "tag contact")})
	events, unsubscribe := messageBus.SubscribeEvents(context.Background(), 4)
	defer unsubscribe()

	require.NoError(t, p.Handle(context.Background(), bus.InboundMessage{ConversationID: "5511999999999@s.whatsapp.net", Text: "oi"}))

	select {
	case event := <-events:
		require.Equal(t, bus.EventMessage, event.Type)
	case <-time.After(time.Second):
		t.Fatal("expected message event")
	}
}

func TestPersistenceFailureAbortsMessage(t *testing.T) {
	router := &recordingRouter{}
	p, _ := newPipeline(t, failingStore{Store: store.NewMemoryStore()}, router)

	err := p.Handle(context.Background(), bus.InboundMessage{ConversationID: "5511999999999@s.whatsapp.net", Text: "oi"})
	require.Error(t, err)
	require.Equal(t, apperr.PersistenceFailure, apperr.CategoryFromError(err))
	require.Empty(t, router.snapshot())
}

func TestRunPreservesPerConversationOrder(t *testing.T) {
	st := store.NewMemoryStore()
	router := &recordingRouter{}
	p, messageBus := newPipeline(t, st, router)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	const perConversation = 20
	conversations := []string{
		"5511000000001@s.whatsapp.net",
		"5511000000002@s.whatsapp.net",
		"5511000000003@s.whatsapp.net",
		"5511000000004@s.whatsapp.net",
	}
	for i := range perConversation {
		for _, id := range conversations {
			require.True(t, messageBus.PublishInbound(ctx, bus.InboundMessage{ConversationID: id, Text: fmt.Sprint(i)}))
		}
	}

	require.Eventually(t, func() bool {
		return len(router.snapshot()) == perConversation*len(conversations)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	next := make(map[string]int)
	for _, call := range router.snapshot() {
		want := next[call.msg.ConversationID]
		require.Equal(t, fmt.Sprint(want), call.msg.Text, "conversation %s out of order", call.msg.ConversationID)
		next[call.msg.ConversationID] = want + 1
	}
}

func TestRunStopsWhenBusCloses(t *testing.T) {
	p, messageBus := newPipeline(t, store.NewMemoryStore(), &recordingRouter{})

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	messageBus.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after bus close")
	}
}

func TestShardForIsStable(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"a@s.whatsapp.net", "b@s.whatsapp.net", "42@telegram"} {
		first := shardFor(id, 4)
		require.GreaterOrEqual(t, first, 0)
		require.Less(t, first, 4)
		require.Equal(t, first, shardFor(id, 4))
	}
}

func TestPreviewText(t *testing.T) {
	t.Parallel()

	require.Equal(t, "olá", previewText("  olá  ", 10))
	require.Equal(t, "ação...", previewText("ação rápida", 4))
}
