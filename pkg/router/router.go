// Package router drives the per-conversation department menu and hands
// bound conversations to the AI responder.
package router

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"zapdesk/pkg/apperr"
	"zapdesk/pkg/bus"
	"zapdesk/pkg/responder/types"
	"zapdesk/pkg/store"
	"zapdesk/pkg/transport"
)

// DefaultMaxHistory caps the turns kept per bound conversation.
const DefaultMaxHistory = 200

// Sender delivers text to a conversation over the live transport.
type Sender interface {
	Send(ctx context.Context, conversationID string, text string) error
}

// Responder produces the reply for a bound conversation. It never fails.
type Responder interface {
	Reply(ctx context.Context, req types.Request) string
}

type StateKind int

const (
	StateNew StateKind = iota
	StateAwaitingSelection
	StateBound
	StateManual
)

func (k StateKind) String() string {
	switch k {
	case StateNew:
		return "new"
	case StateAwaitingSelection:
		return "awaiting_selection"
	case StateBound:
		return "bound"
	case StateManual:
		return "manual"
	default:
		return "unknown"
	}
}

// State is the derived routing state of one conversation. Context is set
// only for StateBound; Contact is the freshly read contact row.
type State struct {
	Kind    StateKind
	Context *Conversation
	Contact *store.Contact
}

// Conversation is a department binding held in memory for one remote party.
type Conversation struct {
	ID         string
	Department string
	Prompt     string
	BoundAt    time.Time

	history    *History
	lastActive time.Time
}

// History returns a copy of the turns exchanged since the binding.
func (c *Conversation) History() []types.Turn {
	return c.history.Turns()
}

type Options struct {
	MaxHistory  int
	IdleTimeout time.Duration
	Now         func() time.Time
}

type Router struct {
	store     store.Store
	responder Responder
	sender    Sender
	log       *slog.Logger

	maxHistory  int
	idleTimeout time.Duration
	now         func() time.Time

	locks *keyedMutex

	mu       sync.RWMutex
	contexts map[string]*Conversation
}

func New(st store.Store, responder Responder, sender Sender, opts Options, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = DefaultMaxHistory
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Router{
		store:       st,
		responder:   responder,
		sender:      sender,
		log:         log.With("component", "router"),
		maxHistory:  opts.MaxHistory,
		idleTimeout: opts.IdleTimeout,
		now:         opts.Now,
		locks:       newKeyedMutex(),
		contexts:    make(map[string]*Conversation),
	}
}

// State derives the routing state for contact. The manual flag and message
// count are re-read from the store; the count already includes the message
// being handled.
func (r *Router) State(ctx context.Context, conversationID string, contact *store.Contact) (State, error) {
	current, err := r.store.GetContact(ctx, contact.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		current = contact
	case err != nil:
		return State{}, apperr.Wrap(apperr.PersistenceFailure, "read contact", err)
	}

	if current.IsManualService {
		return State{Kind: StateManual, Contact: current}, nil
	}

	count, err := r.store.CountMessages(ctx, current.ID)
	if err != nil {
		return State{}, apperr.Wrap(apperr.PersistenceFailure, "count messages", err)
	}
	if count <= 1 {
		return State{Kind: StateNew, Contact: current}, nil
	}

	if conv, ok := r.lookup(conversationID); ok {
		return State{Kind: StateBound, Context: conv, Contact: current}, nil
	}

	return State{Kind: StateAwaitingSelection, Contact: current}, nil
}

// Handle runs one inbound message through the state machine. Messages for
// the same conversation are serialized; different conversations proceed in
// parallel. A returned error means the turn produced no further replies.
func (r *Router) Handle(ctx context.Context, msg bus.InboundMessage, contact *store.Contact) error {
	if msg.Group || transport.IsGroup(msg.ConversationID) {
		return nil
	}
	if contact == nil {
		return apperr.New(apperr.InvalidRequest, "contact is required")
	}

	unlock := r.locks.Lock(msg.ConversationID)
	defer unlock()

	state, err := r.State(ctx, msg.ConversationID, contact)
	if err != nil {
		return err
	}
	log := r.log.With("conversation_id", msg.ConversationID, "contact_id", state.Contact.ID, "state", state.Kind.String())

	switch state.Kind {
	case StateManual:
		log.Debug("Manual service, skipping automated reply")
		return nil
	case StateNew:
		return r.say(ctx, msg.ConversationID, state.Contact.ID, r.welcome(ctx))
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}

	if text == TerminateCommand {
		r.unbind(msg.ConversationID)
		log.Info("Conversation ended by customer")
		return r.say(ctx, msg.ConversationID, state.Contact.ID, GoodbyeText)
	}

	if state.Kind == StateAwaitingSelection {
		return r.selectOption(ctx, log, msg.ConversationID, state.Contact, text)
	}

	return r.converse(ctx, msg.ConversationID, state.Contact.ID, state.Context, text)
}

func (r *Router) selectOption(ctx context.Context, log *slog.Logger, conversationID string, contact *store.Contact, text string) error {
	options, err := r.store.ListMenuOptions(ctx)
	if err != nil {
		return apperr.Wrap(apperr.PersistenceFailure, "list menu options", err)
	}

	option, prompt, err := r.resolveOption(ctx, options, text)
	if err != nil {
		return err
	}
	if option == nil {
		log.Debug("Invalid menu selection", "text", text)
		return r.say(ctx, conversationID, contact.ID, InvalidOptionText+WelcomeText(options))
	}

	tags := store.WithDepartment(contact.Tags, option.Title)
	if err := r.store.SetContactTags(ctx, contact.ID, tags); err != nil {
		return apperr.Wrap(apperr.PersistenceFailure, "tag contact department", err)
	}

	now := r.now()
	r.bind(&Conversation{
		ID:         conversationID,
		Department: option.Title,
		Prompt:     prompt.Content,
		BoundAt:    now,
		history:    NewHistory(r.maxHistory),
		lastActive: now,
	})
	log.Info("Conversation bound to department", "department", option.Title)

	return r.say(ctx, conversationID, contact.ID, OpenerText)
}

// resolveOption maps a 1-based selection to a menu option with a prompt.
// Out-of-range text and options without a prompt both resolve to nil.
func (r *Router) resolveOption(ctx context.Context, options []*store.MenuOption, text string) (*store.MenuOption, *store.Prompt, error) {
	index, err := strconv.Atoi(text)
	if err != nil || index < 1 || index > len(options) {
		return nil, nil, nil
	}

	option := options[index-1]
	prompt, err := r.store.PromptForOption(ctx, option.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, nil, nil
	case err != nil:
		return nil, nil, apperr.Wrap(apperr.PersistenceFailure, "load department prompt", err)
	}

	return option, prompt, nil
}

func (r *Router) converse(ctx context.Context, conversationID string, contactID string, conv *Conversation, text string) error {
	r.touch(conv)

	prior := conv.history.Turns()
	conv.history.Append(types.RoleUser, text)

	reply := r.responder.Reply(ctx, types.Request{
		SystemPrompt: conv.Prompt,
		History:      prior,
		UserText:     text,
	})
	conv.history.Append(types.RoleAssistant, reply)

	return r.say(ctx, conversationID, contactID, reply)
}

func (r *Router) welcome(ctx context.Context) string {
	options, err := r.store.ListMenuOptions(ctx)
	if err != nil {
		r.log.Error("Menu options unavailable", "category", apperr.PersistenceFailure, "error", err)
		return MenuUnavailable
	}
	return WelcomeText(options)
}

// say sends text and records it as a bot message. Nothing is recorded when
// the send fails.
func (r *Router) say(ctx context.Context, conversationID string, contactID string, text string) error {
	if err := r.sender.Send(ctx, conversationID, text); err != nil {
		return err
	}

	msg := &store.Message{
		ContactID:  contactID,
		Content:    text,
		SenderType: store.SenderBot,
		CreatedAt:  r.now().UTC(),
	}
	if err := r.store.SaveMessage(ctx, msg); err != nil {
		return apperr.Wrap(apperr.PersistenceFailure, "save bot message", err)
	}
	return nil
}

func (r *Router) lookup(conversationID string) (*Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.contexts[conversationID]
	return conv, ok
}

func (r *Router) bind(conv *Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.contexts[conv.ID] = conv
}

func (r *Router) touch(conv *Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv.lastActive = r.now()
}

func (r *Router) unbind(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.contexts, conversationID)
}

// Lookup returns the bound conversation for id, if any.
func (r *Router) Lookup(conversationID string) (*Conversation, bool) {
	return r.lookup(conversationID)
}

// Contexts reports how many conversations are currently bound.
func (r *Router) Contexts() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.contexts)
}

// Sweep drops bindings idle longer than the configured timeout and returns
// how many were removed. It is a no-op when no timeout is configured.
func (r *Router) Sweep(now time.Time) int {
	if r.idleTimeout <= 0 {
		return 0
	}

	cutoff := now.Add(-r.idleTimeout)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, conv := range r.contexts {
		if conv.lastActive.Before(cutoff) {
			delete(r.contexts, id)
			removed++
		}
	}
	if removed > 0 {
		r.log.Info("Evicted idle conversations", "count", removed, "remaining", len(r.contexts))
	}
	return removed
}
