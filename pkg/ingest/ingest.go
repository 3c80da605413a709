// Package ingest turns inbound transport messages into persisted, routed and
// published messages.
package ingest

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"zapdesk/pkg/apperr"
	"zapdesk/pkg/bus"
	"zapdesk/pkg/store"
	"zapdesk/pkg/transport"
)

const (
	DefaultWorkers = 4
	shardBuffer    = 16
	previewLimit   = 240
)

// Router handles one persisted inbound message for a resolved contact.
type Router interface {
	Handle(ctx context.Context, msg bus.InboundMessage, contact *store.Contact) error
}

type Options struct {
	Workers int
	Now     func() time.Time
}

type Pipeline struct {
	store   store.Store
	router  Router
	bus     *bus.MessageBus
	log     *slog.Logger
	workers int
	now     func() time.Time
}

func New(st store.Store, router Router, messageBus *bus.MessageBus, opts Options, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Pipeline{
		store:   st,
		router:  router,
		bus:     messageBus,
		log:     log.With("component", "ingest"),
		workers: opts.Workers,
		now:     opts.Now,
	}
}

// Run consumes the bus until ctx ends or the bus closes. Messages are
// sharded by conversation id so each conversation is handled in arrival
// order while different conversations run in parallel.
func (p *Pipeline) Run(ctx context.Context) error {
	shards := make([]chan bus.InboundMessage, p.workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan bus.InboundMessage, shardBuffer)
		wg.Add(1)
		go func(queue <-chan bus.InboundMessage) {
			defer wg.Done()
			for msg := range queue {
				if err := p.Handle(ctx, msg); err != nil {
					p.log.Warn("Inbound message dropped",
						"conversation_id", msg.ConversationID,
						"category", apperr.CategoryFromError(err),
						"error", err,
					)
				}
			}
		}(shards[i])
	}

	defer func() {
		for _, shard := range shards {
			close(shard)
		}
		wg.Wait()
	}()

	p.log.Info("Ingest dispatcher started", "workers", p.workers)
	for {
		msg, ok := p.bus.ConsumeInbound(ctx)
		if !ok {
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}

		select {
		case shards[shardFor(msg.ConversationID, p.workers)] <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

func shardFor(conversationID string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return int(h.Sum32() % uint32(shards))
}

// Handle processes one message. Group messages and echoes of our own sends
// are skipped. Failures before routing abort the message; router failures
// are logged and the message is still published.
func (p *Pipeline) Handle(ctx context.Context, msg bus.InboundMessage) error {
	if msg.Group || transport.IsGroup(msg.ConversationID) {
		p.log.Debug("Group message ignored", "conversation_id", msg.ConversationID)
		return nil
	}
	if msg.FromSelf {
		return nil
	}

	log := p.log.With("conversation_id", msg.ConversationID)

	contact, err := p.resolveContact(ctx, msg)
	if err != nil {
		return err
	}

	receivedAt := p.now().UTC()
	sentAt := receivedAt
	if msg.Timestamp > 0 {
		sentAt = time.Unix(msg.Timestamp, 0).UTC()
	}

	if err := p.store.SaveMessage(ctx, &store.Message{
		ContactID:  contact.ID,
		Content:    msg.Text,
		SenderType: store.SenderContact,
		CreatedAt:  sentAt,
	}); err != nil {
		return apperr.Wrap(apperr.PersistenceFailure, "save inbound message", err)
	}
	if err := p.store.TouchContact(ctx, contact.ID, receivedAt); err != nil {
		return apperr.Wrap(apperr.PersistenceFailure, "touch contact", err)
	}
	contact.LastMessageAt = receivedAt

	log.Info("Inbound message", "contact_id", contact.ID, "text_preview", previewText(msg.Text, previewLimit))

	if err := p.router.Handle(ctx, msg, contact); err != nil {
		log.Error("Routing failed", "category", apperr.CategoryFromError(err), "error", err)
	}

	if p.bus != nil {
		p.bus.PublishEvent(ctx, bus.Event{
			Type:           bus.EventMessage,
			ConversationID: msg.ConversationID,
			Data: bus.MessageData{
				From:        msg.ConversationID,
				Content:     msg.Text,
				Timestamp:   msg.Timestamp,
				ContactID:   contact.ID,
				ContactName: contact.Name,
			},
		})
	}
	return nil
}

func (p *Pipeline) resolveContact(ctx context.Context, msg bus.InboundMessage) (*store.Contact, error) {
	phone := transport.Phone(msg.ConversationID)
	if phone == "" {
		return nil, apperr.New(apperr.InvalidRequest, "conversation id has no phone")
	}

	contact, err := p.store.FindContactByPhone(ctx, phone)
	if err == nil {
		return contact, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Wrap(apperr.PersistenceFailure, "find contact", err)
	}

	name := strings.TrimSpace(msg.SenderName)
	if name == "" {
		name = phone
	}
	contact = &store.Contact{
		Phone: phone,
		Name:  name,
		Tags:  []string{store.DefaultContactTag},
	}
	if err := p.store.CreateContact(ctx, contact); err != nil {
		return nil, apperr.Wrap(apperr.PersistenceFailure, "create contact", err)
	}
	p.log.Info("Contact created", "contact_id", contact.ID, "phone", phone)
	return contact, nil
}

func previewText(text string, limit int) string {
	trimmed := strings.TrimSpace(text)
	runes := []rune(trimmed)
	if limit <= 0 || len(runes) <= limit {
		return trimmed
	}

	return string(runes[:limit]) + "..."
}
