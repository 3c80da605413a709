package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a process-local Store for rehearsal runs and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	contacts    map[string]*Contact
	byPhone     map[string]string
	messages    map[string][]*Message
	options     []*MenuOption
	prompts     []*Prompt
	connections []*Connection
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contacts: make(map[string]*Contact),
		byPhone:  make(map[string]string),
		messages: make(map[string][]*Message),
	}
}

func (m *MemoryStore) FindContactByPhone(_ context.Context, phone string) (*Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byPhone[phone]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneContact(m.contacts[id]), nil
}

func (m *MemoryStore) GetContact(_ context.Context, id string) (*Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	contact, ok := m.contacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneContact(contact), nil
}

func (m *MemoryStore) CreateContact(_ context.Context, contact *Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byPhone[contact.Phone]; exists {
		return fmt.Errorf("inserting contact: phone %q already exists", contact.Phone)
	}
	if contact.ID == "" {
		contact.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if contact.CreatedAt.IsZero() {
		contact.CreatedAt = now
	}
	if contact.LastMessageAt.IsZero() {
		contact.LastMessageAt = contact.CreatedAt
	}
	if contact.Tags == nil {
		contact.Tags = []string{}
	}

	m.contacts[contact.ID] = cloneContact(contact)
	m.byPhone[contact.Phone] = contact.ID
	return nil
}

func (m *MemoryStore) TouchContact(_ context.Context, id string, at time.Time) error {
	return m.updateContact(id, func(c *Contact) { c.LastMessageAt = at.UTC() })
}

func (m *MemoryStore) SetContactTags(_ context.Context, id string, tags []string) error {
	return m.updateContact(id, func(c *Contact) { c.Tags = slices.Clone(tags) })
}

func (m *MemoryStore) SetManualService(_ context.Context, id string, enabled bool) error {
	return m.updateContact(id, func(c *Contact) { c.IsManualService = enabled })
}

func (m *MemoryStore) updateContact(id string, apply func(*Contact)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	contact, ok := m.contacts[id]
	if !ok {
		return ErrNotFound
	}
	apply(contact)
	return nil
}

func (m *MemoryStore) ListContacts(_ context.Context) ([]*Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	contacts := make([]*Contact, 0, len(m.contacts))
	for _, contact := range m.contacts {
		contacts = append(contacts, cloneContact(contact))
	}
	slices.SortStableFunc(contacts, func(a, b *Contact) int {
		return b.LastMessageAt.Compare(a.LastMessageAt)
	})
	return contacts, nil
}

func (m *MemoryStore) SaveMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.contacts[msg.ContactID]; !ok {
		return fmt.Errorf("inserting message: contact %q: %w", msg.ContactID, ErrNotFound)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	stored := *msg
	m.messages[msg.ContactID] = append(m.messages[msg.ContactID], &stored)
	return nil
}

func (m *MemoryStore) CountMessages(_ context.Context, contactID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages[contactID]), nil
}

func (m *MemoryStore) ListMessages(_ context.Context, contactID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := slices.Clone(m.messages[contactID])
	slices.SortStableFunc(all, func(a, b *Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}

	out := make([]*Message, len(all))
	for i, msg := range all {
		copied := *msg
		out[i] = &copied
	}
	return out, nil
}

func (m *MemoryStore) ListMenuOptions(_ context.Context) ([]*MenuOption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	options := make([]*MenuOption, len(m.options))
	for i, option := range m.options {
		copied := *option
		options[i] = &copied
	}
	slices.SortStableFunc(options, func(a, b *MenuOption) int {
		return a.Order - b.Order
	})
	return options, nil
}

func (m *MemoryStore) CreateMenuOption(_ context.Context, option *MenuOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if option.ID == "" {
		option.ID = uuid.NewString()
	}
	copied := *option
	m.options = append(m.options, &copied)
	return nil
}

func (m *MemoryStore) PromptForOption(_ context.Context, menuOptionID string) (*Prompt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, prompt := range m.prompts {
		if prompt.MenuOptionID == menuOptionID {
			copied := *prompt
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CreatePrompt(_ context.Context, prompt *Prompt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prompt.ID == "" {
		prompt.ID = uuid.NewString()
	}
	copied := *prompt
	m.prompts = append(m.prompts, &copied)
	return nil
}

func (m *MemoryStore) UpsertConnection(_ context.Context, conn *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	conn.UpdatedAt = time.Now().UTC()
	copied := *conn

	for i, existing := range m.connections {
		if existing.ID == conn.ID {
			m.connections[i] = &copied
			return nil
		}
	}
	m.connections = append(m.connections, &copied)
	return nil
}

func (m *MemoryStore) LatestConnection(_ context.Context) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Connection
	for _, conn := range m.connections {
		if latest == nil || !conn.UpdatedAt.Before(latest.UpdatedAt) {
			latest = conn
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	copied := *latest
	return &copied, nil
}

func (m *MemoryStore) DeleteConnection(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connections = slices.DeleteFunc(m.connections, func(conn *Connection) bool {
		return conn.ID == id
	})
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
