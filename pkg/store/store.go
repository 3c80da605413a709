// Package store persists contacts, message history, the department menu and
// the transport connection record.
package store

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const (
	// DefaultContactTag is attached to every contact created by ingest.
	DefaultContactTag = "Novo Contato"
	departmentPrefix  = "dept:"
)

type SenderType string

const (
	SenderContact SenderType = "contact"
	SenderBot     SenderType = "bot"
	SenderUser    SenderType = "user"
)

type Contact struct {
	ID              string    `json:"id"`
	Phone           string    `json:"phone"`
	Name            string    `json:"name"`
	Tags            []string  `json:"tags"`
	IsManualService bool      `json:"isManualService"`
	LastMessageAt   time.Time `json:"lastMessageAt"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Department returns the label of the contact's dept: tag, if any.
func (c *Contact) Department() string {
	for _, tag := range c.Tags {
		if label, ok := strings.CutPrefix(tag, departmentPrefix); ok {
			return label
		}
	}
	return ""
}

type Message struct {
	ID         string     `json:"id"`
	ContactID  string     `json:"contactId"`
	Content    string     `json:"content"`
	SenderType SenderType `json:"senderType"`
	CreatedAt  time.Time  `json:"createdAt"`
}

type MenuOption struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Order int    `json:"order"`
}

type Prompt struct {
	ID           string `json:"id"`
	MenuOptionID string `json:"menuOptionId"`
	Content      string `json:"content"`
}

// Connection is the single externally visible transport connection record.
type Connection struct {
	ID           string    `json:"id"`
	Connected    bool      `json:"connected"`
	DeviceName   string    `json:"deviceName,omitempty"`
	DeviceNumber string    `json:"deviceNumber,omitempty"`
	QRCode       string    `json:"qrCode,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store is the persistence contract used by ingest, the router, the
// supervisor and the management API.
type Store interface {
	FindContactByPhone(ctx context.Context, phone string) (*Contact, error)
	GetContact(ctx context.Context, id string) (*Contact, error)
	CreateContact(ctx context.Context, contact *Contact) error
	TouchContact(ctx context.Context, id string, at time.Time) error
	SetContactTags(ctx context.Context, id string, tags []string) error
	SetManualService(ctx context.Context, id string, enabled bool) error
	ListContacts(ctx context.Context) ([]*Contact, error)

	SaveMessage(ctx context.Context, msg *Message) error
	CountMessages(ctx context.Context, contactID string) (int, error)
	// ListMessages returns the newest limit messages in chronological order.
	// A non-positive limit returns all of them.
	ListMessages(ctx context.Context, contactID string, limit int) ([]*Message, error)

	ListMenuOptions(ctx context.Context) ([]*MenuOption, error)
	CreateMenuOption(ctx context.Context, option *MenuOption) error
	// PromptForOption returns the first prompt stored for the option.
	PromptForOption(ctx context.Context, menuOptionID string) (*Prompt, error)
	CreatePrompt(ctx context.Context, prompt *Prompt) error

	// UpsertConnection inserts the record when conn.ID is empty (assigning
	// it) or unknown, and overwrites it otherwise.
	UpsertConnection(ctx context.Context, conn *Connection) error
	LatestConnection(ctx context.Context) (*Connection, error)
	DeleteConnection(ctx context.Context, id string) error

	Close() error
}

// WithDepartment replaces any dept: tag with dept:<label>, keeping the
// other tags in order.
func WithDepartment(tags []string, label string) []string {
	out := make([]string, 0, len(tags)+1)
	for _, tag := range tags {
		if strings.HasPrefix(tag, departmentPrefix) {
			continue
		}
		out = append(out, tag)
	}
	return append(out, departmentPrefix+label)
}

func cloneContact(c *Contact) *Contact {
	if c == nil {
		return nil
	}
	out := *c
	out.Tags = slices.Clone(c.Tags)
	if out.Tags == nil {
		out.Tags = []string{}
	}
	return &out
}
