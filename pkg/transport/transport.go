// Package transport defines the messaging-transport contract the session
// supervisor drives and the small addressing helpers shared by drivers.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"unicode"

	"zapdesk/pkg/authstore"
)

const (
	userSuffix  = "@s.whatsapp.net"
	groupSuffix = "@g.us"

	// StatusLoggedOut is the close status a transport reports when the
	// account was unlinked from the device.
	StatusLoggedOut = http.StatusUnauthorized
)

// Driver opens transport sessions.
type Driver interface {
	Name() string
	// Open starts a session using stored credentials. Missing credentials
	// make the session emit a pairing event before it opens.
	Open(ctx context.Context, creds authstore.Credentials) (Session, error)
	// Address turns a bare phone number into a conversation id.
	Address(number string) string
}

// Session is one live connection. Events is closed after the session ends.
type Session interface {
	Events() <-chan Event
	SendText(ctx context.Context, conversationID string, text string) error
	Logout(ctx context.Context) error
	Close() error
}

type EventKind string

const (
	EventPairing     EventKind = "pairing"
	EventOpen        EventKind = "open"
	EventClosed      EventKind = "closed"
	EventCredentials EventKind = "credentials"
	EventMessage     EventKind = "message"
)

// Event is one session lifecycle or message notification.
type Event struct {
	Kind        EventKind
	Pairing     string
	Device      *Device
	Close       *Disconnect
	Credentials authstore.Credentials
	Message     *Message
}

type Device struct {
	Name   string
	Number string
}

// Disconnect describes why a session closed.
type Disconnect struct {
	LoggedOut  bool
	StatusCode int
	Reason     string
}

func (d *Disconnect) Error() string {
	if d == nil {
		return "transport closed"
	}
	if d.Reason == "" {
		return fmt.Sprintf("transport closed (status %d, logged_out=%t)", d.StatusCode, d.LoggedOut)
	}
	return fmt.Sprintf("transport closed (status %d, logged_out=%t): %s", d.StatusCode, d.LoggedOut, d.Reason)
}

// Classify builds a Disconnect, treating StatusLoggedOut as an explicit logout.
func Classify(statusCode int, reason string) *Disconnect {
	return &Disconnect{
		LoggedOut:  statusCode == StatusLoggedOut,
		StatusCode: statusCode,
		Reason:     strings.TrimSpace(reason),
	}
}

// Message is one received text message.
type Message struct {
	ConversationID string
	Text           string
	FromSelf       bool
	SenderName     string
	// Timestamp is Unix seconds as reported by the transport.
	Timestamp int64
	Group     bool
}

// IsGroup reports whether a conversation id addresses a group chat.
func IsGroup(conversationID string) bool {
	return strings.HasSuffix(strings.TrimSpace(conversationID), groupSuffix)
}

// Phone returns the part of a conversation id before "@".
func Phone(conversationID string) string {
	id := strings.TrimSpace(conversationID)
	if at := strings.IndexByte(id, '@'); at >= 0 {
		return id[:at]
	}
	return id
}

// DeviceNumber strips the device suffix from a paired account id
// ("5511999999999:12@s.whatsapp.net" becomes "5511999999999").
func DeviceNumber(accountID string) string {
	number := Phone(accountID)
	if colon := strings.IndexByte(number, ':'); colon >= 0 {
		number = number[:colon]
	}
	return number
}

// UserAddress builds a user conversation id from a phone number, dropping
// formatting characters. Ids that already carry a suffix are returned as is.
func UserAddress(number string) string {
	trimmed := strings.TrimSpace(number)
	if strings.Contains(trimmed, "@") {
		return trimmed
	}
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, trimmed)
	if digits == "" {
		return ""
	}
	return digits + userSuffix
}
