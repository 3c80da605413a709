// Package console is a line-oriented transport for rehearsing conversations
// locally: every input line is one inbound message from a single customer.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"zapdesk/pkg/authstore"
	"zapdesk/pkg/transport"
)

const (
	DefaultNumber = "5500000000000"
	DefaultName   = "Console"
)

// Driver reads customer lines from In and writes bot replies to Out.
type Driver struct {
	In           io.Reader
	Out          io.Writer
	Number       string
	CustomerName string
	// Now stamps inbound messages; defaults to time.Now.
	Now func() time.Time

	opened bool
	mu     sync.Mutex
}

func (d *Driver) Name() string {
	return "console"
}

func (d *Driver) Address(number string) string {
	return transport.UserAddress(number)
}

// Open may be called once since the input stream cannot be replayed.
func (d *Driver) Open(_ context.Context, _ authstore.Credentials) (transport.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened {
		return nil, errors.New("console input already consumed")
	}
	if d.In == nil || d.Out == nil {
		return nil, errors.New("console driver needs input and output")
	}
	d.opened = true

	number := strings.TrimSpace(d.Number)
	if number == "" {
		number = DefaultNumber
	}
	name := strings.TrimSpace(d.CustomerName)
	if name == "" {
		name = DefaultName
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}

	s := &session{
		out:    d.Out,
		events: make(chan transport.Event, 16),
		done:   make(chan struct{}),
	}
	go s.run(d.In, transport.UserAddress(number), name, now)
	return s, nil
}

type session struct {
	out       io.Writer
	outMu     sync.Mutex
	events    chan transport.Event
	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) Events() <-chan transport.Event {
	return s.events
}

func (s *session) SendText(_ context.Context, _ string, text string) error {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if _, err := fmt.Fprintf(s.out, "bot> %s\n", text); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

func (s *session) Logout(context.Context) error {
	return nil
}

func (s *session) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// run ends with a logged-out close on EOF so the supervisor does not retry.
func (s *session) run(in io.Reader, conversationID string, name string, now func() time.Time) {
	defer close(s.events)

	if !s.emit(transport.Event{Kind: transport.EventOpen, Device: &transport.Device{Name: DefaultName, Number: "0"}}) {
		return
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		text := strings.TrimRight(scanner.Text(), "\r")
		if !s.emit(transport.Event{Kind: transport.EventMessage, Message: &transport.Message{
			ConversationID: conversationID,
			Text:           text,
			SenderName:     name,
			Timestamp:      now().Unix(),
		}}) {
			return
		}
	}

	reason := "input closed"
	if err := scanner.Err(); err != nil {
		reason = err.Error()
	}
	s.emit(transport.Event{Kind: transport.EventClosed, Close: transport.Classify(transport.StatusLoggedOut, reason)})
}

func (s *session) emit(event transport.Event) bool {
	select {
	case s.events <- event:
		return true
	case <-s.done:
		return false
	}
}

var _ transport.Driver = (*Driver)(nil)
