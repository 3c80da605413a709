package bus

import (
	"context"
	"sync"
	"time"
)

type EventType string

// Push event names as seen by operator front ends.
const (
	EventQR               EventType = "qr"
	EventConnectionStatus EventType = "connection-status"
	EventMessage          EventType = "message"
)

type Event struct {
	Type           EventType `json:"type"`
	At             time.Time `json:"at"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Data           any       `json:"data,omitempty"`
}

// Device identifies the account paired with the transport.
type Device struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// QRData is carried by EventQR.
type QRData struct {
	QR   string `json:"qr"`
	Code string `json:"code,omitempty"`
}

// StatusData is carried by EventConnectionStatus.
type StatusData struct {
	Connected         bool    `json:"connected"`
	Device            *Device `json:"device,omitempty"`
	ReconnectAttempts int     `json:"reconnectAttempts"`
}

// MessageData is carried by EventMessage.
type MessageData struct {
	From        string `json:"from"`
	Content     string `json:"content"`
	Timestamp   int64  `json:"timestamp"`
	ContactID   string `json:"contactId,omitempty"`
	ContactName string `json:"contactName,omitempty"`
}

// PublishEvent delivers to every subscriber without blocking; slow
// subscribers miss events.
func (mb *MessageBus) PublishEvent(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	mb.mu.RLock()
	defer mb.mu.RUnlock()
	for _, ch := range mb.eventSubscribers {
		select {
		case ch <- event:
		default:
		}
	}

	return true
}

// SubscribeEvents registers a buffered subscriber. The channel closes on
// unsubscribe, ctx cancellation, or bus close.
func (mb *MessageBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	mb.mu.Lock()
	select {
	case <-mb.done:
		mb.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := mb.nextEventSubscriberID
	mb.nextEventSubscriberID++
	mb.eventSubscribers[id] = ch
	mb.mu.Unlock()

	stop := make(chan struct{})
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			close(stop)
			mb.mu.Lock()
			if eventCh, ok := mb.eventSubscribers[id]; ok {
				delete(mb.eventSubscribers, id)
				close(eventCh)
			}
			mb.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-mb.done:
			unsubscribe()
		case <-stop:
		}
	}()

	return ch, unsubscribe
}

// Subscribers reports the number of live event subscriptions.
func (mb *MessageBus) Subscribers() int {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return len(mb.eventSubscribers)
}
