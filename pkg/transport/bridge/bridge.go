// Package bridge drives a WhatsApp-style transport sidecar over a JSON
// WebSocket. The sidecar owns the protocol; this client owns the session
// lifecycle and credential persistence.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"zapdesk/pkg/authstore"
	"zapdesk/pkg/config"
	"zapdesk/pkg/transport"
)

const (
	driverName          = "bridge"
	defaultDialTimeout  = 10 * time.Second
	ackTimeout          = 30 * time.Second
	eventBuffer         = 64
	unknownDeviceName   = "Desconhecido"
	closeCodeStatusBase = 4000
)

// Driver dials the bridge once per session.
type Driver struct {
	url         string
	dialTimeout time.Duration
	dialer      *websocket.Dialer
	log         *slog.Logger
}

func New(cfg config.BridgeConfig, log *slog.Logger) (*Driver, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("transport.bridge.url is required")
	}
	if log == nil {
		log = slog.Default()
	}

	timeout := defaultDialTimeout
	if cfg.DialTimeoutSeconds > 0 {
		timeout = time.Duration(cfg.DialTimeoutSeconds) * time.Second
	}

	return &Driver{
		url:         url,
		dialTimeout: timeout,
		dialer: &websocket.Dialer{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
		log: log.With("component", "transport.bridge"),
	}, nil
}

func (d *Driver) Name() string {
	return driverName
}

func (d *Driver) Address(number string) string {
	return transport.UserAddress(number)
}

// Open dials the bridge and asks it to start a session with creds.
func (d *Driver) Open(ctx context.Context, creds authstore.Credentials) (transport.Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()

	conn, _, err := d.dialer.DialContext(dialCtx, d.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bridge: %w", err)
	}
	conn.SetReadLimit(16 * 1024 * 1024)

	if creds == nil {
		creds = authstore.Credentials{}
	}
	if err := conn.WriteJSON(clientFrame{Type: "open", Credentials: creds}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send open: %w", err)
	}

	s := &session{
		conn:    conn,
		pending: make(map[int64]chan ackFrame),
		events:  make(chan transport.Event, eventBuffer),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		ended:   make(chan struct{}),
		log:     d.log,
	}
	go s.readLoop()
	go s.forward()

	d.log.Info("Bridge session opened", "url", d.url, "stored_keys", len(creds))
	return s, nil
}

type clientFrame struct {
	Type        string                `json:"type"`
	ID          int64                 `json:"id,omitempty"`
	To          string                `json:"to,omitempty"`
	Text        string                `json:"text,omitempty"`
	Credentials authstore.Credentials `json:"credentials,omitempty"`
}

type serverFrame struct {
	Type string `json:"type"`

	// connection
	Connection string       `json:"connection,omitempty"`
	QR         string       `json:"qr,omitempty"`
	Device     *deviceFrame `json:"device,omitempty"`
	Close      *closeFrame  `json:"close,omitempty"`

	// creds
	Credentials authstore.Credentials `json:"credentials,omitempty"`

	// message
	Message *messageFrame `json:"message,omitempty"`

	// ack
	ID    int64  `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

type deviceFrame struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type closeFrame struct {
	StatusCode int    `json:"statusCode"`
	Reason     string `json:"reason"`
}

type messageFrame struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	PushName  string `json:"pushName"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type ackFrame struct {
	Error string
}

type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	msgID   atomic.Int64

	pending   map[int64]chan ackFrame
	pendingMu sync.Mutex

	events chan transport.Event

	// queue holds events read off the socket until forward hands them to
	// events, so a slow consumer never stalls ack delivery.
	queue   []transport.Event
	queueMu sync.Mutex
	wake    chan struct{}

	done      chan struct{}
	ended     chan struct{}
	closeOnce sync.Once

	log *slog.Logger
}

func (s *session) Events() <-chan transport.Event {
	return s.events
}

func (s *session) SendText(ctx context.Context, conversationID string, text string) error {
	err := s.request(ctx, clientFrame{Type: "send", To: conversationID, Text: text})
	if err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}

func (s *session) Logout(ctx context.Context) error {
	if err := s.request(ctx, clientFrame{Type: "logout"}); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *session) request(ctx context.Context, frame clientFrame) error {
	id := s.msgID.Add(1)
	frame.ID = id

	ackCh := make(chan ackFrame, 1)
	s.pendingMu.Lock()
	s.pending[id] = ackCh
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	select {
	case <-s.ended:
		return errors.New("session ended")
	default:
	}

	s.writeMu.Lock()
	err := s.conn.WriteJSON(frame)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()

	select {
	case ack := <-ackCh:
		if ack.Error != "" {
			return errors.New(ack.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ended:
		return errors.New("session ended")
	case <-timer.C:
		return errors.New("timeout waiting for bridge ack")
	}
}

// readLoop owns the socket reads. Acks resolve here directly; everything
// else is queued for forward.
func (s *session) readLoop() {
	defer s.signal()
	defer close(s.ended)

	closedSent := false
	for {
		var frame serverFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if closedSent {
				return
			}
			select {
			case <-s.done:
				return
			default:
			}
			s.log.Warn("Bridge connection lost", "error", err)
			s.emit(transport.Event{Kind: transport.EventClosed, Close: disconnectFromError(err)})
			return
		}

		switch frame.Type {
		case "connection":
			if frame.QR != "" {
				s.emit(transport.Event{Kind: transport.EventPairing, Pairing: frame.QR})
			}
			switch frame.Connection {
			case "open":
				s.emit(transport.Event{Kind: transport.EventOpen, Device: deviceFromFrame(frame.Device)})
			case "close":
				status, reason := 0, ""
				if frame.Close != nil {
					status, reason = frame.Close.StatusCode, frame.Close.Reason
				}
				closedSent = true
				s.emit(transport.Event{Kind: transport.EventClosed, Close: transport.Classify(status, reason)})
			}

		case "creds":
			if len(frame.Credentials) > 0 {
				s.emit(transport.Event{Kind: transport.EventCredentials, Credentials: frame.Credentials})
			}

		case "message":
			if frame.Message == nil {
				continue
			}
			m := frame.Message
			s.emit(transport.Event{Kind: transport.EventMessage, Message: &transport.Message{
				ConversationID: m.RemoteJID,
				Text:           m.Text,
				FromSelf:       m.FromMe,
				SenderName:     m.PushName,
				Timestamp:      m.Timestamp,
				Group:          transport.IsGroup(m.RemoteJID),
			}})

		case "ack":
			s.pendingMu.Lock()
			if ch, ok := s.pending[frame.ID]; ok {
				ch <- ackFrame{Error: frame.Error}
			}
			s.pendingMu.Unlock()

		default:
			s.log.Debug("Unhandled bridge frame", "type", frame.Type)
		}
	}
}

func (s *session) emit(event transport.Event) {
	s.queueMu.Lock()
	s.queue = append(s.queue, event)
	s.queueMu.Unlock()
	s.signal()
}

func (s *session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// forward is the only sender on s.events and closes it once readLoop has
// ended and the queue is drained, or when the session is closed.
func (s *session) forward() {
	defer close(s.events)

	for {
		s.queueMu.Lock()
		batch := s.queue
		s.queue = nil
		s.queueMu.Unlock()

		for _, event := range batch {
			select {
			case s.events <- event:
			case <-s.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-s.ended:
			s.queueMu.Lock()
			empty := len(s.queue) == 0
			s.queueMu.Unlock()
			if empty {
				return
			}
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

func deviceFromFrame(frame *deviceFrame) *transport.Device {
	device := &transport.Device{Name: unknownDeviceName}
	if frame == nil {
		return device
	}
	if name := strings.TrimSpace(frame.Name); name != "" {
		device.Name = name
	}
	device.Number = transport.DeviceNumber(frame.ID)
	return device
}

// disconnectFromError maps a websocket close code of 4000+status back to
// the transport status. Anything else is a transient loss.
func disconnectFromError(err error) *transport.Disconnect {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code >= closeCodeStatusBase {
		return transport.Classify(closeErr.Code-closeCodeStatusBase, closeErr.Text)
	}
	return transport.Classify(0, err.Error())
}

var _ transport.Driver = (*Driver)(nil)
