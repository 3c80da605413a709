// Package supervisor owns the single transport session: it opens it, keeps
// it alive through a bounded number of reconnects, persists credentials and
// publishes connection state.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"zapdesk/pkg/apperr"
	"zapdesk/pkg/authstore"
	"zapdesk/pkg/bus"
	"zapdesk/pkg/pairing"
	"zapdesk/pkg/store"
	"zapdesk/pkg/transport"
)

const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = 5 * time.Second
)

// ErrNotConnected is returned by Send while no session is live.
var ErrNotConnected = apperr.New(apperr.NotConnected, "whatsapp is not connected")

// ConnectionState is a snapshot of the supervised session.
type ConnectionState struct {
	Connected         bool        `json:"connected"`
	Device            *bus.Device `json:"device"`
	QR                string      `json:"-"`
	PairingCode       string      `json:"-"`
	ReconnectAttempts int         `json:"reconnectAttempts"`
}

func (s ConnectionState) clone() ConnectionState {
	if s.Device != nil {
		device := *s.Device
		s.Device = &device
	}
	return s
}

// ScheduleFunc runs fn after d and returns a func that cancels it.
type ScheduleFunc func(d time.Duration, fn func()) (cancel func())

func afterFunc(d time.Duration, fn func()) func() {
	timer := time.AfterFunc(d, fn)
	return func() { timer.Stop() }
}

type Options struct {
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	Schedule             ScheduleFunc
}

type Supervisor struct {
	driver transport.Driver
	auth   *authstore.Store
	bus    *bus.MessageBus
	store  store.Store
	log    *slog.Logger

	maxAttempts int
	delay       time.Duration
	schedule    ScheduleFunc

	mu          sync.Mutex
	session     transport.Session
	starting    bool
	state       ConnectionState
	generation  uint64
	cancelRetry func()
	recordID    string

	// credsMu orders credential saves before sends.
	credsMu sync.Mutex

	// recordMu orders connection record upserts against Stop's delete.
	recordMu sync.Mutex

	// pumpCtx bounds inbound publishes so Close never waits on a full bus.
	pumpCtx    context.Context
	pumpCancel context.CancelFunc
	pumps      sync.WaitGroup
}

func New(driver transport.Driver, auth *authstore.Store, messageBus *bus.MessageBus, st store.Store, opts Options, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Schedule == nil {
		opts.Schedule = afterFunc
	}

	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	return &Supervisor{
		driver:      driver,
		auth:        auth,
		bus:         messageBus,
		store:       st,
		log:         log.With("component", "supervisor", "driver", driver.Name()),
		maxAttempts: opts.MaxReconnectAttempts,
		delay:       opts.ReconnectDelay,
		schedule:    opts.Schedule,
		pumpCtx:     pumpCtx,
		pumpCancel:  pumpCancel,
	}
}

// Restore adopts the most recent connection record so later updates
// overwrite it instead of adding rows.
func (s *Supervisor) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	conn, err := s.store.LatestConnection(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.PersistenceFailure, "load connection record", err)
	}

	s.mu.Lock()
	s.recordID = conn.ID
	s.mu.Unlock()

	s.log.Info("Restored connection record", "record_id", conn.ID, "was_connected", conn.Connected)
	return nil
}

// Start opens a session unless one is live or opening. It reports whether
// a new session was opened. A failed open is retried on the reconnect
// schedule.
func (s *Supervisor) Start(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.session != nil || s.starting {
		s.mu.Unlock()
		return false, nil
	}
	s.starting = true
	s.generation++
	gen := s.generation
	if s.cancelRetry != nil {
		s.cancelRetry()
		s.cancelRetry = nil
	}
	s.mu.Unlock()

	session, err := s.open(ctx)

	s.mu.Lock()
	s.starting = false
	if gen != s.generation {
		s.mu.Unlock()
		if session != nil {
			_ = session.Close()
		}
		return false, nil
	}
	if err != nil {
		s.state.Connected = false
		s.state.Device = nil
		s.scheduleReconnectLocked(gen, "open failed")
		snapshot := s.state.clone()
		s.mu.Unlock()

		s.log.Error("Transport open failed", "category", apperr.TransportDisconnect, "error", err)
		s.publishStatus(snapshot)
		return false, err
	}
	s.session = session
	s.mu.Unlock()

	s.log.Info("Transport session opening")
	s.pumps.Add(1)
	go s.pump(gen, session)
	return true, nil
}

func (s *Supervisor) open(ctx context.Context) (transport.Session, error) {
	creds, err := s.auth.Load()
	if err != nil {
		return nil, apperr.Wrap(apperr.PersistenceFailure, "load credentials", err)
	}

	session, err := s.driver.Open(context.WithoutCancel(ctx), creds)
	if err != nil {
		return nil, apperr.Wrap(apperr.TransportDisconnect, "open session", err)
	}
	return session, nil
}

// Stop logs out, clears credentials and the connection record, and
// publishes the disconnected state. It reports false when no session was
// live; a pending reconnect is cancelled either way.
func (s *Supervisor) Stop(ctx context.Context) (bool, error) {
	s.recordMu.Lock()
	defer s.recordMu.Unlock()

	s.mu.Lock()
	s.generation++
	if s.cancelRetry != nil {
		s.cancelRetry()
		s.cancelRetry = nil
	}
	session := s.session
	s.session = nil
	s.starting = false
	if session == nil {
		s.state.ReconnectAttempts = 0
		s.mu.Unlock()
		return false, nil
	}
	s.state = ConnectionState{}
	recordID := s.recordID
	s.recordID = ""
	s.mu.Unlock()

	var errs []error
	if err := session.Logout(ctx); err != nil {
		s.log.Warn("Transport logout failed", "error", err)
		errs = append(errs, apperr.Wrap(apperr.TransportDisconnect, "logout", err))
	}
	if err := session.Close(); err != nil {
		s.log.Debug("Transport close failed", "error", err)
	}

	if s.store != nil && recordID != "" {
		if err := s.store.DeleteConnection(ctx, recordID); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.log.Error("Delete connection record failed", "category", apperr.PersistenceFailure, "error", err)
			errs = append(errs, apperr.Wrap(apperr.PersistenceFailure, "delete connection record", err))
		}
	}

	s.credsMu.Lock()
	if err := s.auth.Clear(); err != nil {
		s.log.Error("Clear credentials failed", "category", apperr.PersistenceFailure, "error", err)
		errs = append(errs, apperr.Wrap(apperr.PersistenceFailure, "clear credentials", err))
	}
	s.credsMu.Unlock()

	s.log.Info("Transport session stopped")
	s.publishStatus(ConnectionState{})
	return true, errors.Join(errs...)
}

// Close ends the live session without logging out and waits for its event
// pump to drain. Inbound messages still queued in the pump are dropped.
func (s *Supervisor) Close() error {
	s.pumpCancel()

	s.mu.Lock()
	s.generation++
	if s.cancelRetry != nil {
		s.cancelRetry()
		s.cancelRetry = nil
	}
	session := s.session
	s.session = nil
	s.state.Connected = false
	s.state.Device = nil
	s.mu.Unlock()

	var err error
	if session != nil {
		err = session.Close()
	}
	s.pumps.Wait()
	return err
}

// Send forwards text to the live session.
func (s *Supervisor) Send(ctx context.Context, conversationID string, text string) error {
	s.mu.Lock()
	session := s.session
	connected := s.state.Connected
	s.mu.Unlock()

	if session == nil || !connected {
		return ErrNotConnected
	}

	s.credsMu.Lock()
	defer s.credsMu.Unlock()

	if err := session.SendText(ctx, conversationID, text); err != nil {
		return apperr.Wrap(apperr.TransportDisconnect, "send text", err)
	}
	return nil
}

// Address turns a phone number into a conversation id for the driver.
func (s *Supervisor) Address(number string) string {
	return s.driver.Address(number)
}

// Status returns a copy of the current connection state.
func (s *Supervisor) Status() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.clone()
}

func (s *Supervisor) pump(gen uint64, session transport.Session) {
	defer s.pumps.Done()

	closed := false
	for event := range session.Events() {
		switch event.Kind {
		case transport.EventPairing:
			s.onPairing(gen, event.Pairing)
		case transport.EventOpen:
			s.onOpen(gen, session, event.Device)
		case transport.EventCredentials:
			s.onCredentials(event.Credentials)
		case transport.EventMessage:
			s.onMessage(event.Message)
		case transport.EventClosed:
			closed = true
			s.onClosed(gen, session, event.Close)
		}
	}

	if !closed {
		s.onClosed(gen, session, transport.Classify(0, "event stream ended"))
	}
}

func (s *Supervisor) current(gen uint64, session transport.Session) bool {
	return gen == s.generation && s.session == session
}

func (s *Supervisor) onPairing(gen uint64, payload string) {
	dataURL, err := pairing.DataURL(payload)
	if err != nil {
		s.log.Error("Render pairing code failed", "error", err)
		return
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.state.Connected = false
	s.state.QR = dataURL
	s.state.PairingCode = payload
	snapshot := s.state.clone()
	s.mu.Unlock()

	s.log.Info("Pairing code received")
	s.publish(bus.EventQR, bus.QRData{QR: dataURL, Code: payload})
	s.persist(gen, snapshot)
}

func (s *Supervisor) onOpen(gen uint64, session transport.Session, device *transport.Device) {
	s.mu.Lock()
	if !s.current(gen, session) {
		s.mu.Unlock()
		return
	}
	s.state.Connected = true
	s.state.ReconnectAttempts = 0
	s.state.QR = ""
	s.state.PairingCode = ""
	s.state.Device = &bus.Device{Name: "Desconhecido", Number: "Desconhecido"}
	if device != nil {
		if device.Name != "" {
			s.state.Device.Name = device.Name
		}
		if device.Number != "" {
			s.state.Device.Number = device.Number
		}
	}
	snapshot := s.state.clone()
	s.mu.Unlock()

	s.log.Info("Transport session open", "device_name", snapshot.Device.Name, "device_number", snapshot.Device.Number)
	s.publishStatus(snapshot)
	s.persist(gen, snapshot)
}

func (s *Supervisor) onCredentials(creds authstore.Credentials) {
	if len(creds) == 0 {
		return
	}

	s.credsMu.Lock()
	defer s.credsMu.Unlock()

	if err := s.auth.Save(creds); err != nil {
		s.log.Error("Save credentials failed", "category", apperr.PersistenceFailure, "error", err)
	}
}

func (s *Supervisor) onMessage(msg *transport.Message) {
	if msg == nil || s.bus == nil {
		return
	}

	s.bus.PublishInbound(s.pumpCtx, bus.InboundMessage{
		Driver:         s.driver.Name(),
		ConversationID: msg.ConversationID,
		SenderName:     msg.SenderName,
		Text:           msg.Text,
		FromSelf:       msg.FromSelf,
		Group:          msg.Group,
		Timestamp:      msg.Timestamp,
	})
}

func (s *Supervisor) onClosed(gen uint64, session transport.Session, reason *transport.Disconnect) {
	if reason == nil {
		reason = transport.Classify(0, "")
	}

	s.mu.Lock()
	if !s.current(gen, session) {
		s.mu.Unlock()
		_ = session.Close()
		return
	}
	s.session = nil
	s.state.Connected = false
	s.state.Device = nil
	s.state.QR = ""
	s.state.PairingCode = ""

	if reason.LoggedOut {
		s.state.ReconnectAttempts = 0
		s.log.Warn("Transport logged out, not reconnecting", "status_code", reason.StatusCode, "reason", reason.Reason)
	} else {
		s.scheduleReconnectLocked(gen, reason.Error())
	}
	snapshot := s.state.clone()
	s.mu.Unlock()

	_ = session.Close()
	s.publishStatus(snapshot)
	s.persist(gen, snapshot)
}

// scheduleReconnectLocked queues a retry of Start unless the ceiling was
// reached, in which case the counter resets for the next manual start.
// Callers hold s.mu.
func (s *Supervisor) scheduleReconnectLocked(gen uint64, reason string) {
	if s.state.ReconnectAttempts >= s.maxAttempts {
		s.log.Error("Reconnect attempts exhausted", "category", apperr.TransportDisconnect, "max_attempts", s.maxAttempts, "reason", reason)
		s.state.ReconnectAttempts = 0
		return
	}

	s.state.ReconnectAttempts++
	attempt := s.state.ReconnectAttempts
	s.log.Warn("Transport closed, reconnecting",
		"attempt", attempt,
		"max_attempts", s.maxAttempts,
		"delay", s.delay.String(),
		"reason", reason,
	)

	s.cancelRetry = s.schedule(s.delay, func() { s.retry(gen) })
}

func (s *Supervisor) retry(gen uint64) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.cancelRetry = nil
	s.mu.Unlock()

	if _, err := s.Start(context.Background()); err != nil {
		s.log.Debug("Reconnect attempt failed", "error", err)
	}
}

func (s *Supervisor) publishStatus(state ConnectionState) {
	s.publish(bus.EventConnectionStatus, bus.StatusData{
		Connected:         state.Connected,
		Device:            state.Device,
		ReconnectAttempts: state.ReconnectAttempts,
	})
}

func (s *Supervisor) publish(eventType bus.EventType, data any) {
	if s.bus == nil {
		return
	}
	s.bus.PublishEvent(context.Background(), bus.Event{Type: eventType, Data: data})
}

// persist writes state to the connection record unless gen has been
// superseded, so a Stop that already deleted the record is not undone.
func (s *Supervisor) persist(gen uint64, state ConnectionState) {
	if s.store == nil {
		return
	}

	s.recordMu.Lock()
	defer s.recordMu.Unlock()

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	conn := &store.Connection{
		ID:        s.recordID,
		Connected: state.Connected,
		QRCode:    state.QR,
	}
	s.mu.Unlock()
	if state.Device != nil {
		conn.DeviceName = state.Device.Name
		conn.DeviceNumber = state.Device.Number
	}

	if err := s.store.UpsertConnection(context.Background(), conn); err != nil {
		s.log.Error("Upsert connection record failed", "category", apperr.PersistenceFailure, "error", err)
		return
	}

	s.mu.Lock()
	if s.recordID == "" {
		s.recordID = conn.ID
	}
	s.mu.Unlock()
}
