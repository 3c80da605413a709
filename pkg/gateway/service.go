package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"zapdesk/pkg/bus"
	"zapdesk/pkg/config"
	"zapdesk/pkg/store"
	"zapdesk/pkg/supervisor"
)

const (
	defaultHost = "0.0.0.0"
	defaultPort = 3000

	healthInterval = 30 * time.Second
	sweepInterval  = time.Minute
)

// Session is the supervisor surface the management API drives.
type Session interface {
	Start(ctx context.Context) (bool, error)
	Stop(ctx context.Context) (bool, error)
	Send(ctx context.Context, conversationID string, text string) error
	Status() supervisor.ConnectionState
	Address(number string) string
}

// Dispatcher consumes inbound messages until ctx ends.
type Dispatcher interface {
	Run(ctx context.Context) error
}

// Conversations exposes router bookkeeping for status and idle eviction.
type Conversations interface {
	Contexts() int
	Sweep(now time.Time) int
}

type HealthChecker interface {
	Health(ctx context.Context) error
}

type Deps struct {
	Gateway       config.GatewayConfig
	AutoConnect   bool
	Session       Session
	Store         store.Store
	Bus           *bus.MessageBus
	Dispatcher    Dispatcher
	Conversations Conversations
	Responder     HealthChecker
}

type Service struct {
	deps Deps
	log  *slog.Logger
	now  func() time.Time

	mu                sync.RWMutex
	startedAt         time.Time
	responderLastOKAt time.Time
	responderLastErr  string
}

type statusResponse struct {
	Status            string      `json:"status"`
	UptimeSeconds     int64       `json:"uptime_seconds"`
	Connected         bool        `json:"connected"`
	Device            *bus.Device `json:"device,omitempty"`
	ReconnectAttempts int         `json:"reconnect_attempts"`
	Conversations     int         `json:"conversations"`
	ResponderLastOKAt string      `json:"responder_last_ok_at,omitempty"`
	ResponderLastErr  string      `json:"responder_last_error,omitempty"`
	PushSubscribers   int         `json:"push_subscribers"`
}

func NewService(deps Deps, log *slog.Logger) (*Service, error) {
	if deps.Session == nil {
		return nil, errors.New("session supervisor is required")
	}
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Bus == nil {
		return nil, errors.New("message bus is required")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Service{
		deps: deps,
		log:  log.With("component", "gateway.service"),
		now:  time.Now,
	}, nil
}

// Run serves the management API and runs the ingest dispatcher, event log,
// responder health probe and idle sweeper until ctx ends or one fails.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = s.now().UTC()
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.serve(gctx) })
	g.Go(func() error {
		observeEvents(gctx, s.deps.Bus, s.log)
		return nil
	})
	if s.deps.Dispatcher != nil {
		g.Go(func() error {
			if err := s.deps.Dispatcher.Run(gctx); err != nil {
				return fmt.Errorf("run ingest dispatcher: %w", err)
			}
			return nil
		})
	}
	if s.deps.Responder != nil {
		g.Go(func() error {
			s.probeResponder(gctx)
			return nil
		})
	}
	if s.deps.Conversations != nil {
		g.Go(func() error {
			s.sweepIdle(gctx)
			return nil
		})
	}

	if s.deps.AutoConnect {
		if _, err := s.deps.Session.Start(gctx); err != nil {
			s.log.Warn("Auto-connect failed, retrying on schedule", "error", err)
		}
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) serve(ctx context.Context) error {
	host := strings.TrimSpace(s.deps.Gateway.Host)
	if host == "" {
		host = defaultHost
	}
	port := s.deps.Gateway.Port
	if port <= 0 {
		port = defaultPort
	}

	addr := host + ":" + strconv.Itoa(port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start gateway server: %w", err)
	}
	return nil
}

// Handler returns the management API and push endpoint mux.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /connect", s.handleConnect)
	mux.HandleFunc("POST /disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /send", s.handleSend)
	mux.HandleFunc("POST /contacts/{id}/manual", s.handleManual)
	mux.HandleFunc("GET /ws", s.handlePush)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	return mux
}

func (s *Service) probeResponder(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		s.checkResponderHealth(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) checkResponderHealth(ctx context.Context) {
	if err := s.deps.Responder.Health(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("Responder health check failed", "error", err)
		s.mu.Lock()
		s.responderLastErr = err.Error()
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.responderLastErr = ""
	s.responderLastOKAt = s.now().UTC()
	s.mu.Unlock()
}

func (s *Service) sweepIdle(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.deps.Conversations.Sweep(s.now())
		}
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	writeJSON(w, statusCode, s.currentStatus(status), s.log)
}

func (s *Service) currentStatus(status string) statusResponse {
	conn := s.deps.Session.Status()

	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(s.now().Sub(s.startedAt).Seconds())
	}

	responderLastOK := ""
	if !s.responderLastOKAt.IsZero() {
		responderLastOK = s.responderLastOKAt.Format(time.RFC3339)
	}

	conversations := 0
	if s.deps.Conversations != nil {
		conversations = s.deps.Conversations.Contexts()
	}

	return statusResponse{
		Status:            status,
		UptimeSeconds:     uptime,
		Connected:         conn.Connected,
		Device:            conn.Device,
		ReconnectAttempts: conn.ReconnectAttempts,
		Conversations:     conversations,
		ResponderLastOKAt: responderLastOK,
		ResponderLastErr:  s.responderLastErr,
		PushSubscribers:   s.deps.Bus.Subscribers(),
	}
}

// isReady requires a connected transport and, when a responder is wired, a
// passing last health check.
func (s *Service) isReady() bool {
	if !s.deps.Session.Status().Connected {
		return false
	}
	if s.deps.Responder == nil {
		return true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return !s.responderLastOKAt.IsZero() && s.responderLastErr == ""
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any, log *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil && log != nil {
		log.Error("Failed to write response", "error", err)
	}
}
