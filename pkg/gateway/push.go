package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"zapdesk/pkg/bus"
)

const (
	pushBuffer     = 64
	pushWriteWait  = 10 * time.Second
	pushPongWait   = 60 * time.Second
	pushPingPeriod = (pushPongWait * 9) / 10
)

// PushFrame is one server-to-client push message.
type PushFrame struct {
	Event bus.EventType `json:"event"`
	Data  any           `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Operator front ends are served from other origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handlePush upgrades to a websocket and streams bus events to the client.
// A new client first receives the current connection status, and the pending
// pairing code when the session is waiting to be paired.
func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Push upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := s.deps.Bus.SubscribeEvents(ctx, pushBuffer)
	defer unsubscribe()

	log := s.log.With("remote_addr", r.RemoteAddr)
	log.Info("Push client connected")
	defer log.Info("Push client disconnected")

	go func() {
		defer cancel()
		readUntilClosed(conn)
	}()

	for _, frame := range s.greeting() {
		if err := writeFrame(conn, frame); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pushPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(pushWriteWait))
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeFrame(conn, PushFrame{Event: event.Type, Data: event.Data}); err != nil {
				log.Debug("Push write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pushWriteWait)); err != nil {
				return
			}
		}
	}
}

func (s *Service) greeting() []PushFrame {
	state := s.deps.Session.Status()
	frames := []PushFrame{{
		Event: bus.EventConnectionStatus,
		Data: bus.StatusData{
			Connected:         state.Connected,
			Device:            state.Device,
			ReconnectAttempts: state.ReconnectAttempts,
		},
	}}
	if state.QR != "" && !state.Connected {
		frames = append(frames, PushFrame{Event: bus.EventQR, Data: bus.QRData{QR: state.QR, Code: state.PairingCode}})
	}
	return frames
}

func writeFrame(conn *websocket.Conn, frame PushFrame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(pushWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}

// readUntilClosed drains client frames so control messages are processed,
// returning once the peer goes away.
func readUntilClosed(conn *websocket.Conn) {
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pushPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pushPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
