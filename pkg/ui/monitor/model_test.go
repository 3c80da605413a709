package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"zapdesk/pkg/bus"
)

type recordingGateway struct {
	calls []string
	err   error
}

func (g *recordingGateway) Connect(context.Context) (ActionResult, error) {
	g.calls = append(g.calls, "connect")
	return ActionResult{Status: "connecting", Message: "Iniciando conexão"}, g.err
}

func (g *recordingGateway) Disconnect(context.Context) (ActionResult, error) {
	g.calls = append(g.calls, "disconnect")
	return ActionResult{Status: "disconnected", Message: "WhatsApp desconectado com sucesso"}, g.err
}

func (g *recordingGateway) Send(_ context.Context, number string, message string) (ActionResult, error) {
	g.calls = append(g.calls, "send:"+number+":"+message)
	return ActionResult{Status: "sent", Message: "Mensagem enviada com sucesso"}, g.err
}

func frame(t *testing.T, event bus.EventType, data any) Frame {
	t.Helper()

	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return Frame{Event: event, Data: raw}
}

func fixedModel(gateway Gateway) *model {
	m := newModel(context.Background(), gateway, nil)
	m.now = func() time.Time { return time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC) }
	return m
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    command
		wantErr bool
	}{
		{input: "/connect", want: command{kind: commandConnect}},
		{input: " /DISCONNECT ", want: command{kind: commandDisconnect}},
		{input: ":q", want: command{kind: commandQuit}},
		{input: "5511988887777 Olá, tudo bem?", want: command{kind: commandSend, number: "5511988887777", message: "Olá, tudo bem?"}},
		{input: "5511988887777", wantErr: true},
		{input: "fulano oi", wantErr: true},
		{input: "/reboot", wantErr: true},
	}

	for _, tt := range tests {
		got, err := parseCommand(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("parseCommand(%q) expected error, got %+v", tt.input, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseCommand(%q) error = %v", tt.input, err)
		}
		if got != tt.want {
			t.Fatalf("parseCommand(%q) = %+v, want %+v", tt.input, got, tt.want)
		}
	}
}

func TestApplyFrameTracksConnectionAndPairing(t *testing.T) {
	t.Parallel()

	m := fixedModel(&recordingGateway{})

	m.applyFrame(frame(t, bus.EventQR, bus.QRData{QR: "data:image/png;base64,AAAA", Code: "2@pairing-code"}))
	if m.qrArt == "" {
		t.Fatal("expected QR art to be rendered from the pairing code")
	}
	if !strings.Contains(m.View(), "█") && !strings.Contains(m.View(), "▀") {
		t.Fatal("expected QR blocks in the view while disconnected")
	}

	m.applyFrame(frame(t, bus.EventConnectionStatus, bus.StatusData{Connected: true, Device: &bus.Device{Name: "Loja", Number: "5511999990000"}}))
	if !m.connected {
		t.Fatal("expected connected after status frame")
	}
	if m.qrArt != "" {
		t.Fatal("expected QR art cleared once connected")
	}
	if got := m.connectionLine(); !strings.Contains(got, "Loja (5511999990000)") {
		t.Fatalf("connection line = %q, want device label", got)
	}

	m.applyFrame(frame(t, bus.EventConnectionStatus, bus.StatusData{ReconnectAttempts: 2}))
	if m.connected || m.attempts != 2 {
		t.Fatalf("connected=%v attempts=%d, want false/2", m.connected, m.attempts)
	}
	last := m.entries[len(m.entries)-1]
	if !strings.Contains(last.text, "tentativa de reconexão 2") {
		t.Fatalf("last entry = %q, want reconnect attempt", last.text)
	}
}

func TestApplyFrameMessageUsesContactName(t *testing.T) {
	t.Parallel()

	m := fixedModel(&recordingGateway{})
	m.applyFrame(frame(t, bus.EventMessage, bus.MessageData{From: "5511988887777@s.whatsapp.net", Content: "Quero ajuda", Timestamp: 1700000000, ContactName: "Ana"}))
	m.applyFrame(frame(t, bus.EventMessage, bus.MessageData{From: "5511977776666@s.whatsapp.net", Content: "Oi"}))

	if len(m.entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(m.entries))
	}
	if m.entries[0].title != "Ana" || m.entries[0].kind != entryInbound {
		t.Fatalf("first entry = %+v, want inbound from Ana", m.entries[0])
	}
	if !m.entries[0].at.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("first entry at = %v, want message timestamp", m.entries[0].at)
	}
	if m.entries[1].title != "5511977776666@s.whatsapp.net" {
		t.Fatalf("second entry title = %q, want sender id fallback", m.entries[1].title)
	}
}

func TestApplyFrameRejectsMalformedData(t *testing.T) {
	t.Parallel()

	m := fixedModel(&recordingGateway{})
	m.applyFrame(Frame{Event: bus.EventConnectionStatus, Data: json.RawMessage(`"nope"`)})

	if len(m.entries) != 1 || m.entries[0].kind != entryError {
		t.Fatalf("entries = %+v, want one error entry", m.entries)
	}
}

func TestSubmitRunsGatewayCommand(t *testing.T) {
	t.Parallel()

	gateway := &recordingGateway{}
	m := fixedModel(gateway)
	m.input.SetValue("5511988887777 Seu pedido saiu")

	cmd := m.submit()
	if cmd == nil {
		t.Fatal("expected a command for a valid send")
	}
	if !m.busy {
		t.Fatal("expected busy while the send is in flight")
	}

	result := runCommand(m.ctx, gateway, command{kind: commandSend, number: "5511988887777", message: "Seu pedido saiu"})()
	m.Update(result)

	if m.busy {
		t.Fatal("expected busy cleared after result")
	}
	if got := gateway.calls; len(got) != 1 || got[0] != "send:5511988887777:Seu pedido saiu" {
		t.Fatalf("gateway calls = %v", got)
	}
	last := m.entries[len(m.entries)-1]
	if last.kind != entryOutbound || last.text != "Seu pedido saiu" {
		t.Fatalf("last entry = %+v, want outbound message", last)
	}
}

func TestSubmitReportsGatewayErrors(t *testing.T) {
	t.Parallel()

	gateway := &recordingGateway{err: errors.New("WhatsApp não está conectado")}
	m := fixedModel(gateway)

	msg := runCommand(m.ctx, gateway, command{kind: commandConnect})()
	m.Update(msg)

	last := m.entries[len(m.entries)-1]
	if last.kind != entryError || last.title != "connect" {
		t.Fatalf("last entry = %+v, want connect error", last)
	}
}

func TestSubmitRejectsUnknownInput(t *testing.T) {
	t.Parallel()

	m := fixedModel(&recordingGateway{})
	m.input.SetValue("/reboot")

	if cmd := m.submit(); cmd != nil {
		t.Fatal("expected no command for invalid input")
	}
	if m.input.Value() != "/reboot" {
		t.Fatal("expected invalid input kept for editing")
	}
	if len(m.entries) != 1 || m.entries[0].kind != entryError {
		t.Fatalf("entries = %+v, want one error entry", m.entries)
	}
}

func TestStreamClosedMarksOffline(t *testing.T) {
	t.Parallel()

	frames := make(chan Frame)
	close(frames)

	m := fixedModel(&recordingGateway{})
	msg := waitForFrame(frames)()
	m.Update(msg)

	if !m.streamClosed {
		t.Fatal("expected stream marked closed")
	}
	if !strings.Contains(m.connectionLine(), "push:offline") {
		t.Fatalf("connection line = %q", m.connectionLine())
	}
}

func TestEntriesAreBounded(t *testing.T) {
	t.Parallel()

	m := fixedModel(&recordingGateway{})
	for i := 0; i < maxEntries+25; i++ {
		m.appendEntry(entry{kind: entrySystem, text: "x"})
	}
	if len(m.entries) != maxEntries {
		t.Fatalf("entries = %d, want %d", len(m.entries), maxEntries)
	}
}

func TestHandleViewportMouseWheelUpDisablesFollowLog(t *testing.T) {
	t.Parallel()

	m := fixedModel(&recordingGateway{})
	m.viewport.Width = 40
	m.viewport.Height = 5
	m.viewport.SetContent(strings.Repeat("line\n", 40))
	m.viewport.GotoBottom()
	m.followLog = true

	previousOffset := m.viewport.YOffset
	if !m.handleViewportMouse(tea.MouseMsg{Action: tea.MouseActionPress, Button: tea.MouseButtonWheelUp}) {
		t.Fatal("expected wheel-up mouse event to be handled")
	}
	if m.followLog {
		t.Fatal("expected followLog to be disabled after wheel-up scroll")
	}
	if m.viewport.YOffset >= previousOffset {
		t.Fatalf("expected YOffset to decrease after wheel-up scroll, got %d want < %d", m.viewport.YOffset, previousOffset)
	}
}

func TestHandleViewportMouseIgnoresNonWheelEvents(t *testing.T) {
	t.Parallel()

	m := fixedModel(&recordingGateway{})
	if m.handleViewportMouse(tea.MouseMsg{Action: tea.MouseActionPress, Button: tea.MouseButtonLeft}) {
		t.Fatal("expected non-wheel mouse event to be ignored")
	}
}
