package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"zapdesk/pkg/bus"
	"zapdesk/pkg/pairing"
)

const maxEntries = 500

// Gateway is the management surface the monitor drives.
type Gateway interface {
	Connect(ctx context.Context) (ActionResult, error)
	Disconnect(ctx context.Context) (ActionResult, error)
	Send(ctx context.Context, number string, message string) (ActionResult, error)
}

type entryKind int

const (
	entrySystem entryKind = iota
	entryInbound
	entryOutbound
	entryError
)

type entry struct {
	kind  entryKind
	at    time.Time
	title string
	text  string
}

type commandKind int

const (
	commandSend commandKind = iota
	commandConnect
	commandDisconnect
	commandQuit
)

type command struct {
	kind    commandKind
	number  string
	message string
}

type frameMsg struct{ frame Frame }

type streamClosedMsg struct{}

type actionResultMsg struct {
	cmd    command
	result ActionResult
	err    error
}

type model struct {
	ctx     context.Context
	gateway Gateway
	frames  <-chan Frame
	now     func() time.Time

	theme     theme
	spinner   spinner.Model
	input     textinput.Model
	viewport  viewport.Model
	entries   []entry
	width     int
	height    int
	isReady   bool
	busy      bool
	followLog bool

	connected    bool
	device       *bus.Device
	attempts     int
	qrArt        string
	streamClosed bool
}

func newModel(ctx context.Context, gateway Gateway, frames <-chan Frame) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("114"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "5511999999999 mensagem  ·  /connect  ·  /disconnect"
	in.Focus()
	in.CharLimit = 0

	return &model{
		ctx:       ctx,
		gateway:   gateway,
		frames:    frames,
		now:       time.Now,
		theme:     defaultTheme(),
		spinner:   spin,
		input:     in,
		viewport:  viewport.New(80, 12),
		width:     100,
		height:    30,
		followLog: true,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForFrame(m.frames))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case frameMsg:
		m.applyFrame(typed.frame)
		m.refreshViewport(false)
		return m, waitForFrame(m.frames)
	case streamClosedMsg:
		m.streamClosed = true
		m.appendEntry(entry{kind: entryError, title: "push", text: "conexão com o gateway encerrada"})
		m.refreshViewport(false)
		return m, nil
	case actionResultMsg:
		m.busy = false
		m.applyResult(typed)
		m.refreshViewport(false)
		return m, nil
	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case tea.MouseMsg:
		m.handleViewportMouse(typed)
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		}
		if m.handleViewportKey(typed) {
			return m, nil
		}
		if typed.String() == "enter" {
			return m, m.submit()
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *model) submit() tea.Cmd {
	if m.busy {
		return nil
	}
	raw := strings.TrimSpace(m.input.Value())
	if raw == "" {
		return nil
	}

	cmd, err := parseCommand(raw)
	if err != nil {
		m.appendEntry(entry{kind: entryError, title: "comando", text: err.Error()})
		m.refreshViewport(true)
		return nil
	}
	if cmd.kind == commandQuit {
		return tea.Quit
	}

	m.input.SetValue("")
	m.busy = true
	m.followLog = true
	return tea.Batch(m.spinner.Tick, runCommand(m.ctx, m.gateway, cmd))
}

func (m *model) applyFrame(frame Frame) {
	switch frame.Event {
	case bus.EventConnectionStatus:
		var data bus.StatusData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			m.appendEntry(entry{kind: entryError, title: "push", text: "status inválido: " + err.Error()})
			return
		}
		m.connected = data.Connected
		m.device = data.Device
		m.attempts = data.ReconnectAttempts
		if data.Connected {
			m.qrArt = ""
			m.appendEntry(entry{kind: entrySystem, text: "conectado como " + deviceLabel(data.Device)})
			return
		}
		text := "desconectado"
		if data.ReconnectAttempts > 0 {
			text = fmt.Sprintf("desconectado, tentativa de reconexão %d", data.ReconnectAttempts)
		}
		m.appendEntry(entry{kind: entrySystem, text: text})
	case bus.EventQR:
		var data bus.QRData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			m.appendEntry(entry{kind: entryError, title: "push", text: "qr inválido: " + err.Error()})
			return
		}
		art, err := pairing.Terminal(data.Code)
		if err != nil {
			m.qrArt = ""
			m.appendEntry(entry{kind: entryError, title: "qr", text: "não foi possível desenhar o QR code: " + err.Error()})
			return
		}
		m.qrArt = art
		m.appendEntry(entry{kind: entrySystem, text: "QR code recebido, escaneie com o WhatsApp"})
	case bus.EventMessage:
		var data bus.MessageData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			m.appendEntry(entry{kind: entryError, title: "push", text: "mensagem inválida: " + err.Error()})
			return
		}
		title := data.ContactName
		if title == "" {
			title = data.From
		}
		at := m.now()
		if data.Timestamp > 0 {
			at = time.Unix(data.Timestamp, 0)
		}
		m.appendEntry(entry{kind: entryInbound, at: at, title: title, text: data.Content})
	}
}

func (m *model) applyResult(msg actionResultMsg) {
	if msg.err != nil {
		m.appendEntry(entry{kind: entryError, title: commandLabel(msg.cmd), text: msg.err.Error()})
		return
	}
	if msg.cmd.kind == commandSend {
		m.appendEntry(entry{kind: entryOutbound, at: m.now(), title: msg.cmd.number, text: msg.cmd.message})
		return
	}
	m.appendEntry(entry{kind: entrySystem, text: msg.result.Text()})
}

func (m *model) appendEntry(e entry) {
	if e.at.IsZero() {
		e.at = m.now()
	}
	m.entries = append(m.entries, e)
	if overflow := len(m.entries) - maxEntries; overflow > 0 {
		m.entries = append([]entry(nil), m.entries[overflow:]...)
	}
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}

	header := m.theme.header.Width(m.width - 2).Render("📟 Zapdesk Monitor")
	meta := m.theme.headerMeta.Render(m.connectionLine())
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	parts := []string{header, meta, line}
	if m.qrArt != "" && !m.connected {
		parts = append(parts, m.theme.qr.Render(m.qrArt))
	}
	parts = append(parts, m.theme.viewport.Width(m.width-2).Render(m.viewport.View()))

	status := m.theme.status.Render("💡 Enter enviar  ·  PgUp/PgDn rolar  ·  End mais recentes  ·  🛑 Ctrl+C/Esc sair")
	if m.busy {
		status = m.theme.statusBusy.Render(fmt.Sprintf("%s aguardando o gateway...", m.spinner.View()))
	}
	parts = append(parts,
		status,
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m *model) connectionLine() string {
	var state string
	if m.connected {
		state = m.theme.online.Render("● conectado")
	} else {
		state = m.theme.offline.Render("○ desconectado")
	}

	parts := []string{state, "dispositivo:" + deviceLabel(m.device)}
	if m.attempts > 0 {
		parts = append(parts, fmt.Sprintf("reconexões:%d", m.attempts))
	}
	if m.streamClosed {
		parts = append(parts, "push:offline")
	}
	return strings.Join(parts, " · ")
}

func (m *model) resizeComponents() {
	w := max(50, m.width-6)
	h := m.height - 10
	if m.qrArt != "" && !m.connected {
		h -= strings.Count(m.qrArt, "\n") + 1
	}

	m.viewport.Width = w
	m.viewport.Height = max(6, h)
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	m.resizeComponents()
	previousOffset := m.viewport.YOffset

	lines := make([]string, 0, len(m.entries))
	for _, item := range m.entries {
		lines = append(lines, m.renderEntry(item))
	}

	m.viewport.SetContent(strings.Join(lines, "\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := max(0, m.viewport.TotalLineCount()-m.viewport.Height)
	m.viewport.SetYOffset(min(previousOffset, maxOffset))
}

func (m *model) renderEntry(item entry) string {
	stamp := m.theme.hint.Render(item.at.Format("15:04:05"))
	text := strings.TrimSpace(item.text)

	switch item.kind {
	case entryInbound:
		return stamp + " " + m.theme.inboundTag.Render("◀ "+item.title) + " " + m.theme.inbound.Render(text)
	case entryOutbound:
		return stamp + " " + m.theme.outboundTag.Render("▶ "+item.title) + " " + m.theme.outbound.Render(text)
	case entryError:
		return stamp + " " + m.theme.errorLine.Render("✖ "+item.title+": "+text)
	default:
		return stamp + " " + m.theme.system.Render(text)
	}
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}
	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.ScrollUp(3)
		m.followLog = false
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.ScrollDown(3)
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	default:
		return false
	}
}

// parseCommand accepts /connect, /disconnect, /quit or "<number> <message>".
func parseCommand(input string) (command, error) {
	trimmed := strings.TrimSpace(input)
	switch strings.ToLower(trimmed) {
	case "/connect":
		return command{kind: commandConnect}, nil
	case "/disconnect":
		return command{kind: commandDisconnect}, nil
	case "/quit", "/exit", "quit", "exit", ":q":
		return command{kind: commandQuit}, nil
	}
	if strings.HasPrefix(trimmed, "/") {
		return command{}, fmt.Errorf("comando desconhecido %q", trimmed)
	}

	number, message, ok := strings.Cut(trimmed, " ")
	message = strings.TrimSpace(message)
	if !ok || message == "" {
		return command{}, errors.New("use: <número> <mensagem>")
	}
	if strings.IndexFunc(number, unicode.IsDigit) < 0 {
		return command{}, fmt.Errorf("número inválido %q", number)
	}
	return command{kind: commandSend, number: number, message: message}, nil
}

func commandLabel(cmd command) string {
	switch cmd.kind {
	case commandConnect:
		return "connect"
	case commandDisconnect:
		return "disconnect"
	default:
		return "send"
	}
}

func runCommand(ctx context.Context, gateway Gateway, cmd command) tea.Cmd {
	return func() tea.Msg {
		var (
			result ActionResult
			err    error
		)
		switch cmd.kind {
		case commandConnect:
			result, err = gateway.Connect(ctx)
		case commandDisconnect:
			result, err = gateway.Disconnect(ctx)
		default:
			result, err = gateway.Send(ctx, cmd.number, cmd.message)
		}
		return actionResultMsg{cmd: cmd, result: result, err: err}
	}
}

func waitForFrame(frames <-chan Frame) tea.Cmd {
	if frames == nil {
		return nil
	}
	return func() tea.Msg {
		frame, ok := <-frames
		if !ok {
			return streamClosedMsg{}
		}
		return frameMsg{frame: frame}
	}
}

func deviceLabel(device *bus.Device) string {
	if device == nil {
		return "n/a"
	}
	if device.Number == "" {
		return device.Name
	}
	return fmt.Sprintf("%s (%s)", device.Name, device.Number)
}
