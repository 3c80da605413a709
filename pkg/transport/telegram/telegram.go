package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"zapdesk/pkg/authstore"
	"zapdesk/pkg/config"
	"zapdesk/pkg/transport"
)

const (
	driverName          = "telegram"
	addressSuffix       = "@telegram"
	messagePreviewLimit = 240
	eventBuffer         = 64
)

// Driver serves conversations from a Telegram bot. Bots authenticate with a
// token, so sessions never emit pairing or credential events.
type Driver struct {
	cfg       config.TelegramConfig
	allowFrom map[string]struct{}
	log       *slog.Logger
}

// New validates Telegram configuration and constructs a driver.
func New(cfg config.TelegramConfig, log *slog.Logger) (*Driver, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("transport.telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Driver{
		cfg:       cfg,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "transport.telegram"),
	}, nil
}

func (d *Driver) Name() string {
	return driverName
}

// Address maps a chat id to a conversation id.
func (d *Driver) Address(number string) string {
	return conversationID(number)
}

// Open starts long polling. The returned session emits EventOpen once the
// bot identity is confirmed.
func (d *Driver) Open(ctx context.Context, _ authstore.Credentials) (transport.Session, error) {
	bot, err := telego.NewBot(strings.TrimSpace(d.cfg.Token))
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	me, err := bot.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("get bot identity: %w", err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	updates, err := bot.UpdatesViaLongPolling(pollCtx, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start long polling: %w", err)
	}

	s := &session{
		bot:    bot,
		events: make(chan transport.Event, eventBuffer),
		cancel: cancel,
		done:   pollCtx.Done(),
		log:    d.log,
	}

	device := &transport.Device{Name: me.FirstName, Number: strconv.FormatInt(me.ID, 10)}
	if device.Name == "" {
		device.Name = me.Username
	}

	go s.run(updates, device, d)

	d.log.Info("Telegram session started", "bot", me.Username)
	return s, nil
}

type session struct {
	bot       *telego.Bot
	events    chan transport.Event
	cancel    context.CancelFunc
	done      <-chan struct{}
	closeOnce sync.Once
	loggedOut bool
	mu        sync.Mutex
	log       *slog.Logger
}

func (s *session) Events() <-chan transport.Event {
	return s.events
}

func (s *session) SendText(ctx context.Context, conversationID string, text string) error {
	chatID, err := strconv.ParseInt(transport.Phone(conversationID), 10, 64)
	if err != nil {
		return fmt.Errorf("parse chat id %q: %w", conversationID, err)
	}

	s.log.Info("Sending message", "chat_id", chatID, "content", previewText(text))
	if _, err := s.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

func (s *session) Logout(ctx context.Context) error {
	s.mu.Lock()
	s.loggedOut = true
	s.mu.Unlock()

	if err := s.bot.LogOut(ctx); err != nil {
		return fmt.Errorf("telegram log out: %w", err)
	}
	return nil
}

func (s *session) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

func (s *session) run(updates <-chan telego.Update, device *transport.Device, d *Driver) {
	defer close(s.events)

	if !s.emit(transport.Event{Kind: transport.EventOpen, Device: device}) {
		return
	}

	for {
		select {
		case <-s.done:
			return
		case update, ok := <-updates:
			if !ok {
				select {
				case <-s.done:
					return
				default:
				}
				s.mu.Lock()
				loggedOut := s.loggedOut
				s.mu.Unlock()
				status := 0
				if loggedOut {
					status = transport.StatusLoggedOut
				}
				s.emit(transport.Event{Kind: transport.EventClosed, Close: transport.Classify(status, "telegram updates channel closed")})
				return
			}

			message, ok := d.convert(update)
			if !ok {
				continue
			}
			s.log.Info("Received message", "conversation_id", message.ConversationID, "content", previewText(message.Text))
			if !s.emit(transport.Event{Kind: transport.EventMessage, Message: message}) {
				return
			}
		}
	}
}

func (s *session) emit(event transport.Event) bool {
	select {
	case s.events <- event:
		return true
	case <-s.done:
		return false
	}
}

// convert maps one Telegram update to a transport message, dropping
// non-text updates and senders outside allow_from.
func (d *Driver) convert(update telego.Update) (*transport.Message, bool) {
	message := update.Message
	if message == nil {
		return nil, false
	}

	content := strings.TrimSpace(message.Text)
	if content == "" {
		return nil, false
	}
	if message.From == nil {
		d.log.Debug("Ignoring message without sender")
		return nil, false
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if !d.senderAllowed(senderID) {
		d.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
		return nil, false
	}

	name := strings.TrimSpace(message.From.FirstName + " " + message.From.LastName)
	return &transport.Message{
		ConversationID: conversationID(strconv.FormatInt(message.Chat.ID, 10)),
		Text:           message.Text,
		SenderName:     name,
		Timestamp:      message.Date,
		Group:          message.Chat.Type == telego.ChatTypeGroup || message.Chat.Type == telego.ChatTypeSupergroup,
	}, true
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (d *Driver) senderAllowed(senderID string) bool {
	if len(d.allowFrom) == 0 {
		return true
	}

	_, ok := d.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

func conversationID(chatID string) string {
	return strings.TrimSpace(chatID) + addressSuffix
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	runes := []rune(trimmed)
	if len(runes) <= messagePreviewLimit {
		return trimmed
	}

	return string(runes[:messagePreviewLimit]) + "..."
}

var _ transport.Driver = (*Driver)(nil)
