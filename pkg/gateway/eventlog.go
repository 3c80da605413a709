package gateway

import (
	"context"
	"log/slog"

	"zapdesk/pkg/bus"
)

func observeEvents(ctx context.Context, messageBus *bus.MessageBus, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "bus.events")

	// Slow logging drops events in the bus layer instead of stalling publishers.
	events, unsubscribe := messageBus.SubscribeEvents(ctx, 32)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			logEvent(log, event)
		}
	}
}

func logEvent(log *slog.Logger, event bus.Event) {
	attrs := []any{
		"event_type", event.Type,
		"timestamp", event.At.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
	}
	if event.ConversationID != "" {
		attrs = append(attrs, "conversation_id", event.ConversationID)
	}

	switch data := event.Data.(type) {
	case bus.StatusData:
		attrs = append(attrs, "connected", data.Connected, "reconnect_attempts", data.ReconnectAttempts)
		if data.Device != nil {
			attrs = append(attrs, "device_number", data.Device.Number)
		}
		if !data.Connected && data.ReconnectAttempts > 0 {
			log.Warn("Connection event", attrs...)
			return
		}
		log.Info("Connection event", attrs...)
	case bus.QRData:
		// The pairing payload is a credential; never log it.
		log.Info("Pairing event", attrs...)
	case bus.MessageData:
		attrs = append(attrs, "contact_id", data.ContactID, "content_len", len(data.Content))
		log.Debug("Message event", attrs...)
	default:
		log.Debug("Bus event", attrs...)
	}
}
