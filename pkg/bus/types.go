package bus

// InboundMessage is one text message delivered by the live transport
// session, before ingest filtering.
type InboundMessage struct {
	Driver         string `json:"driver"`
	ConversationID string `json:"conversation_id"`
	SenderName     string `json:"sender_name,omitempty"`
	Text           string `json:"text"`
	FromSelf       bool   `json:"from_self,omitempty"`
	Group          bool   `json:"group,omitempty"`
	// Timestamp is the transport-provided send time in Unix seconds.
	Timestamp int64 `json:"timestamp"`
}
