package models

import "encoding/json"

// Realtime websocket message types, shared by the client transport and
// the stub hub.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypeChange      = "change"
	WSTypeBroadcast   = "broadcast"
	WSTypeError       = "error"
)

// RealtimeMessage is the envelope for every websocket frame.
type RealtimeMessage struct {
	Type   string       `json:"type"`
	Topics []string     `json:"topics,omitempty"`
	Change *ChangeEvent `json:"change,omitempty"`
	// Broadcast fields: Topic scopes the channel, Event names the
	// signal within it.
	Topic   string          `json:"topic,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Message string          `json:"message,omitempty"`
}

// TableTopic is the change-feed topic for a tracked table.
func TableTopic(table string) string { return "table:" + table }

// ConversationTopic is the ephemeral broadcast topic for one
// conversation.
func ConversationTopic(id string) string { return "conv:" + id }

// PostTopic is the ephemeral broadcast topic for one open post.
func PostTopic(id string) string { return "post:" + id }
