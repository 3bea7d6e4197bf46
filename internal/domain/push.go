package domain

// Push payload actions understood by connected clients.
const (
	ActionAIResponse = "AI_RESPONSE"
	ActionPong       = "pong"
	ActionSubscribed = "subscribed"
)

// BroadcastEvent asks the connection service to fan a payload out to
// every live session subscribed to (UserID, ConversationID).
type BroadcastEvent struct {
	Action         string      `json:"action"`
	UserID         string      `json:"userId"`
	ConversationID string      `json:"conversationId"`
	Payload        PushPayload `json:"payload"`
}

// ActionSendMessage marks an event as a broadcast request.
const ActionSendMessage = "sendMessage"

// PushPayload is the JSON message delivered to clients over the
// real-time connection.
type PushPayload struct {
	Action         string `json:"action"`
	ConversationID string `json:"conversationId,omitempty"`
	RequestID      string `json:"requestId,omitempty"`
	Response       string `json:"response,omitempty"`
	AudioURL       string `json:"audioUrl,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}
