package domain

// TaskKind identifies an asynchronous pipeline stage invocation.
type TaskKind string

const (
	TaskGenerate   TaskKind = "generate"
	TaskSynthesize TaskKind = "synthesize"
)

// Task is one unit of asynchronous stage work published by the
// coordinator and executed by the pipeline worker. Exactly one task is
// published per committed stage transition.
type Task struct {
	Kind           TaskKind      `json:"kind"`
	ConversationID string        `json:"conversationId"`
	RequestID      string        `json:"requestId"`
	UserID         string        `json:"userId"`
	Transcript     string        `json:"transcript,omitempty"`
	System         string        `json:"system,omitempty"`
	Messages       []ChatMessage `json:"messages,omitempty"`
	ResponseText   string        `json:"responseText,omitempty"`
}
