package usecase

import (
	"fmt"
	"strings"
	"time"

	"voice-assistant/internal/domain"
)

// buildSystemPrompt combines the configured assistant prompt with
// voice-output guidance and an optional knowledge snippet.
func buildSystemPrompt(base, knowledge string) string {
	sections := []string{
		strings.TrimSpace(base),
		"",
		"Guidelines:",
		strings.Join([]string{
			"1) Keep responses concise and suitable for voice output; two to three sentences is ideal.",
			"2) Be professional, friendly and helpful.",
			"3) If you don't know something, say so clearly; do not make up information.",
			"4) When appropriate, offer to help with follow-up actions.",
		}, "\n"),
		"",
		fmt.Sprintf("Today's date is %s.", time.Now().Format("January 2, 2006")),
	}
	if strings.TrimSpace(knowledge) != "" {
		sections = append(sections, "",
			"Relevant information that may help with your response:",
			strings.TrimSpace(knowledge))
	}
	return strings.Join(sections, "\n")
}

// contextWindow maps prior turns into chat messages for generation.
// Only COMPLETED turns are eligible; the in-flight turn and its output
// row are excluded, and the window is capped to the last maxTurns turns
// in chronological order. History arrives oldest first.
func contextWindow(history []domain.ConversationRecord, excludeRequestID string, maxTurns int) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, len(history))
	for _, rec := range history {
		if rec.Status != domain.StatusCompleted {
			continue
		}
		if rec.RequestID == excludeRequestID || rec.RequestID == excludeRequestID+"-response" {
			continue
		}
		msg, ok := turnToMessage(rec)
		if !ok {
			continue
		}
		messages = append(messages, msg)
	}
	if maxTurns > 0 && len(messages) > maxTurns {
		messages = messages[len(messages)-maxTurns:]
	}
	return messages
}

func turnToMessage(rec domain.ConversationRecord) (domain.ChatMessage, bool) {
	switch rec.Type {
	case domain.TypeInput:
		text := strings.TrimSpace(rec.Transcript)
		if text == "" {
			return domain.ChatMessage{}, false
		}
		return domain.ChatMessage{Role: "user", Content: text}, true
	case domain.TypeOutput:
		text := strings.TrimSpace(rec.ResponseText)
		if text == "" {
			return domain.ChatMessage{}, false
		}
		return domain.ChatMessage{Role: "assistant", Content: text}, true
	default:
		return domain.ChatMessage{}, false
	}
}
