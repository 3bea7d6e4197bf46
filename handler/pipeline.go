package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"voice-assistant/internal/domain"
)

// PipelineCoordinator is the coordinator surface consumed by
// PipelineHandler.
type PipelineCoordinator interface {
	RunGenerateTask(ctx context.Context, task domain.Task) error
	RunSynthesizeTask(ctx context.Context, task domain.Task) error
}

// PipelineHandler executes asynchronous stage tasks. Returned errors
// surface to the runtime for redelivery; the coordinator's conditional
// writes make redelivered tasks no-ops once their transition committed.
type PipelineHandler struct {
	coordinator PipelineCoordinator
}

// NewPipelineHandler validates and wires a PipelineHandler.
func NewPipelineHandler(coordinator PipelineCoordinator) (*PipelineHandler, error) {
	if coordinator == nil {
		return nil, fmt.Errorf("handler: coordinator must not be nil")
	}
	return &PipelineHandler{coordinator: coordinator}, nil
}

// Handle decodes and runs one stage task.
func (h *PipelineHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var task domain.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return fmt.Errorf("handler: decode task: %w", err)
	}
	if task.ConversationID == "" || task.RequestID == "" {
		return fmt.Errorf("handler: task missing conversationId or requestId")
	}

	switch task.Kind {
	case domain.TaskGenerate:
		return h.coordinator.RunGenerateTask(ctx, task)
	case domain.TaskSynthesize:
		return h.coordinator.RunSynthesizeTask(ctx, task)
	default:
		return fmt.Errorf("handler: unsupported task kind %q", task.Kind)
	}
}
