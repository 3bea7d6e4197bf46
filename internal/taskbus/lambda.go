// Package taskbus publishes asynchronous stage work and broadcast
// requests as fire-and-forget Lambda invocations. Delivery is
// at-least-once; receivers are idempotent through the record store's
// conditional writes.
package taskbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"voice-assistant/internal/domain"
)

// lambdaAPI is the minimal Lambda interface required by Bus.
type lambdaAPI interface {
	Invoke(ctx context.Context, in *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// Bus routes tasks to the pipeline worker function and broadcast
// requests to the connection-service function.
type Bus struct {
	api              lambdaAPI
	pipelineFunction string
	socketFunction   string
}

// New creates a Bus targeting the given function names.
func New(api lambdaAPI, pipelineFunction, socketFunction string) (*Bus, error) {
	if api == nil {
		return nil, errors.New("taskbus: api must not be nil")
	}
	if strings.TrimSpace(pipelineFunction) == "" {
		return nil, errors.New("taskbus: pipeline function name must not be empty")
	}
	if strings.TrimSpace(socketFunction) == "" {
		return nil, errors.New("taskbus: socket function name must not be empty")
	}
	return &Bus{api: api, pipelineFunction: pipelineFunction, socketFunction: socketFunction}, nil
}

// PublishTask hands one stage task to the pipeline worker.
func (b *Bus) PublishTask(ctx context.Context, task domain.Task) error {
	if err := b.invokeAsync(ctx, b.pipelineFunction, task); err != nil {
		return fmt.Errorf("taskbus: publish %s task: %w", task.Kind, err)
	}
	return nil
}

// NotifyResponse asks the connection service to broadcast payload to
// the sessions subscribed to (userID, conversationID).
func (b *Bus) NotifyResponse(ctx context.Context, userID, conversationID string, payload domain.PushPayload) error {
	event := domain.BroadcastEvent{
		Action:         domain.ActionSendMessage,
		UserID:         userID,
		ConversationID: conversationID,
		Payload:        payload,
	}
	if err := b.invokeAsync(ctx, b.socketFunction, event); err != nil {
		return fmt.Errorf("taskbus: notify response: %w", err)
	}
	return nil
}

func (b *Bus) invokeAsync(ctx context.Context, functionName string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = b.api.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(functionName),
		InvocationType: types.InvocationTypeEvent,
		Payload:        body,
	})
	return err
}
