package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"voice-assistant/internal/integrations/transcriptdoc"
	"voice-assistant/internal/usecase"
)

// VoiceCoordinator is the coordinator surface consumed by VoiceHandler.
type VoiceCoordinator interface {
	SubmitAudio(ctx context.Context, in usecase.SubmitInput) (usecase.SubmitOutput, error)
	OnTranscriptAvailable(ctx context.Context, conversationID, requestID, transcript string) error
	OnTranscriptionJobCompleted(ctx context.Context, jobName, transcript string) error
	OnTranscriptionJobFailed(ctx context.Context, jobName, reason string) error
}

// TranscriptFetcher reads transcript documents from blob storage.
type TranscriptFetcher interface {
	Get(ctx context.Context, key string) ([]byte, error)
	KeyFromURI(uri string) (string, error)
}

// JobLocator resolves a transcription job to its result document URI.
type JobLocator interface {
	TranscriptURI(ctx context.Context, jobName string) (string, error)
}

// VoiceHandler serves the submission endpoint and the two
// transcription-completion intake paths (S3 notification, EventBridge
// job-state event) on a single Lambda.
type VoiceHandler struct {
	coordinator VoiceCoordinator
	blobs       TranscriptFetcher
	jobs        JobLocator
}

type submitRequest struct {
	AudioData      string `json:"audioData"`
	UserID         string `json:"userId"`
	SessionID      string `json:"sessionId"`
	ConversationID string `json:"conversationId"`
}

type submitResponse struct {
	Status         string `json:"status"`
	RequestID      string `json:"requestId"`
	ConversationID string `json:"conversationId"`
}

type jobEventDetail struct {
	TranscriptionJobName   string `json:"TranscriptionJobName"`
	TranscriptionJobStatus string `json:"TranscriptionJobStatus"`
	FailureReason          string `json:"FailureReason"`
}

// NewVoiceHandler validates and wires a VoiceHandler.
func NewVoiceHandler(coordinator VoiceCoordinator, blobs TranscriptFetcher, jobs JobLocator) (*VoiceHandler, error) {
	if coordinator == nil {
		return nil, errors.New("handler: coordinator must not be nil")
	}
	if blobs == nil {
		return nil, errors.New("handler: transcript fetcher must not be nil")
	}
	if jobs == nil {
		return nil, errors.New("handler: job locator must not be nil")
	}
	return &VoiceHandler{coordinator: coordinator, blobs: blobs, jobs: jobs}, nil
}

// Handle routes the raw Lambda event to the matching intake path.
func (h *VoiceHandler) Handle(ctx context.Context, raw json.RawMessage) (events.APIGatewayProxyResponse, error) {
	var probe struct {
		Source     string            `json:"source"`
		Records    []json.RawMessage `json:"Records"`
		HTTPMethod string            `json:"httpMethod"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return jsonResponse(http.StatusBadRequest, "", errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "malformed_event"}), nil
	}

	switch {
	case probe.Source == "aws.transcribe":
		return h.handleJobEvent(ctx, raw)
	case len(probe.Records) > 0:
		return h.handleTranscriptNotification(ctx, raw)
	case probe.HTTPMethod != "":
		return h.handleSubmit(ctx, raw)
	default:
		return jsonResponse(http.StatusBadRequest, "", errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "unsupported_event"}), nil
	}
}

func (h *VoiceHandler) handleSubmit(ctx context.Context, raw json.RawMessage) (events.APIGatewayProxyResponse, error) {
	var req events.APIGatewayProxyRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return jsonResponse(http.StatusBadRequest, "", errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "malformed_event"}), nil
	}
	corrID := correlationID(req.Headers)

	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return toErrorResponse(corrID, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "malformed_body", Err: err}), nil
		}
		body = decoded
	}

	var sub submitRequest
	if err := json.Unmarshal(body, &sub); err != nil {
		return toErrorResponse(corrID, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "malformed_body", Err: err}), nil
	}
	if sub.AudioData == "" {
		return toErrorResponse(corrID, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "missing_audio_data"}), nil
	}
	audio, err := base64.StdEncoding.DecodeString(sub.AudioData)
	if err != nil {
		return toErrorResponse(corrID, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "malformed_audio_data", Err: err}), nil
	}

	out, err := h.coordinator.SubmitAudio(ctx, usecase.SubmitInput{
		UserID:         sub.UserID,
		SessionID:      sub.SessionID,
		ConversationID: sub.ConversationID,
		Audio:          audio,
	})
	if err != nil {
		slog.Error("audio submission failed", "correlationId", corrID, "err", err)
		return toErrorResponse(corrID, err), nil
	}

	return jsonResponse(http.StatusAccepted, corrID, submitResponse{
		Status:         "accepted",
		RequestID:      out.RequestID,
		ConversationID: out.ConversationID,
	}), nil
}

// handleTranscriptNotification processes S3 object-created events for
// finished transcript documents. Errors are returned to the runtime so
// async redelivery can retry; the coordinator makes retries no-ops.
func (h *VoiceHandler) handleTranscriptNotification(ctx context.Context, raw json.RawMessage) (events.APIGatewayProxyResponse, error) {
	var event events.S3Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return events.APIGatewayProxyResponse{}, fmt.Errorf("handler: decode s3 event: %w", err)
	}

	for _, record := range event.Records {
		key, err := url.QueryUnescape(record.S3.Object.Key)
		if err != nil {
			return events.APIGatewayProxyResponse{}, fmt.Errorf("handler: unescape object key %q: %w", record.S3.Object.Key, err)
		}
		userID, conversationID, requestID, ok := parseTranscriptKey(key)
		if !ok {
			slog.Info("skipping non-transcript object", "key", key)
			continue
		}

		doc, err := h.blobs.Get(ctx, key)
		if err != nil {
			return events.APIGatewayProxyResponse{}, err
		}
		transcript, err := transcriptdoc.Parse(doc)
		if err != nil {
			return events.APIGatewayProxyResponse{}, err
		}

		slog.Info("transcript available", "userId", userID, "conversationId", conversationID, "requestId", requestID)
		if err := h.coordinator.OnTranscriptAvailable(ctx, conversationID, requestID, transcript); err != nil {
			return events.APIGatewayProxyResponse{}, err
		}
	}
	return jsonResponse(http.StatusOK, "", map[string]string{"status": "processed"}), nil
}

func (h *VoiceHandler) handleJobEvent(ctx context.Context, raw json.RawMessage) (events.APIGatewayProxyResponse, error) {
	var event events.CloudWatchEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return events.APIGatewayProxyResponse{}, fmt.Errorf("handler: decode job event: %w", err)
	}
	var detail jobEventDetail
	if err := json.Unmarshal(event.Detail, &detail); err != nil {
		return events.APIGatewayProxyResponse{}, fmt.Errorf("handler: decode job event detail: %w", err)
	}

	switch detail.TranscriptionJobStatus {
	case "COMPLETED":
		uri, err := h.jobs.TranscriptURI(ctx, detail.TranscriptionJobName)
		if err != nil {
			return events.APIGatewayProxyResponse{}, err
		}
		key, err := h.blobs.KeyFromURI(uri)
		if err != nil {
			return events.APIGatewayProxyResponse{}, err
		}
		doc, err := h.blobs.Get(ctx, key)
		if err != nil {
			return events.APIGatewayProxyResponse{}, err
		}
		transcript, err := transcriptdoc.Parse(doc)
		if err != nil {
			return events.APIGatewayProxyResponse{}, err
		}
		if err := h.coordinator.OnTranscriptionJobCompleted(ctx, detail.TranscriptionJobName, transcript); err != nil {
			return events.APIGatewayProxyResponse{}, err
		}
	case "FAILED":
		if err := h.coordinator.OnTranscriptionJobFailed(ctx, detail.TranscriptionJobName, detail.FailureReason); err != nil {
			return events.APIGatewayProxyResponse{}, err
		}
	default:
		slog.Info("ignoring transcription job event", "job", detail.TranscriptionJobName, "status", detail.TranscriptionJobStatus)
	}
	return jsonResponse(http.StatusOK, "", map[string]string{"status": "processed"}), nil
}

// parseTranscriptKey splits transcripts/{userId}/{conversationId}/{requestId}.json.
func parseTranscriptKey(key string) (userID, conversationID, requestID string, ok bool) {
	if !strings.HasPrefix(key, "transcripts/") {
		return "", "", "", false
	}
	parts := strings.Split(key, "/")
	if len(parts) != 4 || !strings.HasSuffix(parts[3], ".json") {
		return "", "", "", false
	}
	return parts[1], parts[2], strings.TrimSuffix(parts[3], ".json"), true
}
