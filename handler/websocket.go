package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/aws/aws-lambda-go/events"

	"voice-assistant/internal/dispatch"
	"voice-assistant/internal/domain"
	"voice-assistant/internal/usecase"
)

// SessionAPI is the session-service surface consumed by SocketHandler.
type SessionAPI interface {
	Connect(ctx context.Context, connectionID, userID string) (string, error)
	Disconnect(ctx context.Context, connectionID string) error
	HandleMessage(ctx context.Context, connectionID string, body []byte) error
}

// Broadcaster fans one payload out to the matching live sessions.
type Broadcaster interface {
	Broadcast(ctx context.Context, userID, conversationID string, payload domain.PushPayload) (dispatch.DeliveryReport, error)
}

// SocketHandler serves connection lifecycle routes and asynchronous
// broadcast requests on a single Lambda.
type SocketHandler struct {
	sessions   SessionAPI
	dispatcher Broadcaster
}

type broadcastResponse struct {
	Success   bool `json:"success"`
	Attempted int  `json:"attempted"`
	Delivered int  `json:"delivered"`
	Evicted   int  `json:"evicted"`
}

// NewSocketHandler validates and wires a SocketHandler.
func NewSocketHandler(sessions SessionAPI, dispatcher Broadcaster) (*SocketHandler, error) {
	if sessions == nil {
		return nil, errors.New("handler: session api must not be nil")
	}
	if dispatcher == nil {
		return nil, errors.New("handler: dispatcher must not be nil")
	}
	return &SocketHandler{sessions: sessions, dispatcher: dispatcher}, nil
}

// Handle routes connection events by route key and broadcast events by
// action.
func (h *SocketHandler) Handle(ctx context.Context, raw json.RawMessage) (events.APIGatewayProxyResponse, error) {
	var probe struct {
		RequestContext *json.RawMessage `json:"requestContext"`
		Action         string           `json:"action"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return jsonResponse(http.StatusBadRequest, "", errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "malformed_event"}), nil
	}

	switch {
	case probe.RequestContext != nil:
		return h.handleRoute(ctx, raw)
	case probe.Action == domain.ActionSendMessage:
		return h.handleBroadcast(ctx, raw)
	default:
		return jsonResponse(http.StatusBadRequest, "", errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "unsupported_event"}), nil
	}
}

func (h *SocketHandler) handleRoute(ctx context.Context, raw json.RawMessage) (events.APIGatewayProxyResponse, error) {
	var req events.APIGatewayWebsocketProxyRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return jsonResponse(http.StatusBadRequest, "", errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "malformed_event"}), nil
	}
	connectionID := req.RequestContext.ConnectionID

	switch req.RequestContext.RouteKey {
	case "$connect":
		userID := req.QueryStringParameters["userId"]
		if userID == "" {
			return jsonResponse(http.StatusBadRequest, "", errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "missing_user_id"}), nil
		}
		sessionID, err := h.sessions.Connect(ctx, connectionID, userID)
		if err != nil {
			slog.Error("connect failed", "connectionId", connectionID, "err", err)
			return toErrorResponse("", err), nil
		}
		return jsonResponse(http.StatusOK, "", map[string]string{"sessionId": sessionID}), nil

	case "$disconnect":
		if err := h.sessions.Disconnect(ctx, connectionID); err != nil {
			slog.Error("disconnect failed", "connectionId", connectionID, "err", err)
			return toErrorResponse("", err), nil
		}
		return jsonResponse(http.StatusOK, "", map[string]string{"status": "disconnected"}), nil

	case "$default":
		if err := h.sessions.HandleMessage(ctx, connectionID, []byte(req.Body)); err != nil {
			// Validation failures answer the message without closing the socket.
			return toErrorResponse("", err), nil
		}
		return jsonResponse(http.StatusOK, "", map[string]string{"status": "processed"}), nil

	default:
		return jsonResponse(http.StatusBadRequest, "", errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "unsupported_route"}), nil
	}
}

func (h *SocketHandler) handleBroadcast(ctx context.Context, raw json.RawMessage) (events.APIGatewayProxyResponse, error) {
	var event domain.BroadcastEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return jsonResponse(http.StatusBadRequest, "", errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "malformed_event"}), nil
	}
	if event.UserID == "" || event.ConversationID == "" {
		return jsonResponse(http.StatusBadRequest, "", errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "missing_broadcast_target"}), nil
	}

	report, err := h.dispatcher.Broadcast(ctx, event.UserID, event.ConversationID, event.Payload)
	if err != nil {
		slog.Error("broadcast failed", "userId", event.UserID, "conversationId", event.ConversationID, "err", err)
		return events.APIGatewayProxyResponse{}, err
	}
	return jsonResponse(http.StatusOK, "", broadcastResponse{
		Success:   true,
		Attempted: report.Attempted,
		Delivered: report.Delivered,
		Evicted:   report.Evicted,
	}), nil
}
