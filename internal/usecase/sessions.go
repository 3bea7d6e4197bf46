package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"voice-assistant/internal/domain"
)

const sessionTTL = 24 * time.Hour

// SessionRegistry persists live-connection rows. Lookups may be
// eventually consistent; the registry is advisory and tolerates lost
// updates.
type SessionRegistry interface {
	Create(ctx context.Context, s domain.SessionRecord) error
	FindByConnection(ctx context.Context, connectionID string) (domain.SessionRecord, bool, error)
	SetConnected(ctx context.Context, sessionID string, connected bool) (bool, error)
	Subscribe(ctx context.Context, sessionID, conversationID string) error
}

// ConnectionPusher delivers a raw payload to one connection.
type ConnectionPusher interface {
	Push(ctx context.Context, connectionID string, data []byte) error
}

// SessionService owns the connection lifecycle: connect, disconnect,
// subscribe and the ping/pong liveness echo.
type SessionService struct {
	registry SessionRegistry
	pusher   ConnectionPusher
}

// clientMessage is the inbound shape on the default route.
type clientMessage struct {
	Action         string `json:"action"`
	ConversationID string `json:"conversationId"`
}

// NewSessionService validates and wires the session service.
func NewSessionService(registry SessionRegistry, pusher ConnectionPusher) (*SessionService, error) {
	if registry == nil {
		return nil, errors.New("usecase: session registry must not be nil")
	}
	if pusher == nil {
		return nil, errors.New("usecase: connection pusher must not be nil")
	}
	return &SessionService{registry: registry, pusher: pusher}, nil
}

// Connect registers a new live session for a connection and returns its
// sessionId. The session expires 24 hours after creation regardless of
// explicit disconnect.
func (s *SessionService) Connect(ctx context.Context, connectionID, userID string) (string, error) {
	if strings.TrimSpace(connectionID) == "" {
		return "", newError(ErrorInvalidInput, "missing_connection_id", nil)
	}
	if strings.TrimSpace(userID) == "" {
		return "", newError(ErrorInvalidInput, "missing_user_id", nil)
	}

	now := time.Now()
	session := domain.SessionRecord{
		SessionID:    newUUID(),
		ConnectionID: connectionID,
		UserID:       userID,
		Connected:    true,
		CreatedAt:    now.UnixMilli(),
		ExpiresAt:    now.Add(sessionTTL).Unix(),
	}
	if err := s.registry.Create(ctx, session); err != nil {
		return "", newError(ErrorInternal, "registry_create_error", err)
	}
	slog.Info("connection established", "userId", userID, "connectionId", connectionID, "sessionId", session.SessionID)
	return session.SessionID, nil
}

// Disconnect flips the session for a connection to disconnected. An
// unknown connection is a no-op: the row may have expired or the index
// may lag, and broadcast eviction covers the gap.
func (s *SessionService) Disconnect(ctx context.Context, connectionID string) error {
	session, found, err := s.registry.FindByConnection(ctx, connectionID)
	if err != nil {
		return newError(ErrorInternal, "registry_lookup_error", err)
	}
	if !found {
		slog.Warn("no session found for disconnecting connection", "connectionId", connectionID)
		return nil
	}

	ok, err := s.registry.SetConnected(ctx, session.SessionID, false)
	if err != nil {
		return newError(ErrorInternal, "registry_update_error", err)
	}
	if !ok {
		slog.Warn("session row vanished during disconnect", "sessionId", session.SessionID)
		return nil
	}
	slog.Info("connection terminated", "userId", session.UserID, "connectionId", connectionID)
	return nil
}

// HandleMessage processes one inbound client message on an established
// connection. Ping is a pure echo and mutates nothing; subscribe
// persists the conversation filter and acks. Unsupported actions return
// a validation error without terminating the connection.
func (s *SessionService) HandleMessage(ctx context.Context, connectionID string, body []byte) error {
	var msg clientMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return newError(ErrorInvalidInput, "malformed_message", err)
	}

	session, found, err := s.registry.FindByConnection(ctx, connectionID)
	if err != nil {
		return newError(ErrorInternal, "registry_lookup_error", err)
	}
	if !found {
		return newError(ErrorInvalidInput, "no_active_session", nil)
	}

	switch msg.Action {
	case "ping":
		return s.push(ctx, connectionID, domain.PushPayload{
			Action:    domain.ActionPong,
			Timestamp: time.Now().UnixMilli(),
		})
	case "subscribe":
		if strings.TrimSpace(msg.ConversationID) == "" {
			return newError(ErrorInvalidInput, "missing_conversation_id", nil)
		}
		if err := s.registry.Subscribe(ctx, session.SessionID, msg.ConversationID); err != nil {
			return newError(ErrorInternal, "registry_update_error", err)
		}
		return s.push(ctx, connectionID, domain.PushPayload{
			Action:         domain.ActionSubscribed,
			ConversationID: msg.ConversationID,
			Timestamp:      time.Now().UnixMilli(),
		})
	default:
		return newError(ErrorInvalidInput, "unsupported_action", nil)
	}
}

func (s *SessionService) push(ctx context.Context, connectionID string, payload domain.PushPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return newError(ErrorInternal, "marshal_payload_error", err)
	}
	if err := s.pusher.Push(ctx, connectionID, data); err != nil {
		return newError(ErrorUpstream, "push_error", err)
	}
	return nil
}
