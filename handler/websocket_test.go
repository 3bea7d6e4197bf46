package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"voice-assistant/internal/dispatch"
	"voice-assistant/internal/domain"
	"voice-assistant/internal/usecase"
)

type fakeSessionAPI struct {
	sessionID     string
	connectErr    error
	disconnectErr error
	messageErr    error

	connectedUser string
	connectedConn string
	disconnected  string
	messageConn   string
	messageBody   []byte
}

func (f *fakeSessionAPI) Connect(_ context.Context, connectionID, userID string) (string, error) {
	f.connectedConn = connectionID
	f.connectedUser = userID
	return f.sessionID, f.connectErr
}

func (f *fakeSessionAPI) Disconnect(_ context.Context, connectionID string) error {
	f.disconnected = connectionID
	return f.disconnectErr
}

func (f *fakeSessionAPI) HandleMessage(_ context.Context, connectionID string, body []byte) error {
	f.messageConn = connectionID
	f.messageBody = body
	return f.messageErr
}

type fakeBroadcaster struct {
	report dispatch.DeliveryReport
	err    error

	userID         string
	conversationID string
	payload        domain.PushPayload
	calls          int
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, userID, conversationID string, payload domain.PushPayload) (dispatch.DeliveryReport, error) {
	f.calls++
	f.userID = userID
	f.conversationID = conversationID
	f.payload = payload
	return f.report, f.err
}

func mustNewSocketHandler(t *testing.T, sessions *fakeSessionAPI, dispatcher *fakeBroadcaster) *SocketHandler {
	t.Helper()
	h, err := NewSocketHandler(sessions, dispatcher)
	require.NoError(t, err)
	return h
}

func routeEvent(t *testing.T, routeKey, connectionID, body string, query map[string]string) json.RawMessage {
	t.Helper()
	event := map[string]any{
		"requestContext": map[string]any{
			"routeKey":     routeKey,
			"connectionId": connectionID,
		},
		"body": body,
	}
	if query != nil {
		event["queryStringParameters"] = query
	}
	raw, err := json.Marshal(event)
	require.NoError(t, err)
	return raw
}

func broadcastEvent(t *testing.T, userID, conversationID string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(domain.BroadcastEvent{
		Action:         domain.ActionSendMessage,
		UserID:         userID,
		ConversationID: conversationID,
		Payload: domain.PushPayload{
			Action:         domain.ActionAIResponse,
			ConversationID: conversationID,
			Response:       "hello",
		},
	})
	require.NoError(t, err)
	return raw
}

func TestNewSocketHandler_ValidatesDependencies(t *testing.T) {
	_, err := NewSocketHandler(nil, &fakeBroadcaster{})
	require.Error(t, err)
	_, err = NewSocketHandler(&fakeSessionAPI{}, nil)
	require.Error(t, err)
}

func TestSocketHandle_Connect(t *testing.T) {
	sessions := &fakeSessionAPI{sessionID: "sess-1"}
	h := mustNewSocketHandler(t, sessions, &fakeBroadcaster{})

	res, err := h.Handle(context.Background(), routeEvent(t, "$connect", "conn-1", "", map[string]string{"userId": "user-1"}))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "conn-1", sessions.connectedConn)
	require.Equal(t, "user-1", sessions.connectedUser)

	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(res.Body), &body))
	require.Equal(t, "sess-1", body["sessionId"])
}

func TestSocketHandle_ConnectMissingUserID(t *testing.T) {
	h := mustNewSocketHandler(t, &fakeSessionAPI{}, &fakeBroadcaster{})

	res, err := h.Handle(context.Background(), routeEvent(t, "$connect", "conn-1", "", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	var body errorResponse
	require.NoError(t, json.Unmarshal([]byte(res.Body), &body))
	require.Equal(t, "missing_user_id", body.Reason)
}

func TestSocketHandle_ConnectError(t *testing.T) {
	sessions := &fakeSessionAPI{connectErr: &usecase.Error{Code: usecase.ErrorInternal, Reason: "registry_create_error"}}
	h := mustNewSocketHandler(t, sessions, &fakeBroadcaster{})

	res, err := h.Handle(context.Background(), routeEvent(t, "$connect", "conn-1", "", map[string]string{"userId": "user-1"}))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, res.StatusCode)
}

func TestSocketHandle_Disconnect(t *testing.T) {
	sessions := &fakeSessionAPI{}
	h := mustNewSocketHandler(t, sessions, &fakeBroadcaster{})

	res, err := h.Handle(context.Background(), routeEvent(t, "$disconnect", "conn-1", "", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "conn-1", sessions.disconnected)
}

func TestSocketHandle_DefaultRouteForwardsMessage(t *testing.T) {
	sessions := &fakeSessionAPI{}
	h := mustNewSocketHandler(t, sessions, &fakeBroadcaster{})

	res, err := h.Handle(context.Background(), routeEvent(t, "$default", "conn-1", `{"action":"ping"}`, nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "conn-1", sessions.messageConn)
	require.JSONEq(t, `{"action":"ping"}`, string(sessions.messageBody))
}

func TestSocketHandle_DefaultRouteValidationError(t *testing.T) {
	sessions := &fakeSessionAPI{messageErr: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "unsupported_action"}}
	h := mustNewSocketHandler(t, sessions, &fakeBroadcaster{})

	res, err := h.Handle(context.Background(), routeEvent(t, "$default", "conn-1", `{"action":"shout"}`, nil))
	require.NoError(t, err, "message errors answer the route, they do not fail the invocation")
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestSocketHandle_UnsupportedRoute(t *testing.T) {
	h := mustNewSocketHandler(t, &fakeSessionAPI{}, &fakeBroadcaster{})

	res, err := h.Handle(context.Background(), routeEvent(t, "$custom", "conn-1", "", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestSocketHandle_Broadcast(t *testing.T) {
	dispatcher := &fakeBroadcaster{report: dispatch.DeliveryReport{Attempted: 3, Delivered: 2, Evicted: 1}}
	h := mustNewSocketHandler(t, &fakeSessionAPI{}, dispatcher)

	res, err := h.Handle(context.Background(), broadcastEvent(t, "user-1", "conv-1"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "user-1", dispatcher.userID)
	require.Equal(t, "conv-1", dispatcher.conversationID)
	require.Equal(t, "hello", dispatcher.payload.Response)

	var body broadcastResponse
	require.NoError(t, json.Unmarshal([]byte(res.Body), &body))
	require.True(t, body.Success)
	require.Equal(t, 3, body.Attempted)
	require.Equal(t, 2, body.Delivered)
	require.Equal(t, 1, body.Evicted)
}

func TestSocketHandle_BroadcastMissingTarget(t *testing.T) {
	dispatcher := &fakeBroadcaster{}
	h := mustNewSocketHandler(t, &fakeSessionAPI{}, dispatcher)

	res, err := h.Handle(context.Background(), broadcastEvent(t, "", "conv-1"))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.Zero(t, dispatcher.calls)
}

func TestSocketHandle_BroadcastFailureSurfacesForRetry(t *testing.T) {
	dispatcher := &fakeBroadcaster{err: errors.New("registry lookup failed")}
	h := mustNewSocketHandler(t, &fakeSessionAPI{}, dispatcher)

	_, err := h.Handle(context.Background(), broadcastEvent(t, "user-1", "conv-1"))
	require.Error(t, err)
}

func TestSocketHandle_UnsupportedEvent(t *testing.T) {
	h := mustNewSocketHandler(t, &fakeSessionAPI{}, &fakeBroadcaster{})

	res, err := h.Handle(context.Background(), json.RawMessage(`{"action":"something-else"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}
