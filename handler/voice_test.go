package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"voice-assistant/internal/usecase"
)

type fakeVoiceCoordinator struct {
	submitOut usecase.SubmitOutput
	submitErr error
	submitIn  usecase.SubmitInput

	transcriptErr  error
	transcriptArgs []string

	jobCompletedErr  error
	jobCompletedArgs []string
	jobFailedErr     error
	jobFailedArgs    []string
}

func (f *fakeVoiceCoordinator) SubmitAudio(_ context.Context, in usecase.SubmitInput) (usecase.SubmitOutput, error) {
	f.submitIn = in
	return f.submitOut, f.submitErr
}

func (f *fakeVoiceCoordinator) OnTranscriptAvailable(_ context.Context, conversationID, requestID, transcript string) error {
	f.transcriptArgs = []string{conversationID, requestID, transcript}
	return f.transcriptErr
}

func (f *fakeVoiceCoordinator) OnTranscriptionJobCompleted(_ context.Context, jobName, transcript string) error {
	f.jobCompletedArgs = []string{jobName, transcript}
	return f.jobCompletedErr
}

func (f *fakeVoiceCoordinator) OnTranscriptionJobFailed(_ context.Context, jobName, reason string) error {
	f.jobFailedArgs = []string{jobName, reason}
	return f.jobFailedErr
}

type fakeFetcher struct {
	docs    map[string][]byte
	getErr  error
	uriKeys map[string]string
}

func (f *fakeFetcher) Get(_ context.Context, key string) ([]byte, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	doc, ok := f.docs[key]
	if !ok {
		return nil, fmt.Errorf("no such key %q", key)
	}
	return doc, nil
}

func (f *fakeFetcher) KeyFromURI(uri string) (string, error) {
	key, ok := f.uriKeys[uri]
	if !ok {
		return "", fmt.Errorf("bad uri %q", uri)
	}
	return key, nil
}

type fakeJobLocator struct {
	uri string
	err error
}

func (f *fakeJobLocator) TranscriptURI(_ context.Context, _ string) (string, error) {
	return f.uri, f.err
}

func transcriptDoc(text string) []byte {
	return []byte(fmt.Sprintf(`{"results":{"transcripts":[{"transcript":%q}]}}`, text))
}

func mustNewVoiceHandler(t *testing.T, c *fakeVoiceCoordinator, blobs *fakeFetcher, jobs *fakeJobLocator) *VoiceHandler {
	t.Helper()
	h, err := NewVoiceHandler(c, blobs, jobs)
	require.NoError(t, err)
	return h
}

func submitEvent(t *testing.T, body string, headers map[string]string, base64Encoded bool) json.RawMessage {
	t.Helper()
	if base64Encoded {
		body = base64.StdEncoding.EncodeToString([]byte(body))
	}
	raw, err := json.Marshal(map[string]any{
		"httpMethod":      "POST",
		"path":            "/voice",
		"headers":         headers,
		"body":            body,
		"isBase64Encoded": base64Encoded,
	})
	require.NoError(t, err)
	return raw
}

func s3Event(t *testing.T, key string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"Records": []map[string]any{
			{"s3": map[string]any{"object": map[string]any{"key": key}}},
		},
	})
	require.NoError(t, err)
	return raw
}

func jobEvent(t *testing.T, jobName, status, failureReason string) json.RawMessage {
	t.Helper()
	detail, err := json.Marshal(jobEventDetail{
		TranscriptionJobName:   jobName,
		TranscriptionJobStatus: status,
		FailureReason:          failureReason,
	})
	require.NoError(t, err)
	raw, err := json.Marshal(map[string]any{
		"source":      "aws.transcribe",
		"detail-type": "Transcribe Job State Change",
		"detail":      json.RawMessage(detail),
	})
	require.NoError(t, err)
	return raw
}

func TestNewVoiceHandler_ValidatesDependencies(t *testing.T) {
	_, err := NewVoiceHandler(nil, &fakeFetcher{}, &fakeJobLocator{})
	require.Error(t, err)
	_, err = NewVoiceHandler(&fakeVoiceCoordinator{}, nil, &fakeJobLocator{})
	require.Error(t, err)
	_, err = NewVoiceHandler(&fakeVoiceCoordinator{}, &fakeFetcher{}, nil)
	require.Error(t, err)
}

func TestHandleSubmit_Accepted(t *testing.T) {
	c := &fakeVoiceCoordinator{submitOut: usecase.SubmitOutput{RequestID: "req-1", ConversationID: "conv-1"}}
	h := mustNewVoiceHandler(t, c, &fakeFetcher{}, &fakeJobLocator{})

	audio := base64.StdEncoding.EncodeToString([]byte("wav-bytes"))
	body := fmt.Sprintf(`{"audioData":%q,"userId":"user-1","sessionId":"sess-1","conversationId":"conv-1"}`, audio)

	res, err := h.Handle(context.Background(), submitEvent(t, body, map[string]string{"x-correlation-id": "corr-42"}, false))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	require.Equal(t, "corr-42", res.Headers[correlationHeader])

	var out submitResponse
	require.NoError(t, json.Unmarshal([]byte(res.Body), &out))
	require.Equal(t, "accepted", out.Status)
	require.Equal(t, "req-1", out.RequestID)
	require.Equal(t, "conv-1", out.ConversationID)

	require.Equal(t, "user-1", c.submitIn.UserID)
	require.Equal(t, "sess-1", c.submitIn.SessionID)
	require.Equal(t, []byte("wav-bytes"), c.submitIn.Audio)
}

func TestHandleSubmit_Base64EncodedBody(t *testing.T) {
	c := &fakeVoiceCoordinator{submitOut: usecase.SubmitOutput{RequestID: "req-1", ConversationID: "conv-1"}}
	h := mustNewVoiceHandler(t, c, &fakeFetcher{}, &fakeJobLocator{})

	audio := base64.StdEncoding.EncodeToString([]byte("wav"))
	body := fmt.Sprintf(`{"audioData":%q,"userId":"user-1"}`, audio)

	res, err := h.Handle(context.Background(), submitEvent(t, body, nil, true))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	require.Equal(t, []byte("wav"), c.submitIn.Audio)
}

func TestHandleSubmit_GeneratesCorrelationID(t *testing.T) {
	c := &fakeVoiceCoordinator{submitOut: usecase.SubmitOutput{RequestID: "r", ConversationID: "c"}}
	h := mustNewVoiceHandler(t, c, &fakeFetcher{}, &fakeJobLocator{})

	audio := base64.StdEncoding.EncodeToString([]byte("wav"))
	res, err := h.Handle(context.Background(), submitEvent(t, fmt.Sprintf(`{"audioData":%q,"userId":"u"}`, audio), nil, false))
	require.NoError(t, err)
	require.NotEmpty(t, res.Headers[correlationHeader])
}

func TestHandleSubmit_ValidationErrors(t *testing.T) {
	h := mustNewVoiceHandler(t, &fakeVoiceCoordinator{}, &fakeFetcher{}, &fakeJobLocator{})

	res, err := h.Handle(context.Background(), submitEvent(t, `not-json`, nil, false))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, err = h.Handle(context.Background(), submitEvent(t, `{"userId":"u"}`, nil, false))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	var body errorResponse
	require.NoError(t, json.Unmarshal([]byte(res.Body), &body))
	require.Equal(t, "missing_audio_data", body.Reason)

	res, err = h.Handle(context.Background(), submitEvent(t, `{"audioData":"%%%not-base64","userId":"u"}`, nil, false))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestHandleSubmit_ErrorCodeMapping(t *testing.T) {
	audio := base64.StdEncoding.EncodeToString([]byte("wav"))
	body := fmt.Sprintf(`{"audioData":%q,"userId":"u"}`, audio)

	cases := []struct {
		code   usecase.ErrorCode
		status int
	}{
		{usecase.ErrorInvalidInput, http.StatusBadRequest},
		{usecase.ErrorNotFound, http.StatusNotFound},
		{usecase.ErrorUpstream, http.StatusBadGateway},
		{usecase.ErrorInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		c := &fakeVoiceCoordinator{submitErr: &usecase.Error{Code: tc.code, Reason: "why"}}
		h := mustNewVoiceHandler(t, c, &fakeFetcher{}, &fakeJobLocator{})

		res, err := h.Handle(context.Background(), submitEvent(t, body, nil, false))
		require.NoError(t, err)
		require.Equal(t, tc.status, res.StatusCode, "code %s", tc.code)

		var out errorResponse
		require.NoError(t, json.Unmarshal([]byte(res.Body), &out))
		require.Equal(t, string(tc.code), out.Error)
		require.Equal(t, "why", out.Reason)
	}
}

func TestHandleTranscriptNotification(t *testing.T) {
	key := "transcripts/user-1/conv-1/req-1.json"
	blobs := &fakeFetcher{docs: map[string][]byte{key: transcriptDoc("hello world")}}
	c := &fakeVoiceCoordinator{}
	h := mustNewVoiceHandler(t, c, blobs, &fakeJobLocator{})

	res, err := h.Handle(context.Background(), s3Event(t, key))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, []string{"conv-1", "req-1", "hello world"}, c.transcriptArgs)
}

func TestHandleTranscriptNotification_UnescapesKey(t *testing.T) {
	key := "transcripts/user-1/conv-1/req-1.json"
	blobs := &fakeFetcher{docs: map[string][]byte{key: transcriptDoc("hi")}}
	c := &fakeVoiceCoordinator{}
	h := mustNewVoiceHandler(t, c, blobs, &fakeJobLocator{})

	_, err := h.Handle(context.Background(), s3Event(t, "transcripts%2Fuser-1%2Fconv-1%2Freq-1.json"))
	require.NoError(t, err)
	require.Equal(t, []string{"conv-1", "req-1", "hi"}, c.transcriptArgs)
}

func TestHandleTranscriptNotification_SkipsForeignObjects(t *testing.T) {
	c := &fakeVoiceCoordinator{}
	h := mustNewVoiceHandler(t, c, &fakeFetcher{}, &fakeJobLocator{})

	res, err := h.Handle(context.Background(), s3Event(t, "input/user-1/conv-1/req-1.wav"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Nil(t, c.transcriptArgs)
}

func TestHandleTranscriptNotification_ErrorsSurfaceForRetry(t *testing.T) {
	key := "transcripts/user-1/conv-1/req-1.json"
	blobs := &fakeFetcher{docs: map[string][]byte{key: transcriptDoc("hi")}}
	c := &fakeVoiceCoordinator{transcriptErr: &usecase.Error{Code: usecase.ErrorNotFound, Reason: "record_not_found"}}
	h := mustNewVoiceHandler(t, c, blobs, &fakeJobLocator{})

	_, err := h.Handle(context.Background(), s3Event(t, key))
	require.Error(t, err, "async intake errors must reach the runtime for redelivery")
}

func TestHandleJobEvent_Completed(t *testing.T) {
	uri := "https://bucket.s3.amazonaws.com/transcripts/u/c/r.json"
	key := "transcripts/u/c/r.json"
	blobs := &fakeFetcher{
		docs:    map[string][]byte{key: transcriptDoc("job transcript")},
		uriKeys: map[string]string{uri: key},
	}
	c := &fakeVoiceCoordinator{}
	h := mustNewVoiceHandler(t, c, blobs, &fakeJobLocator{uri: uri})

	res, err := h.Handle(context.Background(), jobEvent(t, "transcribe-req-1", "COMPLETED", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, []string{"transcribe-req-1", "job transcript"}, c.jobCompletedArgs)
}

func TestHandleJobEvent_Failed(t *testing.T) {
	c := &fakeVoiceCoordinator{}
	h := mustNewVoiceHandler(t, c, &fakeFetcher{}, &fakeJobLocator{})

	_, err := h.Handle(context.Background(), jobEvent(t, "transcribe-req-1", "FAILED", "bad audio"))
	require.NoError(t, err)
	require.Equal(t, []string{"transcribe-req-1", "bad audio"}, c.jobFailedArgs)
}

func TestHandleJobEvent_OtherStatusIgnored(t *testing.T) {
	c := &fakeVoiceCoordinator{}
	h := mustNewVoiceHandler(t, c, &fakeFetcher{}, &fakeJobLocator{})

	res, err := h.Handle(context.Background(), jobEvent(t, "transcribe-req-1", "IN_PROGRESS", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Nil(t, c.jobCompletedArgs)
	require.Nil(t, c.jobFailedArgs)
}

func TestHandleJobEvent_LocatorError(t *testing.T) {
	h := mustNewVoiceHandler(t, &fakeVoiceCoordinator{}, &fakeFetcher{}, &fakeJobLocator{err: errors.New("job not found")})
	_, err := h.Handle(context.Background(), jobEvent(t, "transcribe-req-1", "COMPLETED", ""))
	require.Error(t, err)
}

func TestHandle_UnsupportedEvent(t *testing.T) {
	h := mustNewVoiceHandler(t, &fakeVoiceCoordinator{}, &fakeFetcher{}, &fakeJobLocator{})
	res, err := h.Handle(context.Background(), json.RawMessage(`{"something":"else"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestParseTranscriptKey(t *testing.T) {
	userID, conversationID, requestID, ok := parseTranscriptKey("transcripts/u1/c1/r1.json")
	require.True(t, ok)
	require.Equal(t, "u1", userID)
	require.Equal(t, "c1", conversationID)
	require.Equal(t, "r1", requestID)

	_, _, _, ok = parseTranscriptKey("input/u1/c1/r1.wav")
	require.False(t, ok)
	_, _, _, ok = parseTranscriptKey("transcripts/u1/r1.json")
	require.False(t, ok)
	_, _, _, ok = parseTranscriptKey("transcripts/u1/c1/r1.txt")
	require.False(t, ok)
}
