package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"voice-assistant/internal/domain"
)

const defaultMaxContextTurns = 10

// Pipeline stage names used in error annotations and logs.
const (
	StageTranscription = "transcription"
	StageGeneration    = "generation"
	StageSynthesis     = "synthesis"
)

const apologyResponse = "I'm sorry, I encountered an error while processing your request. Please try again later."

// ParamGetter fetches runtime configuration parameters.
type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// RecordStore is the durable turn table, the single source of truth for
// pipeline state. AdvanceStatus and MarkFailed are compare-and-swap
// operations: (false, nil) means the guard did not match, which callers
// treat as a duplicate or late event, not a failure.
type RecordStore interface {
	Create(ctx context.Context, rec domain.ConversationRecord) error
	FindByRequest(ctx context.Context, conversationID, requestID string) (domain.ConversationRecord, bool, error)
	FindByJob(ctx context.Context, jobName string) (domain.ConversationRecord, bool, error)
	AdvanceStatus(ctx context.Context, key domain.RecordKey, expected, next domain.Status, upd domain.RecordUpdate) (bool, error)
	MarkFailed(ctx context.Context, key domain.RecordKey, stage, message string) (bool, error)
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]domain.ConversationRecord, error)
}

// BlobStore persists audio payloads and serves transcript documents.
type BlobStore interface {
	PutInputAudio(ctx context.Context, userID, conversationID, requestID string, audio []byte) (string, error)
	PutOutputAudio(ctx context.Context, userID, conversationID, requestID string, audio []byte) (string, error)
	TranscriptKeyFor(userID, conversationID, requestID string) string
	MediaURI(key string) string
	ObjectURL(key string) string
	Bucket() string
}

// Transcriber submits asynchronous speech-to-text jobs.
type Transcriber interface {
	StartJob(ctx context.Context, jobName, mediaURI, outputBucket, outputKey string) error
}

// Generator produces reply text for a prompt and history.
type Generator interface {
	Generate(ctx context.Context, modelID, system string, messages []domain.ChatMessage) (string, error)
}

// Synthesizer converts reply text to audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)
}

// KnowledgeRetriever fetches context snippets for prompt augmentation.
// Optional: a nil retriever disables augmentation.
type KnowledgeRetriever interface {
	Retrieve(ctx context.Context, query string) (string, error)
}

// TaskPublisher hands stage work to the asynchronous pipeline worker.
type TaskPublisher interface {
	PublishTask(ctx context.Context, task domain.Task) error
}

// Notifier requests a broadcast of a payload to the sessions subscribed
// to (userID, conversationID).
type Notifier interface {
	NotifyResponse(ctx context.Context, userID, conversationID string, payload domain.PushPayload) error
}

// Coordinator drives a conversation turn through the pipeline state
// machine. Every entry point is stateless and safe under at-least-once
// event delivery: the record store's conditional writes are the only
// synchronization, and a stage task is published only after its
// guarding transition commits.
type Coordinator struct {
	records   RecordStore
	blobs     BlobStore
	stt       Transcriber
	generator Generator
	tts       Synthesizer
	tasks     TaskPublisher
	notifier  Notifier
	params    ParamGetter
	knowledge KnowledgeRetriever

	paramPrefix     string
	maxContextTurns int

	cacheMu      sync.RWMutex
	cacheLoaded  bool
	systemPrompt string
	modelID      string
	voiceID      string
}

// SubmitInput is a client audio submission.
type SubmitInput struct {
	UserID         string
	SessionID      string
	ConversationID string
	Audio          []byte
}

// SubmitOutput acknowledges a submission. Downstream stages run
// asynchronously; the caller never waits for the reply.
type SubmitOutput struct {
	RequestID      string
	ConversationID string
}

type CoordinatorOption func(*Coordinator)

// WithKnowledgeRetriever enables prompt augmentation.
func WithKnowledgeRetriever(k KnowledgeRetriever) CoordinatorOption {
	return func(c *Coordinator) {
		c.knowledge = k
	}
}

// WithMaxContextTurns overrides the context window size.
func WithMaxContextTurns(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxContextTurns = n
		}
	}
}

// NewCoordinator validates and wires the coordinator's dependencies.
func NewCoordinator(records RecordStore, blobs BlobStore, stt Transcriber, generator Generator, tts Synthesizer, tasks TaskPublisher, notifier Notifier, params ParamGetter, paramPrefix string, opts ...CoordinatorOption) (*Coordinator, error) {
	if records == nil {
		return nil, errors.New("usecase: record store must not be nil")
	}
	if blobs == nil {
		return nil, errors.New("usecase: blob store must not be nil")
	}
	if stt == nil {
		return nil, errors.New("usecase: transcriber must not be nil")
	}
	if generator == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	if tts == nil {
		return nil, errors.New("usecase: synthesizer must not be nil")
	}
	if tasks == nil {
		return nil, errors.New("usecase: task publisher must not be nil")
	}
	if notifier == nil {
		return nil, errors.New("usecase: notifier must not be nil")
	}
	if params == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	c := &Coordinator{
		records:         records,
		blobs:           blobs,
		stt:             stt,
		generator:       generator,
		tts:             tts,
		tasks:           tasks,
		notifier:        notifier,
		params:          params,
		paramPrefix:     paramPrefix,
		maxContextTurns: defaultMaxContextTurns,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SubmitAudio accepts a client submission: persists the audio blob,
// creates the RECEIVED record, starts the transcription job and moves
// the record to TRANSCRIBING. It always returns the allocated
// requestId/conversationId synchronously; generation and synthesis
// happen later, driven by stage events.
func (c *Coordinator) SubmitAudio(ctx context.Context, in SubmitInput) (SubmitOutput, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return SubmitOutput{}, newError(ErrorInvalidInput, "missing_user_id", nil)
	}
	if len(in.Audio) == 0 {
		return SubmitOutput{}, newError(ErrorInvalidInput, "missing_audio", nil)
	}

	requestID := newUUID()
	conversationID := strings.TrimSpace(in.ConversationID)
	if conversationID == "" {
		conversationID = newUUID()
	}

	audioRef, err := c.blobs.PutInputAudio(ctx, in.UserID, conversationID, requestID, in.Audio)
	if err != nil {
		return SubmitOutput{}, newError(ErrorInternal, "audio_store_error", err)
	}

	jobName := "transcribe-" + requestID
	rec := domain.NewInputRecord(conversationID, requestID, in.UserID, in.SessionID, audioRef, jobName)
	if err := c.records.Create(ctx, rec); err != nil {
		return SubmitOutput{}, newError(ErrorInternal, "record_create_error", err)
	}

	transcriptKey := c.blobs.TranscriptKeyFor(in.UserID, conversationID, requestID)
	if err := c.stt.StartJob(ctx, jobName, c.blobs.MediaURI(audioRef), c.blobs.Bucket(), transcriptKey); err != nil {
		c.failStage(ctx, rec.Key(), StageTranscription, err)
		return SubmitOutput{}, newError(ErrorUpstream, "transcription_start_error", err)
	}

	ok, err := c.records.AdvanceStatus(ctx, rec.Key(), domain.StatusReceived, domain.StatusTranscribing, domain.RecordUpdate{})
	if err != nil {
		return SubmitOutput{}, newError(ErrorInternal, "record_update_error", err)
	}
	if !ok {
		slog.Warn("freshly created record was not in RECEIVED state",
			"conversationId", conversationID, "requestId", requestID)
	}

	return SubmitOutput{RequestID: requestID, ConversationID: conversationID}, nil
}

// OnTranscriptAvailable applies a finished transcription to the turn,
// assembles the generation prompt and publishes the generation task.
// Duplicate deliveries are detected by the conditional status writes
// and dropped without error.
func (c *Coordinator) OnTranscriptAvailable(ctx context.Context, conversationID, requestID, transcript string) error {
	rec, found, err := c.records.FindByRequest(ctx, conversationID, requestID)
	if err != nil {
		return newError(ErrorInternal, "record_lookup_error", err)
	}
	if !found {
		return newError(ErrorNotFound, "record_not_found", nil)
	}
	if rec.Status.AtLeast(domain.StatusTranscribed) {
		slog.Info("dropping duplicate transcript event",
			"conversationId", conversationID, "requestId", requestID, "status", rec.Status)
		return nil
	}

	ok, err := c.records.AdvanceStatus(ctx, rec.Key(), domain.StatusTranscribing, domain.StatusTranscribed,
		domain.RecordUpdate{Transcript: &transcript})
	if err != nil {
		return newError(ErrorInternal, "record_update_error", err)
	}
	if !ok {
		slog.Warn("transcript event lost status race, dropping",
			"conversationId", conversationID, "requestId", requestID)
		return nil
	}

	if err := c.ensureConfig(ctx); err != nil {
		return newError(ErrorInternal, "ssm_load_error", err)
	}

	history, err := c.records.RecentTurns(ctx, conversationID, c.maxContextTurns*2+2)
	if err != nil {
		return newError(ErrorInternal, "record_history_error", err)
	}
	messages := contextWindow(history, requestID, c.maxContextTurns)
	messages = append(messages, domain.ChatMessage{Role: "user", Content: transcript})

	snippet := ""
	if c.knowledge != nil {
		snippet, err = c.knowledge.Retrieve(ctx, transcript)
		if err != nil {
			// Augmentation is best-effort; generation proceeds without it.
			slog.Warn("knowledge retrieval failed", "requestId", requestID, "err", err)
			snippet = ""
		}
	}

	ok, err = c.records.AdvanceStatus(ctx, rec.Key(), domain.StatusTranscribed, domain.StatusGenerating, domain.RecordUpdate{})
	if err != nil {
		return newError(ErrorInternal, "record_update_error", err)
	}
	if !ok {
		slog.Warn("concurrent transcript event already advanced record, dropping",
			"conversationId", conversationID, "requestId", requestID)
		return nil
	}

	task := domain.Task{
		Kind:           domain.TaskGenerate,
		ConversationID: conversationID,
		RequestID:      requestID,
		UserID:         rec.UserID,
		Transcript:     transcript,
		System:         buildSystemPrompt(c.systemPrompt, snippet),
		Messages:       messages,
	}
	if err := c.tasks.PublishTask(ctx, task); err != nil {
		c.failStage(ctx, rec.Key(), StageGeneration, err)
		return newError(ErrorInternal, "task_publish_error", err)
	}
	return nil
}

// OnTranscriptionJobCompleted resolves a job-completion event to its
// turn and applies the transcript.
func (c *Coordinator) OnTranscriptionJobCompleted(ctx context.Context, jobName, transcript string) error {
	rec, found, err := c.records.FindByJob(ctx, jobName)
	if err != nil {
		return newError(ErrorInternal, "record_lookup_error", err)
	}
	if !found {
		// The job index can lag; a retried delivery will find the row.
		return newError(ErrorNotFound, "job_record_not_found", nil)
	}
	return c.OnTranscriptAvailable(ctx, rec.ConversationID, rec.RequestID, transcript)
}

// OnTranscriptionJobFailed marks the turn that started jobName as
// failed in its transcription stage.
func (c *Coordinator) OnTranscriptionJobFailed(ctx context.Context, jobName, reason string) error {
	rec, found, err := c.records.FindByJob(ctx, jobName)
	if err != nil {
		return newError(ErrorInternal, "record_lookup_error", err)
	}
	if !found {
		return newError(ErrorNotFound, "job_record_not_found", nil)
	}
	return c.OnStageError(ctx, rec.ConversationID, rec.RequestID, StageTranscription, errors.New(reason))
}

// OnReplyAvailable records generated reply text and publishes the
// synthesis task. Idempotent under duplicate delivery.
func (c *Coordinator) OnReplyAvailable(ctx context.Context, conversationID, requestID, replyText string) error {
	rec, found, err := c.records.FindByRequest(ctx, conversationID, requestID)
	if err != nil {
		return newError(ErrorInternal, "record_lookup_error", err)
	}
	if !found {
		return newError(ErrorNotFound, "record_not_found", nil)
	}
	if rec.Status.AtLeast(domain.StatusSynthesizing) {
		slog.Info("dropping duplicate reply event",
			"conversationId", conversationID, "requestId", requestID, "status", rec.Status)
		return nil
	}

	ok, err := c.records.AdvanceStatus(ctx, rec.Key(), domain.StatusGenerating, domain.StatusSynthesizing,
		domain.RecordUpdate{ResponseText: &replyText})
	if err != nil {
		return newError(ErrorInternal, "record_update_error", err)
	}
	if !ok {
		slog.Warn("reply event lost status race, dropping",
			"conversationId", conversationID, "requestId", requestID)
		return nil
	}

	task := domain.Task{
		Kind:           domain.TaskSynthesize,
		ConversationID: conversationID,
		RequestID:      requestID,
		UserID:         rec.UserID,
		ResponseText:   replyText,
	}
	if err := c.tasks.PublishTask(ctx, task); err != nil {
		c.failStage(ctx, rec.Key(), StageSynthesis, err)
		return newError(ErrorInternal, "task_publish_error", err)
	}
	return nil
}

// OnAudioAvailable persists the synthesized reply, completes the input
// turn, writes the OUTPUT record and hands the result to the broadcast
// dispatcher. The COMPLETED transition gates the output write and the
// broadcast, so duplicate audio events cause neither twice.
func (c *Coordinator) OnAudioAvailable(ctx context.Context, conversationID, requestID string, audio []byte) error {
	rec, found, err := c.records.FindByRequest(ctx, conversationID, requestID)
	if err != nil {
		return newError(ErrorInternal, "record_lookup_error", err)
	}
	if !found {
		return newError(ErrorNotFound, "record_not_found", nil)
	}
	if rec.Status.AtLeast(domain.StatusCompleted) {
		slog.Info("dropping duplicate audio event",
			"conversationId", conversationID, "requestId", requestID, "status", rec.Status)
		return nil
	}

	audioRef, err := c.blobs.PutOutputAudio(ctx, rec.UserID, conversationID, requestID, audio)
	if err != nil {
		return newError(ErrorInternal, "audio_store_error", err)
	}

	ok, err := c.records.AdvanceStatus(ctx, rec.Key(), domain.StatusSynthesizing, domain.StatusCompleted, domain.RecordUpdate{})
	if err != nil {
		return newError(ErrorInternal, "record_update_error", err)
	}
	if !ok {
		slog.Warn("audio event lost status race, dropping",
			"conversationId", conversationID, "requestId", requestID)
		return nil
	}

	out := domain.NewOutputRecord(conversationID, requestID, rec.UserID, rec.ResponseText, audioRef)
	if err := c.records.Create(ctx, out); err != nil {
		return newError(ErrorInternal, "record_create_error", err)
	}

	payload := domain.PushPayload{
		Action:         domain.ActionAIResponse,
		ConversationID: conversationID,
		RequestID:      requestID,
		Response:       rec.ResponseText,
		AudioURL:       c.blobs.ObjectURL(audioRef),
		Timestamp:      time.Now().UnixMilli(),
	}
	if err := c.notifier.NotifyResponse(ctx, rec.UserID, conversationID, payload); err != nil {
		return newError(ErrorInternal, "notify_error", err)
	}
	return nil
}

// OnStageError marks the turn FAILED with an error annotation. Already
// terminal records are left untouched. A best-effort apology is pushed
// to subscribers when the reply itself was lost; the coordinator never
// retries a failed stage — redelivery of the triggering event is the
// external retry mechanism.
func (c *Coordinator) OnStageError(ctx context.Context, conversationID, requestID, stage string, cause error) error {
	rec, found, err := c.records.FindByRequest(ctx, conversationID, requestID)
	if err != nil {
		return newError(ErrorInternal, "record_lookup_error", err)
	}
	if !found {
		return newError(ErrorNotFound, "record_not_found", nil)
	}

	message := ""
	if cause != nil {
		message = cause.Error()
	}
	ok, err := c.records.MarkFailed(ctx, rec.Key(), stage, message)
	if err != nil {
		return newError(ErrorInternal, "record_update_error", err)
	}
	if !ok {
		slog.Info("record already terminal, not marking failed",
			"conversationId", conversationID, "requestId", requestID, "stage", stage)
		return nil
	}
	slog.Error("stage failed", "conversationId", conversationID, "requestId", requestID,
		"stage", stage, "err", cause)

	if stage == StageGeneration || stage == StageSynthesis {
		payload := domain.PushPayload{
			Action:         domain.ActionAIResponse,
			ConversationID: conversationID,
			RequestID:      requestID,
			Response:       apologyResponse,
			Timestamp:      time.Now().UnixMilli(),
		}
		if err := c.notifier.NotifyResponse(ctx, rec.UserID, conversationID, payload); err != nil {
			slog.Warn("apology push failed", "conversationId", conversationID, "err", err)
		}
	}
	return nil
}

// RunGenerateTask executes a generation task published by
// OnTranscriptAvailable and feeds the reply back into the pipeline.
func (c *Coordinator) RunGenerateTask(ctx context.Context, task domain.Task) error {
	if err := c.ensureConfig(ctx); err != nil {
		return newError(ErrorInternal, "ssm_load_error", err)
	}

	reply, err := c.generator.Generate(ctx, c.modelID, task.System, task.Messages)
	if err != nil {
		if stageErr := c.OnStageError(ctx, task.ConversationID, task.RequestID, StageGeneration, err); stageErr != nil {
			slog.Error("failed to record generation error", "requestId", task.RequestID, "err", stageErr)
		}
		return newError(ErrorUpstream, "generation_error", err)
	}
	return c.OnReplyAvailable(ctx, task.ConversationID, task.RequestID, reply)
}

// RunSynthesizeTask executes a synthesis task published by
// OnReplyAvailable and feeds the audio back into the pipeline.
func (c *Coordinator) RunSynthesizeTask(ctx context.Context, task domain.Task) error {
	if err := c.ensureConfig(ctx); err != nil {
		return newError(ErrorInternal, "ssm_load_error", err)
	}

	audio, err := c.tts.Synthesize(ctx, task.ResponseText, c.voiceID)
	if err != nil {
		if stageErr := c.OnStageError(ctx, task.ConversationID, task.RequestID, StageSynthesis, err); stageErr != nil {
			slog.Error("failed to record synthesis error", "requestId", task.RequestID, "err", stageErr)
		}
		return newError(ErrorUpstream, "synthesis_error", err)
	}
	return c.OnAudioAvailable(ctx, task.ConversationID, task.RequestID, audio)
}

// failStage is the internal best-effort variant of OnStageError used
// when the record key is already at hand.
func (c *Coordinator) failStage(ctx context.Context, key domain.RecordKey, stage string, cause error) {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	if _, err := c.records.MarkFailed(ctx, key, stage, message); err != nil {
		slog.Error("failed to mark record failed", "conversationId", key.ConversationID, "stage", stage, "err", err)
	}
}

func (c *Coordinator) ensureConfig(ctx context.Context) error {
	c.cacheMu.RLock()
	if c.cacheLoaded {
		c.cacheMu.RUnlock()
		return nil
	}
	c.cacheMu.RUnlock()

	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if c.cacheLoaded {
		return nil
	}

	systemPrompt, modelID, voiceID, err := c.loadParams(ctx)
	if err != nil {
		return err
	}

	c.systemPrompt = systemPrompt
	c.modelID = modelID
	c.voiceID = voiceID
	c.cacheLoaded = true
	return nil
}

func (c *Coordinator) loadParams(ctx context.Context) (systemPrompt, modelID, voiceID string, err error) {
	prefix := strings.TrimRight(c.paramPrefix, "/")

	systemPrompt, err = c.params.GetParameter(ctx, prefix+"/system_prompt")
	if err != nil {
		return "", "", "", fmt.Errorf("usecase: load system prompt: %w", err)
	}
	modelID, err = c.params.GetParameter(ctx, prefix+"/config/model_id")
	if err != nil {
		return "", "", "", fmt.Errorf("usecase: load model id: %w", err)
	}
	voiceID, err = c.params.GetParameter(ctx, prefix+"/config/voice_id")
	if err != nil {
		return "", "", "", fmt.Errorf("usecase: load voice id: %w", err)
	}
	return systemPrompt, modelID, voiceID, nil
}

var newUUID = func() string {
	return uuid.NewString()
}
