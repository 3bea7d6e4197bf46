package domain

import "time"

// Status is a conversation record's pipeline state. Transitions are
// forward-only except StatusFailed, which is terminal from any
// non-terminal state.
type Status string

const (
	StatusReceived     Status = "RECEIVED"
	StatusTranscribing Status = "TRANSCRIBING"
	StatusTranscribed  Status = "TRANSCRIBED"
	StatusGenerating   Status = "GENERATING"
	StatusSynthesizing Status = "SYNTHESIZING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
)

var statusRank = map[Status]int{
	StatusReceived:     0,
	StatusTranscribing: 1,
	StatusTranscribed:  2,
	StatusGenerating:   3,
	StatusSynthesizing: 4,
	StatusCompleted:    5,
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// AtLeast reports whether s has already reached other in the pipeline
// ordering. Failed records compare as terminal: they are at least
// everything.
func (s Status) AtLeast(other Status) bool {
	if s == StatusFailed {
		return true
	}
	a, ok := statusRank[s]
	if !ok {
		return false
	}
	b, ok := statusRank[other]
	if !ok {
		return false
	}
	return a >= b
}

// RecordType distinguishes user turns from assistant turns.
type RecordType string

const (
	TypeInput  RecordType = "INPUT"
	TypeOutput RecordType = "OUTPUT"
)

// ConversationRecord is one persisted turn, keyed by
// (ConversationID, Timestamp). RequestID correlates a single client
// submission across stages.
type ConversationRecord struct {
	ConversationID string
	Timestamp      int64
	RequestID      string
	UserID         string
	SessionID      string
	Type           RecordType
	Status         Status
	Transcript     string
	ResponseText   string
	AudioRef       string
	JobName        string
	ErrorMessage   string
	TTL            int64
}

// RecordKey addresses one ConversationRecord by its primary key.
type RecordKey struct {
	ConversationID string
	Timestamp      int64
}

// Key returns the record's primary key.
func (r ConversationRecord) Key() RecordKey {
	return RecordKey{ConversationID: r.ConversationID, Timestamp: r.Timestamp}
}

// RecordUpdate carries the optional fields written alongside a status
// transition. Nil fields are left untouched.
type RecordUpdate struct {
	Transcript   *string
	ResponseText *string
	AudioRef     *string
}

const recordTTL = 30 * 24 * time.Hour // retention hint; actual retention policy is external

// NewInputRecord constructs the RECEIVED record for a fresh submission.
func NewInputRecord(conversationID, requestID, userID, sessionID, audioRef, jobName string) ConversationRecord {
	now := time.Now()
	return ConversationRecord{
		ConversationID: conversationID,
		Timestamp:      now.UnixMilli(),
		RequestID:      requestID,
		UserID:         userID,
		SessionID:      sessionID,
		Type:           TypeInput,
		Status:         StatusReceived,
		AudioRef:       audioRef,
		JobName:        jobName,
		TTL:            now.Add(recordTTL).Unix(),
	}
}

// NewOutputRecord constructs the COMPLETED assistant-turn record. It is
// a distinct row, not a mutation of the input turn.
func NewOutputRecord(conversationID, requestID, userID, responseText, audioRef string) ConversationRecord {
	now := time.Now()
	return ConversationRecord{
		ConversationID: conversationID,
		Timestamp:      now.UnixMilli(),
		RequestID:      requestID + "-response",
		UserID:         userID,
		Type:           TypeOutput,
		Status:         StatusCompleted,
		ResponseText:   responseText,
		AudioRef:       audioRef,
		TTL:            now.Add(recordTTL).Unix(),
	}
}
