package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"voice-assistant/internal/domain"
)

const jobIndex = "TranscriptionJobIndex"

// dynamodbAPI is the minimal DynamoDB interface required by the stores.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// RecordStore persists conversation turns in a DynamoDB table keyed by
// (conversationId, timestamp). Status transitions go through
// AdvanceStatus, the single compare-and-swap primitive that makes stage
// handling idempotent under at-least-once event delivery.
type RecordStore struct {
	api       dynamodbAPI
	tableName string
}

// NewRecordStore creates a RecordStore for the given table.
func NewRecordStore(api dynamodbAPI, tableName string) (*RecordStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &RecordStore{api: api, tableName: tableName}, nil
}

// Create persists a new turn record. The conditional put rejects
// overwrites of an existing (conversationId, timestamp) row.
func (s *RecordStore) Create(ctx context.Context, rec domain.ConversationRecord) error {
	if rec.ConversationID == "" || rec.Timestamp == 0 {
		return errors.New("repository: Create: conversationId and timestamp are required")
	}

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.tableName),
		Item:                     recordItem(rec),
		ConditionExpression:      aws.String("attribute_not_exists(conversationId) AND attribute_not_exists(#ts)"),
		ExpressionAttributeNames: map[string]string{"#ts": "timestamp"},
	})
	if err != nil {
		return fmt.Errorf("repository: Create: %w", err)
	}
	return nil
}

// FindByRequest locates the turn for a (conversationId, requestId) pair.
// It queries the base table partition with a consistent read and filters
// on requestId, so the result addresses the real primary key; stage
// events never target a row by a non-key attribute.
func (s *RecordStore) FindByRequest(ctx context.Context, conversationID, requestID string) (domain.ConversationRecord, bool, error) {
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("conversationId = :cid"),
		FilterExpression:       aws.String("requestId = :rid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cid": &types.AttributeValueMemberS{Value: conversationID},
			":rid": &types.AttributeValueMemberS{Value: requestID},
		},
		ConsistentRead:   aws.Bool(true),
		ScanIndexForward: aws.Bool(false),
	})
	if err != nil {
		return domain.ConversationRecord{}, false, fmt.Errorf("repository: FindByRequest query: %w", err)
	}
	if len(out.Items) == 0 {
		return domain.ConversationRecord{}, false, nil
	}

	rec, err := itemToRecord(out.Items[0])
	if err != nil {
		return domain.ConversationRecord{}, false, fmt.Errorf("repository: FindByRequest unmarshal: %w", err)
	}
	return rec, true, nil
}

// FindByJob resolves the turn that started a transcription job, via the
// job-name index. The index is eventually consistent; callers that miss
// should surface a retryable not-found rather than assume absence.
func (s *RecordStore) FindByJob(ctx context.Context, jobName string) (domain.ConversationRecord, bool, error) {
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(jobIndex),
		KeyConditionExpression: aws.String("transcriptionJobName = :job"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":job": &types.AttributeValueMemberS{Value: jobName},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return domain.ConversationRecord{}, false, fmt.Errorf("repository: FindByJob query: %w", err)
	}
	if len(out.Items) == 0 {
		return domain.ConversationRecord{}, false, nil
	}

	rec, err := itemToRecord(out.Items[0])
	if err != nil {
		return domain.ConversationRecord{}, false, fmt.Errorf("repository: FindByJob unmarshal: %w", err)
	}
	return rec, true, nil
}

// AdvanceStatus commits a single stage transition. The update only
// applies while the stored status still equals expected; a conditional
// check failure reports (false, nil) so callers can drop duplicate or
// late events without treating them as errors.
func (s *RecordStore) AdvanceStatus(ctx context.Context, key domain.RecordKey, expected, next domain.Status, upd domain.RecordUpdate) (bool, error) {
	names := map[string]string{"#st": "status"}
	values := map[string]types.AttributeValue{
		":expected": &types.AttributeValueMemberS{Value: string(expected)},
		":next":     &types.AttributeValueMemberS{Value: string(next)},
		":now":      &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().UnixMilli(), 10)},
	}
	set := []string{"#st = :next", "updatedAt = :now"}

	if upd.Transcript != nil {
		set = append(set, "transcript = :transcript")
		values[":transcript"] = &types.AttributeValueMemberS{Value: *upd.Transcript}
	}
	if upd.ResponseText != nil {
		set = append(set, "responseText = :responseText")
		values[":responseText"] = &types.AttributeValueMemberS{Value: *upd.ResponseText}
	}
	if upd.AudioRef != nil {
		set = append(set, "audioRef = :audioRef")
		values[":audioRef"] = &types.AttributeValueMemberS{Value: *upd.AudioRef}
	}

	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       recordKeyItem(key),
		UpdateExpression:          aws.String("SET " + strings.Join(set, ", ")),
		ConditionExpression:       aws.String("#st = :expected"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return false, nil
		}
		return false, fmt.Errorf("repository: AdvanceStatus: %w", err)
	}
	return true, nil
}

// MarkFailed transitions a record to FAILED with an error annotation.
// Terminal records are left untouched; (false, nil) reports that case.
func (s *RecordStore) MarkFailed(ctx context.Context, key domain.RecordKey, stage, message string) (bool, error) {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 recordKeyItem(key),
		UpdateExpression:    aws.String("SET #st = :failed, errorMessage = :msg, failedStage = :stage, updatedAt = :now"),
		ConditionExpression: aws.String("#st <> :completed AND #st <> :failed"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed":    &types.AttributeValueMemberS{Value: string(domain.StatusFailed)},
			":completed": &types.AttributeValueMemberS{Value: string(domain.StatusCompleted)},
			":msg":       &types.AttributeValueMemberS{Value: message},
			":stage":     &types.AttributeValueMemberS{Value: stage},
			":now":       &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().UnixMilli(), 10)},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return false, nil
		}
		return false, fmt.Errorf("repository: MarkFailed: %w", err)
	}
	return true, nil
}

// RecentTurns returns up to limit most recent turn records for a
// conversation in chronological order. Status filtering is the caller's
// concern.
func (s *RecordStore) RecentTurns(ctx context.Context, conversationID string, limit int) ([]domain.ConversationRecord, error) {
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("conversationId = :cid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cid": &types.AttributeValueMemberS{Value: conversationID},
		},
		// Read newest first so Limit favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: RecentTurns query: %w", err)
	}

	recs := make([]domain.ConversationRecord, 0, len(out.Items))
	for _, item := range out.Items {
		rec, err := itemToRecord(item)
		if err != nil {
			return nil, fmt.Errorf("repository: RecentTurns unmarshal: %w", err)
		}
		recs = append(recs, rec)
	}
	// Reverse to chronological order before returning to prompt assembly.
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

func recordKeyItem(key domain.RecordKey) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"conversationId": &types.AttributeValueMemberS{Value: key.ConversationID},
		"timestamp":      &types.AttributeValueMemberN{Value: strconv.FormatInt(key.Timestamp, 10)},
	}
}

func recordItem(rec domain.ConversationRecord) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"conversationId": &types.AttributeValueMemberS{Value: rec.ConversationID},
		"timestamp":      &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.Timestamp, 10)},
		"requestId":      &types.AttributeValueMemberS{Value: rec.RequestID},
		"userId":         &types.AttributeValueMemberS{Value: rec.UserID},
		"type":           &types.AttributeValueMemberS{Value: string(rec.Type)},
		"status":         &types.AttributeValueMemberS{Value: string(rec.Status)},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.TTL, 10)},
	}
	if rec.SessionID != "" {
		item["sessionId"] = &types.AttributeValueMemberS{Value: rec.SessionID}
	}
	if rec.Transcript != "" {
		item["transcript"] = &types.AttributeValueMemberS{Value: rec.Transcript}
	}
	if rec.ResponseText != "" {
		item["responseText"] = &types.AttributeValueMemberS{Value: rec.ResponseText}
	}
	if rec.AudioRef != "" {
		item["audioRef"] = &types.AttributeValueMemberS{Value: rec.AudioRef}
	}
	if rec.JobName != "" {
		item["transcriptionJobName"] = &types.AttributeValueMemberS{Value: rec.JobName}
	}
	return item
}

func itemToRecord(item map[string]types.AttributeValue) (domain.ConversationRecord, error) {
	conversationID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.ConversationRecord{}, err
	}
	timestamp, err := int64Attr(item, "timestamp")
	if err != nil {
		return domain.ConversationRecord{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.ConversationRecord{}, err
	}
	requestID, _ := strAttr(item, "requestId") // allow empty
	userID, _ := strAttr(item, "userId")
	sessionID, _ := strAttr(item, "sessionId")
	recType, _ := strAttr(item, "type")
	transcript, _ := strAttr(item, "transcript")
	responseText, _ := strAttr(item, "responseText")
	audioRef, _ := strAttr(item, "audioRef")
	jobName, _ := strAttr(item, "transcriptionJobName")
	errorMessage, _ := strAttr(item, "errorMessage")

	return domain.ConversationRecord{
		ConversationID: conversationID,
		Timestamp:      timestamp,
		RequestID:      requestID,
		UserID:         userID,
		SessionID:      sessionID,
		Type:           domain.RecordType(recType),
		Status:         domain.Status(status),
		Transcript:     transcript,
		ResponseText:   responseText,
		AudioRef:       audioRef,
		JobName:        jobName,
		ErrorMessage:   errorMessage,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) (bool, error) {
	v, ok := item[key]
	if !ok {
		return false, fmt.Errorf("repository: missing attribute %q", key)
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("repository: attribute %q is not a boolean", key)
	}
	return b.Value, nil
}
