package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"voice-assistant/internal/domain"
)

const (
	connectionIndex = "ConnectionIdIndex"
	userIndex       = "UserIdIndex"
)

// SessionRegistry persists live-connection rows in a DynamoDB table
// keyed by sessionId, with secondary indexes by connectionId and by
// userId.
//
// Consistency contract: both index lookups are eventually consistent
// (DynamoDB GSIs). The registry is advisory, not authoritative — a
// lookup that misses a just-written row is tolerated: a missed
// disconnect self-heals through broadcast eviction, and a missed
// broadcast candidate only delays delivery until the next push.
type SessionRegistry struct {
	api       dynamodbAPI
	tableName string
}

// NewSessionRegistry creates a SessionRegistry for the given table.
func NewSessionRegistry(api dynamodbAPI, tableName string) (*SessionRegistry, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &SessionRegistry{api: api, tableName: tableName}, nil
}

// Create persists a new session row. The conditional put guarantees at
// most one row per sessionId.
func (r *SessionRegistry) Create(ctx context.Context, s domain.SessionRecord) error {
	if s.SessionID == "" || s.ConnectionID == "" {
		return errors.New("repository: Create session: sessionId and connectionId are required")
	}

	_, err := r.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                sessionItem(s),
		ConditionExpression: aws.String("attribute_not_exists(sessionId)"),
	})
	if err != nil {
		return fmt.Errorf("repository: Create session: %w", err)
	}
	return nil
}

// FindByConnection resolves the session owning a connectionId via the
// connectionId index. See the type comment for the consistency
// contract.
func (r *SessionRegistry) FindByConnection(ctx context.Context, connectionID string) (domain.SessionRecord, bool, error) {
	out, err := r.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(connectionIndex),
		KeyConditionExpression: aws.String("connectionId = :cid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cid": &types.AttributeValueMemberS{Value: connectionID},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return domain.SessionRecord{}, false, fmt.Errorf("repository: FindByConnection query: %w", err)
	}
	if len(out.Items) == 0 {
		return domain.SessionRecord{}, false, nil
	}

	s, err := itemToSession(out.Items[0])
	if err != nil {
		return domain.SessionRecord{}, false, fmt.Errorf("repository: FindByConnection unmarshal: %w", err)
	}
	return s, true, nil
}

// SetConnected flips a session's connected flag. A missing row reports
// (false, nil); the registry tolerates lost updates since it is
// advisory.
func (r *SessionRegistry) SetConnected(ctx context.Context, sessionID string, connected bool) (bool, error) {
	_, err := r.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 sessionKeyItem(sessionID),
		UpdateExpression:    aws.String("SET connected = :connected"),
		ConditionExpression: aws.String("attribute_exists(sessionId)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":connected": &types.AttributeValueMemberBOOL{Value: connected},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return false, nil
		}
		return false, fmt.Errorf("repository: SetConnected: %w", err)
	}
	return true, nil
}

// Subscribe sets the conversation filter used by future broadcasts
// targeting this session.
func (r *SessionRegistry) Subscribe(ctx context.Context, sessionID, conversationID string) error {
	_, err := r.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 sessionKeyItem(sessionID),
		UpdateExpression:    aws.String("SET conversationId = :cid"),
		ConditionExpression: aws.String("attribute_exists(sessionId)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cid": &types.AttributeValueMemberS{Value: conversationID},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: Subscribe: %w", err)
	}
	return nil
}

// LiveSessions returns the connected, unexpired sessions subscribed to
// (userId, conversationId). Rows past expiresAt are excluded here even
// when their connected flag was never flipped; the table's TTL reaper
// removes them independently.
func (r *SessionRegistry) LiveSessions(ctx context.Context, userID, conversationID string, now int64) ([]domain.SessionRecord, error) {
	out, err := r.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(userIndex),
		KeyConditionExpression: aws.String("userId = :uid"),
		FilterExpression:       aws.String("connected = :connected AND conversationId = :cid AND expiresAt > :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid":       &types.AttributeValueMemberS{Value: userID},
			":connected": &types.AttributeValueMemberBOOL{Value: true},
			":cid":       &types.AttributeValueMemberS{Value: conversationID},
			":now":       &types.AttributeValueMemberN{Value: strconv.FormatInt(now, 10)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("repository: LiveSessions query: %w", err)
	}

	sessions := make([]domain.SessionRecord, 0, len(out.Items))
	for _, item := range out.Items {
		s, err := itemToSession(item)
		if err != nil {
			return nil, fmt.Errorf("repository: LiveSessions unmarshal: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func sessionKeyItem(sessionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"sessionId": &types.AttributeValueMemberS{Value: sessionID},
	}
}

func sessionItem(s domain.SessionRecord) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"sessionId":    &types.AttributeValueMemberS{Value: s.SessionID},
		"connectionId": &types.AttributeValueMemberS{Value: s.ConnectionID},
		"userId":       &types.AttributeValueMemberS{Value: s.UserID},
		"connected":    &types.AttributeValueMemberBOOL{Value: s.Connected},
		"createdAt":    &types.AttributeValueMemberN{Value: strconv.FormatInt(s.CreatedAt, 10)},
		"expiresAt":    &types.AttributeValueMemberN{Value: strconv.FormatInt(s.ExpiresAt, 10)},
	}
	if s.ConversationID != "" {
		item["conversationId"] = &types.AttributeValueMemberS{Value: s.ConversationID}
	}
	return item
}

func itemToSession(item map[string]types.AttributeValue) (domain.SessionRecord, error) {
	sessionID, err := strAttr(item, "sessionId")
	if err != nil {
		return domain.SessionRecord{}, err
	}
	connectionID, err := strAttr(item, "connectionId")
	if err != nil {
		return domain.SessionRecord{}, err
	}
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.SessionRecord{}, err
	}
	connected, err := boolAttr(item, "connected")
	if err != nil {
		return domain.SessionRecord{}, err
	}
	conversationID, _ := strAttr(item, "conversationId") // unset until subscribe
	createdAt, _ := int64Attr(item, "createdAt")
	expiresAt, _ := int64Attr(item, "expiresAt")

	return domain.SessionRecord{
		SessionID:      sessionID,
		ConnectionID:   connectionID,
		UserID:         userID,
		ConversationID: conversationID,
		Connected:      connected,
		CreatedAt:      createdAt,
		ExpiresAt:      expiresAt,
	}, nil
}
