package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
)

// managementAPI is the minimal API Gateway management interface
// required by APIGatewayPusher.
type managementAPI interface {
	PostToConnection(ctx context.Context, in *apigatewaymanagementapi.PostToConnectionInput, optFns ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error)
}

// APIGatewayPusher delivers payloads over the WebSocket management API.
// It satisfies both this package's Pusher and the session service's
// ConnectionPusher.
type APIGatewayPusher struct {
	api managementAPI
}

// NewAPIGatewayPusher creates a pusher over the given management API.
func NewAPIGatewayPusher(api managementAPI) (*APIGatewayPusher, error) {
	if api == nil {
		return nil, errors.New("dispatch: management api must not be nil")
	}
	return &APIGatewayPusher{api: api}, nil
}

// Push posts data to one connection. A GoneException is reported as
// ErrGone so callers can distinguish eviction from transient failure.
func (p *APIGatewayPusher) Push(ctx context.Context, connectionID string, data []byte) error {
	_, err := p.api.PostToConnection(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(connectionID),
		Data:         data,
	})
	if err != nil {
		var gone *types.GoneException
		if errors.As(err, &gone) {
			return fmt.Errorf("connection %s: %w", connectionID, ErrGone)
		}
		return fmt.Errorf("dispatch: post to connection %s: %w", connectionID, err)
	}
	return nil
}
