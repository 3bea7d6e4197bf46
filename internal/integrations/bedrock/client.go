// Package bedrock invokes the reply-generation model through the
// Bedrock runtime with an Anthropic-messages payload.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"voice-assistant/internal/domain"
)

const anthropicVersion = "bedrock-2023-05-31"

// bedrockAPI is the minimal Bedrock runtime interface required by Client.
type bedrockAPI interface {
	InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// invokeRequest is the Anthropic-messages request shape.
type invokeRequest struct {
	AnthropicVersion string               `json:"anthropic_version"`
	MaxTokens        int                  `json:"max_tokens"`
	System           string               `json:"system,omitempty"`
	Messages         []domain.ChatMessage `json:"messages"`
	Temperature      float64              `json:"temperature"`
	TopP             float64              `json:"top_p"`
}

// invokeResponse is the minimal Anthropic-messages response shape.
type invokeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Client generates reply text for a prompt and conversation history.
type Client struct {
	api       bedrockAPI
	maxTokens int
}

// New creates a Client with the given Bedrock runtime API implementation.
func New(api bedrockAPI, maxTokens int) (*Client, error) {
	if api == nil {
		return nil, errors.New("bedrock: api must not be nil")
	}
	if maxTokens <= 0 {
		maxTokens = 1000
	}
	return &Client{api: api, maxTokens: maxTokens}, nil
}

// Generate invokes the model and returns the reply text. The system
// prompt and message window are assembled by the caller; this client
// only speaks the wire format.
func (c *Client) Generate(ctx context.Context, modelID, system string, messages []domain.ChatMessage) (string, error) {
	if strings.TrimSpace(modelID) == "" {
		return "", errors.New("bedrock: model id must not be empty")
	}
	if len(messages) == 0 {
		return "", errors.New("bedrock: messages must not be empty")
	}

	body, err := json.Marshal(invokeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        c.maxTokens,
		System:           system,
		Messages:         messages,
		Temperature:      0.7,
		TopP:             0.9,
	})
	if err != nil {
		return "", fmt.Errorf("bedrock: marshal request: %w", err)
	}

	out, err := c.api.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("bedrock: invoke model: %w", err)
	}

	var payload invokeResponse
	if decErr := json.Unmarshal(out.Body, &payload); decErr != nil {
		return "", fmt.Errorf("bedrock: decode response: %w", decErr)
	}
	if len(payload.Content) == 0 {
		return "", errors.New("bedrock: no content in response")
	}
	return payload.Content[0].Text, nil
}
