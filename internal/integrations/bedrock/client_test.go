package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/require"

	"voice-assistant/internal/domain"
)

type fakeBedrock struct {
	responseBody string
	err          error
	lastInput    *bedrockruntime.InvokeModelInput
}

func (f *fakeBedrock) InvokeModel(_ context.Context, in *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.lastInput = in
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: []byte(f.responseBody)}, nil
}

func TestNew_RequiresAPI(t *testing.T) {
	_, err := New(nil, 1000)
	require.Error(t, err)
}

func TestGenerate_SendsAnthropicMessagesPayload(t *testing.T) {
	api := &fakeBedrock{responseBody: `{"content":[{"type":"text","text":"Hello!"}]}`}
	c, err := New(api, 500)
	require.NoError(t, err)

	reply, err := c.Generate(context.Background(), "anthropic.claude-3-haiku", "be brief",
		[]domain.ChatMessage{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	require.Equal(t, "Hello!", reply)

	in := api.lastInput
	require.Equal(t, "anthropic.claude-3-haiku", *in.ModelId)
	require.Equal(t, "application/json", *in.ContentType)

	var req invokeRequest
	require.NoError(t, json.Unmarshal(in.Body, &req))
	require.Equal(t, anthropicVersion, req.AnthropicVersion)
	require.Equal(t, 500, req.MaxTokens)
	require.Equal(t, "be brief", req.System)
	require.Equal(t, []domain.ChatMessage{{Role: "user", Content: "hi"}}, req.Messages)
	require.Equal(t, 0.7, req.Temperature)
	require.Equal(t, 0.9, req.TopP)
}

func TestGenerate_Validation(t *testing.T) {
	c, err := New(&fakeBedrock{}, 0)
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "", "", []domain.ChatMessage{{Role: "user", Content: "hi"}})
	require.Error(t, err)

	_, err = c.Generate(context.Background(), "model", "", nil)
	require.Error(t, err)
}

func TestGenerate_InvokeError(t *testing.T) {
	c, err := New(&fakeBedrock{err: errors.New("throttled")}, 1000)
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "model", "", []domain.ChatMessage{{Role: "user", Content: "hi"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "invoke model")
}

func TestGenerate_MalformedResponse(t *testing.T) {
	c, err := New(&fakeBedrock{responseBody: `not-json`}, 1000)
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "model", "", []domain.ChatMessage{{Role: "user", Content: "hi"}})
	require.Error(t, err)
}

func TestGenerate_EmptyContent(t *testing.T) {
	c, err := New(&fakeBedrock{responseBody: `{"content":[]}`}, 1000)
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "model", "", []domain.ChatMessage{{Role: "user", Content: "hi"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no content")
}
