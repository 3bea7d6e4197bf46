// Package polly synthesizes reply text to MP3 audio.
package polly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	"github.com/aws/aws-sdk-go-v2/service/polly/types"
)

// pollyAPI is the minimal Polly interface required by Client.
type pollyAPI interface {
	SynthesizeSpeech(ctx context.Context, in *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// Client converts text to speech with the neural engine at 24kHz.
type Client struct {
	api pollyAPI
}

// New creates a Client with the given Polly API implementation.
func New(api pollyAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("polly: api must not be nil")
	}
	return &Client{api: api}, nil
}

// Synthesize returns the MP3 bytes for text spoken by voiceID.
func (c *Client) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("polly: text must not be empty")
	}
	if voiceID == "" {
		voiceID = string(types.VoiceIdJoanna)
	}

	out, err := c.api.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		OutputFormat: types.OutputFormatMp3,
		SampleRate:   aws.String("24000"),
		Text:         aws.String(text),
		TextType:     types.TextTypeText,
		VoiceId:      types.VoiceId(voiceID),
		Engine:       types.EngineNeural,
	})
	if err != nil {
		return nil, fmt.Errorf("polly: synthesize speech: %w", err)
	}
	defer out.AudioStream.Close()

	audio, err := io.ReadAll(out.AudioStream)
	if err != nil {
		return nil, fmt.Errorf("polly: read audio stream: %w", err)
	}
	return audio, nil
}
