// Package transcribe submits asynchronous speech-to-text jobs.
// Completion arrives out-of-band via S3 notifications or EventBridge
// job-state events, never through this client.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/transcribe"
	"github.com/aws/aws-sdk-go-v2/service/transcribe/types"
)

// transcribeAPI is the minimal Transcribe interface required by Client.
type transcribeAPI interface {
	StartTranscriptionJob(ctx context.Context, in *transcribe.StartTranscriptionJobInput, optFns ...func(*transcribe.Options)) (*transcribe.StartTranscriptionJobOutput, error)
	GetTranscriptionJob(ctx context.Context, in *transcribe.GetTranscriptionJobInput, optFns ...func(*transcribe.Options)) (*transcribe.GetTranscriptionJobOutput, error)
}

// Client starts transcription jobs whose output lands in the audio
// bucket under the given key.
type Client struct {
	api transcribeAPI
}

// New creates a Client with the given Transcribe API implementation.
func New(api transcribeAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("transcribe: api must not be nil")
	}
	return &Client{api: api}, nil
}

// StartJob submits an asynchronous transcription job for the media at
// mediaURI, writing the result document to outputBucket/outputKey.
func (c *Client) StartJob(ctx context.Context, jobName, mediaURI, outputBucket, outputKey string) error {
	if strings.TrimSpace(jobName) == "" {
		return errors.New("transcribe: job name is required")
	}

	_, err := c.api.StartTranscriptionJob(ctx, &transcribe.StartTranscriptionJobInput{
		TranscriptionJobName: aws.String(jobName),
		Media: &types.Media{
			MediaFileUri: aws.String(mediaURI),
		},
		MediaFormat:      types.MediaFormatWav,
		LanguageCode:     types.LanguageCodeEnUs,
		OutputBucketName: aws.String(outputBucket),
		OutputKey:        aws.String(outputKey),
	})
	if err != nil {
		return fmt.Errorf("transcribe: start job %q: %w", jobName, err)
	}
	return nil
}

// TranscriptURI returns the location of a finished job's result
// document.
func (c *Client) TranscriptURI(ctx context.Context, jobName string) (string, error) {
	out, err := c.api.GetTranscriptionJob(ctx, &transcribe.GetTranscriptionJobInput{
		TranscriptionJobName: aws.String(jobName),
	})
	if err != nil {
		return "", fmt.Errorf("transcribe: get job %q: %w", jobName, err)
	}
	job := out.TranscriptionJob
	if job == nil || job.Transcript == nil || job.Transcript.TranscriptFileUri == nil {
		return "", fmt.Errorf("transcribe: job %q has no transcript location", jobName)
	}
	return *job.Transcript.TranscriptFileUri, nil
}
