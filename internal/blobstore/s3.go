// Package blobstore wraps the S3 bucket that holds audio payloads and
// transcription output documents.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3API is the minimal S3 interface required by Store.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store reads and writes blobs in a single bucket. Keys follow the
// layout input/{userId}/{conversationId}/{requestId}.wav,
// transcripts/{userId}/{conversationId}/{requestId}.json and
// output/{userId}/{conversationId}/{requestId}-response.mp3.
type Store struct {
	api    s3API
	bucket string
	region string
}

// New creates a Store for the given bucket.
func New(api s3API, bucket, region string) (*Store, error) {
	if api == nil {
		return nil, errors.New("blobstore: api must not be nil")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("blobstore: bucket must not be empty")
	}
	if strings.TrimSpace(region) == "" {
		return nil, errors.New("blobstore: region must not be empty")
	}
	return &Store{api: api, bucket: bucket, region: region}, nil
}

// InputAudioKey returns the object key for a submitted audio payload.
func InputAudioKey(userID, conversationID, requestID string) string {
	return fmt.Sprintf("input/%s/%s/%s.wav", userID, conversationID, requestID)
}

// TranscriptKey returns the object key the transcription job writes its
// result document to.
func TranscriptKey(userID, conversationID, requestID string) string {
	return fmt.Sprintf("transcripts/%s/%s/%s.json", userID, conversationID, requestID)
}

// OutputAudioKey returns the object key for a synthesized reply.
func OutputAudioKey(userID, conversationID, requestID string) string {
	return fmt.Sprintf("output/%s/%s/%s-response.mp3", userID, conversationID, requestID)
}

// TranscriptKeyFor returns the transcript key for a request, bound to
// this store's layout.
func (s *Store) TranscriptKeyFor(userID, conversationID, requestID string) string {
	return TranscriptKey(userID, conversationID, requestID)
}

// KeyFromURI extracts the object key from an s3:// or https:// object
// URI, tolerating both path-style and virtual-hosted-style URLs.
func (s *Store) KeyFromURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("blobstore: parse uri %q: %w", uri, err)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Scheme == "s3" {
		return key, nil
	}
	// Path-style URLs carry the bucket as the first path segment.
	key = strings.TrimPrefix(key, s.bucket+"/")
	if key == "" {
		return "", fmt.Errorf("blobstore: uri %q has no object key", uri)
	}
	return key, nil
}

// PutInputAudio stores submitted audio and returns its key.
func (s *Store) PutInputAudio(ctx context.Context, userID, conversationID, requestID string, audio []byte) (string, error) {
	key := InputAudioKey(userID, conversationID, requestID)
	if err := s.put(ctx, key, audio, "audio/wav"); err != nil {
		return "", fmt.Errorf("blobstore: PutInputAudio: %w", err)
	}
	return key, nil
}

// PutOutputAudio stores a synthesized reply and returns its key.
func (s *Store) PutOutputAudio(ctx context.Context, userID, conversationID, requestID string, audio []byte) (string, error) {
	key := OutputAudioKey(userID, conversationID, requestID)
	if err := s.put(ctx, key, audio, "audio/mpeg"); err != nil {
		return "", fmt.Errorf("blobstore: PutOutputAudio: %w", err)
	}
	return key, nil
}

// Get fetches an object's full contents.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: Get %q: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("blobstore: Get %q read body: %w", key, err)
	}
	return data, nil
}

// MediaURI returns the s3:// URI for a stored object, as consumed by
// the transcription service.
func (s *Store) MediaURI(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

// ObjectURL returns the public HTTPS URL for a stored object.
func (s *Store) ObjectURL(key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string {
	return s.bucket
}

func (s *Store) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	return err
}
