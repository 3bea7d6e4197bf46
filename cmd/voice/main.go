package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsbedrock "github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awslambda "github.com/aws/aws-sdk-go-v2/service/lambda"
	awspolly "github.com/aws/aws-sdk-go-v2/service/polly"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	awstranscribe "github.com/aws/aws-sdk-go-v2/service/transcribe"

	"voice-assistant/handler"
	"voice-assistant/internal/blobstore"
	"voice-assistant/internal/integrations/bedrock"
	"voice-assistant/internal/integrations/knowledge"
	"voice-assistant/internal/integrations/paramstore"
	"voice-assistant/internal/integrations/polly"
	"voice-assistant/internal/integrations/transcribe"
	"voice-assistant/internal/repository"
	"voice-assistant/internal/taskbus"
	"voice-assistant/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	audioBucket := mustEnv("AUDIO_BUCKET")
	paramPrefix := mustEnv("PARAM_PREFIX")
	pipelineFunction := mustEnv("PIPELINE_FUNCTION")
	socketFunction := mustEnv("SOCKET_FUNCTION")
	maxContextTurns := envInt("MAX_CONTEXT_TURNS", 10)
	maxTokens := envInt("MAX_TOKENS", 1000)
	knowledgeEndpoint := os.Getenv("KNOWLEDGE_ENDPOINT")

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	records, err := repository.NewRecordStore(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		slog.Error("failed to create record store", "err", err)
		os.Exit(1)
	}
	blobs, err := blobstore.New(awss3.NewFromConfig(cfg), audioBucket, cfg.Region)
	if err != nil {
		slog.Error("failed to create blob store", "err", err)
		os.Exit(1)
	}
	stt, err := transcribe.New(awstranscribe.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create transcribe client", "err", err)
		os.Exit(1)
	}
	generator, err := bedrock.New(awsbedrock.NewFromConfig(cfg), maxTokens)
	if err != nil {
		slog.Error("failed to create bedrock client", "err", err)
		os.Exit(1)
	}
	tts, err := polly.New(awspolly.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create polly client", "err", err)
		os.Exit(1)
	}
	bus, err := taskbus.New(awslambda.NewFromConfig(cfg), pipelineFunction, socketFunction)
	if err != nil {
		slog.Error("failed to create task bus", "err", err)
		os.Exit(1)
	}

	opts := []usecase.CoordinatorOption{usecase.WithMaxContextTurns(maxContextTurns)}
	if knowledgeEndpoint != "" {
		retriever, err := knowledge.New(knowledgeEndpoint)
		if err != nil {
			slog.Error("failed to create knowledge client", "err", err)
			os.Exit(1)
		}
		opts = append(opts, usecase.WithKnowledgeRetriever(retriever))
	}

	// ---- Handler ----
	coordinator, err := usecase.NewCoordinator(records, blobs, stt, generator, tts, bus, bus, ssmClient, paramPrefix, opts...)
	if err != nil {
		slog.Error("failed to create coordinator", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewVoiceHandler(coordinator, blobs, stt)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
