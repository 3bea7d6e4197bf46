package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awsapigw "github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"voice-assistant/handler"
	"voice-assistant/internal/dispatch"
	"voice-assistant/internal/repository"
	"voice-assistant/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	sessionTable := mustEnv("SESSION_TABLE")
	managementEndpoint := mustEnv("MANAGEMENT_ENDPOINT")
	deliveryTimeout := envInt("DELIVERY_TIMEOUT_SECONDS", 10)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	registry, err := repository.NewSessionRegistry(awsdynamodb.NewFromConfig(cfg), sessionTable)
	if err != nil {
		slog.Error("failed to create session registry", "err", err)
		os.Exit(1)
	}
	management := awsapigw.NewFromConfig(cfg, func(o *awsapigw.Options) {
		o.BaseEndpoint = aws.String(managementEndpoint)
	})
	pusher, err := dispatch.NewAPIGatewayPusher(management)
	if err != nil {
		slog.Error("failed to create connection pusher", "err", err)
		os.Exit(1)
	}

	sessions, err := usecase.NewSessionService(registry, pusher)
	if err != nil {
		slog.Error("failed to create session service", "err", err)
		os.Exit(1)
	}
	dispatcher, err := dispatch.New(registry, pusher,
		dispatch.WithDeliveryTimeout(time.Duration(deliveryTimeout)*time.Second))
	if err != nil {
		slog.Error("failed to create dispatcher", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewSocketHandler(sessions, dispatcher)
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
