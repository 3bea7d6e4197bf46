package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"voice-assistant/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// correlationID returns the caller-provided correlation id, matched
// case-insensitively, or a fresh one.
func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

func jsonResponse(status int, corrID string, body any) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusInternalServerError,
			Headers:    responseHeaders(corrID),
			Body:       `{"error":"INTERNAL_ERROR"}`,
		}
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    responseHeaders(corrID),
		Body:       string(raw),
	}
}

func responseHeaders(corrID string) map[string]string {
	headers := map[string]string{"Content-Type": "application/json"}
	if corrID != "" {
		headers[correlationHeader] = corrID
	}
	return headers
}

// errorStatus maps a usecase error to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, string(usecase.ErrorInternal)
	}
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, string(ucErr.Code)
	case usecase.ErrorNotFound:
		return http.StatusNotFound, string(ucErr.Code)
	case usecase.ErrorUpstream:
		return http.StatusBadGateway, string(ucErr.Code)
	default:
		return http.StatusInternalServerError, string(usecase.ErrorInternal)
	}
}

func errorBody(err error) errorResponse {
	_, code := errorStatus(err)
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		return errorResponse{Error: code, Reason: ucErr.Reason}
	}
	return errorResponse{Error: code}
}

func toErrorResponse(corrID string, err error) events.APIGatewayProxyResponse {
	status, _ := errorStatus(err)
	return jsonResponse(status, corrID, errorBody(err))
}
