package ai

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	openai "github.com/sashabaranov/go-openai"
)

// ErrNotConfigured indicates the model provider has no credentials.
var ErrNotConfigured = errors.New("ai provider is not configured")

// ErrEmptyResponse indicates the provider answered without any choices.
var ErrEmptyResponse = errors.New("ai provider returned no choices")

var transientMarkers = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"no such host",
	"timeout",
	"timed out",
	"econnreset",
	"etimedout",
	"enotfound",
	"temporarily unavailable",
}

// IsConfiguration reports whether err is caused by missing or rejected credentials.
// Retrying such errors cannot succeed.
func IsConfiguration(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConfigured) {
		return true
	}
	status := statusCode(err)
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// IsTransient reports whether err is a network-class failure worth retrying.
func IsTransient(err error) bool {
	if err == nil || IsConfiguration(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if status := statusCode(err); status != 0 {
		return status == http.StatusRequestTimeout ||
			status == http.StatusTooManyRequests ||
			status >= http.StatusInternalServerError
	}

	message := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}

func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
