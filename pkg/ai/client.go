package ai

import (
	"context"
	"net/http"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ChatCompleter is the subset of the OpenAI client used by the models in this package.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ClientConfig holds the credentials for the OpenAI compatible endpoint.
type ClientConfig struct {
	APIKey  string
	BaseURL string
}

// LazyClient builds the underlying OpenAI client on first use and reuses it afterwards.
// It is constructed once by the composition root and shared by every model.
type LazyClient struct {
	cfg    ClientConfig
	once   sync.Once
	client *openai.Client
	err    error
}

// NewLazyClient returns a client that is not connected until the first request.
func NewLazyClient(cfg ClientConfig) *LazyClient {
	return &LazyClient{cfg: cfg}
}

func (l *LazyClient) get() (*openai.Client, error) {
	l.once.Do(func() {
		apiKey := strings.TrimSpace(l.cfg.APIKey)
		if apiKey == "" {
			l.err = ErrNotConfigured
			return
		}

		config := openai.DefaultConfig(apiKey)
		if baseURL := strings.TrimSpace(l.cfg.BaseURL); baseURL != "" {
			config.BaseURL = strings.TrimRight(baseURL, "/")
		}
		config.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

		l.client = openai.NewClientWithConfig(config)
	})
	return l.client, l.err
}

// CreateChatCompletion implements ChatCompleter.
func (l *LazyClient) CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	client, err := l.get()
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	return client.CreateChatCompletion(ctx, request)
}
