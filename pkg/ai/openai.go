package ai

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	aiDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "ai",
		Name:      "request_duration_seconds",
		Help:      "Duration of AI model requests",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
	}, []string{"model", "operation"})

	aiFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "ai",
		Name:      "request_failures_total",
		Help:      "Number of failed AI model requests",
	}, []string{"model", "operation"})
)

var pageNumberPattern = regexp.MustCompile(`\d+`)

const maxPlausiblePage = 500

// OpenAIConfig defines configuration options for the OpenAI models.
type OpenAIConfig struct {
	VisionModel       string
	ReasoningModel    string
	MaxTokens         int
	GradingMaxTokens  int
	Temperature       float32
	ImageDetail       openai.ImageURLDetail
	Logger            zerolog.Logger
	DisableJSONFormat bool
}

// OpenAIProvider implements VisionModel and ReasoningModel against the chat completion API.
type OpenAIProvider struct {
	client ChatCompleter
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIProvider builds the provider around an injected client.
func NewOpenAIProvider(client ChatCompleter, cfg OpenAIConfig) (*OpenAIProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("openai client is required")
	}

	if cfg.VisionModel == "" {
		cfg.VisionModel = "gpt-4o"
	}
	if cfg.ReasoningModel == "" {
		cfg.ReasoningModel = "o4-mini"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.GradingMaxTokens == 0 {
		cfg.GradingMaxTokens = 8192
	}
	if cfg.ImageDetail == "" {
		cfg.ImageDetail = openai.ImageURLDetailHigh
	}

	return &OpenAIProvider{
		client: client,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-grader/pkg/ai/openai"),
		logger: cfg.Logger.With().Str("component", "openai_provider").Logger(),
	}, nil
}

// DetectPageNumber asks the vision model for the printed page number.
func (p *OpenAIProvider) DetectPageNumber(ctx context.Context, image []byte, mimeType string) (*int, error) {
	messages := []openai.ChatCompletionMessage{
		{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: pageNumberPrompt},
				p.imagePart(image, mimeType, openai.ImageURLDetailLow),
			},
		},
	}

	content, err := p.complete(ctx, "detect_page_number", p.cfg.VisionModel, messages, 16, false)
	if err != nil {
		return nil, err
	}
	return parsePageNumber(content), nil
}

// ExtractHandwriting transcribes the handwritten content of a single page.
func (p *OpenAIProvider) ExtractHandwriting(ctx context.Context, image []byte, mimeType string, hint PageHint) (string, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: handwritingSystemPrompt},
		{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: pageHintText(hint)},
				p.imagePart(image, mimeType, p.cfg.ImageDetail),
			},
		},
	}

	return p.complete(ctx, "extract_handwriting", p.cfg.VisionModel, messages, p.cfg.MaxTokens, false)
}

// TranscribeDocument transcribes a printed page such as a mark scheme.
func (p *OpenAIProvider) TranscribeDocument(ctx context.Context, image []byte, mimeType string, hint PageHint) (string, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: documentSystemPrompt},
		{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: pageHintText(hint)},
				p.imagePart(image, mimeType, p.cfg.ImageDetail),
			},
		},
	}

	return p.complete(ctx, "transcribe_document", p.cfg.VisionModel, messages, p.cfg.MaxTokens, false)
}

// Grade sends the transcript and mark scheme to the reasoning model and returns its raw answer.
func (p *OpenAIProvider) Grade(ctx context.Context, req GradeRequest) (string, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: gradingSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: buildGradingPrompt(req)},
	}

	return p.complete(ctx, "grade", p.cfg.ReasoningModel, messages, p.cfg.GradingMaxTokens, !p.cfg.DisableJSONFormat)
}

func (p *OpenAIProvider) complete(parent context.Context, operation, model string, messages []openai.ChatCompletionMessage, maxTokens int, jsonMode bool) (string, error) {
	ctx, span := p.tracer.Start(parent, "openai."+operation, trace.WithAttributes(
		attribute.String("model", model),
	))
	defer span.End()

	request := openai.ChatCompletionRequest{
		Model:               model,
		MaxCompletionTokens: maxTokens,
		Messages:            messages,
	}
	if p.cfg.Temperature > 0 {
		request.Temperature = p.cfg.Temperature
	}
	if jsonMode {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, request)
	aiDuration.WithLabelValues(model, operation).Observe(time.Since(start).Seconds())
	if err != nil {
		aiFailures.WithLabelValues(model, operation).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("openai %s: %w", operation, err)
	}

	if len(resp.Choices) == 0 {
		aiFailures.WithLabelValues(model, operation).Inc()
		span.RecordError(ErrEmptyResponse)
		span.SetStatus(codes.Error, ErrEmptyResponse.Error())
		return "", fmt.Errorf("openai %s: %w", operation, ErrEmptyResponse)
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonLength {
		p.logger.Warn().Str("operation", operation).Str("model", model).Msg("model output truncated at token limit")
	}
	span.SetAttributes(
		attribute.Int("usage.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("usage.completion_tokens", resp.Usage.CompletionTokens),
	)

	return strings.TrimSpace(choice.Message.Content), nil
}

func (p *OpenAIProvider) imagePart(image []byte, mimeType string, detail openai.ImageURLDetail) openai.ChatMessagePart {
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeImageURL,
		ImageURL: &openai.ChatMessageImageURL{
			URL:    "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image),
			Detail: detail,
		},
	}
}

func parsePageNumber(content string) *int {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" || strings.Contains(strings.ToUpper(trimmed), "NONE") {
		return nil
	}

	match := pageNumberPattern.FindString(trimmed)
	if match == "" {
		return nil
	}

	page, err := strconv.Atoi(match)
	if err != nil || page <= 0 || page > maxPlausiblePage {
		return nil
	}
	return &page
}
