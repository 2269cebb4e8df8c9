package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/pkg/ai"
)

const (
	noContentFeedback     = "No handwritten content was found in this submission. Please check that the photos show your written answers and resubmit."
	missingSchemeFeedback = "Grading configuration problem: the mark scheme for this assessment has not been processed yet, so this submission could not be graded. Please contact your teacher."
)

var (
	pageHeaderPattern  = regexp.MustCompile(`(?m)^--- Page \d+ ---$`)
	blankMarkerPattern = regexp.MustCompile(`\[BLANK\]`)
)

// GradingModel scores a transcript against a mark scheme and returns raw model text.
type GradingModel interface {
	Grade(ctx context.Context, req ai.GradeRequest) (string, error)
}

// GraderConfig tunes the grading call.
type GraderConfig struct {
	Retry   RetryPolicy
	Timeout time.Duration
}

// GradingEngine compares a transcript with a mark scheme.
type GradingEngine struct {
	model   GradingModel
	retry   RetryPolicy
	timeout time.Duration
	logger  zerolog.Logger
}

// NewGradingEngine builds an engine. A zero retry policy falls back to DefaultRetryPolicy.
func NewGradingEngine(model GradingModel, cfg GraderConfig, logger zerolog.Logger) *GradingEngine {
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	return &GradingEngine{
		model:   model,
		retry:   retry,
		timeout: cfg.Timeout,
		logger:  logger.With().Str("component", "grading_engine").Logger(),
	}
}

// Grade scores studentText. Empty inputs are answered locally without a model call.
// The returned score is always within [0, totalMarks].
func (g *GradingEngine) Grade(ctx context.Context, studentText, markSchemeText string, totalMarks int) (GradingResult, error) {
	if isBlankTranscript(studentText) {
		return unansweredResult(totalMarks, noContentFeedback), nil
	}
	if strings.TrimSpace(markSchemeText) == "" {
		return unansweredResult(totalMarks, missingSchemeFeedback), nil
	}

	req := ai.GradeRequest{
		StudentText:    studentText,
		MarkSchemeText: markSchemeText,
		TotalMarks:     totalMarks,
	}

	var raw string
	err := g.retry.Do(ctx, g.logger, "grade", func(ctx context.Context) error {
		callCtx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		text, err := g.model.Grade(callCtx, req)
		if err != nil {
			return err
		}
		raw = text
		return nil
	})
	if err != nil {
		return GradingResult{}, fmt.Errorf("grade submission: %w", err)
	}

	result, err := decodeGradingResponse(raw)
	if err != nil {
		g.logger.Error().Err(err).Int("response_length", len(raw)).Msg("grading response could not be decoded")
		return GradingResult{}, err
	}
	if result.Recovered {
		g.logger.Warn().
			Int("score", result.Score).
			Int("recovered_items", len(result.Breakdown)).
			Msg("grading response was malformed, recovered partial result")
	}

	return clampResult(result, totalMarks), nil
}

// clampResult forces the score into [0, max]. The assessment total wins over
// whatever maximum the model reported.
func clampResult(result GradingResult, totalMarks int) GradingResult {
	maxScore := totalMarks
	if maxScore <= 0 {
		maxScore = result.MaxScore
	}
	if maxScore < 0 {
		maxScore = 0
	}

	result.MaxScore = maxScore
	if result.Score < 0 {
		result.Score = 0
	}
	if result.Score > maxScore {
		result.Score = maxScore
	}
	return result
}

func unansweredResult(totalMarks int, feedback string) GradingResult {
	maxScore := totalMarks
	if maxScore < 0 {
		maxScore = 0
	}
	return GradingResult{
		Score:    0,
		MaxScore: maxScore,
		Feedback: feedback,
		Breakdown: []QuestionBreakdown{{
			QuestionID: "all",
			Points:     0,
			MaxPoints:  float64(maxScore),
			Status:     StatusUnanswered,
			Feedback:   feedback,
		}},
	}
}

// isBlankTranscript reports whether text holds nothing but page headers and blank markers.
func isBlankTranscript(text string) bool {
	stripped := pageHeaderPattern.ReplaceAllString(text, "")
	stripped = blankMarkerPattern.ReplaceAllString(stripped, "")
	return strings.TrimSpace(stripped) == ""
}
