package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/pkg/ai"
)

type stubGradingModel struct {
	responses []string
	errs      []error
	requests  []ai.GradeRequest
}

func (s *stubGradingModel) Grade(ctx context.Context, req ai.GradeRequest) (string, error) {
	call := len(s.requests)
	s.requests = append(s.requests, req)
	if call < len(s.errs) && s.errs[call] != nil {
		return "", s.errs[call]
	}
	if call < len(s.responses) {
		return s.responses[call], nil
	}
	return s.responses[len(s.responses)-1], nil
}

func fastRetry() GraderConfig {
	return GraderConfig{Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}}
}

const markScheme = "Q1 (5): 1011\nQ2 (5): B"

func TestGradeEmptyStudentTextSkipsModel(t *testing.T) {
	model := &stubGradingModel{}
	engine := NewGradingEngine(model, fastRetry(), zerolog.Nop())

	result, err := engine.Grade(context.Background(), "", markScheme, 20)
	require.NoError(t, err)
	require.Equal(t, 0, result.Score)
	require.Equal(t, 20, result.MaxScore)
	require.Len(t, result.Breakdown, 1)
	require.Equal(t, StatusUnanswered, result.Breakdown[0].Status)
	require.Contains(t, result.Feedback, "No handwritten content")
	require.Empty(t, model.requests)
}

func TestGradeBlankTranscriptSkipsModel(t *testing.T) {
	model := &stubGradingModel{}
	engine := NewGradingEngine(model, fastRetry(), zerolog.Nop())

	result, err := engine.Grade(context.Background(), "--- Page 1 ---\n[BLANK]\n\n--- Page 2 ---\n[BLANK]", markScheme, 10)
	require.NoError(t, err)
	require.Equal(t, StatusUnanswered, result.Breakdown[0].Status)
	require.Empty(t, model.requests)
}

func TestGradeMissingMarkSchemeIsConfigurationFeedback(t *testing.T) {
	model := &stubGradingModel{}
	engine := NewGradingEngine(model, fastRetry(), zerolog.Nop())

	result, err := engine.Grade(context.Background(), "--- Page 1 ---\n1011", "  ", 10)
	require.NoError(t, err)
	require.Equal(t, 0, result.Score)
	require.Equal(t, StatusUnanswered, result.Breakdown[0].Status)
	require.Contains(t, result.Feedback, "mark scheme for this assessment has not been processed")
	require.NotContains(t, result.Feedback, "No handwritten content")
	require.Empty(t, model.requests)
}

func TestGradeDecodesFencedResponse(t *testing.T) {
	model := &stubGradingModel{responses: []string{"```json\n" + `{
  "score": 7,
  "maxScore": 10,
  "feedback": "Solid binary work.",
  "breakdown": [
    {"questionId": "1", "points": 5, "maxPoints": 5, "status": "correct", "feedback": "Exact match."},
    {"questionId": 2, "points": "2", "maxPoints": 5, "status": "Partially_Correct", "feedback": "Wrong letter.", "deductions": [{"reason": "Chose C", "pointsLost": 3}]}
  ]
}` + "\n```"}}
	engine := NewGradingEngine(model, fastRetry(), zerolog.Nop())

	result, err := engine.Grade(context.Background(), "--- Page 1 ---\n1011", markScheme, 10)
	require.NoError(t, err)
	require.Equal(t, 7, result.Score)
	require.Equal(t, 10, result.MaxScore)
	require.False(t, result.Recovered)
	require.Len(t, result.Breakdown, 2)
	require.Equal(t, "2", result.Breakdown[1].QuestionID)
	require.Equal(t, StatusPartial, result.Breakdown[1].Status)
	require.Equal(t, []Deduction{{Reason: "Chose C", PointsLost: 3}}, result.Breakdown[1].Deductions)
	require.Equal(t, ai.GradeRequest{StudentText: "--- Page 1 ---\n1011", MarkSchemeText: markScheme, TotalMarks: 10}, model.requests[0])
}

func TestGradeClampsScore(t *testing.T) {
	cases := []struct {
		name     string
		response string
		want     int
	}{
		{name: "over limit", response: `{"score": 42, "maxScore": 50, "feedback": "ok", "breakdown": []}`, want: 20},
		{name: "negative", response: `{"score": -3, "feedback": "ok", "breakdown": []}`, want: 0},
		{name: "recovered over limit", response: `{"score": 99, "feedback": "ok", "breakdown": [{"questionId": "1"`, want: 20},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine := NewGradingEngine(&stubGradingModel{responses: []string{tc.response}}, fastRetry(), zerolog.Nop())
			result, err := engine.Grade(context.Background(), "answer", markScheme, 20)
			require.NoError(t, err)
			require.Equal(t, tc.want, result.Score)
			require.Equal(t, 20, result.MaxScore)
			require.GreaterOrEqual(t, result.Score, 0)
			require.LessOrEqual(t, result.Score, result.MaxScore)
		})
	}
}

func TestGradeRecoversTruncatedResponse(t *testing.T) {
	truncated := `{"score": 14, "maxScore": 20, "feedback": "Good attempt overall.", "breakdown": [{"questionId": "1a", "points": 4, "maxPo`
	engine := NewGradingEngine(&stubGradingModel{responses: []string{truncated}}, fastRetry(), zerolog.Nop())

	result, err := engine.Grade(context.Background(), "answer", markScheme, 20)
	require.NoError(t, err)
	require.Equal(t, 14, result.Score)
	require.True(t, result.Recovered)
	require.Empty(t, result.Breakdown)
	require.Contains(t, result.Feedback, "Good attempt overall.")
	require.Contains(t, result.Feedback, "may be incomplete")
}

func TestGradeRecoversCompleteBreakdownItems(t *testing.T) {
	truncated := `{"score": 8, "feedback": "Mostly right {see below}", "breakdown": [` +
		`{"questionId": "1", "points": 5, "maxPoints": 5, "status": "correct", "feedback": "Uses \"}\" correctly"},` +
		`{"questionId": "2", "points": 3, "maxPoints": 5, "status": "partial", "deductions": [{"reason": "sign error", "pointsLost": 2}]},` +
		`{"questionId": "3", "points": 0, "maxPoi`
	engine := NewGradingEngine(&stubGradingModel{responses: []string{truncated}}, fastRetry(), zerolog.Nop())

	result, err := engine.Grade(context.Background(), "answer", markScheme, 10)
	require.NoError(t, err)
	require.Equal(t, 8, result.Score)
	require.Len(t, result.Breakdown, 2)
	require.Equal(t, `Uses "}" correctly`, result.Breakdown[0].Feedback)
	require.Equal(t, 2.0, result.Breakdown[1].Deductions[0].PointsLost)
	require.Equal(t, "Mostly right {see below}", result.Feedback)
}

func TestGradeFailsWithoutScore(t *testing.T) {
	engine := NewGradingEngine(&stubGradingModel{responses: []string{"I cannot grade this."}}, fastRetry(), zerolog.Nop())

	_, err := engine.Grade(context.Background(), "answer", markScheme, 10)
	require.ErrorIs(t, err, ErrMalformedResponse)
	require.Equal(t, ClassMalformed, Classify(err))
}

func TestGradeRetriesTransientErrors(t *testing.T) {
	model := &stubGradingModel{
		errs: []error{
			fmt.Errorf("openai grade: %w", syscall.ECONNRESET),
			&openai.APIError{HTTPStatusCode: http.StatusServiceUnavailable},
		},
		responses: []string{"", "", `{"score": 6, "feedback": "ok", "breakdown": []}`},
	}
	engine := NewGradingEngine(model, fastRetry(), zerolog.Nop())

	result, err := engine.Grade(context.Background(), "answer", markScheme, 10)
	require.NoError(t, err)
	require.Equal(t, 6, result.Score)
	require.Len(t, model.requests, 3)
}

func TestGradeStopsAfterMaxAttempts(t *testing.T) {
	model := &stubGradingModel{
		errs:      []error{context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded, nil},
		responses: []string{`{"score": 1, "feedback": "", "breakdown": []}`},
	}
	engine := NewGradingEngine(model, fastRetry(), zerolog.Nop())

	_, err := engine.Grade(context.Background(), "answer", markScheme, 10)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, model.requests, 3)
	require.Equal(t, ClassNetwork, Classify(err))
}

func TestGradeDoesNotRetryConfigurationErrors(t *testing.T) {
	model := &stubGradingModel{
		errs:      []error{fmt.Errorf("openai grade: %w", ai.ErrNotConfigured)},
		responses: []string{`{"score": 1, "feedback": "", "breakdown": []}`},
	}
	engine := NewGradingEngine(model, fastRetry(), zerolog.Nop())

	_, err := engine.Grade(context.Background(), "answer", markScheme, 10)
	require.ErrorIs(t, err, ai.ErrNotConfigured)
	require.Len(t, model.requests, 1)
	require.Equal(t, ClassConfiguration, Classify(err))
}

func TestRetryDelayScalesWithAttempt(t *testing.T) {
	policy := DefaultRetryPolicy()
	require.Equal(t, 2*time.Second, policy.Delay(1))
	require.Equal(t, 4*time.Second, policy.Delay(2))
}

func TestClassifyUnknown(t *testing.T) {
	class := Classify(errors.New("record exploded"))
	require.Equal(t, ClassUnknown, class)
	require.Equal(t, "Something went wrong while grading this submission.", UserMessage(class))
}

func TestNormalizeStatusInfersFromPoints(t *testing.T) {
	require.Equal(t, StatusCorrect, normalizeStatus("", 5, 5))
	require.Equal(t, StatusPartial, normalizeStatus("meh", 2, 5))
	require.Equal(t, StatusIncorrect, normalizeStatus("", 0, 5))
	require.Equal(t, StatusUnanswered, normalizeStatus("Not Answered", 0, 5))
}
