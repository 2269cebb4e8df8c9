package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/pipeline"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/pkg/ai"
)

const sevenOfTen = `{"score": 7, "maxScore": 10, "feedback": "Good binary work.", "breakdown": [
  {"questionId": "1", "points": 4, "maxPoints": 5, "status": "partial", "feedback": "One digit wrong.", "deductions": [{"reason": "wrong bit", "pointsLost": 1}]},
  {"questionId": "2", "points": 3, "maxPoints": 5, "status": "partial", "feedback": "Working missing."}
]}`

func insertProcessing(t *testing.T, db *gorm.DB, studentID, assessmentID uint, urls ...string) models.Submission {
	t.Helper()
	submission := models.Submission{
		StudentID:    studentID,
		AssessmentID: assessmentID,
		ImageURLs:    datatypes.JSONSlice[string](urls),
		Status:       models.SubmissionStatusProcessing,
	}
	_, err := repository.NewSubmissionRepository(db).Replace(context.Background(), &submission, false)
	require.NoError(t, err)
	return submission
}

func reload(t *testing.T, db *gorm.DB, id uint) models.Submission {
	t.Helper()
	submission, err := repository.NewSubmissionRepository(db).GetByID(context.Background(), id)
	require.NoError(t, err)
	return submission
}

func TestGradingRunnerReordersPagesAndGrades(t *testing.T) {
	db := setupServiceDB(t)
	student := seedStudent(t, db, "Rina")
	assessment := seedAssessment(t, db, 10, "Q1 (5): 1011\nQ2 (5): show working")
	submission := insertProcessing(t, db, student.ID, assessment.ID, "https://cdn/p2.jpg", "https://cdn/p1.jpg")

	vision := &stubVision{
		pageNumbers: map[string]int{"https://cdn/p2.jpg": 2, "https://cdn/p1.jpg": 1},
		texts:       map[string]string{"https://cdn/p1.jpg": "1011", "https://cdn/p2.jpg": "B"},
	}
	reasoning := &stubReasoning{response: sevenOfTen}
	events := &recordingPublisher{}
	runner := newTestRunner(db, &stubPageLoader{}, vision, reasoning, events)

	require.NoError(t, runner.Run(context.Background(), submission.ID))

	stored := reload(t, db, submission.ID)
	require.Equal(t, models.SubmissionStatusGraded, stored.Status)
	require.NotNil(t, stored.Score)
	require.Equal(t, 7, *stored.Score)
	require.Equal(t, 10, *stored.MaxScore)
	require.NotNil(t, stored.GradedAt)
	require.True(t, stored.GradedAt.Equal(time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)))
	require.Equal(t, []string{"https://cdn/p1.jpg", "https://cdn/p2.jpg"}, []string(stored.ImageURLs))
	require.NotNil(t, stored.ExtractedText)
	require.Equal(t, "--- Page 1 ---\n1011\n\n--- Page 2 ---\nB", *stored.ExtractedText)
	require.NotNil(t, stored.Feedback)
	require.Contains(t, *stored.Feedback, "Score: 7/10 (70%)")
	require.Contains(t, *stored.Feedback, "◐ Question 1 — 4/5")
	require.Contains(t, *stored.Feedback, "- wrong bit (-1)")

	requests := reasoning.calls()
	require.Len(t, requests, 1)
	require.Equal(t, 10, requests[0].TotalMarks)
	require.Equal(t, assessment.MarkSchemeText, requests[0].MarkSchemeText)

	require.Equal(t, []string{SubmissionEventGraded}, events.types())
	require.Equal(t, 7, *events.last().Score)
}

func TestGradingRunnerKeepsUploadOrderWithoutPageNumbers(t *testing.T) {
	db := setupServiceDB(t)
	student := seedStudent(t, db, "Bayu")
	assessment := seedAssessment(t, db, 10, "Q1 (10): anything")
	submission := insertProcessing(t, db, student.ID, assessment.ID, "https://cdn/x.jpg", "https://cdn/y.jpg")

	vision := &stubVision{texts: map[string]string{"https://cdn/x.jpg": "first", "https://cdn/y.jpg": "second"}}
	runner := newTestRunner(db, &stubPageLoader{}, vision, &stubReasoning{response: sevenOfTen}, nil)

	require.NoError(t, runner.Run(context.Background(), submission.ID))

	stored := reload(t, db, submission.ID)
	require.Equal(t, []string{"https://cdn/x.jpg", "https://cdn/y.jpg"}, []string(stored.ImageURLs))
	require.Equal(t, "--- Page 1 ---\nfirst\n\n--- Page 2 ---\nsecond", *stored.ExtractedText)
}

func TestGradingRunnerPartialPageFailureStillGrades(t *testing.T) {
	db := setupServiceDB(t)
	student := seedStudent(t, db, "Sari")
	assessment := seedAssessment(t, db, 10, "Q1 (10): anything")
	submission := insertProcessing(t, db, student.ID, assessment.ID, "https://cdn/a.jpg", "https://cdn/b.jpg")

	vision := &stubVision{
		texts:    map[string]string{"https://cdn/a.jpg": "answer"},
		failures: map[string]error{"https://cdn/b.jpg": errConnectionReset},
	}
	reasoning := &stubReasoning{response: sevenOfTen}
	runner := newTestRunner(db, &stubPageLoader{}, vision, reasoning, nil)

	require.NoError(t, runner.Run(context.Background(), submission.ID))

	stored := reload(t, db, submission.ID)
	require.Equal(t, models.SubmissionStatusGraded, stored.Status)
	require.Contains(t, *stored.ExtractedText, "[Error extracting page 2]")
	require.Contains(t, reasoning.calls()[0].StudentText, "[Error extracting page 2]")
}

func TestGradingRunnerAllPagesFailing(t *testing.T) {
	db := setupServiceDB(t)
	student := seedStudent(t, db, "Dewi")
	assessment := seedAssessment(t, db, 10, "Q1 (10): anything")
	submission := insertProcessing(t, db, student.ID, assessment.ID, "https://cdn/a.jpg")

	vision := &stubVision{failures: map[string]error{"https://cdn/a.jpg": errConnectionReset}}
	reasoning := &stubReasoning{response: sevenOfTen}
	events := &recordingPublisher{}
	runner := newTestRunner(db, &stubPageLoader{}, vision, reasoning, events)

	err := runner.Run(context.Background(), submission.ID)
	require.Error(t, err)

	stored := reload(t, db, submission.ID)
	require.Equal(t, models.SubmissionStatusError, stored.Status)
	require.Equal(t, pipeline.UserMessage(pipeline.ClassNetwork), *stored.Feedback)
	require.Nil(t, stored.ExtractedText)
	require.Empty(t, reasoning.calls())

	require.Equal(t, []string{SubmissionEventError}, events.types())
	require.Equal(t, string(pipeline.ClassNetwork), events.last().ErrorClass)
}

func TestGradingRunnerConfigurationErrorIsNotRetried(t *testing.T) {
	db := setupServiceDB(t)
	student := seedStudent(t, db, "Agus")
	assessment := seedAssessment(t, db, 10, "Q1 (10): anything")
	submission := insertProcessing(t, db, student.ID, assessment.ID, "https://cdn/a.jpg")

	vision := &stubVision{texts: map[string]string{"https://cdn/a.jpg": "answer"}}
	reasoning := &stubReasoning{err: ai.ErrNotConfigured}
	runner := newTestRunner(db, &stubPageLoader{}, vision, reasoning, nil)

	require.ErrorIs(t, runner.Run(context.Background(), submission.ID), ai.ErrNotConfigured)

	stored := reload(t, db, submission.ID)
	require.Equal(t, models.SubmissionStatusError, stored.Status)
	require.Equal(t, "The grading service is not configured. Please contact your teacher.", *stored.Feedback)
	require.Len(t, reasoning.calls(), 1)
	// the transcript survives the failure so a requeue can skip extraction
	require.NotNil(t, stored.ExtractedText)
}

func TestGradingRunnerRequeueReusesTranscript(t *testing.T) {
	db := setupServiceDB(t)
	repo := repository.NewSubmissionRepository(db)
	student := seedStudent(t, db, "Putri")
	assessment := seedAssessment(t, db, 10, "Q1 (10): anything")
	submission := insertProcessing(t, db, student.ID, assessment.ID, "https://cdn/a.jpg")

	ctx := context.Background()
	require.NoError(t, repo.SaveExtractedText(ctx, submission.ID, "--- Page 1 ---\nstored answer"))
	require.NoError(t, repo.MarkError(ctx, submission.ID, "boom"))
	require.NoError(t, repo.Requeue(ctx, submission.ID))

	loader := &stubPageLoader{}
	reasoning := &stubReasoning{response: sevenOfTen}
	runner := newTestRunner(db, loader, &stubVision{}, reasoning, nil)

	require.NoError(t, runner.Run(ctx, submission.ID))

	require.Zero(t, loader.calls())
	require.Equal(t, "--- Page 1 ---\nstored answer", reasoning.calls()[0].StudentText)
	require.Equal(t, models.SubmissionStatusGraded, reload(t, db, submission.ID).Status)
}

func TestGradingRunnerBlankSubmissionScoresZero(t *testing.T) {
	db := setupServiceDB(t)
	student := seedStudent(t, db, "Eka")
	assessment := seedAssessment(t, db, 12, "Q1 (12): anything")
	submission := insertProcessing(t, db, student.ID, assessment.ID, "https://cdn/a.jpg")

	reasoning := &stubReasoning{response: sevenOfTen}
	runner := newTestRunner(db, &stubPageLoader{}, &stubVision{}, reasoning, nil)

	require.NoError(t, runner.Run(context.Background(), submission.ID))

	stored := reload(t, db, submission.ID)
	require.Equal(t, models.SubmissionStatusGraded, stored.Status)
	require.Equal(t, 0, *stored.Score)
	require.Equal(t, 12, *stored.MaxScore)
	require.Contains(t, *stored.Feedback, "No handwritten content")
	require.Empty(t, reasoning.calls())
}

func TestGradingRunnerSkipsSupersededSubmission(t *testing.T) {
	db := setupServiceDB(t)
	student := seedStudent(t, db, "Joko")
	assessment := seedAssessment(t, db, 10, "Q1 (10): anything")
	first := insertProcessing(t, db, student.ID, assessment.ID, "https://cdn/old.jpg")
	insertProcessing(t, db, student.ID, assessment.ID, "https://cdn/new.jpg")

	loader := &stubPageLoader{}
	runner := newTestRunner(db, loader, &stubVision{}, &stubReasoning{response: sevenOfTen}, nil)

	require.NoError(t, runner.Run(context.Background(), first.ID))
	require.Zero(t, loader.calls())
}

func TestGradingRunnerSkipsTerminalSubmission(t *testing.T) {
	db := setupServiceDB(t)
	repo := repository.NewSubmissionRepository(db)
	student := seedStudent(t, db, "Lina")
	assessment := seedAssessment(t, db, 10, "Q1 (10): anything")
	submission := insertProcessing(t, db, student.ID, assessment.ID, "https://cdn/a.jpg")
	require.NoError(t, repo.MarkError(context.Background(), submission.ID, "failed"))

	loader := &stubPageLoader{}
	runner := newTestRunner(db, loader, &stubVision{}, &stubReasoning{response: sevenOfTen}, nil)

	require.NoError(t, runner.Run(context.Background(), submission.ID))
	require.Zero(t, loader.calls())
	require.Equal(t, models.SubmissionStatusError, reload(t, db, submission.ID).Status)
}

func TestGradingRunnerEnqueueRunsInBackground(t *testing.T) {
	db := setupServiceDB(t)
	student := seedStudent(t, db, "Nina")
	assessment := seedAssessment(t, db, 10, "Q1 (10): anything")
	submission := insertProcessing(t, db, student.ID, assessment.ID, "https://cdn/a.jpg")

	vision := &stubVision{texts: map[string]string{"https://cdn/a.jpg": "answer"}}
	runner := newTestRunner(db, &stubPageLoader{}, vision, &stubReasoning{response: sevenOfTen}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runner.Enqueue(ctx, submission.ID)
	// the run must not depend on the request context
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, runner.Shutdown(shutdownCtx))

	require.Equal(t, models.SubmissionStatusGraded, reload(t, db, submission.ID).Status)
}
