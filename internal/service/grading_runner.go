package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/pipeline"
	"github.com/noah-isme/gema-grader/internal/repository"
)

// PageOrderer restores the reading order of uploaded pages.
type PageOrderer interface {
	Resolve(ctx context.Context, images []pipeline.Image) (pipeline.PageOrder, error)
}

// TranscriptExtractor transcribes ordered pages.
type TranscriptExtractor interface {
	Extract(ctx context.Context, images []pipeline.Image) (pipeline.Transcript, error)
}

// SubmissionGrader scores a transcript against a mark scheme.
type SubmissionGrader interface {
	Grade(ctx context.Context, studentText, markSchemeText string, totalMarks int) (pipeline.GradingResult, error)
}

// GradingQueue accepts submissions whose pipeline should run in the background.
type GradingQueue interface {
	Enqueue(ctx context.Context, submissionID uint)
}

// GradingRunnerDeps groups the collaborators of the runner.
type GradingRunnerDeps struct {
	Submissions repository.SubmissionRepository
	Pages       PageLoader
	Orderer     PageOrderer
	Extractor   TranscriptExtractor
	Grader      SubmissionGrader
	Cache       SubmissionCache
	Events      SubmissionEventPublisher
	Now         func() time.Time
}

// GradingRunner drives a submission from processing to graded or error.
type GradingRunner struct {
	submissions repository.SubmissionRepository
	pages       PageLoader
	orderer     PageOrderer
	extractor   TranscriptExtractor
	grader      SubmissionGrader
	cache       SubmissionCache
	events      SubmissionEventPublisher
	now         func() time.Time
	logger      zerolog.Logger
	tracer      trace.Tracer
	wg          sync.WaitGroup
}

// NewGradingRunner constructs the background pipeline runner.
func NewGradingRunner(deps GradingRunnerDeps, logger zerolog.Logger) *GradingRunner {
	cache := deps.Cache
	if cache == nil {
		cache = nopSubmissionCache{}
	}
	events := deps.Events
	if events == nil {
		events = nopSubmissionPublisher{}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &GradingRunner{
		submissions: deps.Submissions,
		pages:       deps.Pages,
		orderer:     deps.Orderer,
		extractor:   deps.Extractor,
		grader:      deps.Grader,
		cache:       cache,
		events:      events,
		now:         now,
		logger:      logger.With().Str("component", "grading_runner").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-grader/internal/service/grading"),
	}
}

// Enqueue starts the pipeline in its own goroutine. Only the correlation id
// of ctx is carried over; the run is not tied to the request lifetime.
func (r *GradingRunner) Enqueue(ctx context.Context, submissionID uint) {
	runCtx := middleware.ContextWithCorrelation(context.Background(), middleware.CorrelationIDFromContext(ctx))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if recovered := recover(); recovered != nil {
				r.logger.Error().Interface("panic", recovered).Uint("submission_id", submissionID).Msg("grading pipeline panicked")
				r.fail(runCtx, models.Submission{ID: submissionID}, fmt.Errorf("pipeline panic: %v", recovered))
			}
		}()

		if err := r.Run(runCtx, submissionID); err != nil {
			r.logger.Debug().Err(err).Uint("submission_id", submissionID).Msg("grading pipeline finished with error")
		}
	}()
}

// Wait blocks until every enqueued pipeline has finished.
func (r *GradingRunner) Wait() {
	r.wg.Wait()
}

// Shutdown waits for running pipelines until ctx is done.
func (r *GradingRunner) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the pipeline synchronously. A submission that was deleted or
// left processing in the meantime is skipped without error.
func (r *GradingRunner) Run(ctx context.Context, submissionID uint) error {
	runID := uuid.NewString()
	logger := middleware.LoggerWithCorrelation(ctx, r.logger).With().
		Uint("submission_id", submissionID).
		Str("run_id", runID).
		Logger()

	ctx, span := r.tracer.Start(ctx, "grading.run", trace.WithAttributes(
		attribute.Int("submission.id", int(submissionID)),
		attribute.String("grading.run_id", runID),
	))
	defer span.End()

	observability.PipelinesInFlight().Inc()
	defer observability.PipelinesInFlight().Dec()

	submission, err := r.submissions.GetByID(ctx, submissionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Info().Msg("submission no longer exists, skipping pipeline")
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return fmt.Errorf("load submission: %w", err)
	}
	if submission.Status != models.SubmissionStatusProcessing {
		logger.Info().Str("status", submission.Status).Msg("submission is not processing, skipping pipeline")
		return nil
	}

	err = r.process(ctx, logger, &submission)
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "graded")
		return nil
	case errors.Is(err, repository.ErrStaleSubmission):
		logger.Info().Msg("submission was replaced while grading, dropping result")
		return nil
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, string(pipeline.Classify(err)))
		r.fail(ctx, submission, err)
		return err
	}
}

func (r *GradingRunner) process(ctx context.Context, logger zerolog.Logger, submission *models.Submission) error {
	assessment := submission.Assessment

	var studentText string
	if submission.ExtractedText != nil {
		// Requeued run: the transcript is already stored and never re-extracted.
		studentText = *submission.ExtractedText
		logger.Info().Msg("reusing stored transcript")
	} else {
		text, err := r.transcribe(ctx, logger, submission)
		if err != nil {
			return err
		}
		studentText = text
	}

	var result pipeline.GradingResult
	err := r.stage(ctx, "grade", func(ctx context.Context) error {
		var err error
		result, err = r.grader.Grade(ctx, studentText, assessment.MarkSchemeText, assessment.TotalMarks)
		return err
	})
	if err != nil {
		return err
	}

	gradedAt := r.now().UTC()
	feedback := pipeline.RenderReport(result)
	if err := r.submissions.MarkGraded(ctx, submission.ID, repository.GradeUpdate{
		Score:    result.Score,
		MaxScore: result.MaxScore,
		Feedback: feedback,
		GradedAt: gradedAt,
	}); err != nil {
		return err
	}

	submission.Status = models.SubmissionStatusGraded
	submission.Score = lo.ToPtr(result.Score)
	submission.MaxScore = lo.ToPtr(result.MaxScore)
	submission.GradedAt = &gradedAt

	r.cache.Invalidate(ctx, submission.ID)
	r.publish(ctx, newSubmissionEvent(SubmissionEventGraded, *submission))
	observability.SubmissionOutcomes().WithLabelValues(models.SubmissionStatusGraded, "").Inc()

	logger.Info().
		Int("score", result.Score).
		Int("max_score", result.MaxScore).
		Bool("recovered", result.Recovered).
		Msg("submission graded")
	return nil
}

// transcribe orders the pages, persists the new order and stores the transcript.
func (r *GradingRunner) transcribe(ctx context.Context, logger zerolog.Logger, submission *models.Submission) (string, error) {
	var images []pipeline.Image
	if err := r.stage(ctx, "load", func(ctx context.Context) error {
		var err error
		images, err = r.pages.Load(ctx, submission.ImageURLs)
		return err
	}); err != nil {
		return "", err
	}

	var order pipeline.PageOrder
	if err := r.stage(ctx, "order", func(ctx context.Context) error {
		var err error
		order, err = r.orderer.Resolve(ctx, images)
		return err
	}); err != nil {
		return "", err
	}

	if order.Reordered {
		urls := lo.Map(order.Indices, func(original int, _ int) string { return submission.ImageURLs[original] })
		if err := r.submissions.UpdateImageOrder(ctx, submission.ID, urls); err != nil {
			return "", err
		}
		observability.PagesReordered().Inc()
		r.cache.Invalidate(ctx, submission.ID)
		logger.Info().Ints("order", order.Indices).Msg("pages reordered by detected page numbers")
	}

	var transcript pipeline.Transcript
	if err := r.stage(ctx, "extract", func(ctx context.Context) error {
		var err error
		transcript, err = r.extractor.Extract(ctx, order.Images)
		return err
	}); err != nil {
		return "", err
	}

	if failed := transcript.FailedPages(); failed > 0 {
		observability.PageExtractionFailures().Add(float64(failed))
		logger.Warn().Int("failed_pages", failed).Int("pages", len(transcript.Pages)).Msg("some pages could not be transcribed")
	}
	if transcript.AllFailed() {
		return "", fmt.Errorf("no page could be transcribed: %w", transcript.FirstError())
	}

	if err := r.submissions.SaveExtractedText(ctx, submission.ID, transcript.Text); err != nil {
		return "", err
	}
	r.cache.Invalidate(ctx, submission.ID)

	return transcript.Text, nil
}

func (r *GradingRunner) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "grading."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	observability.StageDuration().WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
		return err
	}
	return nil
}

// fail moves the submission to error with a message safe to show the student.
// The raw error is only logged.
func (r *GradingRunner) fail(ctx context.Context, submission models.Submission, cause error) {
	class := pipeline.Classify(cause)
	r.logger.Error().Err(cause).
		Uint("submission_id", submission.ID).
		Str("error_class", string(class)).
		Msg("grading pipeline failed")

	message := pipeline.UserMessage(class)
	if err := r.submissions.MarkError(ctx, submission.ID, message); err != nil {
		if errors.Is(err, repository.ErrStaleSubmission) {
			r.logger.Info().Uint("submission_id", submission.ID).Msg("submission left processing before failure could be recorded")
			return
		}
		r.logger.Error().Err(err).Uint("submission_id", submission.ID).Msg("failed to record pipeline failure")
		return
	}

	submission.Status = models.SubmissionStatusError
	event := newSubmissionEvent(SubmissionEventError, submission)
	event.ErrorClass = string(class)

	r.cache.Invalidate(ctx, submission.ID)
	r.publish(ctx, event)
	observability.SubmissionOutcomes().WithLabelValues(models.SubmissionStatusError, string(class)).Inc()
}

func (r *GradingRunner) publish(ctx context.Context, event SubmissionEvent) {
	if err := r.events.Publish(ctx, event); err != nil {
		r.logger.Warn().Err(err).Uint("submission_id", event.SubmissionID).Str("event", event.Type).Msg("failed to publish submission event")
	}
}
