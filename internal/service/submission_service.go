package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
)

var (
	// ErrSubmissionNotFound indicates the submission does not exist.
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrSubmissionForbidden indicates the caller cannot access the submission.
	ErrSubmissionForbidden = errors.New("forbidden")
	// ErrStudentNotFound indicates the student does not exist.
	ErrStudentNotFound = errors.New("student not found")
	// ErrSubmissionNotGraded indicates the operation needs a graded submission.
	ErrSubmissionNotGraded = errors.New("submission has not been graded")
	// ErrScoreOutOfRange indicates an adjusted score outside [0, max score].
	ErrScoreOutOfRange = errors.New("score is outside the allowed range")
	// ErrRequeueNotAllowed indicates the submission is not in the error state.
	ErrRequeueNotAllowed = errors.New("only failed submissions can be requeued")
	// ErrNoImagesToReuse indicates a resubmission asked to reuse images that were never stored.
	ErrNoImagesToReuse = errors.New("no previous images to reuse")
	// ErrSubmissionConflict indicates a parallel submission for the same assessment.
	ErrSubmissionConflict = errors.New("another submission for this assessment is in flight")
)

// SubmissionService exposes submission lifecycle operations.
type SubmissionService interface {
	Create(ctx context.Context, payload dto.SubmissionCreateRequest, actor Actor) (dto.SubmissionCreatedResponse, error)
	Get(ctx context.Context, id uint, actor Actor) (dto.SubmissionResponse, error)
	ListByAssessment(ctx context.Context, assessmentID uint, filter dto.SubmissionListFilter, actor Actor) ([]dto.SubmissionResponse, error)
	Requeue(ctx context.Context, id uint, actor Actor) (dto.SubmissionCreatedResponse, error)
	AdjustScore(ctx context.Context, id uint, payload dto.ScoreAdjustmentRequest, actor Actor) (dto.SubmissionResponse, error)
}

type submissionService struct {
	submissions repository.SubmissionRepository
	assessments repository.AssessmentRepository
	students    repository.StudentRepository
	queue       GradingQueue
	cache       SubmissionCache
	events      SubmissionEventPublisher
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	logger      zerolog.Logger
	now         func() time.Time
}

// SubmissionServiceDeps groups the collaborators of the submission service.
type SubmissionServiceDeps struct {
	Submissions repository.SubmissionRepository
	Assessments repository.AssessmentRepository
	Students    repository.StudentRepository
	Queue       GradingQueue
	Cache       SubmissionCache
	Events      SubmissionEventPublisher
}

// NewSubmissionService constructs the submission service.
func NewSubmissionService(deps SubmissionServiceDeps, validate *validator.Validate, logger zerolog.Logger) SubmissionService {
	cache := deps.Cache
	if cache == nil {
		cache = nopSubmissionCache{}
	}
	events := deps.Events
	if events == nil {
		events = nopSubmissionPublisher{}
	}

	return &submissionService{
		submissions: deps.Submissions,
		assessments: deps.Assessments,
		students:    deps.Students,
		queue:       deps.Queue,
		cache:       cache,
		events:      events,
		validator:   validate,
		sanitizer:   bluemonday.StrictPolicy(),
		logger:      logger.With().Str("component", "submission_service").Logger(),
		now:         time.Now,
	}
}

// Create stores the submission as processing, replacing any earlier one for
// the same student and assessment, and queues the grading pipeline.
func (s *submissionService) Create(ctx context.Context, payload dto.SubmissionCreateRequest, actor Actor) (dto.SubmissionCreatedResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.SubmissionCreatedResponse{}, err
	}
	if !actor.IsStaff() && actor.ID != payload.StudentID {
		return dto.SubmissionCreatedResponse{}, ErrSubmissionForbidden
	}

	if _, err := s.assessments.GetByID(ctx, payload.AssessmentID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.SubmissionCreatedResponse{}, ErrAssessmentNotFound
		}
		return dto.SubmissionCreatedResponse{}, err
	}
	exists, err := s.students.Exists(ctx, payload.StudentID)
	if err != nil {
		return dto.SubmissionCreatedResponse{}, err
	}
	if !exists {
		return dto.SubmissionCreatedResponse{}, ErrStudentNotFound
	}

	urls := lo.Map(payload.ImageURLs, func(url string, _ int) string { return strings.TrimSpace(url) })
	submission := models.Submission{
		StudentID:    payload.StudentID,
		AssessmentID: payload.AssessmentID,
		ImageURLs:    datatypes.JSONSlice[string](urls),
		Status:       models.SubmissionStatusProcessing,
	}

	previousID, err := s.submissions.Replace(ctx, &submission, payload.ReuseImages)
	if err != nil {
		if errors.Is(err, repository.ErrNoStoredImages) {
			return dto.SubmissionCreatedResponse{}, ErrNoImagesToReuse
		}
		if errors.Is(err, repository.ErrConcurrentSubmission) {
			return dto.SubmissionCreatedResponse{}, ErrSubmissionConflict
		}
		return dto.SubmissionCreatedResponse{}, err
	}
	if previousID != 0 {
		s.logger.Info().
			Uint("submission_id", submission.ID).
			Uint("replaced_submission_id", previousID).
			Bool("reuse_images", payload.ReuseImages).
			Msg("resubmission replaced previous submission")
	}

	s.cache.Invalidate(ctx, previousID, submission.ID)
	s.publish(ctx, newSubmissionEvent(SubmissionEventProcessing, submission))
	s.queue.Enqueue(ctx, submission.ID)

	return dto.SubmissionCreatedResponse{ID: submission.ID, Status: submission.Status}, nil
}

func (s *submissionService) Get(ctx context.Context, id uint, actor Actor) (dto.SubmissionResponse, error) {
	if cached, ok := s.cache.Get(ctx, id); ok {
		if !actor.CanView(cached.StudentID) {
			return dto.SubmissionResponse{}, ErrSubmissionForbidden
		}
		return cached, nil
	}

	submission, err := s.load(ctx, id)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}
	if !actor.CanView(submission.StudentID) {
		return dto.SubmissionResponse{}, ErrSubmissionForbidden
	}

	response := dto.NewSubmissionResponse(submission)
	s.cache.Set(ctx, response)
	return response, nil
}

func (s *submissionService) ListByAssessment(ctx context.Context, assessmentID uint, filter dto.SubmissionListFilter, actor Actor) ([]dto.SubmissionResponse, error) {
	if !actor.IsStaff() {
		return nil, ErrSubmissionForbidden
	}
	if err := s.validator.Struct(filter); err != nil {
		return nil, err
	}
	if _, err := s.assessments.GetByID(ctx, assessmentID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAssessmentNotFound
		}
		return nil, err
	}

	submissions, err := s.submissions.List(ctx, repository.SubmissionFilter{
		AssessmentID: &assessmentID,
		Status:       filter.Status,
	})
	if err != nil {
		return nil, err
	}

	return dto.NewSubmissionResponseSlice(submissions), nil
}

// Requeue reruns the pipeline for a failed submission.
func (s *submissionService) Requeue(ctx context.Context, id uint, actor Actor) (dto.SubmissionCreatedResponse, error) {
	submission, err := s.load(ctx, id)
	if err != nil {
		return dto.SubmissionCreatedResponse{}, err
	}
	if !actor.CanView(submission.StudentID) {
		return dto.SubmissionCreatedResponse{}, ErrSubmissionForbidden
	}
	if submission.Status != models.SubmissionStatusError {
		return dto.SubmissionCreatedResponse{}, ErrRequeueNotAllowed
	}

	if err := s.submissions.Requeue(ctx, id); err != nil {
		if errors.Is(err, repository.ErrStaleSubmission) {
			return dto.SubmissionCreatedResponse{}, ErrRequeueNotAllowed
		}
		return dto.SubmissionCreatedResponse{}, err
	}

	submission.Status = models.SubmissionStatusProcessing
	s.cache.Invalidate(ctx, id)
	s.publish(ctx, newSubmissionEvent(SubmissionEventProcessing, submission))
	s.queue.Enqueue(ctx, id)

	s.logger.Info().Uint("submission_id", id).Uint("actor_id", actor.ID).Msg("submission requeued")
	return dto.SubmissionCreatedResponse{ID: id, Status: submission.Status}, nil
}

// AdjustScore lets a teacher override the pipeline score of a graded submission.
func (s *submissionService) AdjustScore(ctx context.Context, id uint, payload dto.ScoreAdjustmentRequest, actor Actor) (dto.SubmissionResponse, error) {
	if !actor.IsStaff() {
		return dto.SubmissionResponse{}, ErrSubmissionForbidden
	}
	if err := s.validator.Struct(payload); err != nil {
		return dto.SubmissionResponse{}, err
	}

	submission, err := s.load(ctx, id)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}
	if !submission.IsGraded() || submission.MaxScore == nil {
		return dto.SubmissionResponse{}, ErrSubmissionNotGraded
	}
	if *payload.Score > *submission.MaxScore {
		return dto.SubmissionResponse{}, ErrScoreOutOfRange
	}

	reason := strings.TrimSpace(s.sanitizer.Sanitize(payload.Reason))
	if err := s.submissions.ApplyAdjustment(ctx, id, repository.ScoreAdjustment{
		Score:      *payload.Score,
		AdjustedBy: actor.ID,
		Reason:     reason,
		AdjustedAt: s.now().UTC(),
	}); err != nil {
		if errors.Is(err, repository.ErrStaleSubmission) {
			return dto.SubmissionResponse{}, ErrSubmissionNotGraded
		}
		return dto.SubmissionResponse{}, err
	}
	s.cache.Invalidate(ctx, id)

	updated, err := s.load(ctx, id)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}
	s.publish(ctx, newSubmissionEvent(SubmissionEventAdjusted, updated))

	s.logger.Info().
		Uint("submission_id", id).
		Uint("actor_id", actor.ID).
		Int("score", *payload.Score).
		Msg("submission score adjusted")
	return dto.NewSubmissionResponse(updated), nil
}

func (s *submissionService) load(ctx context.Context, id uint) (models.Submission, error) {
	submission, err := s.submissions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Submission{}, ErrSubmissionNotFound
		}
		return models.Submission{}, err
	}
	return submission, nil
}

func (s *submissionService) publish(ctx context.Context, event SubmissionEvent) {
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn().Err(err).Uint("submission_id", event.SubmissionID).Str("event", event.Type).Msg("failed to publish submission event")
	}
}
