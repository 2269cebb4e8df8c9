package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

var (
	// ErrStaleSubmission indicates a conditional write found the row missing or in another status.
	ErrStaleSubmission = errors.New("submission is no longer in the expected state")
	// ErrNoStoredImages indicates a resubmission asked to reuse images that do not exist.
	ErrNoStoredImages = errors.New("no previously stored images to reuse")
	// ErrConcurrentSubmission indicates another submission for the same student and assessment won the insert.
	ErrConcurrentSubmission = errors.New("a submission for this assessment is already being created")
)

// SubmissionFilter allows narrowing submission queries.
type SubmissionFilter struct {
	AssessmentID *uint
	StudentID    *uint
	Status       *string
}

// GradeUpdate is the outcome written when a submission is graded.
type GradeUpdate struct {
	Score    int
	MaxScore int
	Feedback string
	GradedAt time.Time
}

// ScoreAdjustment is a teacher override of a graded score.
type ScoreAdjustment struct {
	Score      int
	AdjustedBy uint
	Reason     string
	AdjustedAt time.Time
}

// SubmissionRepository defines data operations for submissions. Every stage
// write only applies while the row is still processing.
type SubmissionRepository interface {
	List(ctx context.Context, filter SubmissionFilter) ([]models.Submission, error)
	GetByID(ctx context.Context, id uint) (models.Submission, error)
	GetByStudentAndAssessment(ctx context.Context, studentID, assessmentID uint) (models.Submission, error)
	Replace(ctx context.Context, submission *models.Submission, reuseImages bool) (uint, error)
	UpdateImageOrder(ctx context.Context, id uint, imageURLs []string) error
	SaveExtractedText(ctx context.Context, id uint, text string) error
	MarkGraded(ctx context.Context, id uint, update GradeUpdate) error
	MarkError(ctx context.Context, id uint, message string) error
	Requeue(ctx context.Context, id uint) error
	ApplyAdjustment(ctx context.Context, id uint, adjustment ScoreAdjustment) error
}

type submissionRepository struct {
	db *gorm.DB
}

// NewSubmissionRepository instantiates the repository.
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &submissionRepository{db: db}
}

func (r *submissionRepository) baseQuery(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.Submission{}).
		Preload("Assessment").
		Preload("Student")
}

func (r *submissionRepository) List(ctx context.Context, filter SubmissionFilter) ([]models.Submission, error) {
	query := r.baseQuery(ctx)

	if filter.AssessmentID != nil {
		query = query.Where("assessment_id = ?", *filter.AssessmentID)
	}

	if filter.StudentID != nil {
		query = query.Where("student_id = ?", *filter.StudentID)
	}

	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}

	var submissions []models.Submission
	if err := query.Order("created_at DESC").Order("id DESC").Find(&submissions).Error; err != nil {
		return nil, err
	}

	return submissions, nil
}

func (r *submissionRepository) GetByID(ctx context.Context, id uint) (models.Submission, error) {
	var submission models.Submission
	if err := r.baseQuery(ctx).First(&submission, id).Error; err != nil {
		return models.Submission{}, err
	}

	return submission, nil
}

func (r *submissionRepository) GetByStudentAndAssessment(ctx context.Context, studentID, assessmentID uint) (models.Submission, error) {
	var submission models.Submission
	if err := r.baseQuery(ctx).
		Where("student_id = ?", studentID).
		Where("assessment_id = ?", assessmentID).
		First(&submission).Error; err != nil {
		return models.Submission{}, err
	}

	return submission, nil
}

// Replace deletes any existing row for the submission's (student, assessment)
// pair and inserts submission in the same transaction. With reuseImages the
// previous row's image URLs are carried over. It returns the replaced row's
// id, or 0 when there was none.
func (r *submissionRepository) Replace(ctx context.Context, submission *models.Submission, reuseImages bool) (uint, error) {
	var previousID uint
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var previous models.Submission
		err := tx.Where("student_id = ? AND assessment_id = ?", submission.StudentID, submission.AssessmentID).
			First(&previous).Error
		switch {
		case err == nil:
			previousID = previous.ID
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		if reuseImages {
			if previousID == 0 || len(previous.ImageURLs) == 0 {
				return ErrNoStoredImages
			}
			submission.ImageURLs = append(datatypes.JSONSlice[string]{}, previous.ImageURLs...)
		}

		if previousID != 0 {
			if err := tx.Delete(&models.Submission{}, previousID).Error; err != nil {
				return err
			}
		}

		return tx.Create(submission).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return 0, ErrConcurrentSubmission
	}
	if err != nil {
		return 0, err
	}
	return previousID, nil
}

func (r *submissionRepository) UpdateImageOrder(ctx context.Context, id uint, imageURLs []string) error {
	return r.updateWhereStatus(ctx, id, models.SubmissionStatusProcessing, map[string]interface{}{
		"image_urls": datatypes.JSONSlice[string](imageURLs),
	})
}

func (r *submissionRepository) SaveExtractedText(ctx context.Context, id uint, text string) error {
	return r.updateWhereStatus(ctx, id, models.SubmissionStatusProcessing, map[string]interface{}{
		"extracted_text": text,
	})
}

func (r *submissionRepository) MarkGraded(ctx context.Context, id uint, update GradeUpdate) error {
	return r.updateWhereStatus(ctx, id, models.SubmissionStatusProcessing, map[string]interface{}{
		"status":    models.SubmissionStatusGraded,
		"score":     update.Score,
		"max_score": update.MaxScore,
		"feedback":  update.Feedback,
		"graded_at": update.GradedAt,
	})
}

func (r *submissionRepository) MarkError(ctx context.Context, id uint, message string) error {
	return r.updateWhereStatus(ctx, id, models.SubmissionStatusProcessing, map[string]interface{}{
		"status":   models.SubmissionStatusError,
		"feedback": message,
	})
}

// Requeue moves a failed submission back to processing. Extracted text is kept.
func (r *submissionRepository) Requeue(ctx context.Context, id uint) error {
	return r.updateWhereStatus(ctx, id, models.SubmissionStatusError, map[string]interface{}{
		"status":   models.SubmissionStatusProcessing,
		"feedback": nil,
	})
}

// ApplyAdjustment overrides a graded score. The pipeline score is kept in
// original_score the first time only.
func (r *submissionRepository) ApplyAdjustment(ctx context.Context, id uint, adjustment ScoreAdjustment) error {
	return r.updateWhereStatus(ctx, id, models.SubmissionStatusGraded, map[string]interface{}{
		"original_score":    gorm.Expr("COALESCE(original_score, score)"),
		"score":             adjustment.Score,
		"adjusted_by":       adjustment.AdjustedBy,
		"adjustment_reason": adjustment.Reason,
		"adjusted_at":       adjustment.AdjustedAt,
	})
}

func (r *submissionRepository) updateWhereStatus(ctx context.Context, id uint, status string, values map[string]interface{}) error {
	result := r.db.WithContext(ctx).Model(&models.Submission{}).
		Where("id = ? AND status = ?", id, status).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStaleSubmission
	}
	return nil
}
