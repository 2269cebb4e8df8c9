package dto

import (
	"time"

	"github.com/noah-isme/gema-grader/internal/models"
)

// SubmissionCreateRequest identifies who submitted what. ImageURLs may be
// omitted when ReuseImages asks for the previous submission's pages.
type SubmissionCreateRequest struct {
	StudentID    uint     `form:"student_id" json:"student_id" validate:"required,gt=0"`
	AssessmentID uint     `form:"assessment_id" json:"assessment_id" validate:"required,gt=0"`
	ImageURLs    []string `json:"image_urls" validate:"required_unless=ReuseImages true,max=30,dive,required,url"`
	ReuseImages  bool     `form:"reuse_images" json:"reuse_images"`
}

// SubmissionCreatedResponse is returned as soon as the submission is queued.
type SubmissionCreatedResponse struct {
	ID     uint   `json:"id"`
	Status string `json:"status"`
}

// SubmissionListFilter describes query string filters for listing submissions.
type SubmissionListFilter struct {
	Status *string `query:"status" validate:"omitempty,oneof=pending processing graded error"`
}

// ScoreAdjustmentRequest is a teacher override of a graded score.
type ScoreAdjustmentRequest struct {
	Score  *int   `json:"score" validate:"required,gte=0"`
	Reason string `json:"reason" validate:"required,min=3,max=1000"`
}

// SubmissionResponse is returned to API clients when viewing submissions.
type SubmissionResponse struct {
	ID               uint           `json:"id"`
	StudentID        uint           `json:"student_id"`
	AssessmentID     uint           `json:"assessment_id"`
	ImageURLs        []string       `json:"image_urls"`
	ExtractedText    *string        `json:"extracted_text"`
	Status           string         `json:"status"`
	Score            *int           `json:"score"`
	MaxScore         *int           `json:"max_score"`
	Feedback         *string        `json:"feedback"`
	OriginalScore    *int           `json:"original_score"`
	AdjustedBy       *uint          `json:"adjusted_by"`
	AdjustmentReason *string        `json:"adjustment_reason"`
	AdjustedAt       *time.Time     `json:"adjusted_at"`
	GradedAt         *time.Time     `json:"graded_at"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	Assessment       AssessmentLite `json:"assessment"`
	Student          StudentLite    `json:"student"`
}

// StudentLite summarizes a student without exposing full profile data.
type StudentLite struct {
	ID    uint   `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Class string `json:"class,omitempty"`
}

// NewSubmissionResponse converts a Submission model into a DTO.
func NewSubmissionResponse(model models.Submission) SubmissionResponse {
	response := SubmissionResponse{
		ID:               model.ID,
		StudentID:        model.StudentID,
		AssessmentID:     model.AssessmentID,
		ImageURLs:        append([]string{}, model.ImageURLs...),
		ExtractedText:    model.ExtractedText,
		Status:           model.Status,
		Score:            model.Score,
		MaxScore:         model.MaxScore,
		Feedback:         model.Feedback,
		OriginalScore:    model.OriginalScore,
		AdjustedBy:       model.AdjustedBy,
		AdjustmentReason: model.AdjustmentReason,
		AdjustedAt:       model.AdjustedAt,
		GradedAt:         model.GradedAt,
		CreatedAt:        model.CreatedAt,
		UpdatedAt:        model.UpdatedAt,
	}

	if model.Assessment.ID != 0 {
		response.Assessment = NewAssessmentLite(model.Assessment)
	}

	if model.Student.ID != 0 {
		response.Student = StudentLite{
			ID:    model.Student.ID,
			Name:  model.Student.Name,
			Email: model.Student.Email,
			Class: model.Student.Class,
		}
	}

	return response
}

// NewSubmissionResponseSlice converts submission models into DTOs.
func NewSubmissionResponseSlice(models []models.Submission) []SubmissionResponse {
	responses := make([]SubmissionResponse, 0, len(models))
	for _, submission := range models {
		responses = append(responses, NewSubmissionResponse(submission))
	}

	return responses
}
