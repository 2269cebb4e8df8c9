package dto

import (
	"time"

	"github.com/noah-isme/gema-grader/internal/models"
)

// AssessmentCreateRequest creates an assessment. The mark scheme is given
// either as text or as images to transcribe.
type AssessmentCreateRequest struct {
	Title          string   `json:"title" validate:"required,min=3,max=255"`
	Description    string   `json:"description" validate:"omitempty,max=2000"`
	TotalMarks     int      `json:"total_marks" validate:"required,gt=0,lte=1000"`
	MarkSchemeText string   `json:"mark_scheme_text" validate:"omitempty,max=100000"`
	MarkSchemeURLs []string `json:"mark_scheme_urls" validate:"omitempty,max=20,dive,required,url"`
}

// AssessmentResponse is returned to API clients. The mark scheme text itself is not exposed.
type AssessmentResponse struct {
	ID              uint      `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	TotalMarks      int       `json:"total_marks"`
	MarkSchemeReady bool      `json:"mark_scheme_ready"`
	MarkSchemeURLs  []string  `json:"mark_scheme_urls"`
	CreatedBy       uint      `json:"created_by"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// AssessmentLite summarizes an assessment in submission responses.
type AssessmentLite struct {
	ID         uint   `json:"id"`
	Title      string `json:"title"`
	TotalMarks int    `json:"total_marks"`
}

// NewAssessmentResponse converts an Assessment model into a DTO.
func NewAssessmentResponse(model models.Assessment) AssessmentResponse {
	return AssessmentResponse{
		ID:              model.ID,
		Title:           model.Title,
		Description:     model.Description,
		TotalMarks:      model.TotalMarks,
		MarkSchemeReady: model.HasMarkScheme(),
		MarkSchemeURLs:  append([]string{}, model.MarkSchemeURLs...),
		CreatedBy:       model.CreatedBy,
		CreatedAt:       model.CreatedAt,
		UpdatedAt:       model.UpdatedAt,
	}
}

// NewAssessmentLite summarizes an assessment.
func NewAssessmentLite(model models.Assessment) AssessmentLite {
	return AssessmentLite{ID: model.ID, Title: model.Title, TotalMarks: model.TotalMarks}
}
