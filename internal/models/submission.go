package models

import (
	"time"

	"gorm.io/datatypes"
)

// Submission is one student's handwritten answer set for an assessment.
// A (student, assessment) pair has at most one row; resubmitting replaces it.
type Submission struct {
	ID               uint                        `gorm:"primaryKey" json:"id"`
	StudentID        uint                        `gorm:"not null;uniqueIndex:idx_submission_student_assessment" json:"student_id"`
	AssessmentID     uint                        `gorm:"not null;uniqueIndex:idx_submission_student_assessment" json:"assessment_id"`
	ImageURLs        datatypes.JSONSlice[string] `gorm:"type:json;not null" json:"image_urls"`
	ExtractedText    *string                     `gorm:"type:text" json:"extracted_text"`
	Status           string                      `gorm:"size:32;not null;index" json:"status"`
	Score            *int                        `json:"score"`
	MaxScore         *int                        `json:"max_score"`
	Feedback         *string                     `gorm:"type:text" json:"feedback"`
	OriginalScore    *int                        `json:"original_score"`
	AdjustedBy       *uint                       `json:"adjusted_by"`
	AdjustmentReason *string                     `gorm:"type:text" json:"adjustment_reason"`
	AdjustedAt       *time.Time                  `json:"adjusted_at"`
	GradedAt         *time.Time                  `json:"graded_at"`
	CreatedAt        time.Time                   `json:"created_at"`
	UpdatedAt        time.Time                   `json:"updated_at"`
	Assessment       Assessment                  `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"assessment"`
	Student          Student                     `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"student"`
}

const (
	// SubmissionStatusPending is the status of a row that has not been queued yet.
	SubmissionStatusPending = "pending"
	// SubmissionStatusProcessing indicates the grading pipeline owns the row.
	SubmissionStatusProcessing = "processing"
	// SubmissionStatusGraded indicates the submission has a final score.
	SubmissionStatusGraded = "graded"
	// SubmissionStatusError indicates the pipeline failed; Feedback holds a user-safe message.
	SubmissionStatusError = "error"
)

// IsGraded reports whether the submission has a final grade.
func (s Submission) IsGraded() bool {
	return s.Status == SubmissionStatusGraded
}

// IsTerminal reports whether the pipeline is done with the submission.
func (s Submission) IsTerminal() bool {
	return s.Status == SubmissionStatusGraded || s.Status == SubmissionStatusError
}

// WasAdjusted reports whether a teacher overrode the pipeline score.
func (s Submission) WasAdjusted() bool {
	return s.AdjustedAt != nil
}
