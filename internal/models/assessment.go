package models

import (
	"time"

	"gorm.io/datatypes"
)

// Assessment is a marked task with a mark scheme. MarkSchemeText is extracted
// once when the assessment is created and only read afterwards.
type Assessment struct {
	ID             uint                        `gorm:"primaryKey" json:"id"`
	Title          string                      `gorm:"size:255;not null" json:"title"`
	Description    string                      `gorm:"type:text" json:"description"`
	TotalMarks     int                         `gorm:"not null" json:"total_marks"`
	MarkSchemeText string                      `gorm:"type:text" json:"-"`
	MarkSchemeURLs datatypes.JSONSlice[string] `gorm:"type:json" json:"mark_scheme_urls"`
	CreatedBy      uint                        `gorm:"index" json:"created_by"`
	CreatedAt      time.Time                   `json:"created_at"`
	UpdatedAt      time.Time                   `json:"updated_at"`
}

// HasMarkScheme reports whether the mark scheme text is available for grading.
func (a Assessment) HasMarkScheme() bool {
	return len(a.MarkSchemeText) > 0
}
