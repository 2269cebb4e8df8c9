package ai

import "context"

// PageHint tells the vision model which page of the submission it is looking at.
type PageHint struct {
	Page  int
	Total int
}

// GradeRequest contains the artefacts needed to grade a handwritten submission.
type GradeRequest struct {
	StudentText    string
	MarkSchemeText string
	TotalMarks     int
}

// VisionModel reads page images.
type VisionModel interface {
	// DetectPageNumber returns the printed page number, or nil when none is visible.
	DetectPageNumber(ctx context.Context, image []byte, mimeType string) (*int, error)
	// ExtractHandwriting transcribes only the content a student added by hand.
	ExtractHandwriting(ctx context.Context, image []byte, mimeType string, hint PageHint) (string, error)
	// TranscribeDocument transcribes a printed document such as a mark scheme.
	TranscribeDocument(ctx context.Context, image []byte, mimeType string, hint PageHint) (string, error)
}

// ReasoningModel compares a student transcript against a mark scheme.
type ReasoningModel interface {
	// Grade returns the raw model text, expected to hold the grading JSON object.
	Grade(ctx context.Context, req GradeRequest) (string, error)
}
