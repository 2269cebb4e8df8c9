package pipeline

// Image is a single uploaded page ready to be sent to a vision model.
type Image struct {
	URL      string
	Data     []byte
	MimeType string
}

// PageOrder is the outcome of page-order resolution.
// Indices[i] is the original upload index of the page now at position i.
type PageOrder struct {
	Indices   []int
	Images    []Image
	Detected  []*int
	Reordered bool
}

// PageResult is the transcription of a single page. Err is set when the page
// text is the error sentinel rather than a model response.
type PageResult struct {
	Page int
	Text string
	Err  error
}

// Transcript is the page-delimited handwriting transcription of a submission.
type Transcript struct {
	Text  string
	Pages []PageResult
}

// FailedPages counts pages replaced by the error sentinel.
func (t Transcript) FailedPages() int {
	failed := 0
	for _, page := range t.Pages {
		if page.Err != nil {
			failed++
		}
	}
	return failed
}

// AllFailed reports whether no page could be transcribed at all.
func (t Transcript) AllFailed() bool {
	return len(t.Pages) > 0 && t.FailedPages() == len(t.Pages)
}

// FirstError returns the first page failure, if any.
func (t Transcript) FirstError() error {
	for _, page := range t.Pages {
		if page.Err != nil {
			return page.Err
		}
	}
	return nil
}

// BreakdownStatus is the marking outcome of a single question.
type BreakdownStatus string

const (
	StatusCorrect    BreakdownStatus = "correct"
	StatusPartial    BreakdownStatus = "partial"
	StatusIncorrect  BreakdownStatus = "incorrect"
	StatusUnanswered BreakdownStatus = "unanswered"
)

// Deduction explains marks lost on a question.
type Deduction struct {
	Reason     string  `json:"reason"`
	PointsLost float64 `json:"pointsLost"`
}

// QuestionBreakdown is the marking of a single question.
type QuestionBreakdown struct {
	QuestionID string          `json:"questionId"`
	Points     float64         `json:"points"`
	MaxPoints  float64         `json:"maxPoints"`
	Status     BreakdownStatus `json:"status"`
	Feedback   string          `json:"feedback"`
	Deductions []Deduction     `json:"deductions,omitempty"`
}

// GradingResult is the verdict for a whole submission.
type GradingResult struct {
	Score     int                 `json:"score"`
	MaxScore  int                 `json:"maxScore"`
	Feedback  string              `json:"feedback"`
	Breakdown []QuestionBreakdown `json:"breakdown"`
	Recovered bool                `json:"-"`
}
