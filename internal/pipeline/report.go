package pipeline

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

var statusIndicators = map[BreakdownStatus]string{
	StatusCorrect:    "✓",
	StatusPartial:    "◐",
	StatusIncorrect:  "✗",
	StatusUnanswered: "○",
}

// RenderReport formats a result as the feedback text stored on a graded submission.
func RenderReport(result GradingResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Score: %d/%d (%s%%)", result.Score, result.MaxScore, formatPoints(percentage(result.Score, result.MaxScore)))

	if feedback := strings.TrimSpace(result.Feedback); feedback != "" {
		b.WriteString("\n\n")
		b.WriteString(feedback)
	}

	for _, item := range result.Breakdown {
		indicator, ok := statusIndicators[item.Status]
		if !ok {
			indicator = statusIndicators[StatusIncorrect]
		}

		b.WriteString("\n\n")
		fmt.Fprintf(&b, "%s Question %s — %s/%s", indicator, item.QuestionID, formatPoints(item.Points), formatPoints(item.MaxPoints))
		if feedback := strings.TrimSpace(item.Feedback); feedback != "" {
			b.WriteString("\n")
			b.WriteString(feedback)
		}
		for _, deduction := range item.Deductions {
			fmt.Fprintf(&b, "\n- %s (-%s)", deduction.Reason, formatPoints(deduction.PointsLost))
		}
	}

	return b.String()
}

func percentage(score, maxScore int) float64 {
	if maxScore <= 0 {
		return 0
	}
	return math.Round(float64(score)*1000/float64(maxScore)) / 10
}

// formatPoints prints whole numbers without decimals and halves as "2.5".
func formatPoints(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
