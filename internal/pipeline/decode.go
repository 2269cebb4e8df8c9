package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/cast"
)

const incompleteBreakdownNote = "Note: the detailed per-question breakdown may be incomplete because the grading response was cut short."

var gradingResponseSchema = jsonschema.MustCompileString("grading_response.json", `{
  "type": "object",
  "required": ["score", "feedback", "breakdown"],
  "properties": {
    "score": {"type": ["number", "string"]},
    "maxScore": {"type": ["number", "string", "null"]},
    "feedback": {"type": "string"},
    "breakdown": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["questionId", "points"],
        "properties": {
          "questionId": {"type": ["string", "number"]},
          "points": {"type": ["number", "string"]},
          "maxPoints": {"type": ["number", "string", "null"]},
          "status": {"type": ["string", "null"]},
          "feedback": {"type": ["string", "null"]},
          "deductions": {
            "type": ["array", "null"],
            "items": {"type": "object"}
          }
        }
      }
    }
  }
}`)

var (
	scorePattern    = regexp.MustCompile(`"score"\s*:\s*"?(-?\d+(?:\.\d+)?)`)
	maxScorePattern = regexp.MustCompile(`"maxScore"\s*:\s*"?(-?\d+(?:\.\d+)?)`)
	feedbackPattern = regexp.MustCompile(`"feedback"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	fencePattern    = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*\n?(.*?)\\s*(```)?$")
)

// decodeGradingResponse turns raw model text into a GradingResult. The strict
// decoder runs first; when it fails the recovery decoder salvages what it can
// from a truncated or otherwise broken body.
func decodeGradingResponse(raw string) (GradingResult, error) {
	body := locateJSONObject(stripCodeFence(raw))

	result, err := decodeStrict(body)
	if err == nil {
		return result, nil
	}

	recovered, recoverErr := recoverResult(body)
	if recoverErr != nil {
		return GradingResult{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return recovered, nil
}

func stripCodeFence(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	if match := fencePattern.FindStringSubmatch(trimmed); match != nil {
		return strings.TrimSpace(match[1])
	}
	return trimmed
}

// locateJSONObject drops any prose around the outermost object. An object
// without a closing brace is returned from its opening brace to the end.
func locateJSONObject(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return text
	}
	end := strings.LastIndex(text, "}")
	if end < start {
		return text[start:]
	}
	return text[start : end+1]
}

func decodeStrict(body string) (GradingResult, error) {
	var payload any
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return GradingResult{}, fmt.Errorf("unmarshal grading response: %w", err)
	}
	if err := gradingResponseSchema.Validate(payload); err != nil {
		return GradingResult{}, fmt.Errorf("validate grading response: %w", err)
	}

	object := payload.(map[string]any)
	score, err := cast.ToFloat64E(object["score"])
	if err != nil {
		return GradingResult{}, fmt.Errorf("grading response score: %w", err)
	}

	result := GradingResult{
		Score:    roundScore(score),
		MaxScore: roundScore(cast.ToFloat64(object["maxScore"])),
		Feedback: strings.TrimSpace(cast.ToString(object["feedback"])),
	}
	for _, item := range cast.ToSlice(object["breakdown"]) {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		result.Breakdown = append(result.Breakdown, breakdownFromMap(entry))
	}
	return result, nil
}

// recoverResult is the fallback decoder. It needs at least a score; feedback
// and every complete breakdown entry are taken when present.
func recoverResult(body string) (GradingResult, error) {
	match := scorePattern.FindStringSubmatch(body)
	if match == nil {
		return GradingResult{}, ErrMalformedResponse
	}

	result := GradingResult{
		Score:     roundScore(cast.ToFloat64(match[1])),
		Recovered: true,
	}
	if maxMatch := maxScorePattern.FindStringSubmatch(body); maxMatch != nil {
		result.MaxScore = roundScore(cast.ToFloat64(maxMatch[1]))
	}

	head := body
	if idx := strings.Index(body, `"breakdown"`); idx >= 0 {
		head = body[:idx]
		for _, object := range completeObjects(body[idx:]) {
			var entry map[string]any
			if err := json.Unmarshal([]byte(object), &entry); err != nil {
				continue
			}
			if _, ok := entry["questionId"]; !ok {
				continue
			}
			result.Breakdown = append(result.Breakdown, breakdownFromMap(entry))
		}
	}
	if fb := feedbackPattern.FindStringSubmatch(head); fb != nil {
		result.Feedback = unquote(fb[1])
	}

	if len(result.Breakdown) == 0 {
		result.Feedback = strings.TrimSpace(strings.TrimSpace(result.Feedback) + "\n\n" + incompleteBreakdownNote)
	}
	return result, nil
}

// completeObjects returns every top-level {...} inside the first array of
// text that is closed before the text ends. Braces inside strings are ignored.
func completeObjects(text string) []string {
	open := strings.Index(text, "[")
	if open < 0 {
		return nil
	}

	var (
		objects  []string
		depth    int
		start    = -1
		inString bool
		escaped  bool
	)
	for i := open + 1; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				objects = append(objects, text[start:i+1])
				start = -1
			}
		case ']':
			if depth == 0 {
				return objects
			}
		}
	}
	return objects
}

func breakdownFromMap(entry map[string]any) QuestionBreakdown {
	item := QuestionBreakdown{
		QuestionID: strings.TrimSpace(cast.ToString(entry["questionId"])),
		Points:     cast.ToFloat64(entry["points"]),
		MaxPoints:  cast.ToFloat64(entry["maxPoints"]),
		Feedback:   strings.TrimSpace(cast.ToString(entry["feedback"])),
	}
	if item.MaxPoints > 0 {
		item.Points = math.Min(item.Points, item.MaxPoints)
	}
	item.Points = math.Max(item.Points, 0)
	item.Status = normalizeStatus(cast.ToString(entry["status"]), item.Points, item.MaxPoints)

	for _, raw := range cast.ToSlice(entry["deductions"]) {
		deduction, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		reason := strings.TrimSpace(cast.ToString(deduction["reason"]))
		if reason == "" {
			continue
		}
		item.Deductions = append(item.Deductions, Deduction{
			Reason:     reason,
			PointsLost: math.Abs(cast.ToFloat64(deduction["pointsLost"])),
		})
	}
	return item
}

func normalizeStatus(raw string, points, maxPoints float64) BreakdownStatus {
	switch strings.ToLower(strings.TrimSpace(strings.NewReplacer("_", " ", "-", " ").Replace(raw))) {
	case "correct", "full marks":
		return StatusCorrect
	case "partial", "partially correct", "partial credit":
		return StatusPartial
	case "incorrect", "wrong":
		return StatusIncorrect
	case "unanswered", "blank", "not answered", "no answer":
		return StatusUnanswered
	}

	switch {
	case maxPoints > 0 && points >= maxPoints:
		return StatusCorrect
	case points > 0:
		return StatusPartial
	default:
		return StatusIncorrect
	}
}

func roundScore(value float64) int {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	return int(math.Round(value))
}

func unquote(escaped string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+escaped+`"`), &out); err != nil {
		return escaped
	}
	return strings.TrimSpace(out)
}
