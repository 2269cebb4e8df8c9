package pipeline

import (
	"errors"

	"github.com/noah-isme/gema-grader/pkg/ai"
)

// ErrMalformedResponse indicates the grading model answer could not be decoded,
// not even partially.
var ErrMalformedResponse = errors.New("malformed grading response")

// ErrNoImages indicates a submission reached the pipeline without page images.
var ErrNoImages = errors.New("submission has no page images")

// ErrorClass groups pipeline failures by what the user can do about them.
type ErrorClass string

const (
	ClassNetwork       ErrorClass = "network"
	ClassConfiguration ErrorClass = "configuration"
	ClassMalformed     ErrorClass = "malformed_response"
	ClassUnknown       ErrorClass = "unknown"
)

// Classify maps an error reaching the orchestrator onto an ErrorClass.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassUnknown
	case ai.IsConfiguration(err):
		return ClassConfiguration
	case errors.Is(err, ErrMalformedResponse):
		return ClassMalformed
	case ai.IsTransient(err):
		return ClassNetwork
	default:
		return ClassUnknown
	}
}

// UserMessage is the sanitized text stored in a failed submission's feedback.
func UserMessage(class ErrorClass) string {
	switch class {
	case ClassNetwork:
		return "We couldn't reach the grading service. Please try again."
	case ClassConfiguration:
		return "The grading service is not configured. Please contact your teacher."
	case ClassMalformed:
		return "The grading service returned an unreadable response. Please try again."
	default:
		return "Something went wrong while grading this submission."
	}
}
