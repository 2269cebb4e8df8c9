package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/models"
)

// Submission event types. Status transitions reuse the status name.
const (
	SubmissionEventProcessing = models.SubmissionStatusProcessing
	SubmissionEventGraded     = models.SubmissionStatusGraded
	SubmissionEventError      = models.SubmissionStatusError
	SubmissionEventAdjusted   = "adjusted"
)

// SubmissionEvent describes a lifecycle change of a submission.
type SubmissionEvent struct {
	Type          string    `json:"type"`
	SubmissionID  uint      `json:"submission_id"`
	StudentID     uint      `json:"student_id"`
	AssessmentID  uint      `json:"assessment_id"`
	Status        string    `json:"status"`
	Score         *int      `json:"score,omitempty"`
	MaxScore      *int      `json:"max_score,omitempty"`
	ErrorClass    string    `json:"error_class,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// SubmissionEventPublisher broadcasts submission lifecycle events.
type SubmissionEventPublisher interface {
	Publish(ctx context.Context, event SubmissionEvent) error
}

type natsSubmissionPublisher struct {
	conn          *nats.Conn
	subjectPrefix string
	logger        zerolog.Logger
}

// NewSubmissionEventPublisher publishes events on <subjectPrefix>.<type>.
// A nil connection yields a publisher that drops every event.
func NewSubmissionEventPublisher(conn *nats.Conn, subjectPrefix string, logger zerolog.Logger) SubmissionEventPublisher {
	if conn == nil {
		return nopSubmissionPublisher{}
	}
	prefix := strings.Trim(strings.TrimSpace(subjectPrefix), ".")
	if prefix == "" {
		prefix = "gema.grader.submissions"
	}
	return &natsSubmissionPublisher{
		conn:          conn,
		subjectPrefix: prefix,
		logger:        logger.With().Str("component", "submission_events").Logger(),
	}
}

func (p *natsSubmissionPublisher) Publish(ctx context.Context, event SubmissionEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.CorrelationID == "" {
		event.CorrelationID = middleware.CorrelationIDFromContext(ctx)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal submission event: %w", err)
	}

	subject := p.subjectPrefix + "." + event.Type
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug().Str("subject", subject).Uint("submission_id", event.SubmissionID).Msg("submission event published")
	return nil
}

type nopSubmissionPublisher struct{}

func (nopSubmissionPublisher) Publish(context.Context, SubmissionEvent) error { return nil }

func newSubmissionEvent(eventType string, submission models.Submission) SubmissionEvent {
	return SubmissionEvent{
		Type:         eventType,
		SubmissionID: submission.ID,
		StudentID:    submission.StudentID,
		AssessmentID: submission.AssessmentID,
		Status:       submission.Status,
		Score:        submission.Score,
		MaxScore:     submission.MaxScore,
		OccurredAt:   time.Now().UTC(),
	}
}
