package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/pipeline"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/pkg/ai"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func setupServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Student{}, &models.Assessment{}, &models.Submission{}, &models.PageUpload{}))
	return db
}

func seedStudent(t *testing.T, db *gorm.DB, name string) models.Student {
	t.Helper()
	student := models.Student{Name: name, Email: uuid.NewString() + "@example.com"}
	require.NoError(t, db.Create(&student).Error)
	return student
}

func seedAssessment(t *testing.T, db *gorm.DB, totalMarks int, markScheme string) models.Assessment {
	t.Helper()
	assessment := models.Assessment{
		Title:          "Number systems",
		TotalMarks:     totalMarks,
		MarkSchemeText: markScheme,
		CreatedBy:      900,
	}
	require.NoError(t, db.Create(&assessment).Error)
	return assessment
}

// stubPageLoader returns the URL itself as image bytes so later stubs can key on it.
type stubPageLoader struct {
	err   error
	mu    sync.Mutex
	loads [][]string
}

func (s *stubPageLoader) Load(ctx context.Context, urls []string) ([]pipeline.Image, error) {
	s.mu.Lock()
	s.loads = append(s.loads, append([]string{}, urls...))
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	images := make([]pipeline.Image, 0, len(urls))
	for _, url := range urls {
		images = append(images, pipeline.Image{URL: url, Data: []byte(url), MimeType: "image/jpeg"})
	}
	return images, nil
}

func (s *stubPageLoader) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loads)
}

// stubVision answers page-number and handwriting requests keyed by the image bytes.
type stubVision struct {
	pageNumbers map[string]int
	texts       map[string]string
	failures    map[string]error
	documents   map[string]string
}

func (s *stubVision) DetectPageNumber(ctx context.Context, image []byte, mimeType string) (*int, error) {
	if number, ok := s.pageNumbers[string(image)]; ok {
		return &number, nil
	}
	return nil, nil
}

func (s *stubVision) ExtractHandwriting(ctx context.Context, image []byte, mimeType string, hint ai.PageHint) (string, error) {
	if err, ok := s.failures[string(image)]; ok {
		return "", err
	}
	return s.texts[string(image)], nil
}

func (s *stubVision) TranscribeDocument(ctx context.Context, image []byte, mimeType string, hint ai.PageHint) (string, error) {
	if err, ok := s.failures[string(image)]; ok {
		return "", err
	}
	return s.documents[string(image)], nil
}

type stubReasoning struct {
	mu       sync.Mutex
	response string
	err      error
	requests []ai.GradeRequest
}

func (s *stubReasoning) Grade(ctx context.Context, req ai.GradeRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

func (s *stubReasoning) calls() []ai.GradeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ai.GradeRequest{}, s.requests...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []SubmissionEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, event SubmissionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.events))
	for _, event := range p.events {
		types = append(types, event.Type)
	}
	return types
}

func (p *recordingPublisher) last() SubmissionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

type recordingQueue struct {
	ids []uint
}

func (q *recordingQueue) Enqueue(ctx context.Context, submissionID uint) {
	q.ids = append(q.ids, submissionID)
}

var errConnectionReset = errors.New("read tcp: connection reset by peer")

func newTestRunner(db *gorm.DB, loader PageLoader, vision *stubVision, reasoning *stubReasoning, events SubmissionEventPublisher) *GradingRunner {
	logger := testLogger()
	return NewGradingRunner(GradingRunnerDeps{
		Submissions: repository.NewSubmissionRepository(db),
		Pages:       loader,
		Orderer:     pipeline.NewPageOrderResolver(vision, pipeline.PageOrderConfig{}, logger),
		Extractor:   pipeline.NewHandwritingExtractor(vision, pipeline.ExtractorConfig{}, logger),
		Grader: pipeline.NewGradingEngine(reasoning, pipeline.GraderConfig{
			Retry: pipeline.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond},
		}, logger),
		Events: events,
		Now: func() time.Time {
			return time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
		},
	}, logger)
}
