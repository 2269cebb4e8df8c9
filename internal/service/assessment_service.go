package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/pkg/ai"
)

var (
	// ErrAssessmentNotFound indicates the assessment does not exist.
	ErrAssessmentNotFound = errors.New("assessment not found")
	// ErrAssessmentForbidden indicates the caller cannot manage assessments.
	ErrAssessmentForbidden = errors.New("forbidden")
	// ErrMarkSchemeRequired indicates neither mark scheme text nor images were supplied.
	ErrMarkSchemeRequired = errors.New("mark scheme text or images are required")
	// ErrMarkSchemeUnreadable indicates the mark scheme images produced no text.
	ErrMarkSchemeUnreadable = errors.New("mark scheme images could not be transcribed")
)

// DocumentReader transcribes printed documents such as mark schemes.
type DocumentReader interface {
	TranscribeDocument(ctx context.Context, image []byte, mimeType string, hint ai.PageHint) (string, error)
}

// AssessmentService manages assessments and their cached mark scheme text.
type AssessmentService interface {
	Create(ctx context.Context, payload dto.AssessmentCreateRequest, actor Actor) (dto.AssessmentResponse, error)
	Get(ctx context.Context, id uint) (dto.AssessmentResponse, error)
	ListMine(ctx context.Context, actor Actor) ([]dto.AssessmentResponse, error)
}

type assessmentService struct {
	repo      repository.AssessmentRepository
	pages     PageLoader
	reader    DocumentReader
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
}

// NewAssessmentService constructs the assessment service.
func NewAssessmentService(repo repository.AssessmentRepository, pages PageLoader, reader DocumentReader, validate *validator.Validate, logger zerolog.Logger) AssessmentService {
	return &assessmentService{
		repo:      repo,
		pages:     pages,
		reader:    reader,
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "assessment_service").Logger(),
	}
}

// Create stores an assessment. When only mark scheme images are given they are
// transcribed here, once; grading later reads the stored text only.
func (s *assessmentService) Create(ctx context.Context, payload dto.AssessmentCreateRequest, actor Actor) (dto.AssessmentResponse, error) {
	if !actor.IsStaff() {
		return dto.AssessmentResponse{}, ErrAssessmentForbidden
	}
	if err := s.validator.Struct(payload); err != nil {
		return dto.AssessmentResponse{}, err
	}

	markScheme := strings.TrimSpace(payload.MarkSchemeText)
	if markScheme == "" && len(payload.MarkSchemeURLs) == 0 {
		return dto.AssessmentResponse{}, ErrMarkSchemeRequired
	}

	if markScheme == "" {
		text, err := s.transcribeMarkScheme(ctx, payload.MarkSchemeURLs)
		if err != nil {
			return dto.AssessmentResponse{}, err
		}
		markScheme = text
	}

	assessment := models.Assessment{
		Title:          strings.TrimSpace(s.sanitizer.Sanitize(payload.Title)),
		Description:    strings.TrimSpace(s.sanitizer.Sanitize(payload.Description)),
		TotalMarks:     payload.TotalMarks,
		MarkSchemeText: markScheme,
		MarkSchemeURLs: datatypes.JSONSlice[string](payload.MarkSchemeURLs),
		CreatedBy:      actor.ID,
	}
	if err := s.repo.Create(ctx, &assessment); err != nil {
		return dto.AssessmentResponse{}, err
	}

	s.logger.Info().
		Uint("assessment_id", assessment.ID).
		Int("total_marks", assessment.TotalMarks).
		Int("mark_scheme_pages", len(payload.MarkSchemeURLs)).
		Msg("assessment created")
	return dto.NewAssessmentResponse(assessment), nil
}

func (s *assessmentService) Get(ctx context.Context, id uint) (dto.AssessmentResponse, error) {
	assessment, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.AssessmentResponse{}, ErrAssessmentNotFound
		}
		return dto.AssessmentResponse{}, err
	}
	return dto.NewAssessmentResponse(assessment), nil
}

func (s *assessmentService) ListMine(ctx context.Context, actor Actor) ([]dto.AssessmentResponse, error) {
	if !actor.IsStaff() {
		return nil, ErrAssessmentForbidden
	}
	assessments, err := s.repo.ListByCreator(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	return lo.Map(assessments, func(a models.Assessment, _ int) dto.AssessmentResponse {
		return dto.NewAssessmentResponse(a)
	}), nil
}

func (s *assessmentService) transcribeMarkScheme(ctx context.Context, urls []string) (string, error) {
	if s.pages == nil || s.reader == nil {
		return "", fmt.Errorf("transcribe mark scheme: %w", ai.ErrNotConfigured)
	}

	images, err := s.pages.Load(ctx, urls)
	if err != nil {
		return "", fmt.Errorf("load mark scheme: %w", err)
	}

	sections := make([]string, 0, len(images))
	for i, image := range images {
		text, err := s.reader.TranscribeDocument(ctx, image.Data, image.MimeType, ai.PageHint{Page: i + 1, Total: len(images)})
		if err != nil {
			return "", fmt.Errorf("transcribe mark scheme page %d: %w", i+1, err)
		}
		if text = strings.TrimSpace(text); text != "" {
			sections = append(sections, fmt.Sprintf("--- Page %d ---\n%s", i+1, text))
		}
	}
	if len(sections) == 0 {
		return "", ErrMarkSchemeUnreadable
	}
	return strings.Join(sections, "\n\n"), nil
}
