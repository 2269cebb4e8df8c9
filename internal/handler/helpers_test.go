package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/service"
)

var discardLogger = zerolog.New(io.Discard)

type envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Message string `json:"message"`
}

func decodeResponse(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, json.Unmarshal(body, target))
}

// withActor mimics the JWT middleware by setting the caller locals.
func withActor(id uint, role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if id != 0 {
			c.Locals("user_id", id)
		}
		if role != "" {
			c.Locals("user_role", role)
		}
		return c.Next()
	}
}

type multipartFile struct {
	field string
	name  string
	data  []byte
}

func multipartBody(t *testing.T, fields map[string]string, files ...multipartFile) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	for _, file := range files {
		part, err := writer.CreateFormFile(file.field, file.name)
		require.NoError(t, err)
		_, err = part.Write(file.data)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	return body, writer.FormDataContentType()
}

type stubSubmissionService struct {
	mu sync.Mutex

	created      []dto.SubmissionCreateRequest
	createActor  service.Actor
	createResult dto.SubmissionCreatedResponse
	createErr    error

	submission dto.SubmissionResponse
	getErr     error

	listFilter dto.SubmissionListFilter
	list       []dto.SubmissionResponse
	listErr    error

	requeueResult dto.SubmissionCreatedResponse
	requeueErr    error

	adjustment dto.ScoreAdjustmentRequest
	adjustErr  error
}

func (s *stubSubmissionService) Create(_ context.Context, payload dto.SubmissionCreateRequest, actor service.Actor) (dto.SubmissionCreatedResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, payload)
	s.createActor = actor
	if s.createErr != nil {
		return dto.SubmissionCreatedResponse{}, s.createErr
	}
	return s.createResult, nil
}

func (s *stubSubmissionService) Get(_ context.Context, id uint, _ service.Actor) (dto.SubmissionResponse, error) {
	if s.getErr != nil {
		return dto.SubmissionResponse{}, s.getErr
	}
	result := s.submission
	result.ID = id
	return result, nil
}

func (s *stubSubmissionService) ListByAssessment(_ context.Context, assessmentID uint, filter dto.SubmissionListFilter, _ service.Actor) ([]dto.SubmissionResponse, error) {
	s.listFilter = filter
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.list, nil
}

func (s *stubSubmissionService) Requeue(_ context.Context, id uint, _ service.Actor) (dto.SubmissionCreatedResponse, error) {
	if s.requeueErr != nil {
		return dto.SubmissionCreatedResponse{}, s.requeueErr
	}
	result := s.requeueResult
	result.ID = id
	return result, nil
}

func (s *stubSubmissionService) AdjustScore(_ context.Context, id uint, payload dto.ScoreAdjustmentRequest, _ service.Actor) (dto.SubmissionResponse, error) {
	s.adjustment = payload
	if s.adjustErr != nil {
		return dto.SubmissionResponse{}, s.adjustErr
	}
	return dto.SubmissionResponse{ID: id, Status: "graded", Score: payload.Score}, nil
}

func (s *stubSubmissionService) lastCreated() dto.SubmissionCreateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.created) == 0 {
		return dto.SubmissionCreateRequest{}
	}
	return s.created[len(s.created)-1]
}

type stubUploadService struct {
	mu        sync.Mutex
	names     []string
	studentID uint
	err       error
}

func (s *stubUploadService) Upload(_ context.Context, file *multipart.FileHeader, studentID uint) (dto.PageUploadResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return dto.PageUploadResponse{}, s.err
	}
	s.names = append(s.names, file.Filename)
	s.studentID = studentID
	return dto.PageUploadResponse{
		URL:      "https://cdn.example.com/" + file.Filename,
		MimeType: "image/jpeg",
	}, nil
}

func (s *stubUploadService) uploaded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.names...)
}

type stubAssessmentService struct {
	created   dto.AssessmentCreateRequest
	createErr error
	byID      map[uint]dto.AssessmentResponse
	mine      []dto.AssessmentResponse
}

func (s *stubAssessmentService) Create(_ context.Context, payload dto.AssessmentCreateRequest, actor service.Actor) (dto.AssessmentResponse, error) {
	s.created = payload
	if s.createErr != nil {
		return dto.AssessmentResponse{}, s.createErr
	}
	return dto.AssessmentResponse{
		ID:              11,
		Title:           payload.Title,
		TotalMarks:      payload.TotalMarks,
		MarkSchemeReady: true,
		CreatedBy:       actor.ID,
	}, nil
}

func (s *stubAssessmentService) Get(_ context.Context, id uint) (dto.AssessmentResponse, error) {
	assessment, ok := s.byID[id]
	if !ok {
		return dto.AssessmentResponse{}, service.ErrAssessmentNotFound
	}
	return assessment, nil
}

func (s *stubAssessmentService) ListMine(_ context.Context, _ service.Actor) ([]dto.AssessmentResponse, error) {
	return s.mine, nil
}
