package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/pkg/pageimage"
)

var (
	// ErrUploadTooLarge indicates the payload exceeded the configured limit.
	ErrUploadTooLarge = errors.New("file exceeds maximum allowed size")
	// ErrUploadTypeNotAllowed indicates the file is not a supported page image.
	ErrUploadTypeNotAllowed = errors.New("file type not allowed")
	// ErrUploadMissing indicates no file was attached.
	ErrUploadMissing = errors.New("file is required")
)

// FileStorage abstracts upload destinations.
type FileStorage interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error)
}

// PageUploadService validates, normalises and stores submission page images.
type PageUploadService interface {
	Upload(ctx context.Context, file *multipart.FileHeader, studentID uint) (dto.PageUploadResponse, error)
}

type pageUploadService struct {
	storage      FileStorage
	repo         repository.PageUploadRepository
	logger       zerolog.Logger
	maxSize      int64
	maxDimension int
	tracer       trace.Tracer
}

// NewPageUploadService constructs the page upload service.
func NewPageUploadService(storage FileStorage, repo repository.PageUploadRepository, maxSizeMB, maxDimension int, logger zerolog.Logger) PageUploadService {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	return &pageUploadService{
		storage:      storage,
		repo:         repo,
		logger:       logger.With().Str("component", "page_upload_service").Logger(),
		maxSize:      int64(maxSizeMB) * 1024 * 1024,
		maxDimension: maxDimension,
		tracer:       otel.Tracer("github.com/noah-isme/gema-grader/internal/service/upload"),
	}
}

func (s *pageUploadService) Upload(ctx context.Context, file *multipart.FileHeader, studentID uint) (dto.PageUploadResponse, error) {
	ctx, span := s.tracer.Start(ctx, "upload.page")
	defer span.End()

	span.SetAttributes(attribute.Int64("upload.max_bytes", s.maxSize))

	start := time.Now()
	defer func() {
		observability.UploadLatency().Observe(time.Since(start).Seconds())
	}()

	if file == nil {
		span.RecordError(ErrUploadMissing)
		span.SetStatus(codes.Error, "validation failed")
		return dto.PageUploadResponse{}, ErrUploadMissing
	}
	span.SetAttributes(
		attribute.String("upload.original_name", strings.TrimSpace(file.Filename)),
		attribute.Int64("upload.request_size", file.Size),
	)

	if file.Size > s.maxSize {
		return dto.PageUploadResponse{}, s.reject(span, "size", ErrUploadTooLarge)
	}

	handle, err := file.Open()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open failed")
		return dto.PageUploadResponse{}, err
	}
	defer handle.Close()

	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, io.LimitReader(handle, s.maxSize+1)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return dto.PageUploadResponse{}, err
	}
	if int64(buf.Len()) > s.maxSize {
		return dto.PageUploadResponse{}, s.reject(span, "size", ErrUploadTooLarge)
	}

	sourceType, err := pageimage.DetectType(buf.Bytes())
	if err != nil {
		return dto.PageUploadResponse{}, s.reject(span, "type", ErrUploadTypeNotAllowed)
	}
	span.SetAttributes(attribute.String("upload.detected_mime", sourceType))

	page, err := pageimage.Normalize(buf.Bytes(), s.maxDimension)
	if err != nil {
		s.logger.Warn().Err(err).Str("mime", sourceType).Msg("page image could not be decoded")
		return dto.PageUploadResponse{}, s.reject(span, "decode", ErrUploadTypeNotAllowed)
	}

	sum := sha256.Sum256(page.Data)
	checksum := hex.EncodeToString(sum[:])

	existing, found, err := s.repo.FindByChecksum(ctx, studentID, checksum)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lookup failed")
		return dto.PageUploadResponse{}, err
	}
	if found {
		observability.UploadRequests().WithLabelValues(sourceType).Inc()
		span.SetAttributes(attribute.Bool("upload.reused", true))
		span.SetStatus(codes.Ok, "reused")
		s.logger.Debug().Uint("student_id", studentID).Str("checksum", checksum).Msg("identical page already stored")
		return pageUploadResponse(existing, true), nil
	}

	name := pageFileName(file.Filename, studentID)
	span.SetAttributes(
		attribute.String("upload.stored_name", name),
		attribute.Int64("upload.size_bytes", int64(len(page.Data))),
	)

	url, err := s.storage.Upload(ctx, name, bytes.NewReader(page.Data))
	if err != nil {
		observability.UploadRejected().WithLabelValues("storage").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage failed")
		return dto.PageUploadResponse{}, err
	}

	record := models.PageUpload{
		StudentID: studentID,
		URL:       url,
		MimeType:  page.MimeType,
		Width:     page.Width,
		Height:    page.Height,
		SizeBytes: int64(len(page.Data)),
		Checksum:  checksum,
	}
	if err := s.repo.Create(ctx, &record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence failed")
		return dto.PageUploadResponse{}, err
	}

	observability.UploadRequests().WithLabelValues(sourceType).Inc()
	span.SetStatus(codes.Ok, "stored")

	return pageUploadResponse(record, false), nil
}

func pageUploadResponse(record models.PageUpload, reused bool) dto.PageUploadResponse {
	return dto.PageUploadResponse{
		URL:       record.URL,
		MimeType:  record.MimeType,
		Width:     record.Width,
		Height:    record.Height,
		SizeBytes: record.SizeBytes,
		Checksum:  record.Checksum,
		Reused:    reused,
	}
}

func (s *pageUploadService) reject(span trace.Span, reason string, err error) error {
	observability.UploadRejected().WithLabelValues(reason).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	return err
}

// pageFileName keeps a readable stem of the original name and always ends in .jpg
// because pages are re-encoded.
func pageFileName(name string, studentID uint) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	base = strings.ToLower(base)
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '-'
	}, base)
	base = strings.Trim(base, "-")
	if base == "" {
		base = "page"
	}
	return fmt.Sprintf("student-%d-%s.jpg", studentID, base)
}
