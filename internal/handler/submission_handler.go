package handler

import (
	"errors"
	"mime/multipart"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
)

const maxPagesPerSubmission = 30

// SubmissionHandler manages handwritten submission endpoints.
type SubmissionHandler struct {
	service  service.SubmissionService
	uploads  service.PageUploadService
	logger   zerolog.Logger
	limiters []fiber.Handler
}

// NewSubmissionHandler builds a submission handler. uploads may be nil, in which
// case only JSON bodies with image URLs are accepted.
func NewSubmissionHandler(service service.SubmissionService, uploads service.PageUploadService, logger zerolog.Logger, createLimiters ...fiber.Handler) *SubmissionHandler {
	return &SubmissionHandler{
		service:  service,
		uploads:  uploads,
		logger:   logger.With().Str("component", "submission_handler").Logger(),
		limiters: createLimiters,
	}
}

// Register attaches the routes to the provided router group.
func (h *SubmissionHandler) Register(router fiber.Router) {
	create := append(append([]fiber.Handler{}, h.limiters...), h.create)
	router.Post("", create...)
	router.Get("/:id", h.get)
	router.Post("/:id/requeue", h.requeue)
	router.Patch("/:id/score", h.adjustScore)
}

func (h *SubmissionHandler) create(c *fiber.Ctx) error {
	actor := actorFromContext(c)

	var payload dto.SubmissionCreateRequest
	if strings.HasPrefix(strings.ToLower(c.Get(fiber.HeaderContentType)), fiber.MIMEMultipartForm) {
		var failure *formError
		payload, failure = h.multipartPayload(c, actor)
		if failure != nil {
			if failure.cause != nil {
				return sendServiceError(c, h.logger, failure.cause)
			}
			return utils.SendError(c, failure.status, failure.message)
		}
	} else if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if payload.StudentID == 0 && !actor.IsStaff() {
		payload.StudentID = actor.ID
	}

	created, err := h.service.Create(c.UserContext(), payload, actor)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "submission queued for grading", created)
}

// formError is a rejected multipart request. cause is set when the failure
// came from a service call.
type formError struct {
	status  int
	message string
	cause   error
}

func rejectForm(status int, message string) *formError {
	return &formError{status: status, message: message}
}

// multipartPayload stores every attached page in upload order and returns the
// payload referencing them.
func (h *SubmissionHandler) multipartPayload(c *fiber.Ctx, actor service.Actor) (dto.SubmissionCreateRequest, *formError) {
	var payload dto.SubmissionCreateRequest

	assessmentID, err := parseFormUint(c, "assessment_id")
	if err != nil {
		return payload, rejectForm(fiber.StatusBadRequest, err.Error())
	}
	payload.AssessmentID = assessmentID

	payload.StudentID = actor.ID
	if strings.TrimSpace(c.FormValue("student_id")) != "" {
		studentID, err := parseFormUint(c, "student_id")
		if err != nil {
			return payload, rejectForm(fiber.StatusBadRequest, err.Error())
		}
		payload.StudentID = studentID
	}
	if !actor.IsStaff() && payload.StudentID != actor.ID {
		return payload, rejectForm(fiber.StatusForbidden, "forbidden")
	}

	if raw := strings.TrimSpace(c.FormValue("reuse_images")); raw != "" {
		reuse, err := strconv.ParseBool(raw)
		if err != nil {
			return payload, rejectForm(fiber.StatusBadRequest, "invalid reuse_images")
		}
		payload.ReuseImages = reuse
	}

	form, err := c.MultipartForm()
	if err != nil {
		return payload, rejectForm(fiber.StatusBadRequest, "invalid multipart form")
	}
	files := append(append([]*multipart.FileHeader{}, form.File["images"]...), form.File["images[]"]...)
	if len(files) == 0 {
		if !payload.ReuseImages {
			return payload, rejectForm(fiber.StatusBadRequest, "at least one page image is required")
		}
		return payload, nil
	}
	if len(files) > maxPagesPerSubmission {
		return payload, rejectForm(fiber.StatusBadRequest, "too many page images")
	}
	if h.uploads == nil {
		return payload, rejectForm(fiber.StatusServiceUnavailable, "image uploads are not configured")
	}

	payload.ReuseImages = false
	for _, file := range files {
		stored, err := h.uploads.Upload(c.UserContext(), file, payload.StudentID)
		if err != nil {
			return payload, &formError{cause: err}
		}
		payload.ImageURLs = append(payload.ImageURLs, stored.URL)
	}

	return payload, nil
}

func (h *SubmissionHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	submission, err := h.service.Get(c.UserContext(), id, actorFromContext(c))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "submission retrieved", submission)
}

func (h *SubmissionHandler) requeue(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	result, err := h.service.Requeue(c.UserContext(), id, actorFromContext(c))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "submission requeued", result)
}

func (h *SubmissionHandler) adjustScore(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.ScoreAdjustmentRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	submission, err := h.service.AdjustScore(c.UserContext(), id, payload, actorFromContext(c))
	if err != nil {
		if errors.Is(err, service.ErrScoreOutOfRange) {
			return utils.SendError(c, fiber.StatusUnprocessableEntity, err.Error())
		}
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "submission score adjusted", submission)
}
