package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
)

// UploadHandler stores single page images ahead of a JSON submission.
type UploadHandler struct {
	service service.PageUploadService
	logger  zerolog.Logger
}

// NewUploadHandler constructs an upload handler.
func NewUploadHandler(service service.PageUploadService, logger zerolog.Logger) *UploadHandler {
	return &UploadHandler{
		service: service,
		logger:  logger.With().Str("component", "upload_handler").Logger(),
	}
}

// Register wires upload routes.
func (h *UploadHandler) Register(router fiber.Router) {
	router.Post("", h.upload)
}

func (h *UploadHandler) upload(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "file is required")
	}

	actor := actorFromContext(c)
	studentID := actor.ID
	if actor.IsStaff() && c.FormValue("student_id") != "" {
		if studentID, err = parseFormUint(c, "student_id"); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		}
	}

	result, err := h.service.Upload(c.UserContext(), file, studentID)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "upload successful", result)
}
