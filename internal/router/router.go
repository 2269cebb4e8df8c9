package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	AssessmentHandler *handler.AssessmentHandler
	SubmissionHandler *handler.SubmissionHandler
	UploadHandler     *handler.UploadHandler
	JWTMiddleware     fiber.Handler
	HealthProbes      []handler.HealthProbe
	DisableMetrics    bool
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes...))

	if !deps.DisableMetrics {
		app.Get("/metrics", observability.MetricsHandler())
	}

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	grader := app.Group("/api/v2/grader", jwtMiddleware)

	if deps.AssessmentHandler != nil {
		deps.AssessmentHandler.Register(grader.Group("/assessments"))
	}

	if deps.SubmissionHandler != nil {
		deps.SubmissionHandler.Register(grader.Group("/submissions"))
	}

	if deps.UploadHandler != nil {
		deps.UploadHandler.Register(grader.Group("/uploads"))
	}
}
