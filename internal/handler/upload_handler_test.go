package handler_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/service"
)

func newUploadApp(svc service.PageUploadService, id uint, role string) *fiber.App {
	app := fiber.New()
	group := app.Group("/api/v2/grader/uploads", withActor(id, role))
	handler.NewUploadHandler(svc, discardLogger).Register(group)
	return app
}

func TestUploadHandler_Success(t *testing.T) {
	svc := &stubUploadService{}
	app := newUploadApp(svc, 7, "student")

	body, contentType := multipartBody(t, nil, multipartFile{field: "file", name: "photo.png", data: []byte("png")})
	req := httptest.NewRequest(http.MethodPost, "/api/v2/grader/uploads", body)
	req.Header.Set("Content-Type", contentType)

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var response envelope[dto.PageUploadResponse]
	decodeResponse(t, resp, &response)

	require.True(t, response.Success)
	require.Equal(t, "upload successful", response.Message)
	require.Equal(t, "https://cdn.example.com/photo.png", response.Data.URL)
	require.Equal(t, uint(7), svc.studentID)
}

func TestUploadHandler_StudentIDOverride(t *testing.T) {
	svc := &stubUploadService{}

	body, contentType := multipartBody(t, map[string]string{"student_id": "12"}, multipartFile{field: "file", name: "p.png", data: []byte("png")})
	req := httptest.NewRequest(http.MethodPost, "/api/v2/grader/uploads", body)
	req.Header.Set("Content-Type", contentType)
	resp, err := newUploadApp(svc, 21, "teacher").Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, uint(12), svc.studentID)

	body, contentType = multipartBody(t, map[string]string{"student_id": "12"}, multipartFile{field: "file", name: "p.png", data: []byte("png")})
	req = httptest.NewRequest(http.MethodPost, "/api/v2/grader/uploads", body)
	req.Header.Set("Content-Type", contentType)
	resp, err = newUploadApp(svc, 7, "student").Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, uint(7), svc.studentID)
}

func TestUploadHandler_MissingFile(t *testing.T) {
	app := newUploadApp(&stubUploadService{}, 7, "student")

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v2/grader/uploads", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestUploadHandler_ServiceErrors(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		statusCode int
	}{
		{name: "too_large", err: service.ErrUploadTooLarge, statusCode: fiber.StatusRequestEntityTooLarge},
		{name: "type", err: service.ErrUploadTypeNotAllowed, statusCode: fiber.StatusBadRequest},
		{name: "generic", err: errors.New("boom"), statusCode: fiber.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := newUploadApp(&stubUploadService{err: tc.err}, 7, "student")

			body, contentType := multipartBody(t, nil, multipartFile{field: "file", name: "doc.pdf", data: []byte("pdf")})
			req := httptest.NewRequest(http.MethodPost, "/api/v2/grader/uploads", body)
			req.Header.Set("Content-Type", contentType)

			resp, err := app.Test(req)
			require.NoError(t, err)
			require.Equal(t, tc.statusCode, resp.StatusCode)
		})
	}
}
