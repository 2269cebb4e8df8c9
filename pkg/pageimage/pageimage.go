// Package pageimage fetches and normalises photographed submission pages
// before they are sent to a vision model.
package pageimage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	_ "golang.org/x/image/webp"
)

const (
	defaultMaxDimension = 2048
	defaultMaxBytes     = 15 * 1024 * 1024
	jpegQuality         = 85
)

var (
	// ErrUnsupportedImage indicates the payload is not a jpeg, png or webp image.
	ErrUnsupportedImage = errors.New("unsupported image type")
	// ErrImageTooLarge indicates the payload exceeded the fetch limit.
	ErrImageTooLarge = errors.New("image exceeds maximum allowed size")
)

var supportedTypes = []string{"image/jpeg", "image/png", "image/webp"}

// Page is a normalised page image.
type Page struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
}

// DetectType returns the mime type of payload when it is a supported page image.
func DetectType(payload []byte) (string, error) {
	detected := mimetype.Detect(payload)
	for _, allowed := range supportedTypes {
		if detected.Is(allowed) {
			return allowed, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedImage, detected.String())
}

// Normalize applies EXIF orientation, shrinks the image to fit within
// maxDimension on both sides and re-encodes it as jpeg.
func Normalize(payload []byte, maxDimension int) (Page, error) {
	if _, err := DetectType(payload); err != nil {
		return Page{}, err
	}
	if maxDimension <= 0 {
		maxDimension = defaultMaxDimension
	}

	img, err := imaging.Decode(bytes.NewReader(payload), imaging.AutoOrientation(true))
	if err != nil {
		return Page{}, fmt.Errorf("decode page image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxDimension || bounds.Dy() > maxDimension {
		img = imaging.Fit(img, maxDimension, maxDimension, imaging.Lanczos)
	}

	return encodeJPEG(img)
}

func encodeJPEG(img image.Image) (Page, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return Page{}, fmt.Errorf("encode page image: %w", err)
	}
	bounds := img.Bounds()
	return Page{
		Data:     buf.Bytes(),
		MimeType: "image/jpeg",
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
	}, nil
}

// FetcherConfig tunes the page fetcher.
type FetcherConfig struct {
	Timeout      time.Duration
	MaxBytes     int64
	MaxDimension int
	Transport    http.RoundTripper
}

// Fetcher downloads stored page images.
type Fetcher struct {
	client       *http.Client
	maxBytes     int64
	maxDimension int
}

// NewFetcher builds a fetcher whose requests are traced.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	return &Fetcher{
		client: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			Timeout:   timeout,
		},
		maxBytes:     maxBytes,
		maxDimension: cfg.MaxDimension,
	}
}

// Fetch downloads url and returns the normalised page.
func (f *Fetcher) Fetch(ctx context.Context, url string) (Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSpace(url), nil)
	if err != nil {
		return Page{}, fmt.Errorf("build page request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("fetch page image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Page{}, fmt.Errorf("fetch page image: unexpected status %d", resp.StatusCode)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return Page{}, fmt.Errorf("read page image: %w", err)
	}
	if int64(len(payload)) > f.maxBytes {
		return Page{}, ErrImageTooLarge
	}

	return Normalize(payload, f.maxDimension)
}
