package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/pkg/ai"
)

// BlankMarker stands for a page or region with no student writing.
const BlankMarker = "[BLANK]"

// HandwritingReader transcribes the student-written content of one page.
type HandwritingReader interface {
	ExtractHandwriting(ctx context.Context, image []byte, mimeType string, hint ai.PageHint) (string, error)
}

// ExtractorConfig tunes transcription.
type ExtractorConfig struct {
	Strategy Strategy
	Timeout  time.Duration
}

// HandwritingExtractor turns ordered page images into a page-delimited transcript.
type HandwritingExtractor struct {
	reader   HandwritingReader
	strategy Strategy
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewHandwritingExtractor builds an extractor. Pages are transcribed one at a
// time unless cfg says otherwise.
func NewHandwritingExtractor(reader HandwritingReader, cfg ExtractorConfig, logger zerolog.Logger) *HandwritingExtractor {
	strategy := cfg.Strategy
	if strategy.name == "" {
		strategy = Sequential()
	}
	return &HandwritingExtractor{
		reader:   reader,
		strategy: strategy,
		timeout:  cfg.Timeout,
		logger:   logger.With().Str("component", "extractor").Logger(),
	}
}

// Extract transcribes every page. A page that fails is replaced by a marker
// and the remaining pages are still processed.
func (e *HandwritingExtractor) Extract(ctx context.Context, images []Image) (Transcript, error) {
	if len(images) == 0 {
		return Transcript{}, ErrNoImages
	}

	total := len(images)
	results, err := RunAll(ctx, e.strategy, total, func(ctx context.Context, index int) (string, error) {
		callCtx := ctx
		if e.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, e.timeout)
			defer cancel()
		}
		hint := ai.PageHint{Page: index + 1, Total: total}
		return e.reader.ExtractHandwriting(callCtx, images[index].Data, images[index].MimeType, hint)
	})
	if err != nil {
		return Transcript{}, err
	}

	pages := make([]PageResult, 0, total)
	sections := make([]string, 0, total)
	for i, result := range results {
		page := PageResult{Page: i + 1}
		switch {
		case result.Err != nil:
			e.logger.Warn().Err(result.Err).Int("page", page.Page).Msg("handwriting extraction failed")
			page.Text = errorMarker(page.Page)
			page.Err = result.Err
		case strings.TrimSpace(result.Value) == "":
			page.Text = BlankMarker
		default:
			page.Text = strings.TrimSpace(result.Value)
		}
		pages = append(pages, page)
		sections = append(sections, pageHeader(page.Page)+"\n"+page.Text)
	}

	return Transcript{
		Text:  strings.Join(sections, "\n\n"),
		Pages: pages,
	}, nil
}

func pageHeader(page int) string {
	return fmt.Sprintf("--- Page %d ---", page)
}

func errorMarker(page int) string {
	return fmt.Sprintf("[Error extracting page %d]", page)
}
