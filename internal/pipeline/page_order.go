package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// PageDetector reads the page number printed or written on a page image.
// A nil number with a nil error means the page carries no visible number.
type PageDetector interface {
	DetectPageNumber(ctx context.Context, image []byte, mimeType string) (*int, error)
}

// PageOrderConfig tunes page-number detection.
type PageOrderConfig struct {
	Strategy Strategy
	Timeout  time.Duration
}

// PageOrderResolver restores the intended page order of an upload.
type PageOrderResolver struct {
	detector PageDetector
	strategy Strategy
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewPageOrderResolver builds a resolver. Detection runs in parallel unless cfg says otherwise.
func NewPageOrderResolver(detector PageDetector, cfg PageOrderConfig, logger zerolog.Logger) *PageOrderResolver {
	strategy := cfg.Strategy
	if strategy.name == "" {
		strategy = Parallel(0)
	}
	return &PageOrderResolver{
		detector: detector,
		strategy: strategy,
		timeout:  cfg.Timeout,
		logger:   logger.With().Str("component", "page_order").Logger(),
	}
}

// Resolve detects page numbers for every image and returns them in reading order.
// Detection failures degrade to "unknown" and never fail the call; only a
// cancelled ctx does.
func (r *PageOrderResolver) Resolve(ctx context.Context, images []Image) (PageOrder, error) {
	if len(images) <= 1 {
		return identityOrder(images, make([]*int, len(images))), nil
	}

	results, err := RunAll(ctx, r.strategy, len(images), func(ctx context.Context, index int) (*int, error) {
		callCtx := ctx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		return r.detector.DetectPageNumber(callCtx, images[index].Data, images[index].MimeType)
	})
	if err != nil {
		return PageOrder{}, err
	}

	detected := make([]*int, len(results))
	for i, result := range results {
		if result.Err != nil {
			r.logger.Warn().Err(result.Err).Int("image_index", i).Msg("page number detection failed, treating as unknown")
			continue
		}
		detected[i] = result.Value
	}

	indices, ok := orderByPageNumbers(detected)
	if !ok {
		r.logger.Info().
			Ints("detected", lo.Map(detected, func(n *int, _ int) int { return lo.FromPtrOr(n, -1) })).
			Msg("page numbers are not consecutive, keeping upload order")
		return identityOrder(images, detected), nil
	}

	return PageOrder{
		Indices:   indices,
		Images:    lo.Map(indices, func(original int, _ int) Image { return images[original] }),
		Detected:  detected,
		Reordered: !isIdentity(indices),
	}, nil
}

// orderByPageNumbers returns the reading order implied by detected page numbers.
// Known numbers sort ascending; unknown pages follow in their original relative
// order. ok is false when the known numbers do not form a consecutive run.
func orderByPageNumbers(detected []*int) ([]int, bool) {
	known := make([]int, 0, len(detected))
	for _, n := range detected {
		if n != nil {
			known = append(known, *n)
		}
	}
	sort.Ints(known)
	if !isConsecutive(known) {
		return nil, false
	}

	indices := lo.Range(len(detected))
	sort.SliceStable(indices, func(a, b int) bool {
		left, right := detected[indices[a]], detected[indices[b]]
		switch {
		case left == nil:
			return false
		case right == nil:
			return true
		default:
			return *left < *right
		}
	})
	return indices, true
}

// isConsecutive expects sorted input. Duplicates break the run.
func isConsecutive(sorted []int) bool {
	for i := 1; i < len(sorted); i++ {
		if sorted[i] != sorted[i-1]+1 {
			return false
		}
	}
	return true
}

func isIdentity(indices []int) bool {
	for i, index := range indices {
		if i != index {
			return false
		}
	}
	return true
}

func identityOrder(images []Image, detected []*int) PageOrder {
	return PageOrder{
		Indices:  lo.Range(len(images)),
		Images:   append([]Image(nil), images...),
		Detected: detected,
	}
}
