package service

import (
	"context"
	"fmt"

	"github.com/noah-isme/gema-grader/internal/pipeline"
	"github.com/noah-isme/gema-grader/pkg/pageimage"
)

// PageFetcher downloads and normalises one stored page image.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (pageimage.Page, error)
}

// PageLoader turns stored image URLs into images ready for the vision model.
type PageLoader interface {
	Load(ctx context.Context, urls []string) ([]pipeline.Image, error)
}

type pageLoader struct {
	fetcher  PageFetcher
	strategy pipeline.Strategy
}

// NewPageLoader fetches pages concurrently, bounded by concurrency.
func NewPageLoader(fetcher PageFetcher, concurrency int) PageLoader {
	return &pageLoader{fetcher: fetcher, strategy: pipeline.Parallel(concurrency)}
}

// Load fails as soon as any page cannot be fetched; a grade without every
// page would be wrong.
func (l *pageLoader) Load(ctx context.Context, urls []string) ([]pipeline.Image, error) {
	if len(urls) == 0 {
		return nil, pipeline.ErrNoImages
	}

	results, err := pipeline.RunAll(ctx, l.strategy, len(urls), func(ctx context.Context, index int) (pageimage.Page, error) {
		return l.fetcher.Fetch(ctx, urls[index])
	})
	if err != nil {
		return nil, err
	}

	images := make([]pipeline.Image, 0, len(results))
	for i, result := range results {
		if result.Err != nil {
			return nil, fmt.Errorf("load page %d: %w", i+1, result.Err)
		}
		images = append(images, pipeline.Image{
			URL:      urls[i],
			Data:     result.Value.Data,
			MimeType: result.Value.MimeType,
		})
	}
	return images, nil
}
