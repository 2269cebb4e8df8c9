package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

// PageUploadRepository persists metadata about stored page images.
type PageUploadRepository interface {
	Create(ctx context.Context, record *models.PageUpload) error
	// FindByChecksum returns the newest upload of identical normalised bytes for
	// the student. The bool is false when none exists.
	FindByChecksum(ctx context.Context, studentID uint, checksum string) (models.PageUpload, bool, error)
}

type pageUploadRepository struct {
	db *gorm.DB
}

func NewPageUploadRepository(db *gorm.DB) PageUploadRepository {
	return &pageUploadRepository{db: db}
}

func (r *pageUploadRepository) Create(ctx context.Context, record *models.PageUpload) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *pageUploadRepository) FindByChecksum(ctx context.Context, studentID uint, checksum string) (models.PageUpload, bool, error) {
	var record models.PageUpload
	err := r.db.WithContext(ctx).
		Where("student_id = ? AND checksum = ?", studentID, checksum).
		Order("id DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.PageUpload{}, false, nil
	}
	if err != nil {
		return models.PageUpload{}, false, err
	}
	return record, true, nil
}
