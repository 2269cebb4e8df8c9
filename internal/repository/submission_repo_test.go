package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Student{}, &models.Assessment{}, &models.Submission{}, &models.PageUpload{}))
	return db
}

func seedPair(t *testing.T, db *gorm.DB) (models.Student, models.Assessment) {
	t.Helper()
	student := models.Student{Name: "Rina", Email: uuid.NewString() + "@example.com"}
	require.NoError(t, db.Create(&student).Error)
	assessment := models.Assessment{Title: "Binary quiz", TotalMarks: 10, MarkSchemeText: "Q1: 1011", CreatedBy: 7}
	require.NoError(t, db.Create(&assessment).Error)
	return student, assessment
}

func newProcessing(student models.Student, assessment models.Assessment, urls ...string) *models.Submission {
	return &models.Submission{
		StudentID:    student.ID,
		AssessmentID: assessment.ID,
		ImageURLs:    datatypes.JSONSlice[string](urls),
		Status:       models.SubmissionStatusProcessing,
	}
}

func TestSubmissionReplaceKeepsSingleRowPerPair(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSubmissionRepository(db)
	student, assessment := seedPair(t, db)
	ctx := context.Background()

	first := newProcessing(student, assessment, "https://cdn/a.jpg")
	previousID, err := repo.Replace(ctx, first, false)
	require.NoError(t, err)
	require.Zero(t, previousID)

	second := newProcessing(student, assessment, "https://cdn/b.jpg", "https://cdn/c.jpg")
	previousID, err = repo.Replace(ctx, second, false)
	require.NoError(t, err)
	require.Equal(t, first.ID, previousID)

	var count int64
	require.NoError(t, db.Model(&models.Submission{}).
		Where("student_id = ? AND assessment_id = ?", student.ID, assessment.ID).
		Count(&count).Error)
	require.EqualValues(t, 1, count)

	stored, err := repo.GetByStudentAndAssessment(ctx, student.ID, assessment.ID)
	require.NoError(t, err)
	require.Equal(t, second.ID, stored.ID)
	require.Equal(t, []string{"https://cdn/b.jpg", "https://cdn/c.jpg"}, []string(stored.ImageURLs))
	require.Equal(t, "Binary quiz", stored.Assessment.Title)
}

func TestSubmissionReplaceReusesImages(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSubmissionRepository(db)
	student, assessment := seedPair(t, db)
	ctx := context.Background()

	_, err := repo.Replace(ctx, newProcessing(student, assessment), true)
	require.ErrorIs(t, err, ErrNoStoredImages)

	_, err = repo.Replace(ctx, newProcessing(student, assessment, "https://cdn/p1.jpg", "https://cdn/p2.jpg"), false)
	require.NoError(t, err)

	again := newProcessing(student, assessment)
	_, err = repo.Replace(ctx, again, true)
	require.NoError(t, err)

	stored, err := repo.GetByID(ctx, again.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"https://cdn/p1.jpg", "https://cdn/p2.jpg"}, []string(stored.ImageURLs))
}

func TestSubmissionStageWritesRequireProcessing(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSubmissionRepository(db)
	student, assessment := seedPair(t, db)
	ctx := context.Background()

	submission := newProcessing(student, assessment, "https://cdn/a.jpg", "https://cdn/b.jpg")
	_, err := repo.Replace(ctx, submission, false)
	require.NoError(t, err)

	require.NoError(t, repo.UpdateImageOrder(ctx, submission.ID, []string{"https://cdn/b.jpg", "https://cdn/a.jpg"}))
	require.NoError(t, repo.SaveExtractedText(ctx, submission.ID, "--- Page 1 ---\n1011"))

	gradedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.MarkGraded(ctx, submission.ID, GradeUpdate{Score: 7, MaxScore: 10, Feedback: "Score: 7/10 (70%)", GradedAt: gradedAt}))

	stored, err := repo.GetByID(ctx, submission.ID)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusGraded, stored.Status)
	require.Equal(t, []string{"https://cdn/b.jpg", "https://cdn/a.jpg"}, []string(stored.ImageURLs))
	require.Equal(t, 7, *stored.Score)
	require.Equal(t, 10, *stored.MaxScore)
	require.NotNil(t, stored.GradedAt)
	require.Equal(t, "--- Page 1 ---\n1011", *stored.ExtractedText)

	require.ErrorIs(t, repo.MarkError(ctx, submission.ID, "late failure"), ErrStaleSubmission)
	require.ErrorIs(t, repo.SaveExtractedText(ctx, submission.ID, "overwrite"), ErrStaleSubmission)
	require.ErrorIs(t, repo.MarkGraded(ctx, 9999, GradeUpdate{}), ErrStaleSubmission)
}

func TestSubmissionRequeueOnlyFromError(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSubmissionRepository(db)
	student, assessment := seedPair(t, db)
	ctx := context.Background()

	submission := newProcessing(student, assessment, "https://cdn/a.jpg")
	_, err := repo.Replace(ctx, submission, false)
	require.NoError(t, err)

	require.ErrorIs(t, repo.Requeue(ctx, submission.ID), ErrStaleSubmission)
	require.NoError(t, repo.MarkError(ctx, submission.ID, "We couldn't reach the grading service. Please try again."))
	require.NoError(t, repo.Requeue(ctx, submission.ID))

	stored, err := repo.GetByID(ctx, submission.ID)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusProcessing, stored.Status)
	require.Nil(t, stored.Feedback)
}

func TestSubmissionApplyAdjustmentKeepsFirstOriginalScore(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSubmissionRepository(db)
	student, assessment := seedPair(t, db)
	ctx := context.Background()

	submission := newProcessing(student, assessment, "https://cdn/a.jpg")
	_, err := repo.Replace(ctx, submission, false)
	require.NoError(t, err)

	require.ErrorIs(t, repo.ApplyAdjustment(ctx, submission.ID, ScoreAdjustment{Score: 9}), ErrStaleSubmission)
	require.NoError(t, repo.MarkGraded(ctx, submission.ID, GradeUpdate{Score: 6, MaxScore: 10, Feedback: "ok", GradedAt: time.Now()}))

	require.NoError(t, repo.ApplyAdjustment(ctx, submission.ID, ScoreAdjustment{Score: 8, AdjustedBy: 7, Reason: "Accepted alternative method", AdjustedAt: time.Now()}))
	require.NoError(t, repo.ApplyAdjustment(ctx, submission.ID, ScoreAdjustment{Score: 9, AdjustedBy: 7, Reason: "Second look", AdjustedAt: time.Now()}))

	stored, err := repo.GetByID(ctx, submission.ID)
	require.NoError(t, err)
	require.Equal(t, 9, *stored.Score)
	require.Equal(t, 6, *stored.OriginalScore)
	require.Equal(t, uint(7), *stored.AdjustedBy)
	require.Equal(t, "Second look", *stored.AdjustmentReason)
	require.True(t, stored.WasAdjusted())
}

func TestSubmissionListFilters(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSubmissionRepository(db)
	student, assessment := seedPair(t, db)
	other := models.Student{Name: "Bima", Email: uuid.NewString() + "@example.com"}
	require.NoError(t, db.Create(&other).Error)
	ctx := context.Background()

	first := newProcessing(student, assessment, "https://cdn/a.jpg")
	_, err := repo.Replace(ctx, first, false)
	require.NoError(t, err)
	second := newProcessing(other, assessment, "https://cdn/b.jpg")
	_, err = repo.Replace(ctx, second, false)
	require.NoError(t, err)
	require.NoError(t, repo.MarkError(ctx, second.ID, "failed"))

	all, err := repo.List(ctx, SubmissionFilter{AssessmentID: &assessment.ID})
	require.NoError(t, err)
	require.Len(t, all, 2)

	status := models.SubmissionStatusError
	failed, err := repo.List(ctx, SubmissionFilter{AssessmentID: &assessment.ID, Status: &status})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "Bima", failed[0].Student.Name)
}

func TestAssessmentRepository(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAssessmentRepository(db)
	ctx := context.Background()

	assessment := models.Assessment{Title: "Logic gates", TotalMarks: 20, MarkSchemeText: "Q1: \\overline{A}", CreatedBy: 3}
	require.NoError(t, repo.Create(ctx, &assessment))

	stored, err := repo.GetByID(ctx, assessment.ID)
	require.NoError(t, err)
	require.True(t, stored.HasMarkScheme())

	list, err := repo.ListByCreator(ctx, 3)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = repo.GetByID(ctx, 404)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestStudentRepositoryExists(t *testing.T) {
	db := setupTestDB(t)
	student, _ := seedPair(t, db)
	repo := NewStudentRepository(db)

	exists, err := repo.Exists(context.Background(), student.ID)
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = repo.Exists(context.Background(), student.ID+100)
	require.NoError(t, err)
	require.False(t, exists)

	exists, err = repo.Exists(context.Background(), 0)
	require.NoError(t, err)
	require.False(t, exists)
}
