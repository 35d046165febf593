package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/orderflow/pkg/db/models"
	"github.com/angelmondragon/orderflow/pkg/enums"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Insert(tx *gorm.DB, record *models.OutboxRecord) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Create(record).Error
}

// ClaimPending selects up to limit pending records below the retry cap, oldest
// first, and flips them to processing inside tx. On postgres the select skips
// rows another sweeper has locked.
func (r *Repository) ClaimPending(tx *gorm.DB, limit, maxRetries int) ([]models.OutboxRecord, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	query := tx.
		Where("status = ? AND retry_count < ?", enums.OutboxStatusPending, maxRetries).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit)
	if tx.Dialector != nil && tx.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}

	var rows []models.OutboxRecord
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return rows, nil
	}

	ids := make([]uuid.UUID, len(rows))
	for i := range rows {
		ids[i] = rows[i].ID
	}
	now := time.Now()
	if err := tx.Model(&models.OutboxRecord{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"status":     enums.OutboxStatusProcessing,
			"updated_at": now,
		}).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].Status = enums.OutboxStatusProcessing
		rows[i].UpdatedAt = now
	}
	return rows, nil
}

func (r *Repository) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&models.OutboxRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       enums.OutboxStatusCompleted,
			"processed_at": now,
			"last_error":   nil,
			"updated_at":   now,
		}).Error
}

// MarkRetry records a failed publish attempt. The record returns to pending
// unless the attempt reached maxRetries, in which case it becomes failed.
func (r *Repository) MarkRetry(ctx context.Context, record models.OutboxRecord, cause error, maxRetries int) (enums.OutboxStatus, error) {
	next := record.RetryCount + 1
	status := enums.OutboxStatusPending
	if next >= maxRetries {
		status = enums.OutboxStatusFailed
	}
	err := r.db.WithContext(ctx).Model(&models.OutboxRecord{}).
		Where("id = ?", record.ID).
		Updates(map[string]any{
			"status":      status,
			"retry_count": next,
			"last_error":  errorText(cause),
			"updated_at":  time.Now(),
		}).Error
	return status, err
}

// MarkFailed moves a record straight to failed without counting an attempt.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	return r.db.WithContext(ctx).Model(&models.OutboxRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     enums.OutboxStatusFailed,
			"last_error": errorText(cause),
			"updated_at": time.Now(),
		}).Error
}

// ReleaseStale returns processing records claimed before cutoff to pending.
func (r *Repository) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.OutboxRecord{}).
		Where("status = ? AND updated_at < ?", enums.OutboxStatusProcessing, cutoff).
		Updates(map[string]any{
			"status":     enums.OutboxStatusPending,
			"updated_at": time.Now(),
		})
	return res.RowsAffected, res.Error
}

func (r *Repository) ListFailed(ctx context.Context, limit int) ([]models.OutboxRecord, error) {
	var rows []models.OutboxRecord
	q := r.db.WithContext(ctx).
		Where("status = ?", enums.OutboxStatusFailed).
		Order("updated_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.OutboxRecord, error) {
	var row models.OutboxRecord
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func errorText(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	return &msg
}
