package postgres

import (
	"context"
	"errors"
	"time"

	idempotencyDatamodel "github.com/frahmantamala/overtime-management/internal/core/datamodel/idempotency"
	"github.com/frahmantamala/overtime-management/internal/idempotency"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const pgUniqueViolation = "23505"

type IdempotencyRepository struct {
	db *gorm.DB
}

func NewIdempotencyRepository(db *gorm.DB) idempotency.Repository {
	return &IdempotencyRepository{db: db}
}

// Insert writes the in-flight placeholder. A unique violation on the key
// column means another caller holds the reservation.
func (r *IdempotencyRepository) Insert(ctx context.Context, record *idempotency.Record) error {
	row := toRow(record)
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return idempotency.ErrKeyTaken
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return idempotency.ErrKeyTaken
		}
		return err
	}
	record.ID = row.ID
	record.CreatedAt = row.CreatedAt
	return nil
}

func (r *IdempotencyRepository) GetByKey(ctx context.Context, key string) (*idempotency.Record, error) {
	var row idempotencyDatamodel.Record
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, idempotency.ErrRecordNotFound
		}
		return nil, err
	}
	return toDomain(&row), nil
}

func (r *IdempotencyRepository) Complete(ctx context.Context, key string, responseBody []byte) error {
	now := time.Now()
	return r.db.WithContext(ctx).
		Model(&idempotencyDatamodel.Record{}).
		Where("idempotency_key = ?", key).
		Updates(map[string]interface{}{
			"status":        idempotencyDatamodel.StatusCompleted,
			"response_body": responseBody,
			"completed_at":  now,
			"updated_at":    now,
		}).Error
}

func (r *IdempotencyRepository) Delete(ctx context.Context, key string) error {
	return r.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		Delete(&idempotencyDatamodel.Record{}).Error
}

// DeleteExpired removes completed or abandoned records past their TTL, at
// most limit rows per call so the sweeper never holds long row sets.
func (r *IdempotencyRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("idempotency_key IN (?)",
			r.db.Model(&idempotencyDatamodel.Record{}).
				Select("idempotency_key").
				Where("expires_at < ?", now).
				Limit(limit)).
		Delete(&idempotencyDatamodel.Record{})
	return result.RowsAffected, result.Error
}

func toRow(record *idempotency.Record) *idempotencyDatamodel.Record {
	return &idempotencyDatamodel.Record{
		ID:           record.ID,
		Key:          record.Key,
		OwnerID:      record.OwnerID,
		Signature:    record.Signature,
		RequestHash:  record.RequestHash,
		ResponseBody: record.ResponseBody,
		Status:       record.Status,
		ExpiresAt:    record.ExpiresAt,
		CompletedAt:  record.CompletedAt,
	}
}

func toDomain(row *idempotencyDatamodel.Record) *idempotency.Record {
	return &idempotency.Record{
		ID:           row.ID,
		Key:          row.Key,
		OwnerID:      row.OwnerID,
		Signature:    row.Signature,
		RequestHash:  row.RequestHash,
		ResponseBody: row.ResponseBody,
		Status:       row.Status,
		ExpiresAt:    row.ExpiresAt,
		CompletedAt:  row.CompletedAt,
		CreatedAt:    row.CreatedAt,
	}
}
