package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"github.com/punchamoorthee/payflow/internal/domain"
)

// ReserveIdempotency inserts the placeholder record. It reports false when another
// attempt already owns the key.
func (s *Store) ReserveIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) (bool, error) {
	res := s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return false, fmt.Errorf("reserve idempotency key: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	if err := s.conn(ctx).First(&rec, "idempotency_key = ?", key).Error; err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

// CompleteIdempotency attaches the resulting payin to a placeholder, once.
func (s *Store) CompleteIdempotency(ctx context.Context, key, payinRef, batchRef string, now time.Time) (int64, error) {
	res := s.conn(ctx).Exec(`
		UPDATE idempotency_records SET payin_ref = ?, batch_ref = ?, last_error = '', updated_at = ?
		WHERE idempotency_key = ? AND payin_ref IS NULL`,
		payinRef, batchRef, now, key)
	if res.Error != nil {
		return 0, fmt.Errorf("complete idempotency key: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// NoteIdempotencyFailure stores the last failure on a placeholder that has no payin yet.
func (s *Store) NoteIdempotencyFailure(ctx context.Context, key, reason string, now time.Time) error {
	reason = clip(reason, 255)
	return s.conn(ctx).Exec(`
		UPDATE idempotency_records SET last_error = ?, updated_at = ?
		WHERE idempotency_key = ? AND payin_ref IS NULL`,
		reason, now, key).Error
}

// RetakeIdempotency hands a placeholder with no payin to a new attempt when the last
// attempt failed or has not touched it since staleBefore. Only one retrying caller
// wins; the rest see the record as in flight.
func (s *Store) RetakeIdempotency(ctx context.Context, key string, staleBefore, now time.Time) (int64, error) {
	res := s.conn(ctx).Exec(`
		UPDATE idempotency_records SET last_error = '', updated_at = ?
		WHERE idempotency_key = ? AND payin_ref IS NULL AND (last_error <> '' OR updated_at < ?)`,
		now, key, staleBefore)
	if res.Error != nil {
		return 0, fmt.Errorf("retake idempotency key: %w", res.Error)
	}
	return res.RowsAffected, nil
}
