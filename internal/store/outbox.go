package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"github.com/punchamoorthee/payflow/internal/domain"
)

// EnqueueCallback writes an outbox row. A repeated event key is ignored, so each
// transition enqueues at most one callback.
func (s *Store) EnqueueCallback(ctx context.Context, msg *domain.CallbackMessage) (bool, error) {
	res := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_key"}},
		DoNothing: true,
	}).Create(msg)
	if res.Error != nil {
		return false, fmt.Errorf("enqueue callback: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ClaimDueCallbacks leases up to limit undelivered rows whose next attempt is due.
// Each lease is its own conditional write so concurrent dispatchers never share a row.
func (s *Store) ClaimDueCallbacks(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.CallbackMessage, error) {
	var due []domain.CallbackMessage
	err := s.conn(ctx).
		Where("delivered_at IS NULL AND dead_at IS NULL AND next_attempt_at <= ?", now).
		Where("locked_until IS NULL OR locked_until < ?", now).
		Order("next_attempt_at ASC").Limit(limit).
		Find(&due).Error
	if err != nil {
		return nil, fmt.Errorf("list due callbacks: %w", err)
	}

	until := now.Add(lease)
	claimed := due[:0]
	for _, msg := range due {
		res := s.conn(ctx).Exec(`
			UPDATE callback_outbox SET locked_until = ?
			WHERE id = ? AND delivered_at IS NULL AND (locked_until IS NULL OR locked_until < ?)`,
			until, msg.ID, now)
		if res.Error != nil {
			return nil, fmt.Errorf("lease callback %d: %w", msg.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			msg.LockedUntil = &until
			claimed = append(claimed, msg)
		}
	}
	return claimed, nil
}

func (s *Store) MarkCallbackDelivered(ctx context.Context, id int64, attempts int, now time.Time) error {
	return s.conn(ctx).Exec(`
		UPDATE callback_outbox SET delivered_at = ?, attempts = ?, locked_until = NULL, last_error = ''
		WHERE id = ?`, now, attempts, id).Error
}

func (s *Store) RescheduleCallback(ctx context.Context, id int64, attempts int, next time.Time, reason string) error {
	reason = clip(reason, 512)
	return s.conn(ctx).Exec(`
		UPDATE callback_outbox SET attempts = ?, next_attempt_at = ?, locked_until = NULL, last_error = ?
		WHERE id = ?`, attempts, next, reason, id).Error
}

func (s *Store) MarkCallbackDead(ctx context.Context, id int64, attempts int, now time.Time, reason string) error {
	reason = clip(reason, 512)
	return s.conn(ctx).Exec(`
		UPDATE callback_outbox SET attempts = ?, dead_at = ?, locked_until = NULL, last_error = ?
		WHERE id = ?`, attempts, now, reason, id).Error
}

// ListCallbacks returns outbox rows in insertion order; used by admin tooling and tests.
func (s *Store) ListCallbacks(ctx context.Context) ([]domain.CallbackMessage, error) {
	var out []domain.CallbackMessage
	err := s.conn(ctx).Order("id ASC").Find(&out).Error
	return out, err
}
