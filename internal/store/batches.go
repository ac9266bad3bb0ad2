package store

import (
	"context"
	"fmt"
	"time"

	"github.com/punchamoorthee/payflow/internal/domain"
)

var openBatchStates = []string{string(domain.BatchPending), string(domain.BatchSysConfirmed)}

func (s *Store) CreateBatch(ctx context.Context, b *domain.Batch) error {
	if err := s.conn(ctx).Create(b).Error; err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("payin already has an open batch: %w", domain.ErrInvalidState)
		}
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id int64) (*domain.Batch, error) {
	var b domain.Batch
	if err := s.conn(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

func (s *Store) GetBatchByRef(ctx context.Context, ref string) (*domain.Batch, error) {
	var b domain.Batch
	if err := s.conn(ctx).First(&b, "reference = ?", ref).Error; err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

// OpenBatchForPayin returns the PENDING or SYS_CONFIRMED batch funded by the payin.
func (s *Store) OpenBatchForPayin(ctx context.Context, payinID int64) (*domain.Batch, error) {
	var b domain.Batch
	err := s.conn(ctx).Where("payin_id = ? AND state IN ?", payinID, openBatchStates).First(&b).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

// MarkSysConfirmed applies PENDING -> SYS_CONFIRMED. admin selects which confirmation
// timestamp is stamped.
func (s *Store) MarkSysConfirmed(ctx context.Context, id int64, evidenceRef string, admin bool, now time.Time) (int64, error) {
	column := "sys_confirmed_at"
	if admin {
		column = "admin_confirmed_at"
	}
	res := s.conn(ctx).Exec(`
		UPDATE batches SET state = ?, evidence_ref = ?, `+column+` = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		domain.BatchSysConfirmed, evidenceRef, now, now, id, domain.BatchPending)
	if res.Error != nil {
		return 0, fmt.Errorf("sys-confirm batch %d: %w", id, res.Error)
	}
	return res.RowsAffected, nil
}

// MarkCustomerConfirmed applies SYS_CONFIRMED -> CUSTOMER_CONFIRMED.
func (s *Store) MarkCustomerConfirmed(ctx context.Context, id int64, now time.Time) (int64, error) {
	res := s.conn(ctx).Exec(`
		UPDATE batches SET state = ?, customer_confirmed_at = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		domain.BatchCustomerConfirmed, now, now, id, domain.BatchSysConfirmed)
	if res.Error != nil {
		return 0, fmt.Errorf("customer-confirm batch %d: %w", id, res.Error)
	}
	return res.RowsAffected, nil
}

// MarkExpired applies PENDING -> EXPIRED.
func (s *Store) MarkExpired(ctx context.Context, id int64, now time.Time) (int64, error) {
	res := s.conn(ctx).Exec(`
		UPDATE batches SET state = ?, expired_at = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		domain.BatchExpired, now, now, id, domain.BatchPending)
	if res.Error != nil {
		return 0, fmt.Errorf("expire batch %d: %w", id, res.Error)
	}
	return res.RowsAffected, nil
}

// MarkReassigned flags an expired batch as re-homed so later sweeps skip it.
func (s *Store) MarkReassigned(ctx context.Context, id, toID int64, now time.Time) (int64, error) {
	res := s.conn(ctx).Exec(`
		UPDATE batches SET reassigned = ?, reassigned_to_id = ?, updated_at = ?
		WHERE id = ? AND state = ? AND reassigned = ?`,
		true, toID, now, id, domain.BatchExpired, false)
	if res.Error != nil {
		return 0, fmt.Errorf("mark batch %d reassigned: %w", id, res.Error)
	}
	return res.RowsAffected, nil
}

// SumConfirmedAmount totals CUSTOMER_CONFIRMED batches for a payout.
func (s *Store) SumConfirmedAmount(ctx context.Context, payoutID int64) (int64, error) {
	var total int64
	err := s.conn(ctx).Model(&domain.Batch{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("payout_id = ? AND state = ?", payoutID, domain.BatchCustomerConfirmed).
		Scan(&total).Error
	return total, err
}

// OpenAmountsByPayout returns the summed amount of open batches keyed by payout.
func (s *Store) OpenAmountsByPayout(ctx context.Context) (map[int64]int64, error) {
	var rows []struct {
		PayoutID int64
		Total    int64
	}
	err := s.conn(ctx).Model(&domain.Batch{}).
		Select("payout_id, COALESCE(SUM(amount), 0) AS total").
		Where("state IN ?", openBatchStates).
		Group("payout_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[int64]int64, len(rows))
	for _, r := range rows {
		out[r.PayoutID] = r.Total
	}
	return out, nil
}

// ListStalePending returns PENDING batches created before cutoff.
func (s *Store) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Batch, error) {
	var out []domain.Batch
	err := s.conn(ctx).
		Where("state = ? AND created_at < ?", domain.BatchPending, cutoff).
		Order("created_at ASC").Limit(limit).
		Find(&out).Error
	return out, err
}

// ListPendingForPayout returns PENDING batches of one payout.
func (s *Store) ListPendingForPayout(ctx context.Context, payoutID int64) ([]domain.Batch, error) {
	var out []domain.Batch
	err := s.conn(ctx).
		Where("payout_id = ? AND state = ?", payoutID, domain.BatchPending).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

// ListBatchesForPayout returns every batch of a payout in creation order.
func (s *Store) ListBatchesForPayout(ctx context.Context, payoutID int64) ([]domain.Batch, error) {
	var out []domain.Batch
	err := s.conn(ctx).Where("payout_id = ?", payoutID).Order("id ASC").Find(&out).Error
	return out, err
}

// ListReassignable returns expired, not yet re-homed batches that carried a payin,
// expired at or after since, whose payout still has balance to give.
func (s *Store) ListReassignable(ctx context.Context, since time.Time, limit int) ([]domain.Batch, error) {
	var out []domain.Batch
	err := s.conn(ctx).Raw(`
		SELECT b.* FROM batches b
		JOIN payout_requests p ON p.id = b.payout_id
		WHERE b.state = ? AND b.reassigned = ? AND b.payin_id IS NOT NULL
		  AND b.expired_at >= ? AND p.remaining_balance > 0
		ORDER BY b.expired_at ASC
		LIMIT ?`,
		domain.BatchExpired, false, since, limit).
		Scan(&out).Error
	return out, err
}

// CountConfirmedSince counts the vendor's batches confirmed by beneficiaries since the cutoff.
func (s *Store) CountConfirmedSince(ctx context.Context, vendor string, since time.Time) (int64, error) {
	var n int64
	err := s.conn(ctx).Model(&domain.Batch{}).
		Where("vendor = ? AND state = ? AND customer_confirmed_at >= ?", vendor, domain.BatchCustomerConfirmed, since).
		Count(&n).Error
	return n, err
}
