package store

import (
	"context"
	"fmt"
	"time"

	"github.com/punchamoorthee/payflow/internal/domain"
)

func (s *Store) CreatePayin(ctx context.Context, p *domain.PayinRequest) error {
	if err := s.conn(ctx).Create(p).Error; err != nil {
		if IsUniqueViolation(err) {
			return domain.ErrDuplicateReference
		}
		return fmt.Errorf("insert payin: %w", err)
	}
	return nil
}

func (s *Store) GetPayin(ctx context.Context, id int64) (*domain.PayinRequest, error) {
	var p domain.PayinRequest
	if err := s.conn(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *Store) GetPayinByRef(ctx context.Context, ref string) (*domain.PayinRequest, error) {
	var p domain.PayinRequest
	if err := s.conn(ctx).First(&p, "reference = ?", ref).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// ApprovePayin moves a pending payin to approved.
func (s *Store) ApprovePayin(ctx context.Context, id int64, now time.Time) (int64, error) {
	res := s.conn(ctx).Exec(`
		UPDATE payin_requests SET status = ?, approved_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		domain.PayinApproved, now, now, id, domain.PayinPending)
	if res.Error != nil {
		return 0, fmt.Errorf("approve payin %d: %w", id, res.Error)
	}
	return res.RowsAffected, nil
}

// ExpirePayin moves a pending payin to expired.
func (s *Store) ExpirePayin(ctx context.Context, id int64, now time.Time) (int64, error) {
	res := s.conn(ctx).Exec(`
		UPDATE payin_requests SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		domain.PayinExpired, now, id, domain.PayinPending)
	if res.Error != nil {
		return 0, fmt.Errorf("expire payin %d: %w", id, res.Error)
	}
	return res.RowsAffected, nil
}

// CountPayerPayins counts payins the payer has made with the vendor.
func (s *Store) CountPayerPayins(ctx context.Context, vendor, payer string) (int64, error) {
	var n int64
	err := s.conn(ctx).Model(&domain.PayinRequest{}).
		Where("vendor = ? AND payer_handle = ?", vendor, payer).
		Count(&n).Error
	return n, err
}

// PairedPayoutIDs lists payouts this payer has ever been allocated against, in any batch state.
func (s *Store) PairedPayoutIDs(ctx context.Context, vendor, payer string) ([]int64, error) {
	var ids []int64
	err := s.conn(ctx).Raw(`
		SELECT DISTINCT b.payout_id
		FROM batches b
		JOIN payin_requests p ON p.id = b.payin_id
		WHERE p.vendor = ? AND p.payer_handle = ?`, vendor, payer).
		Scan(&ids).Error
	if err != nil {
		return nil, fmt.Errorf("paired payouts: %w", err)
	}
	return ids, nil
}
