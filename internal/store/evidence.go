package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/punchamoorthee/payflow/internal/domain"
)

func (s *Store) CreateEvidence(ctx context.Context, e *domain.PaymentEvidence) error {
	if err := s.conn(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	return nil
}

// LatestEvidence returns the most recent evidence for the payin matching amount, or nil.
func (s *Store) LatestEvidence(ctx context.Context, payinID, amount int64) (*domain.PaymentEvidence, error) {
	var e domain.PaymentEvidence
	err := s.conn(ctx).
		Where("payin_id = ? AND amount = ?", payinID, amount).
		Order("id DESC").
		First(&e).Error
	if err != nil {
		if errors.Is(notFound(err), domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// CreateFlag records an audit discrepancy for out-of-band reconciliation.
func (s *Store) CreateFlag(ctx context.Context, f *domain.ReconciliationFlag) error {
	return s.conn(ctx).Create(f).Error
}

// ListFlags returns reconciliation flags, newest first.
func (s *Store) ListFlags(ctx context.Context, limit int) ([]domain.ReconciliationFlag, error) {
	var out []domain.ReconciliationFlag
	err := s.conn(ctx).Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}
