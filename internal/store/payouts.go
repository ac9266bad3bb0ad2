package store

import (
	"context"
	"fmt"
	"time"

	"github.com/punchamoorthee/payflow/internal/domain"
)

// CreatePayout inserts a new payout request.
func (s *Store) CreatePayout(ctx context.Context, p *domain.PayoutRequest) error {
	if err := s.conn(ctx).Create(p).Error; err != nil {
		if IsUniqueViolation(err) {
			return domain.ErrDuplicateReference
		}
		return fmt.Errorf("insert payout: %w", err)
	}
	return nil
}

// GetPayout retrieves a payout by ID.
func (s *Store) GetPayout(ctx context.Context, id int64) (*domain.PayoutRequest, error) {
	var p domain.PayoutRequest
	if err := s.conn(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// GetPayoutByRef retrieves a payout by its external reference.
func (s *Store) GetPayoutByRef(ctx context.Context, ref string) (*domain.PayoutRequest, error) {
	var p domain.PayoutRequest
	if err := s.conn(ctx).First(&p, "reference = ?", ref).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// AllocatePayout is the compare-and-swap allocation write: it applies only while the
// payout is open, under the split cap, and still holds at least amount. A payout
// drained to zero moves to pending.
func (s *Store) AllocatePayout(ctx context.Context, id, amount int64, hardCap int, now time.Time) (int64, error) {
	res := s.conn(ctx).Exec(`
		UPDATE payout_requests
		SET remaining_balance = remaining_balance - ?,
		    split_count = split_count + 1,
		    status = CASE WHEN remaining_balance - ? = 0 THEN ? ELSE status END,
		    updated_at = ?
		WHERE id = ? AND status = ? AND remaining_balance >= ? AND split_count < ? AND CAST(? AS BIGINT) > 0`,
		amount, amount, domain.PayoutPending, now,
		id, domain.PayoutUnassigned, amount, hardCap, amount)
	if res.Error != nil {
		return 0, fmt.Errorf("allocate payout %d: %w", id, res.Error)
	}
	return res.RowsAffected, nil
}

// ReleasePayout returns amount to the payout after an open batch expired. The guard keeps
// remaining balance within total - paid. Pending payouts reopen; expired ones stay expired.
func (s *Store) ReleasePayout(ctx context.Context, id, amount int64, now time.Time) (int64, error) {
	res := s.conn(ctx).Exec(`
		UPDATE payout_requests
		SET remaining_balance = remaining_balance + ?,
		    split_count = CASE WHEN split_count > 0 THEN split_count - 1 ELSE 0 END,
		    status = CASE WHEN status = ? THEN ? ELSE status END,
		    updated_at = ?
		WHERE id = ? AND remaining_balance + ? <= total_amount - paid_total AND CAST(? AS BIGINT) > 0`,
		amount, domain.PayoutPending, domain.PayoutUnassigned, now,
		id, amount, amount)
	if res.Error != nil {
		return 0, fmt.Errorf("release payout %d: %w", id, res.Error)
	}
	return res.RowsAffected, nil
}

// AddPaidTotal records a beneficiary-confirmed amount against the payout.
func (s *Store) AddPaidTotal(ctx context.Context, id, amount int64, now time.Time) (int64, error) {
	res := s.conn(ctx).Exec(`
		UPDATE payout_requests
		SET paid_total = paid_total + ?, updated_at = ?
		WHERE id = ? AND paid_total + ? <= total_amount AND CAST(? AS BIGINT) > 0`,
		amount, now, id, amount, amount)
	if res.Error != nil {
		return 0, fmt.Errorf("record paid total on payout %d: %w", id, res.Error)
	}
	return res.RowsAffected, nil
}

// ApprovePayout moves a payout to approved exactly once.
func (s *Store) ApprovePayout(ctx context.Context, id int64, evidenceRef string, now time.Time) (int64, error) {
	res := s.conn(ctx).Exec(`
		UPDATE payout_requests
		SET status = ?, final_evidence_ref = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ?`,
		domain.PayoutApproved, evidenceRef, now, now,
		id, []string{string(domain.PayoutUnassigned), string(domain.PayoutPending)})
	if res.Error != nil {
		return 0, fmt.Errorf("approve payout %d: %w", id, res.Error)
	}
	return res.RowsAffected, nil
}

// ExpirePayout expires an unassigned payout whose explicit expiry has passed.
func (s *Store) ExpirePayout(ctx context.Context, id int64, now time.Time) (int64, error) {
	res := s.conn(ctx).Exec(`
		UPDATE payout_requests
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND expires_at < ?`,
		domain.PayoutExpired, now, id, domain.PayoutUnassigned, now)
	if res.Error != nil {
		return 0, fmt.Errorf("expire payout %d: %w", id, res.Error)
	}
	return res.RowsAffected, nil
}

// ListExpiredPayouts returns unassigned payouts past their expiry.
func (s *Store) ListExpiredPayouts(ctx context.Context, now time.Time, limit int) ([]domain.PayoutRequest, error) {
	var out []domain.PayoutRequest
	err := s.conn(ctx).
		Where("status = ? AND expires_at < ?", domain.PayoutUnassigned, now).
		Order("expires_at ASC").Limit(limit).
		Find(&out).Error
	return out, err
}

// CandidateQuery selects open payouts for matching.
type CandidateQuery struct {
	Vendor string
	Since  time.Time
	// Exact selects remaining_balance == Amount; otherwise remaining_balance >= Amount.
	Exact   bool
	Amount  int64
	HardCap int
	// Exclude drops payouts by id before the page is cut.
	Exclude []int64
	// After resumes the ordering strictly after this payout (keyset paging).
	After *domain.PayoutRequest
	Limit int
}

// ListCandidates returns open payouts ordered for matching: split count descending,
// then (flexible only) tightest remaining balance, then creation order.
func (s *Store) ListCandidates(ctx context.Context, q CandidateQuery) ([]domain.PayoutRequest, error) {
	db := s.conn(ctx).
		Where("vendor = ? AND status = ? AND created_at >= ? AND split_count < ?",
			q.Vendor, domain.PayoutUnassigned, q.Since, q.HardCap)
	if len(q.Exclude) > 0 {
		db = db.Where("id NOT IN ?", q.Exclude)
	}
	if q.Exact {
		db = db.Where("remaining_balance = ?", q.Amount).
			Order("split_count DESC").Order("created_at ASC").Order("id ASC")
	} else {
		db = db.Where("remaining_balance >= ?", q.Amount).
			Order("split_count DESC").Order("remaining_balance ASC").Order("created_at ASC").Order("id ASC")
	}
	if a := q.After; a != nil {
		tail := "created_at > ? OR (created_at = ? AND id > ?)"
		args := []interface{}{a.CreatedAt, a.CreatedAt, a.ID}
		if !q.Exact {
			tail = "remaining_balance > ? OR (remaining_balance = ? AND (" + tail + "))"
			args = append([]interface{}{a.RemainingBalance, a.RemainingBalance}, args...)
		}
		db = db.Where("(split_count < ? OR (split_count = ? AND ("+tail+")))",
			append([]interface{}{a.SplitCount, a.SplitCount}, args...)...)
	}
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	var out []domain.PayoutRequest
	if err := db.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	return out, nil
}

// EachPayout streams every payout in id order in chunks, for the audit.
func (s *Store) EachPayout(ctx context.Context, chunk int, fn func(domain.PayoutRequest) error) error {
	var lastID int64
	for {
		var rows []domain.PayoutRequest
		if err := s.conn(ctx).Where("id > ?", lastID).Order("id ASC").Limit(chunk).Find(&rows).Error; err != nil {
			return err
		}
		for _, p := range rows {
			if err := fn(p); err != nil {
				return err
			}
			lastID = p.ID
		}
		if len(rows) < chunk {
			return nil
		}
	}
}
