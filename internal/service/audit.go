package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/punchamoorthee/payflow/internal/metrics"
)

// Reconciliation flag kinds.
const (
	FlagNegativeBalance    = "negative_balance"
	FlagSplitOverflow      = "split_overflow"
	FlagBalanceMismatch    = "balance_mismatch"
	FlagSettlementMismatch = "settlement_mismatch"
)

// HealthReport summarises one audit pass.
type HealthReport struct {
	Score         int                         `json:"score"`
	Checked       int                         `json:"checked"`
	Negative      int                         `json:"negative"`
	SplitOverflow int                         `json:"split_overflow"`
	Mismatch      int                         `json:"mismatch"`
	Settlement    int                         `json:"settlement"`
	Flags         []domain.ReconciliationFlag `json:"flags,omitempty"`
}

// Audit scans every payout for ledger drift and records a reconciliation flag per
// finding. It never corrects a row.
func (l *Ledger) Audit(ctx context.Context) (*HealthReport, error) {
	open, err := l.store.OpenAmountsByPayout(ctx)
	if err != nil {
		return nil, fmt.Errorf("sum open batches: %w", err)
	}

	now := l.now()
	report := &HealthReport{}
	healthy := 0
	err = l.store.EachPayout(ctx, 500, func(p domain.PayoutRequest) error {
		report.Checked++
		flags := l.inspect(p, open[p.ID])
		if len(flags) == 0 {
			healthy++
			return nil
		}
		for i := range flags {
			f := &flags[i]
			f.PayoutID, f.CreatedAt = p.ID, now
			switch f.Kind {
			case FlagNegativeBalance:
				report.Negative++
			case FlagSplitOverflow:
				report.SplitOverflow++
			case FlagBalanceMismatch:
				report.Mismatch++
			case FlagSettlementMismatch:
				report.Settlement++
			}
			if err := l.store.CreateFlag(ctx, f); err != nil {
				return fmt.Errorf("record flag for payout %d: %w", p.ID, err)
			}
			l.log.Warn("ledger discrepancy",
				zap.Int64("payout_id", p.ID),
				zap.String("kind", f.Kind),
				zap.Int64("discrepancy", f.Discrepancy))
		}
		report.Flags = append(report.Flags, flags...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	report.Score = 100
	if report.Checked > 0 {
		report.Score = healthy * 100 / report.Checked
	}
	metrics.LedgerHealthScore.Set(float64(report.Score))
	return report, nil
}

func (l *Ledger) inspect(p domain.PayoutRequest, openAmount int64) []domain.ReconciliationFlag {
	var flags []domain.ReconciliationFlag
	if p.RemainingBalance < 0 || p.PaidTotal < 0 {
		flags = append(flags, domain.ReconciliationFlag{
			Kind:        FlagNegativeBalance,
			Detail:      fmt.Sprintf("remaining=%d paid=%d", p.RemainingBalance, p.PaidTotal),
			Discrepancy: min(p.RemainingBalance, p.PaidTotal),
		})
	}
	if p.SplitCount > l.policy.SplitHardCap {
		flags = append(flags, domain.ReconciliationFlag{
			Kind:        FlagSplitOverflow,
			Detail:      fmt.Sprintf("split_count=%d cap=%d", p.SplitCount, l.policy.SplitHardCap),
			Discrepancy: int64(p.SplitCount - l.policy.SplitHardCap),
		})
	}
	if diff := p.RemainingBalance + p.PaidTotal + openAmount - p.TotalAmount; abs(diff) > l.policy.BalanceEpsilon {
		flags = append(flags, domain.ReconciliationFlag{
			Kind: FlagBalanceMismatch,
			Detail: fmt.Sprintf("remaining=%d paid=%d open=%d total=%d",
				p.RemainingBalance, p.PaidTotal, openAmount, p.TotalAmount),
			Discrepancy: diff,
		})
	}
	settled := abs(p.TotalAmount-p.PaidTotal) <= l.policy.BalanceEpsilon
	if settled != (p.Status == domain.PayoutApproved) {
		flags = append(flags, domain.ReconciliationFlag{
			Kind:        FlagSettlementMismatch,
			Detail:      fmt.Sprintf("status=%s paid=%d total=%d", p.Status, p.PaidTotal, p.TotalAmount),
			Discrepancy: p.TotalAmount - p.PaidTotal,
		})
	}
	return flags
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
