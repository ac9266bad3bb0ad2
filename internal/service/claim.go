package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/punchamoorthee/payflow/internal/broker"
	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/punchamoorthee/payflow/internal/metrics"
	"github.com/punchamoorthee/payflow/internal/store"
	"github.com/punchamoorthee/payflow/internal/telemetry"
)

// Claims redeems claim tokens into exactly one payin per idempotency key.
type Claims struct {
	store  *store.Store
	ledger *Ledger
	tokens *Tokens
	// staleAfter is how long a placeholder may sit without a payin or a failure
	// before another attempt may take it over.
	staleAfter time.Duration
	settings
}

func NewClaims(s *store.Store, ledger *Ledger, tokens *Tokens, staleAfter time.Duration, opts ...Option) *Claims {
	return &Claims{store: s, ledger: ledger, tokens: tokens, staleAfter: staleAfter, settings: newSettings(opts)}
}

// ClaimResult is the payin created for a claim, or the one created by an earlier
// attempt with the same key when Replayed is set.
type ClaimResult struct {
	Payin     *domain.PayinRequest
	Batch     *domain.Batch
	Payout    *domain.PayoutRequest
	Remaining int64
	Replayed  bool
}

// Claim verifies token and funds the full remaining balance of its payout on
// behalf of payerHandle.
func (c *Claims) Claim(ctx context.Context, token, payerHandle, callbackURL string) (*ClaimResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "claim.redeem")
	defer span.End()

	tok, err := c.tokens.Verify(token)
	if err != nil {
		metrics.ClaimsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	span.SetAttributes(attribute.String("idempotency_key", tok.IdempotencyKey))

	now := c.now()
	owned, err := c.store.ReserveIdempotency(ctx, &domain.IdempotencyRecord{
		Key:       tok.IdempotencyKey,
		Vendor:    tok.Vendor,
		PayoutRef: tok.PayoutRef,
		Amount:    tok.Amount,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, err
	}
	if !owned {
		res, err := c.existing(ctx, tok)
		if res != nil || !errors.Is(err, errRetakeable) {
			return res, err
		}
	}

	res, err := c.redeem(ctx, tok, payerHandle, callbackURL)
	if err != nil {
		metrics.ClaimsTotal.WithLabelValues("failed").Inc()
		// The placeholder stays so a retry cannot create a second payin.
		if noteErr := c.store.NoteIdempotencyFailure(ctx, tok.IdempotencyKey, err.Error(), c.now()); noteErr != nil {
			c.log.Warn("record claim failure", zap.String("key", tok.IdempotencyKey), zap.Error(noteErr))
		}
		return nil, err
	}

	metrics.ClaimsTotal.WithLabelValues("created").Inc()
	c.log.Info("claim redeemed",
		zap.String("key", tok.IdempotencyKey),
		zap.String("payout_ref", tok.PayoutRef),
		zap.String("payin_ref", res.Payin.Reference))
	c.publish(ctx, broker.Event{
		Kind:      broker.BatchMatched,
		PayoutRef: res.Payout.Reference,
		PayinRef:  res.Payin.Reference,
		BatchRef:  res.Batch.Reference,
		Amount:    res.Batch.Amount,
	})
	return res, nil
}

var errRetakeable = errors.New("placeholder failed earlier")

// existing resolves a key some earlier attempt already reserved.
func (c *Claims) existing(ctx context.Context, tok *ClaimToken) (*ClaimResult, error) {
	rec, err := c.store.GetIdempotency(ctx, tok.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if rec.Vendor != tok.Vendor || rec.PayoutRef != tok.PayoutRef || rec.Amount != tok.Amount {
		metrics.ClaimsTotal.WithLabelValues("mismatch").Inc()
		return nil, domain.ErrIdempotencyMismatch
	}

	if rec.PayinRef != nil {
		payin, err := c.store.GetPayinByRef(ctx, *rec.PayinRef)
		if err != nil {
			return nil, err
		}
		out := &ClaimResult{Payin: payin, Replayed: true}
		if rec.BatchRef != nil {
			if out.Batch, err = c.store.GetBatchByRef(ctx, *rec.BatchRef); err != nil {
				return nil, err
			}
		}
		if out.Payout, err = c.store.GetPayoutByRef(ctx, rec.PayoutRef); err != nil {
			return nil, err
		}
		out.Remaining = out.Payout.RemainingBalance
		metrics.ClaimsTotal.WithLabelValues("replayed").Inc()
		return out, nil
	}

	now := c.now()
	staleBefore := now.Add(-c.staleAfter)
	if rec.LastError != "" || rec.UpdatedAt.Before(staleBefore) {
		won, err := c.store.RetakeIdempotency(ctx, rec.Key, staleBefore, now)
		if err != nil {
			return nil, err
		}
		if won == 1 {
			return nil, errRetakeable
		}
	}
	metrics.ClaimsTotal.WithLabelValues("in_flight").Inc()
	return nil, domain.ErrIdempotencyInFlight
}

func (c *Claims) redeem(ctx context.Context, tok *ClaimToken, payerHandle, callbackURL string) (*ClaimResult, error) {
	payout, err := c.store.GetPayoutByRef(ctx, tok.PayoutRef)
	if err != nil {
		return nil, err
	}
	if payout.Vendor != tok.Vendor {
		return nil, fmt.Errorf("payout %s belongs to another vendor: %w", tok.PayoutRef, domain.ErrTokenInvalid)
	}
	if payout.Status != domain.PayoutUnassigned {
		return nil, fmt.Errorf("payout %s is %s: %w", payout.Reference, payout.Status, domain.ErrInvalidState)
	}
	if tok.Amount != payout.RemainingBalance {
		return nil, fmt.Errorf("claim of %d against remaining %d: %w", tok.Amount, payout.RemainingBalance, domain.ErrAmountMismatch)
	}

	var out ClaimResult
	err = c.store.Transaction(ctx, func(tx *store.Store) error {
		payin := &domain.PayinRequest{
			Vendor:      tok.Vendor,
			PayerHandle: payerHandle,
			Amount:      tok.Amount,
			CallbackURL: callbackURL,
		}
		batch, remaining, err := c.ledger.WithTx(tx).OpenBatch(ctx, payout, payin)
		if err != nil {
			return err
		}
		rows, err := tx.CompleteIdempotency(ctx, tok.IdempotencyKey, payin.Reference, batch.Reference, c.now())
		if err != nil {
			return err
		}
		if rows == 0 {
			return domain.ErrIdempotencyInFlight
		}
		out = ClaimResult{Payin: payin, Batch: batch, Payout: payout, Remaining: remaining}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Payout.RemainingBalance = out.Remaining
	out.Payout.SplitCount++
	if out.Remaining == 0 {
		out.Payout.Status = domain.PayoutPending
	}
	return &out, nil
}
