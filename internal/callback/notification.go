// Package callback delivers settlement notifications from the transactional outbox.
package callback

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/punchamoorthee/payflow/internal/models"
)

// Notification is the JSON body POSTed to a vendor callback URL.
type Notification struct {
	Event       string          `json:"event"`
	Reference   string          `json:"reference"`
	PayoutRef   string          `json:"payout_ref,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"`
	EvidenceRef string          `json:"evidence_ref,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// EventKey is the outbox dedupe key: one row per event per entity.
func EventKey(event, reference string) string {
	return event + ":" + reference
}

// NewMessage builds the outbox row for n, due immediately.
func NewMessage(url string, n Notification) (*domain.CallbackMessage, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return &domain.CallbackMessage{
		EventKey:      EventKey(n.Event, n.Reference),
		URL:           url,
		Payload:       body,
		NextAttemptAt: n.OccurredAt,
		CreatedAt:     n.OccurredAt,
	}, nil
}

func PayinApproved(p *domain.PayinRequest, payoutRef string, at time.Time) Notification {
	return Notification{
		Event:      "payin.approved",
		Reference:  p.Reference,
		PayoutRef:  payoutRef,
		Amount:     models.Decimal(p.Amount),
		Status:     string(domain.PayinApproved),
		OccurredAt: at,
	}
}

func PayoutApproved(p *domain.PayoutRequest, evidenceRef string, at time.Time) Notification {
	return Notification{
		Event:       "payout.approved",
		Reference:   p.Reference,
		PayoutRef:   p.Reference,
		Amount:      models.Decimal(p.TotalAmount),
		Status:      string(domain.PayoutApproved),
		EvidenceRef: evidenceRef,
		OccurredAt:  at,
	}
}

func PayoutExpired(p *domain.PayoutRequest, at time.Time) Notification {
	return Notification{
		Event:      "payout.expired",
		Reference:  p.Reference,
		PayoutRef:  p.Reference,
		Amount:     models.Decimal(p.TotalAmount - p.PaidTotal),
		Status:     string(domain.PayoutExpired),
		OccurredAt: at,
	}
}
