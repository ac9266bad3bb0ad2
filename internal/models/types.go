package models

import (
	"time"

	"github.com/punchamoorthee/payflow/internal/domain"
)

// CreatePayoutRequest registers a withdrawal obligation.
type CreatePayoutRequest struct {
	Reference         string `json:"reference" validate:"omitempty,max=64"`
	Vendor            string `json:"vendor" validate:"required,max=64"`
	Amount            string `json:"amount" validate:"required,positive_amount"`
	BeneficiaryHandle string `json:"beneficiary_handle" validate:"required,max=128"`
	CallbackURL       string `json:"callback_url" validate:"omitempty,url,max=512"`
	ExpiresInSeconds  int    `json:"expires_in_seconds" validate:"omitempty,min=60"`
}

// CreatePayinRequest is a deposit to be matched.
type CreatePayinRequest struct {
	Reference   string `json:"reference" validate:"omitempty,max=64"`
	Vendor      string `json:"vendor" validate:"required,max=64"`
	PayerHandle string `json:"payer_handle" validate:"required,max=128"`
	Amount      string `json:"amount" validate:"required,positive_amount"`
	CallbackURL string `json:"callback_url" validate:"omitempty,url,max=512"`
}

// EvidenceRequest attaches a proof of payment to a batch.
type EvidenceRequest struct {
	EvidenceRef string `json:"evidence_ref" validate:"required,max=128"`
}

// SubmitEvidenceRequest is an evidence row from an external extractor.
type SubmitEvidenceRequest struct {
	PayinRef    string `json:"payin_ref" validate:"required"`
	Amount      string `json:"amount" validate:"required,positive_amount"`
	EvidenceRef string `json:"evidence_ref" validate:"required,max=128"`
	Source      string `json:"source" validate:"required,oneof=ocr sms admin"`
}

// IssueTokenRequest asks for a claim token over a payout's full remaining balance.
type IssueTokenRequest struct {
	Vendor         string `json:"vendor" validate:"required,max=64"`
	PayoutRef      string `json:"payout_ref" validate:"required"`
	Amount         string `json:"amount" validate:"required,positive_amount"`
	TTLSeconds     int64  `json:"ttl_seconds" validate:"omitempty,min=1,max=86400"`
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=128"`
}

type TokenRequest struct {
	Token string `json:"token" validate:"required"`
}

// ClaimRequest redeems a claim token on behalf of a payer.
type ClaimRequest struct {
	Token       string `json:"token" validate:"required"`
	PayerHandle string `json:"payer_handle" validate:"required,max=128"`
	CallbackURL string `json:"callback_url" validate:"omitempty,url,max=512"`
}

type TokenResponse struct {
	Token          string    `json:"token"`
	IdempotencyKey string    `json:"idempotency_key"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// ClaimPayload is the verified content of a claim token.
type ClaimPayload struct {
	Vendor         string    `json:"vendor"`
	PayoutRef      string    `json:"payout_ref"`
	Amount         string    `json:"amount"`
	IssuedAt       time.Time `json:"issued_at"`
	TTLSeconds     int64     `json:"ttl_seconds"`
	Nonce          string    `json:"nonce"`
	IdempotencyKey string    `json:"idempotency_key"`
}

type PayoutResponse struct {
	Reference         string          `json:"reference"`
	Vendor            string          `json:"vendor"`
	TotalAmount       string          `json:"total_amount"`
	RemainingBalance  string          `json:"remaining_balance"`
	PaidTotal         string          `json:"paid_total"`
	SplitCount        int             `json:"split_count"`
	Status            string          `json:"status"`
	BeneficiaryHandle string          `json:"beneficiary_handle"`
	FinalEvidenceRef  string          `json:"final_evidence_ref,omitempty"`
	ExpiresAt         time.Time       `json:"expires_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	Batches           []BatchResponse `json:"batches,omitempty"`
}

type PayinResponse struct {
	Reference   string     `json:"reference"`
	Vendor      string     `json:"vendor"`
	PayerHandle string     `json:"payer_handle"`
	Amount      string     `json:"amount"`
	Status      string     `json:"status"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
}

type BatchResponse struct {
	ID                  int64      `json:"id"`
	Reference           string     `json:"reference"`
	Amount              string     `json:"amount"`
	State               string     `json:"state"`
	EvidenceRef         string     `json:"evidence_ref,omitempty"`
	SysConfirmedAt      *time.Time `json:"sys_confirmed_at,omitempty"`
	AdminConfirmedAt    *time.Time `json:"admin_confirmed_at,omitempty"`
	CustomerConfirmedAt *time.Time `json:"customer_confirmed_at,omitempty"`
	ExpiredAt           *time.Time `json:"expired_at,omitempty"`
	Reassigned          bool       `json:"reassigned,omitempty"`
}

// AssignmentResponse is returned for a matched deposit or a redeemed claim.
type AssignmentResponse struct {
	Payin     PayinResponse `json:"payin"`
	Batch     BatchResponse `json:"batch"`
	PayoutRef string        `json:"payout_ref"`
	Remaining string        `json:"remaining_balance"`
	Replayed  bool          `json:"replayed,omitempty"`
}

type ConfirmationResponse struct {
	Batch          BatchResponse `json:"batch"`
	PayoutStatus   string        `json:"payout_status"`
	PayoutSettled  bool          `json:"payout_settled"`
	AlreadyApplied bool          `json:"already_applied,omitempty"`
}

func NewPayoutResponse(p *domain.PayoutRequest, batches []domain.Batch) PayoutResponse {
	out := PayoutResponse{
		Reference:         p.Reference,
		Vendor:            p.Vendor,
		TotalAmount:       FormatMinor(p.TotalAmount),
		RemainingBalance:  FormatMinor(p.RemainingBalance),
		PaidTotal:         FormatMinor(p.PaidTotal),
		SplitCount:        p.SplitCount,
		Status:            string(p.Status),
		BeneficiaryHandle: p.BeneficiaryHandle,
		FinalEvidenceRef:  p.FinalEvidenceRef,
		ExpiresAt:         p.ExpiresAt,
		CompletedAt:       p.CompletedAt,
	}
	for i := range batches {
		out.Batches = append(out.Batches, NewBatchResponse(&batches[i]))
	}
	return out
}

func NewPayinResponse(p *domain.PayinRequest) PayinResponse {
	return PayinResponse{
		Reference:   p.Reference,
		Vendor:      p.Vendor,
		PayerHandle: p.PayerHandle,
		Amount:      FormatMinor(p.Amount),
		Status:      string(p.Status),
		ExpiresAt:   p.ExpiresAt,
		ApprovedAt:  p.ApprovedAt,
	}
}

func NewBatchResponse(b *domain.Batch) BatchResponse {
	return BatchResponse{
		ID:                  b.ID,
		Reference:           b.Reference,
		Amount:              FormatMinor(b.Amount),
		State:               string(b.State),
		EvidenceRef:         b.EvidenceRef,
		SysConfirmedAt:      b.SysConfirmedAt,
		AdminConfirmedAt:    b.AdminConfirmedAt,
		CustomerConfirmedAt: b.CustomerConfirmedAt,
		ExpiredAt:           b.ExpiredAt,
		Reassigned:          b.Reassigned,
	}
}
