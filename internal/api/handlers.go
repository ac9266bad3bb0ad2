package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/punchamoorthee/payflow/internal/models"
	"github.com/punchamoorthee/payflow/internal/service"
)

const defaultPayoutTTL = 24 * time.Hour

// SetClock overrides the wall clock used for new payouts.
func (h *Handler) SetClock(clock func() time.Time) { h.clock = clock }

func (h *Handler) CreatePayoutHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/payouts"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	var req models.CreatePayoutRequest
	if !h.decode(w, r, method, endpoint, &req) {
		return
	}
	amount, ok := h.amount(w, method, endpoint, req.Amount)
	if !ok {
		return
	}

	ttl := defaultPayoutTTL
	if req.ExpiresInSeconds > 0 {
		ttl = time.Duration(req.ExpiresInSeconds) * time.Second
	}
	if req.Reference == "" {
		req.Reference = uuid.NewString()
	}
	now := h.clock().UTC()
	p := &domain.PayoutRequest{
		Reference:         req.Reference,
		Vendor:            req.Vendor,
		TotalAmount:       amount,
		RemainingBalance:  amount,
		Status:            domain.PayoutUnassigned,
		BeneficiaryHandle: req.BeneficiaryHandle,
		CallbackURL:       req.CallbackURL,
		ExpiresAt:         now.Add(ttl),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := h.store.CreatePayout(r.Context(), p); err != nil {
		h.fail(w, method, endpoint, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/payouts/%s", p.Reference))
	h.respond(w, method, endpoint, http.StatusCreated, models.NewPayoutResponse(p, nil))
}

func (h *Handler) GetPayoutHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "GET", "/payouts/{ref}"
	p, err := h.store.GetPayoutByRef(r.Context(), mux.Vars(r)["ref"])
	if err != nil {
		h.fail(w, method, endpoint, err)
		return
	}
	batches, err := h.store.ListBatchesForPayout(r.Context(), p.ID)
	if err != nil {
		h.fail(w, method, endpoint, err)
		return
	}
	h.respond(w, method, endpoint, http.StatusOK, models.NewPayoutResponse(p, batches))
}

func (h *Handler) CreatePayinHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/payins"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	var req models.CreatePayinRequest
	if !h.decode(w, r, method, endpoint, &req) {
		return
	}
	amount, ok := h.amount(w, method, endpoint, req.Amount)
	if !ok {
		return
	}
	if req.Reference == "" {
		req.Reference = uuid.NewString()
	}

	a, err := h.core.Matcher.Assign(r.Context(), service.PayinIntent{
		Reference:   req.Reference,
		Vendor:      req.Vendor,
		PayerHandle: req.PayerHandle,
		Amount:      amount,
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		h.fail(w, method, endpoint, err)
		return
	}
	h.respond(w, method, endpoint, http.StatusCreated, models.AssignmentResponse{
		Payin:     models.NewPayinResponse(a.Payin),
		Batch:     models.NewBatchResponse(a.Batch),
		PayoutRef: a.Payout.Reference,
		Remaining: models.FormatMinor(a.Remaining),
	})
}

func (h *Handler) RecordEvidenceHandler(w http.ResponseWriter, r *http.Request) {
	h.sysConfirm(w, r, "/batches/{id}/evidence", h.core.Settlement.RecordEvidence)
}

func (h *Handler) AdminConfirmHandler(w http.ResponseWriter, r *http.Request) {
	h.sysConfirm(w, r, "/batches/{id}/admin-confirm", h.core.Settlement.AdminConfirm)
}

func (h *Handler) sysConfirm(w http.ResponseWriter, r *http.Request, endpoint string,
	apply func(ctx context.Context, batchID int64, evidenceRef string) (*domain.Batch, error)) {
	const method = "POST"
	id, ok := h.batchID(w, r, method, endpoint)
	if !ok {
		return
	}
	var req models.EvidenceRequest
	if !h.decode(w, r, method, endpoint, &req) {
		return
	}
	b, err := apply(r.Context(), id, req.EvidenceRef)
	if err != nil {
		h.fail(w, method, endpoint, err)
		return
	}
	h.respond(w, method, endpoint, http.StatusOK, models.NewBatchResponse(b))
}

func (h *Handler) ConfirmHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/batches/{id}/confirm"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	id, ok := h.batchID(w, r, method, endpoint)
	if !ok {
		return
	}
	c, err := h.core.Settlement.ConfirmByBeneficiary(r.Context(), id)
	if err != nil {
		h.fail(w, method, endpoint, err)
		return
	}
	h.respond(w, method, endpoint, http.StatusOK, models.ConfirmationResponse{
		Batch:          models.NewBatchResponse(c.Batch),
		PayoutStatus:   string(c.Payout.Status),
		PayoutSettled:  c.Settled,
		AlreadyApplied: c.AlreadyApplied,
	})
}

func (h *Handler) ExpireHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/batches/{id}/expire"
	id, ok := h.batchID(w, r, method, endpoint)
	if !ok {
		return
	}
	b, err := h.core.Settlement.Expire(r.Context(), id)
	if err != nil {
		h.fail(w, method, endpoint, err)
		return
	}
	h.respond(w, method, endpoint, http.StatusOK, models.NewBatchResponse(b))
}

func (h *Handler) SubmitEvidenceHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/evidence"
	var req models.SubmitEvidenceRequest
	if !h.decode(w, r, method, endpoint, &req) {
		return
	}
	amount, ok := h.amount(w, method, endpoint, req.Amount)
	if !ok {
		return
	}
	b, err := h.core.Settlement.SubmitEvidence(r.Context(), req.PayinRef, amount, req.EvidenceRef, domain.EvidenceSource(req.Source))
	if err != nil {
		// the evidence row is stored even when it does not match the open batch
		if errors.Is(err, domain.ErrAmountMismatch) {
			h.respond(w, method, endpoint, http.StatusAccepted, map[string]string{
				"status": "stored",
				"detail": err.Error(),
			})
			return
		}
		h.fail(w, method, endpoint, err)
		return
	}
	h.respond(w, method, endpoint, http.StatusOK, models.NewBatchResponse(b))
}

func (h *Handler) IssueTokenHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/claims/tokens"
	var req models.IssueTokenRequest
	if !h.decode(w, r, method, endpoint, &req) {
		return
	}
	amount, ok := h.amount(w, method, endpoint, req.Amount)
	if !ok {
		return
	}
	p, err := h.store.GetPayoutByRef(r.Context(), req.PayoutRef)
	if err != nil {
		h.fail(w, method, endpoint, err)
		return
	}
	if p.Vendor != req.Vendor {
		h.respondError(w, method, endpoint, http.StatusNotFound, "Not found")
		return
	}
	if p.Status != domain.PayoutUnassigned {
		h.fail(w, method, endpoint, fmt.Errorf("payout is %s: %w", p.Status, domain.ErrInvalidState))
		return
	}
	if amount != p.RemainingBalance {
		h.fail(w, method, endpoint, fmt.Errorf("claim must cover the remaining balance %s: %w",
			models.FormatMinor(p.RemainingBalance), domain.ErrAmountMismatch))
		return
	}

	token, tok, err := h.core.Tokens.Issue(req.Vendor, req.PayoutRef, amount,
		time.Duration(req.TTLSeconds)*time.Second, req.IdempotencyKey)
	if err != nil {
		h.fail(w, method, endpoint, err)
		return
	}
	h.respond(w, method, endpoint, http.StatusCreated, models.TokenResponse{
		Token:          token,
		IdempotencyKey: tok.IdempotencyKey,
		ExpiresAt:      tok.ExpiresAt(),
	})
}

func (h *Handler) VerifyTokenHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/claims/verify"
	var req models.TokenRequest
	if !h.decode(w, r, method, endpoint, &req) {
		return
	}
	tok, err := h.core.Tokens.Verify(req.Token)
	if err != nil {
		h.fail(w, method, endpoint, err)
		return
	}
	h.respond(w, method, endpoint, http.StatusOK, models.ClaimPayload{
		Vendor:         tok.Vendor,
		PayoutRef:      tok.PayoutRef,
		Amount:         models.FormatMinor(tok.Amount),
		IssuedAt:       tok.IssuedAt,
		TTLSeconds:     int64(tok.TTL / time.Second),
		Nonce:          tok.Nonce,
		IdempotencyKey: tok.IdempotencyKey,
	})
}

func (h *Handler) ClaimHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/claims"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	var req models.ClaimRequest
	if !h.decode(w, r, method, endpoint, &req) {
		return
	}
	res, err := h.core.Claims.Claim(r.Context(), req.Token, req.PayerHandle, req.CallbackURL)
	if err != nil {
		h.fail(w, method, endpoint, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	out := models.AssignmentResponse{
		Payin:     models.NewPayinResponse(res.Payin),
		PayoutRef: res.Payout.Reference,
		Remaining: models.FormatMinor(res.Remaining),
		Replayed:  res.Replayed,
	}
	if res.Batch != nil {
		out.Batch = models.NewBatchResponse(res.Batch)
	}
	h.respond(w, method, endpoint, status, out)
}

func (h *Handler) SweepHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/sweeps"
	report, err := h.core.Scheduler.RunOnce(r.Context())
	if err != nil {
		h.fail(w, method, endpoint, err)
		return
	}
	h.respond(w, method, endpoint, http.StatusOK, report)
}

func (h *Handler) AuditHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "GET", "/audit"
	report, err := h.core.Ledger.Audit(r.Context())
	if err != nil {
		h.fail(w, method, endpoint, err)
		return
	}
	h.respond(w, method, endpoint, http.StatusOK, report)
}
