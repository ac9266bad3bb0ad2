package domain

import (
	"time"
)

// PayoutStatus is the lifecycle status of a withdrawal obligation.
type PayoutStatus string

const (
	// PayoutUnassigned payouts are open for matching.
	PayoutUnassigned PayoutStatus = "unassigned"
	// PayoutPending payouts are fully allocated and waiting for confirmations.
	PayoutPending  PayoutStatus = "pending"
	PayoutApproved PayoutStatus = "approved"
	PayoutExpired  PayoutStatus = "expired"
)

// PayinStatus is the lifecycle status of a deposit.
type PayinStatus string

const (
	PayinPending  PayinStatus = "pending"
	PayinApproved PayinStatus = "approved"
	PayinExpired  PayinStatus = "expired"
)

// BatchState is the explicit confirmation state of an allocation.
// Timestamps on Batch are transition metadata only.
type BatchState string

const (
	BatchPending           BatchState = "PENDING"
	BatchSysConfirmed      BatchState = "SYS_CONFIRMED"
	BatchCustomerConfirmed BatchState = "CUSTOMER_CONFIRMED"
	BatchExpired           BatchState = "EXPIRED"
)

// Terminal reports whether no further transition is possible.
func (s BatchState) Terminal() bool {
	return s == BatchCustomerConfirmed || s == BatchExpired
}

// Open reports whether the batch still holds an allocation against its payout.
func (s BatchState) Open() bool {
	return s == BatchPending || s == BatchSysConfirmed
}

// CanTransition reports whether from -> to is a legal forward move.
func CanTransition(from, to BatchState) bool {
	switch from {
	case BatchPending:
		return to == BatchSysConfirmed || to == BatchExpired
	case BatchSysConfirmed:
		return to == BatchCustomerConfirmed
	default:
		return false
	}
}

// PayoutRequest is an obligation to pay a beneficiary, funded by one or more batches.
// Amounts are minor units.
type PayoutRequest struct {
	ID                int64        `gorm:"primaryKey" json:"id"`
	Reference         string       `gorm:"size:64;uniqueIndex;not null" json:"reference"`
	Vendor            string       `gorm:"size:64;index:idx_payout_match,priority:1;not null" json:"vendor"`
	TotalAmount       int64        `gorm:"not null" json:"total_amount"`
	RemainingBalance  int64        `gorm:"not null" json:"remaining_balance"`
	PaidTotal         int64        `gorm:"not null;default:0" json:"paid_total"`
	SplitCount        int          `gorm:"not null;default:0" json:"split_count"`
	Status            PayoutStatus `gorm:"size:16;index:idx_payout_match,priority:2;not null" json:"status"`
	BeneficiaryHandle string       `gorm:"size:128;not null" json:"beneficiary_handle"`
	CallbackURL       string       `gorm:"size:512" json:"callback_url,omitempty"`
	FinalEvidenceRef  string       `gorm:"size:128" json:"final_evidence_ref,omitempty"`
	ExpiresAt         time.Time    `gorm:"index;not null" json:"expires_at"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty"`
	CreatedAt         time.Time    `gorm:"index:idx_payout_match,priority:3;not null" json:"created_at"`
	UpdatedAt         time.Time    `gorm:"not null" json:"updated_at"`
}

// PayinRequest is an incoming deposit.
type PayinRequest struct {
	ID               int64       `gorm:"primaryKey" json:"id"`
	Reference        string      `gorm:"size:64;uniqueIndex;not null" json:"reference"`
	Vendor           string      `gorm:"size:64;index:idx_payin_payer,priority:1;not null" json:"vendor"`
	PayerHandle      string      `gorm:"size:128;index:idx_payin_payer,priority:2;not null" json:"payer_handle"`
	Amount           int64       `gorm:"not null" json:"amount"`
	Status           PayinStatus `gorm:"size:16;index;not null" json:"status"`
	CallbackURL      string      `gorm:"size:512" json:"callback_url,omitempty"`
	ReassignedFromID *int64      `json:"reassigned_from_id,omitempty"`
	ExpiresAt        time.Time   `gorm:"not null" json:"expires_at"`
	ApprovedAt       *time.Time  `json:"approved_at,omitempty"`
	CreatedAt        time.Time   `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time   `gorm:"not null" json:"updated_at"`
}

// Batch links one payin amount to one payout.
type Batch struct {
	ID                  int64      `gorm:"primaryKey" json:"id"`
	Reference           string     `gorm:"size:64;uniqueIndex;not null" json:"reference"`
	PayoutID            int64      `gorm:"index;not null" json:"payout_id"`
	PayinID             *int64     `json:"payin_id,omitempty"`
	Amount              int64      `gorm:"not null" json:"amount"`
	Vendor              string     `gorm:"size:64;index;not null" json:"vendor"`
	State               BatchState `gorm:"size:24;index;not null" json:"state"`
	EvidenceRef         string     `gorm:"size:128" json:"evidence_ref,omitempty"`
	SysConfirmedAt      *time.Time `json:"sys_confirmed_at,omitempty"`
	CustomerConfirmedAt *time.Time `json:"customer_confirmed_at,omitempty"`
	AdminConfirmedAt    *time.Time `json:"admin_confirmed_at,omitempty"`
	ExpiredAt           *time.Time `json:"expired_at,omitempty"`
	Reassigned          bool       `gorm:"not null;default:false" json:"reassigned"`
	ReassignedToID      *int64     `json:"reassigned_to_id,omitempty"`
	CreatedAt           time.Time  `gorm:"index;not null" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"not null" json:"updated_at"`
}

// IdempotencyRecord ties a claim attempt to at most one payin. Never deleted.
type IdempotencyRecord struct {
	Key       string    `gorm:"column:idempotency_key;primaryKey;size:128" json:"key"`
	Vendor    string    `gorm:"size:64;not null" json:"vendor"`
	PayoutRef string    `gorm:"size:64;not null" json:"payout_ref"`
	Amount    int64     `gorm:"not null" json:"amount"`
	PayinRef  *string   `gorm:"size:64" json:"payin_ref,omitempty"`
	BatchRef  *string   `gorm:"size:64" json:"batch_ref,omitempty"`
	LastError string    `gorm:"size:255" json:"last_error,omitempty"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// EvidenceSource names where a proof of payment came from.
type EvidenceSource string

const (
	EvidenceOCR   EvidenceSource = "ocr"
	EvidenceSMS   EvidenceSource = "sms"
	EvidenceAdmin EvidenceSource = "admin"
)

// PaymentEvidence is an externally supplied (amount, reference) pair correlated to a payin.
type PaymentEvidence struct {
	ID          int64          `gorm:"primaryKey" json:"id"`
	PayinID     int64          `gorm:"index;not null" json:"payin_id"`
	Amount      int64          `gorm:"not null" json:"amount"`
	EvidenceRef string         `gorm:"size:128;not null" json:"evidence_ref"`
	Source      EvidenceSource `gorm:"size:16;not null" json:"source"`
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
}

// CallbackMessage is a transactional-outbox row for a settlement notification.
type CallbackMessage struct {
	ID            int64      `gorm:"primaryKey" json:"id"`
	EventKey      string     `gorm:"size:160;uniqueIndex;not null" json:"event_key"`
	URL           string     `gorm:"size:512;not null" json:"url"`
	Payload       []byte     `gorm:"not null" json:"payload"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt time.Time  `gorm:"index;not null" json:"next_attempt_at"`
	LockedUntil   *time.Time `json:"locked_until,omitempty"`
	DeliveredAt   *time.Time `gorm:"index" json:"delivered_at,omitempty"`
	DeadAt        *time.Time `json:"dead_at,omitempty"`
	LastError     string     `gorm:"size:512" json:"last_error,omitempty"`
	CreatedAt     time.Time  `gorm:"not null" json:"created_at"`
}

// ReconciliationFlag records a ledger discrepancy found by the audit. Never auto-corrected.
type ReconciliationFlag struct {
	ID          int64     `gorm:"primaryKey" json:"id"`
	PayoutID    int64     `gorm:"index;not null" json:"payout_id"`
	Kind        string    `gorm:"size:32;not null" json:"kind"`
	Detail      string    `gorm:"size:255" json:"detail"`
	Discrepancy int64     `gorm:"not null" json:"discrepancy"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`
}

func (PayoutRequest) TableName() string { return "payout_requests" }
func (PayinRequest) TableName() string { return "payin_requests" }
func (Batch) TableName() string { return "batches" }
func (IdempotencyRecord) TableName() string { return "idempotency_records" }
func (PaymentEvidence) TableName() string { return "payment_evidence" }
func (CallbackMessage) TableName() string { return "callback_outbox" }
func (ReconciliationFlag) TableName() string { return "reconciliation_flags" }
