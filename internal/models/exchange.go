package models

import "time"

// ExchangeState is the lifecycle state of a cash-out request.
type ExchangeState string

const (
	ExchangePending  ExchangeState = "PENDING"
	ExchangeApproved ExchangeState = "APPROVED"
	ExchangeRejected ExchangeState = "REJECTED"
)

// Terminal reports whether the state admits no further transition.
func (s ExchangeState) Terminal() bool {
	return s == ExchangeApproved || s == ExchangeRejected
}

// ExchangeRequest is a request to convert mileage into a bank deposit. A row
// is mutated exactly once, by the transition out of PENDING, and never
// deleted.
type ExchangeRequest struct {
	ID            string        `db:"id" json:"id"`
	UserID        string        `db:"user_id" json:"user_id"`
	Amount        int64         `db:"amount" json:"amount"`
	State         ExchangeState `db:"state" json:"state"`
	Reason        string        `db:"reason" json:"reason"`
	AppliedAt     time.Time     `db:"applied_at" json:"applied_at"`
	ProcessedAt   *time.Time    `db:"processed_at" json:"processed_at,omitempty"`
	ReviewerID    *string       `db:"reviewer_id" json:"reviewer_id,omitempty"`
	RejectReason  *string       `db:"reject_reason" json:"reject_reason,omitempty"`
	SettlementRef *string       `db:"settlement_ref" json:"settlement_ref,omitempty"`
}

// ExchangeDetail joins the request with the applicant for admin listings.
type ExchangeDetail struct {
	ExchangeRequest
	UserName  string `db:"user_name" json:"user_name"`
	UserEmail string `db:"user_email" json:"user_email"`
	OrgID     string `db:"org_id" json:"org_id"`
}

// ExchangeFilter captures criteria for listing exchange requests.
type ExchangeFilter struct {
	UserID    string
	OrgID     string
	State     ExchangeState
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// Settlement is the idempotency record for an external deposit. At most one
// row exists per exchange; its presence means the money has moved.
type Settlement struct {
	ExchangeID     string    `db:"exchange_id" json:"exchange_id"`
	UserID         string    `db:"user_id" json:"user_id"`
	Amount         int64     `db:"amount" json:"amount"`
	TransactionRef string    `db:"transaction_ref" json:"transaction_ref"`
	DepositedAt    time.Time `db:"deposited_at" json:"deposited_at"`
}
