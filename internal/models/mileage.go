package models

import "time"

// MileageEntry is an immutable, append-only ledger fact. A positive amount is
// a grant, a negative amount a debit. Debits always reference the exchange
// that settled them; the unique index on related_exchange_id is what makes
// debit recording idempotent.
type MileageEntry struct {
	ID                   string    `db:"id" json:"id"`
	UserID               string    `db:"user_id" json:"user_id"`
	Amount               int64     `db:"amount" json:"amount"`
	Reason               string    `db:"reason" json:"reason"`
	RelatedScholarshipID *string   `db:"related_scholarship_id" json:"related_scholarship_id,omitempty"`
	RelatedExchangeID    *string   `db:"related_exchange_id" json:"related_exchange_id,omitempty"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
}

// BalanceSnapshot is the derived per-user balance. It is never stored; every
// snapshot is recomputed from the ledger and the exchange table.
type BalanceSnapshot struct {
	UserID    string `json:"user_id"`
	Total     int64  `json:"total"`
	Committed int64  `json:"committed"`
	Available int64  `json:"available"`
}

// MileageFilter captures criteria for listing ledger entries.
type MileageFilter struct {
	UserID   string
	Page     int
	PageSize int
}
