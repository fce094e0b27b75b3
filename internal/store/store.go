package store

import (
	"context"
	"time"

	"satspay/internal/ledger"
	"satspay/internal/lightning"
)

// AttemptState is the lifecycle of one (wallet, payment hash) send.
type AttemptState string

const (
	// StatePending: claimed and possibly sent, outcome not yet recorded.
	StatePending       AttemptState = "pending"
	StateSucceeded     AttemptState = "succeeded"
	StateFailed        AttemptState = "failed"
	StateIndeterminate AttemptState = "indeterminate"
)

// Attempt is the single-writer record that guards against paying the same
// invoice twice from one wallet. Only a failed attempt may be claimed again.
type Attempt struct {
	WalletID    string
	PaymentHash lightning.PaymentHash
	Amount      lightning.Satoshis
	State       AttemptState
	Fee         lightning.Satoshis
	Reason      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Invoice is a registered invoice kept for presentation.
type Invoice struct {
	PaymentHash    lightning.PaymentHash
	WalletID       string
	PaymentRequest lightning.EncodedPaymentRequest
	Satoshis       lightning.Satoshis
	Description    string
	Pubkey         lightning.Pubkey
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// Stats contains aggregate statistics about payments and invoices.
type Stats struct {
	TotalAttempts int
	Succeeded     int
	Failed        int
	Indeterminate int
	Pending       int
	AmountSent    int64
	FeesPaid      int64
	Reimbursed    int64
	LedgerEntries int
	Invoices      int
	OldestAttempt time.Time
	NewestAttempt time.Time
}

// Store defines the interface for payment persistence.
type Store interface {
	BeginAttempt(ctx context.Context, walletID string, hash lightning.PaymentHash, amount lightning.Satoshis) (prior AttemptState, ok bool, err error)
	FinishAttempt(ctx context.Context, walletID string, hash lightning.PaymentHash, state AttemptState, fee lightning.Satoshis, reason string) error
	GetAttempt(ctx context.Context, walletID string, hash lightning.PaymentHash) (*Attempt, error)
	ListAttempts(ctx context.Context, states ...AttemptState) ([]*Attempt, error)

	ReserveFee(ctx context.Context, walletID string, hash lightning.PaymentHash, fee lightning.Satoshis) error
	PrepaidFee(ctx context.Context, walletID string, hash lightning.PaymentHash) (lightning.Satoshis, error)

	Post(ctx context.Context, e ledger.Entry) error
	ListEntries(ctx context.Context, walletID string, hash lightning.PaymentHash) ([]ledger.Entry, error)

	SaveInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, hash lightning.PaymentHash) (*Invoice, error)

	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
