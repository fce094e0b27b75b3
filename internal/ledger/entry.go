// Package ledger holds the contract between payment execution and the wallet
// ledger: the fee reimbursement arithmetic and the entries posted after a send.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"satspay/internal/lightning"
)

// Outcome is what is known about a payment when its entry is posted.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeFailed        Outcome = "failed"
	OutcomeIndeterminate Outcome = "indeterminate"
)

// Instruction tells the ledger what to do with the payer's reservation.
type Instruction string

const (
	// InstructionSettle debits the amount and fee, crediting any reimbursement.
	InstructionSettle Instruction = "settle"
	// InstructionRelease returns the whole reservation to the payer.
	InstructionRelease Instruction = "release"
	// InstructionHold keeps the reservation until the payment resolves.
	InstructionHold Instruction = "hold"
)

// Entry is posted once per resolved step of a payment. An indeterminate entry
// is later followed by a success or failed entry for the same payment.
type Entry struct {
	ID            uuid.UUID
	WalletID      string
	PaymentHash   lightning.PaymentHash
	Amount        lightning.Satoshis
	Fee           lightning.Satoshis
	Reimbursement *lightning.Satoshis
	Outcome       Outcome
	Reason        string
	Memo          string
	CreatedAt     time.Time
}

// NewEntry stamps an entry with a fresh ID and the current time.
func NewEntry(walletID string, hash lightning.PaymentHash, amount lightning.Satoshis, outcome Outcome) Entry {
	return Entry{
		ID:          uuid.New(),
		WalletID:    walletID,
		PaymentHash: hash,
		Amount:      amount,
		Outcome:     outcome,
		CreatedAt:   time.Now().UTC(),
	}
}

// Instruction never releases anything for an indeterminate outcome.
func (e Entry) Instruction() Instruction {
	switch e.Outcome {
	case OutcomeSuccess:
		return InstructionSettle
	case OutcomeFailed:
		return InstructionRelease
	default:
		return InstructionHold
	}
}

func (e Entry) String() string {
	s := fmt.Sprintf("%s %s wallet=%s amount=%d fee=%d", e.Outcome, e.PaymentHash, e.WalletID, e.Amount, e.Fee)
	if e.Reimbursement != nil {
		s += fmt.Sprintf(" reimbursement=%d", *e.Reimbursement)
	}
	return s
}

// Writer posts entries to the ledger.
type Writer interface {
	Post(ctx context.Context, e Entry) error
}
