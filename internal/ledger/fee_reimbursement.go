package ledger

import "satspay/internal/lightning"

// FeeReimbursement reconciles the fee reserved before a send against the fee
// the node reports after settlement.
type FeeReimbursement struct {
	prepaid lightning.Satoshis
}

func NewFeeReimbursement(prepaidFee lightning.Satoshis) FeeReimbursement {
	return FeeReimbursement{prepaid: prepaidFee}
}

func (f FeeReimbursement) PrepaidFee() lightning.Satoshis { return f.prepaid }

// Reimbursement returns the unused part of the reservation. ok is false when
// nothing was reserved or the actual fee used all of it; overspend is not
// charged back here.
func (f FeeReimbursement) Reimbursement(actualFee lightning.Satoshis) (lightning.Satoshis, bool) {
	if f.prepaid == 0 || actualFee >= f.prepaid {
		return 0, false
	}
	return f.prepaid - actualFee, true
}

const (
	ReserveBasisPoints = 50
	MinFeeReserve      = lightning.Satoshis(10)
)

// FeeReserve is the routing fee held back from the payer before a send:
// ReserveBasisPoints of the amount, rounded up, and never below MinFeeReserve.
func FeeReserve(amount lightning.Satoshis) lightning.Satoshis {
	reserve := (int64(amount)*ReserveBasisPoints + 9_999) / 10_000
	if lightning.Satoshis(reserve) < MinFeeReserve {
		return MinFeeReserve
	}
	return lightning.Satoshis(reserve)
}
