package lightning

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lnwire"
)

var ErrNegativeAmount = errors.New("amount must not be negative")

// Satoshis is the unit of settlement.
type Satoshis int64

func NewSatoshis(v int64) (Satoshis, error) {
	if v < 0 {
		return 0, fmt.Errorf("%w: %d sats", ErrNegativeAmount, v)
	}
	return Satoshis(v), nil
}

func (s Satoshis) MilliSatoshis() MilliSatoshis {
	return MilliSatoshis(int64(s) * 1000)
}

// String renders the amount in BTC, e.g. "0.00021 BTC".
func (s Satoshis) String() string {
	return btcutil.Amount(s).String()
}

// MilliSatoshis is the unit of fee precision inside route computations.
type MilliSatoshis int64

func NewMilliSatoshis(v int64) (MilliSatoshis, error) {
	if v < 0 {
		return 0, fmt.Errorf("%w: %d msat", ErrNegativeAmount, v)
	}
	return MilliSatoshis(v), nil
}

func fromWire(m lnwire.MilliSatoshi) MilliSatoshis {
	return MilliSatoshis(m)
}

// Satoshis truncates to whole satoshis.
func (m MilliSatoshis) Satoshis() Satoshis {
	return Satoshis(int64(m) / 1000)
}

// SafeSatoshis rounds up to whole satoshis: the worst case the payer can be
// charged for a millisatoshi amount.
func (m MilliSatoshis) SafeSatoshis() Satoshis {
	return Satoshis((int64(m) + 999) / 1000)
}

func (m MilliSatoshis) Wire() lnwire.MilliSatoshi {
	return lnwire.MilliSatoshi(m)
}

func (m MilliSatoshis) String() string {
	return fmt.Sprintf("%d msat", int64(m))
}
