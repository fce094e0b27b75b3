package lightning

import (
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/lnwire"
)

// RouteHint is one hop of a private route fragment carried in an invoice.
type RouteHint struct {
	BaseFeeMTokens MilliSatoshis `json:"base_fee_mtokens"`
	Channel        string        `json:"channel"`
	CltvDelta      uint16        `json:"cltv_delta"`
	FeeRate        uint32        `json:"fee_rate"`
	NodePubkey     Pubkey        `json:"node_pubkey"`
}

// LnInvoice is a decoded payment request. Values are only produced by a
// Decoder, so the payment hash always agrees with the encoded request.
type LnInvoice struct {
	amount         *Satoshis
	cltvDelta      *uint64
	routeHints     [][]RouteHint
	destination    Pubkey
	paymentHash    PaymentHash
	paymentSecret  *PaymentSecret
	paymentRequest EncodedPaymentRequest
	description    string
	createdAt      time.Time
	expiresAt      time.Time
}

// Amount returns the requested amount; ok is false for "any amount" invoices.
func (i *LnInvoice) Amount() (Satoshis, bool) {
	if i.amount == nil {
		return 0, false
	}
	return *i.amount, true
}

func (i *LnInvoice) CltvDelta() (uint64, bool) {
	if i.cltvDelta == nil {
		return 0, false
	}
	return *i.cltvDelta, true
}

// RouteHints returns a copy of the hint paths in encoded order.
func (i *LnInvoice) RouteHints() [][]RouteHint {
	out := make([][]RouteHint, len(i.routeHints))
	for n, path := range i.routeHints {
		out[n] = append([]RouteHint(nil), path...)
	}
	return out
}

func (i *LnInvoice) Destination() Pubkey                   { return i.destination }
func (i *LnInvoice) PaymentHash() PaymentHash              { return i.paymentHash }
func (i *LnInvoice) PaymentRequest() EncodedPaymentRequest { return i.paymentRequest }
func (i *LnInvoice) Description() string                   { return i.description }
func (i *LnInvoice) CreatedAt() time.Time                  { return i.createdAt }
func (i *LnInvoice) ExpiresAt() time.Time                  { return i.expiresAt }

func (i *LnInvoice) PaymentSecret() (PaymentSecret, bool) {
	if i.paymentSecret == nil {
		return "", false
	}
	return *i.paymentSecret, true
}

func (i *LnInvoice) IsExpired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}

// formatChannel renders a short channel id the way route hints and routes
// spell it: <block>x<tx>x<output>.
func formatChannel(id uint64) string {
	scid := lnwire.NewShortChanIDFromInt(id)
	return fmt.Sprintf("%dx%dx%d", scid.BlockHeight, scid.TxIndex, scid.TxPosition)
}

// parseChannel is the inverse of formatChannel.
func parseChannel(s string) (uint64, error) {
	var block, tx uint32
	var out uint16
	if _, err := fmt.Sscanf(s, "%dx%dx%d", &block, &tx, &out); err != nil {
		return 0, fmt.Errorf("invalid channel %q: %w", s, err)
	}
	if block >= 1<<24 || tx >= 1<<24 {
		return 0, fmt.Errorf("invalid channel %q: out of range", s)
	}
	scid := lnwire.ShortChannelID{BlockHeight: block, TxIndex: tx, TxPosition: out}
	return scid.ToUint64(), nil
}
