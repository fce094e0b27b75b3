package lightning

import (
	"context"
	"time"
)

// RegisterInvoiceArgs describes an invoice to create on the node.
type RegisterInvoiceArgs struct {
	Description string
	Satoshis    Satoshis
	ExpiresAt   InvoiceExpiration
}

// RegisteredInvoice pairs a new invoice with the node identity that will be
// paid.
type RegisteredInvoice struct {
	Invoice *LnInvoice
	Pubkey  Pubkey
}

type PayRequestArgs struct {
	Invoice *LnInvoice
	// MaxFee caps the routing fee the node may spend. Zero leaves the
	// limit to the node. AlbyClient cannot pass it on.
	MaxFee  Satoshis
	Timeout TimeoutMSecs
}

type PayToRouteArgs struct {
	Route       *PaymentRoute
	Destination Pubkey
	PaymentHash PaymentHash
	// PaymentSecret is the invoice's payment address, if it has one.
	PaymentSecret *PaymentSecret
	Timeout       TimeoutMSecs
}

// PaymentResult is returned only for settled payments.
type PaymentResult struct {
	// SafeFee is the fee rounded up to whole satoshis.
	SafeFee    Satoshis
	FeeMTokens MilliSatoshis
	// PaymentSecret is the preimage proving settlement.
	PaymentSecret PaymentSecret
}

// Service issues the privileged operations against a Lightning node. Every
// failure is a *ServiceError.
type Service interface {
	RegisterInvoice(ctx context.Context, args RegisterInvoiceArgs) (*RegisteredInvoice, error)
	PayRequest(ctx context.Context, args PayRequestArgs) (*PaymentResult, error)
	PayToRoute(ctx context.Context, args PayToRouteArgs) (*PaymentResult, error)
}

// PaymentTracker is implemented by gateways that can look up the fate of an
// earlier send, used to resolve payments whose outcome was indeterminate.
type PaymentTracker interface {
	TrackPayment(ctx context.Context, hash PaymentHash) (*PaymentResult, error)
}

// NodeInfo describes the node behind a gateway.
type NodeInfo struct {
	Pubkey Pubkey
	Alias  string
	Synced bool
}

// withTimeout bounds the caller's wait. Expiry cancels the wait only; the
// node may still complete the payment.
func withTimeout(ctx context.Context, t TimeoutMSecs) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.OrDefault().Duration())
}

// checkRegisterArgs applies the constraints every gateway shares.
func checkRegisterArgs(op string, args RegisterInvoiceArgs, now time.Time) error {
	if args.Satoshis < 0 {
		return rejected(op, "amount must not be negative", nil)
	}
	if !args.ExpiresAt.Time().After(now) {
		return rejected(op, "expiry must be in the future", nil)
	}
	return nil
}
