package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"satspay/internal/ledger"
	"satspay/internal/lightning"
	"satspay/internal/logging"
	"satspay/internal/store"
)

var (
	ErrValidation           = errors.New("invalid payment input")
	ErrDuplicateInFlight    = errors.New("payment already in flight")
	ErrAlreadyPaid          = errors.New("invoice already paid")
	ErrGatewayUnavailable   = errors.New("lightning node unavailable")
	ErrGatewayRejected      = errors.New("payment rejected")
	ErrTimeoutIndeterminate = errors.New("payment outcome unknown")
	ErrUnknownRepository    = errors.New("repository error")
)

// State is a step of a single orchestration.
type State string

const (
	StateValidating  State = "validating"
	StateSending     State = "sending"
	StateReconciling State = "reconciling"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

// Request is one logical payment from a wallet. PaymentRequest and Memo carry
// the results of upstream parsing.
type Request struct {
	WalletID       string
	PaymentRequest Decoded[*lightning.LnInvoice]
	Memo           Decoded[lightning.Memo]
	// Route, when set, is paid instead of letting the node pick one.
	Route   *lightning.PaymentRoute
	Timeout lightning.TimeoutMSecs
}

// Outcome describes a payment after the gateway was called.
type Outcome struct {
	WalletID      string
	PaymentHash   lightning.PaymentHash
	Amount        lightning.Satoshis
	Kind          ledger.Outcome
	State         State
	PrepaidFee    lightning.Satoshis
	Fee           lightning.Satoshis
	FeeMTokens    lightning.MilliSatoshis
	Reimbursement *lightning.Satoshis
	PaymentSecret lightning.PaymentSecret
	Reason        string
	Instruction   ledger.Instruction
}

// AttemptStore is the single-writer record keyed by (wallet, payment hash).
type AttemptStore interface {
	BeginAttempt(ctx context.Context, walletID string, hash lightning.PaymentHash, amount lightning.Satoshis) (store.AttemptState, bool, error)
	FinishAttempt(ctx context.Context, walletID string, hash lightning.PaymentHash, state store.AttemptState, fee lightning.Satoshis, reason string) error
}

// FeeReservations looks up the fee reserved from the payer before the send.
type FeeReservations interface {
	PrepaidFee(ctx context.Context, walletID string, hash lightning.PaymentHash) (lightning.Satoshis, error)
}

// FeeReserver records the routing fee held back from the payer.
type FeeReserver interface {
	ReserveFee(ctx context.Context, walletID string, hash lightning.PaymentHash, fee lightning.Satoshis) error
}

// Orchestrator drives one payment through validation, a single gateway send
// and fee reconciliation, and posts the result to the ledger. It keeps no
// state between calls.
type Orchestrator struct {
	gateway  lightning.Service
	attempts AttemptStore
	fees     FeeReservations
	ledger   ledger.Writer
	now      func() time.Time

	reserver      FeeReserver
	reservePolicy func(lightning.Satoshis) lightning.Satoshis
}

func NewOrchestrator(gateway lightning.Service, attempts AttemptStore, fees FeeReservations, lw ledger.Writer) *Orchestrator {
	return &Orchestrator{
		gateway:  gateway,
		attempts: attempts,
		fees:     fees,
		ledger:   lw,
		now:      time.Now,
	}
}

// ReserveFees makes Pay record policy(amount) as the prepaid fee once it has
// claimed the attempt. Without it Pay only reads reservations made elsewhere.
func (o *Orchestrator) ReserveFees(r FeeReserver, policy func(lightning.Satoshis) lightning.Satoshis) {
	o.reserver = r
	o.reservePolicy = policy
}

// Pay executes a payment. Errors before the send come back without an
// Outcome; once the gateway was called an Outcome is always returned, with
// an error for anything but success.
func (o *Orchestrator) Pay(ctx context.Context, req Request) (*Outcome, error) {
	inv, memo, err := o.validate(req)
	if err != nil {
		logging.Payments.Printf("wallet %s: %s -> %s: %v", req.WalletID, StateValidating, StateFailed, err)
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	hash := inv.PaymentHash()
	amount, _ := inv.Amount()
	short := logging.Short(string(hash))

	prior, ok, err := o.attempts.BeginAttempt(ctx, req.WalletID, hash, amount)
	if err != nil {
		return nil, fmt.Errorf("%w: claiming attempt: %v", ErrUnknownRepository, err)
	}
	if !ok {
		logging.Payments.Printf("payment %s: refused, earlier attempt is %s", short, prior)
		if prior == store.StateSucceeded {
			return nil, ErrAlreadyPaid
		}
		return nil, ErrDuplicateInFlight
	}

	if o.reserver != nil {
		if err := o.reserver.ReserveFee(ctx, req.WalletID, hash, o.reservePolicy(amount)); err != nil {
			o.abandon(ctx, req.WalletID, hash, "fee reservation failed")
			return nil, fmt.Errorf("%w: reserving fee: %v", ErrUnknownRepository, err)
		}
	}

	prepaid, err := o.fees.PrepaidFee(ctx, req.WalletID, hash)
	if errors.Is(err, store.ErrNotFound) {
		prepaid, err = 0, nil
	}
	if err != nil {
		o.abandon(ctx, req.WalletID, hash, "fee reservation lookup failed")
		return nil, fmt.Errorf("%w: reading fee reservation: %v", ErrUnknownRepository, err)
	}

	logging.Payments.Printf("payment %s: %s -> %s (%d sats, prepaid fee %d)", short, StateValidating, StateSending, amount, prepaid)
	res, sendErr := o.send(ctx, req, inv, prepaid)

	// The send may have moved money; bookkeeping must finish even if the
	// caller has gone away.
	bctx := context.WithoutCancel(ctx)

	out := &Outcome{
		WalletID:    req.WalletID,
		PaymentHash: hash,
		Amount:      amount,
		PrepaidFee:  prepaid,
	}
	entry := ledger.NewEntry(req.WalletID, hash, amount, "")
	entry.Memo = string(memo)

	var state store.AttemptState
	var result error

	switch kind := lightning.KindOf(sendErr); {
	case sendErr == nil:
		logging.Payments.Printf("payment %s: %s -> %s", short, StateSending, StateReconciling)
		out.Fee = res.SafeFee
		out.FeeMTokens = res.FeeMTokens
		out.PaymentSecret = res.PaymentSecret
		if r, ok := ledger.NewFeeReimbursement(prepaid).Reimbursement(res.SafeFee); ok {
			out.Reimbursement = &r
		}
		out.Kind = ledger.OutcomeSuccess
		out.State = StateCompleted
		state = store.StateSucceeded

	case kind == lightning.KindUnavailable:
		out.Kind, out.State, out.Reason = ledger.OutcomeFailed, StateFailed, sendErr.Error()
		state = store.StateFailed
		result = fmt.Errorf("%w: %w", ErrGatewayUnavailable, sendErr)

	case kind == lightning.KindRejected:
		out.Kind, out.State, out.Reason = ledger.OutcomeFailed, StateFailed, rejectReason(sendErr)
		state = store.StateFailed
		result = fmt.Errorf("%w: %w", ErrGatewayRejected, sendErr)

	default:
		// Timeouts, and anything the gateway could not classify, leave the
		// payment's fate open.
		out.Kind, out.State, out.Reason = ledger.OutcomeIndeterminate, StateFailed, sendErr.Error()
		state = store.StateIndeterminate
		result = fmt.Errorf("%w: %w", ErrTimeoutIndeterminate, sendErr)
	}

	entry.Outcome = out.Kind
	entry.Fee = out.Fee
	entry.Reimbursement = out.Reimbursement
	entry.Reason = out.Reason
	out.Instruction = entry.Instruction()

	if err := o.ledger.Post(bctx, entry); err != nil {
		// The attempt stays pending; the reconciler picks it up.
		logging.Internal.Printf("CRITICAL: failed to post %s entry for payment %s: %v", entry.Outcome, short, err)
		return out, errors.Join(result, fmt.Errorf("%w: posting ledger entry: %v", ErrUnknownRepository, err))
	}
	if err := o.attempts.FinishAttempt(bctx, req.WalletID, hash, state, out.Fee, out.Reason); err != nil {
		logging.Internal.Printf("CRITICAL: failed to record %s for payment %s: %v", state, short, err)
		return out, errors.Join(result, fmt.Errorf("%w: recording attempt: %v", ErrUnknownRepository, err))
	}

	if sendErr == nil {
		logging.Payments.Printf("payment %s: %s -> %s, fee %d, instruction %s", short, StateReconciling, StateCompleted, out.Fee, out.Instruction)
	} else {
		logging.Payments.Printf("payment %s: %s -> %s (%s), instruction %s: %v", short, StateSending, StateFailed, out.Kind, out.Instruction, sendErr)
	}
	return out, result
}

func (o *Orchestrator) validate(req Request) (*lightning.LnInvoice, lightning.Memo, error) {
	if req.WalletID == "" {
		return nil, "", errors.New("wallet id is required")
	}
	inv, err := req.PaymentRequest.Get()
	if err != nil {
		return nil, "", fmt.Errorf("payment request: %w", err)
	}
	memo, err := req.Memo.Get()
	if err != nil {
		return nil, "", fmt.Errorf("memo: %w", err)
	}
	if inv == nil {
		return nil, "", errors.New("payment request is required")
	}
	amount, ok := inv.Amount()
	if !ok {
		return nil, "", errors.New("invoices without an amount are not supported")
	}
	if amount == 0 {
		return nil, "", errors.New("invoice amount must be positive")
	}
	if inv.IsExpired(o.now()) {
		return nil, "", fmt.Errorf("invoice expired at %s", inv.ExpiresAt().UTC().Format(time.RFC3339))
	}
	if req.Timeout != 0 {
		if _, err := lightning.NewTimeoutMSecs(int64(req.Timeout)); err != nil {
			return nil, "", err
		}
	}
	if req.Route != nil {
		if err := req.Route.Validate(); err != nil {
			return nil, "", err
		}
		if req.Route.Destination() != inv.Destination() {
			return nil, "", errors.New("route does not end at the invoice destination")
		}
		if req.Route.DeliveredAmount() != amount {
			return nil, "", fmt.Errorf("route delivers %d sats, invoice asks for %d", req.Route.DeliveredAmount(), amount)
		}
	}
	return inv, memo, nil
}

// send makes the one gateway call of this orchestration.
func (o *Orchestrator) send(ctx context.Context, req Request, inv *lightning.LnInvoice, prepaid lightning.Satoshis) (*lightning.PaymentResult, error) {
	if req.Route == nil {
		return o.gateway.PayRequest(ctx, lightning.PayRequestArgs{
			Invoice: inv,
			MaxFee:  prepaid,
			Timeout: req.Timeout,
		})
	}

	args := lightning.PayToRouteArgs{
		Route:       req.Route,
		Destination: inv.Destination(),
		PaymentHash: inv.PaymentHash(),
		Timeout:     req.Timeout,
	}
	if secret, ok := inv.PaymentSecret(); ok {
		args.PaymentSecret = &secret
	}
	return o.gateway.PayToRoute(ctx, args)
}

// abandon releases a claimed attempt that never reached the gateway.
func (o *Orchestrator) abandon(ctx context.Context, walletID string, hash lightning.PaymentHash, reason string) {
	if err := o.attempts.FinishAttempt(context.WithoutCancel(ctx), walletID, hash, store.StateFailed, 0, reason); err != nil {
		logging.Internal.Printf("failed to release attempt %s for wallet %s: %v", logging.Short(string(hash)), walletID, err)
	}
}

func rejectReason(err error) string {
	var se *lightning.ServiceError
	if errors.As(err, &se) && se.Reason != "" {
		return se.Reason
	}
	return err.Error()
}
