package payments

import (
	"context"
	"errors"
	"sync"
	"time"

	"satspay/internal/ledger"
	"satspay/internal/lightning"
	"satspay/internal/logging"
	"satspay/internal/store"
)

// DefaultStaleAfter is how long a pending attempt may go without an outcome
// before the reconciler treats it as indeterminate. It exceeds the longest
// send a caller can wait on.
var DefaultStaleAfter = lightning.MaxTimeoutMSecs.Duration() + time.Minute

// ResolvedCallback is called when an indeterminate payment reaches a final
// outcome.
type ResolvedCallback func(walletID string, hash lightning.PaymentHash, outcome ledger.Outcome)

// ReconcileStore is what the reconciler needs from storage.
type ReconcileStore interface {
	ListAttempts(ctx context.Context, states ...store.AttemptState) ([]*store.Attempt, error)
	FinishAttempt(ctx context.Context, walletID string, hash lightning.PaymentHash, state store.AttemptState, fee lightning.Satoshis, reason string) error
	PrepaidFee(ctx context.Context, walletID string, hash lightning.PaymentHash) (lightning.Satoshis, error)
	ListEntries(ctx context.Context, walletID string, hash lightning.PaymentHash) ([]ledger.Entry, error)
}

// Reconciler resolves payments whose outcome was indeterminate by asking the
// node what became of them, then posts the late success or failure. A
// payment the node still reports in flight stays on hold.
type Reconciler struct {
	tracker    lightning.PaymentTracker
	store      ReconcileStore
	ledger     ledger.Writer
	staleAfter time.Duration
	now        func() time.Time

	mu         sync.RWMutex
	onResolved ResolvedCallback
}

func NewReconciler(tracker lightning.PaymentTracker, st ReconcileStore, lw ledger.Writer) *Reconciler {
	return &Reconciler{
		tracker:    tracker,
		store:      st,
		ledger:     lw,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
}

// SetResolvedCallback sets a callback function that will be called when a
// payment resolves. This allows external components (like rate limiters)
// to be notified.
func (r *Reconciler) SetResolvedCallback(cb ResolvedCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onResolved = cb
}

// Start reconciles every interval until ctx is done.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.ReconcileOnce(ctx); err != nil {
					logging.Payments.Printf("reconcile failed: %v", err)
				}
			}
		}
	}()
}

// ReconcileOnce checks every open payment once and returns how many reached
// a final outcome.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	attempts, err := r.store.ListAttempts(ctx, store.StateIndeterminate, store.StatePending)
	if err != nil {
		return 0, err
	}

	cutoff := r.now().Add(-r.staleAfter)
	resolved := 0
	for _, a := range attempts {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		// A fresh pending attempt is still owned by its orchestration.
		if a.State == store.StatePending && a.UpdatedAt.After(cutoff) {
			continue
		}
		if r.resolve(ctx, a) {
			resolved++
		}
	}
	return resolved, nil
}

func (r *Reconciler) resolve(ctx context.Context, a *store.Attempt) bool {
	short := logging.Short(string(a.PaymentHash))

	// The ledger is posted before the attempt is finished, so a crash or a
	// failed write in between leaves an open attempt whose result is
	// already booked. Finish it from that entry instead of posting again.
	entries, err := r.store.ListEntries(ctx, a.WalletID, a.PaymentHash)
	if err != nil {
		logging.Payments.Printf("reconcile %s: reading ledger entries: %v", short, err)
		return false
	}
	if posted, ok := postedOutcome(a, entries); ok {
		state := store.StateFailed
		if posted.Outcome == ledger.OutcomeSuccess {
			state = store.StateSucceeded
		}
		if err := r.store.FinishAttempt(ctx, a.WalletID, a.PaymentHash, state, posted.Fee, posted.Reason); err != nil {
			logging.Internal.Printf("CRITICAL: failed to record %s for payment %s: %v", state, short, err)
			return false
		}
		logging.Payments.Printf("reconcile %s: %s entry already posted, %s -> %s", short, posted.Outcome, a.State, state)
		r.notify(a, posted.Outcome)
		return true
	}

	res, err := r.tracker.TrackPayment(ctx, a.PaymentHash)
	switch {
	case errors.Is(err, lightning.ErrPaymentInFlight):
		return false
	case err != nil && !errors.Is(err, lightning.ErrRejected):
		logging.Payments.Printf("reconcile %s: node did not answer: %v", short, err)
		return false
	}

	entry := ledger.NewEntry(a.WalletID, a.PaymentHash, a.Amount, ledger.OutcomeFailed)
	state := store.StateFailed

	if err != nil {
		entry.Reason = rejectReason(err)
	} else {
		prepaid, perr := r.store.PrepaidFee(ctx, a.WalletID, a.PaymentHash)
		if perr != nil && !errors.Is(perr, store.ErrNotFound) {
			logging.Payments.Printf("reconcile %s: reading fee reservation: %v", short, perr)
			return false
		}
		entry.Outcome = ledger.OutcomeSuccess
		entry.Fee = res.SafeFee
		if reimb, ok := ledger.NewFeeReimbursement(prepaid).Reimbursement(res.SafeFee); ok {
			entry.Reimbursement = &reimb
		}
		state = store.StateSucceeded
	}

	if err := r.ledger.Post(ctx, entry); err != nil {
		logging.Internal.Printf("CRITICAL: failed to post late %s entry for payment %s: %v", entry.Outcome, short, err)
		return false
	}
	if err := r.store.FinishAttempt(ctx, a.WalletID, a.PaymentHash, state, entry.Fee, entry.Reason); err != nil {
		logging.Internal.Printf("CRITICAL: failed to record late %s for payment %s: %v", state, short, err)
		return false
	}
	logging.Payments.Printf("reconcile %s: %s -> %s, instruction %s", short, a.State, state, entry.Instruction())

	r.notify(a, entry.Outcome)
	return true
}

func (r *Reconciler) notify(a *store.Attempt, outcome ledger.Outcome) {
	r.mu.RLock()
	cb := r.onResolved
	r.mu.RUnlock()
	if cb == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			logging.Internal.Printf("resolved callback panic for payment %s: %v", logging.Short(string(a.PaymentHash)), rec)
		}
	}()
	cb(a.WalletID, a.PaymentHash, outcome)
}

// postedOutcome finds a success or failure entry already booked for the
// attempt. Failures from an earlier attempt that was since re-armed predate
// its UpdatedAt and do not count.
func postedOutcome(a *store.Attempt, entries []ledger.Entry) (ledger.Entry, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		switch {
		case e.Outcome == ledger.OutcomeSuccess:
			return e, true
		case e.Outcome == ledger.OutcomeFailed && !e.CreatedAt.Before(a.UpdatedAt):
			return e, true
		}
	}
	return ledger.Entry{}, false
}
