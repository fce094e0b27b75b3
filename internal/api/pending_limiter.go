package api

import (
	"sync"
	"time"

	"satspay/internal/ledger"
	"satspay/internal/lightning"
)

// DefaultMaxPending is how many unresolved payments a wallet may have before
// new sends are refused.
const DefaultMaxPending = 3

// PendingPaymentLimiter tracks payments whose outcome is still unknown, per
// wallet, and refuses new sends from a wallet that has too many. Each of those
// payments holds a reservation that the wallet cannot spend until it resolves.
type PendingPaymentLimiter struct {
	mu              sync.RWMutex
	maxPending      int
	pendingByWallet map[string]map[lightning.PaymentHash]time.Time
}

// NewPendingPaymentLimiter creates a new limiter with the specified maximum
// pending payments per wallet.
func NewPendingPaymentLimiter(maxPending int) *PendingPaymentLimiter {
	return &PendingPaymentLimiter{
		maxPending:      maxPending,
		pendingByWallet: make(map[string]map[lightning.PaymentHash]time.Time),
	}
}

// CanPay reports whether the wallet is under the limit.
func (l *PendingPaymentLimiter) CanPay(walletID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.pendingByWallet[walletID]) < l.maxPending
}

// PendingCount returns the number of pending payments for a wallet.
func (l *PendingPaymentLimiter) PendingCount(walletID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.pendingByWallet[walletID])
}

func (l *PendingPaymentLimiter) MaxPending() int {
	return l.maxPending
}

// Track records a payment that ended indeterminate.
func (l *PendingPaymentLimiter) Track(walletID string, hash lightning.PaymentHash) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pendingByWallet[walletID] == nil {
		l.pendingByWallet[walletID] = make(map[lightning.PaymentHash]time.Time)
	}
	if _, ok := l.pendingByWallet[walletID][hash]; !ok {
		l.pendingByWallet[walletID][hash] = time.Now()
	}
}

// OnResolved removes a payment from tracking. Its signature matches
// payments.ResolvedCallback so it can be registered on the reconciler.
func (l *PendingPaymentLimiter) OnResolved(walletID string, hash lightning.PaymentHash, _ ledger.Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()

	payments, ok := l.pendingByWallet[walletID]
	if !ok {
		return
	}
	delete(payments, hash)
	if len(payments) == 0 {
		delete(l.pendingByWallet, walletID)
	}
}

// CleanupExpired forgets payments tracked longer than maxAge, for gateways
// that can never resolve them. Returns the number of entries removed.
func (l *PendingPaymentLimiter) CleanupExpired(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for walletID, payments := range l.pendingByWallet {
		for hash, trackedAt := range payments {
			if trackedAt.Before(cutoff) {
				delete(payments, hash)
				removed++
			}
		}
		if len(payments) == 0 {
			delete(l.pendingByWallet, walletID)
		}
	}

	return removed
}
