package payments

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"satspay/internal/ledger"
	"satspay/internal/lightning"
	"satspay/internal/store"
)

type attemptKey struct {
	wallet string
	hash   lightning.PaymentHash
}

// mockStore implements store.Store in memory for testing.
type mockStore struct {
	mu       sync.Mutex
	attempts map[attemptKey]*store.Attempt
	fees     map[attemptKey]lightning.Satoshis
	entries  []ledger.Entry
	invoices map[lightning.PaymentHash]*store.Invoice

	calls atomic.Int64

	beginErr   error
	prepaidErr error
	postErr    error
	// finishErrOnce fails the next FinishAttempt, then clears itself.
	finishErrOnce error
}

func newMockStore() *mockStore {
	return &mockStore{
		attempts: make(map[attemptKey]*store.Attempt),
		fees:     make(map[attemptKey]lightning.Satoshis),
		invoices: make(map[lightning.PaymentHash]*store.Invoice),
	}
}

func (m *mockStore) BeginAttempt(ctx context.Context, walletID string, hash lightning.PaymentHash, amount lightning.Satoshis) (store.AttemptState, bool, error) {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.beginErr != nil {
		return "", false, m.beginErr
	}
	k := attemptKey{walletID, hash}
	if a, ok := m.attempts[k]; ok && a.State != store.StateFailed {
		return a.State, false, nil
	}
	now := time.Now()
	m.attempts[k] = &store.Attempt{
		WalletID: walletID, PaymentHash: hash, Amount: amount,
		State: store.StatePending, CreatedAt: now, UpdatedAt: now,
	}
	return "", true, nil
}

func (m *mockStore) FinishAttempt(ctx context.Context, walletID string, hash lightning.PaymentHash, state store.AttemptState, fee lightning.Satoshis, reason string) error {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.finishErrOnce; err != nil {
		m.finishErrOnce = nil
		return err
	}
	a, ok := m.attempts[attemptKey{walletID, hash}]
	if !ok {
		return store.ErrNotFound
	}
	a.State, a.Fee, a.Reason, a.UpdatedAt = state, fee, reason, time.Now()
	return nil
}

func (m *mockStore) GetAttempt(ctx context.Context, walletID string, hash lightning.PaymentHash) (*store.Attempt, error) {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptKey{walletID, hash}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockStore) ListAttempts(ctx context.Context, states ...store.AttemptState) ([]*store.Attempt, error) {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Attempt
	for _, a := range m.attempts {
		for _, st := range states {
			if a.State == st {
				cp := *a
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (m *mockStore) ReserveFee(ctx context.Context, walletID string, hash lightning.PaymentHash, fee lightning.Satoshis) error {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fees[attemptKey{walletID, hash}] = fee
	return nil
}

func (m *mockStore) PrepaidFee(ctx context.Context, walletID string, hash lightning.PaymentHash) (lightning.Satoshis, error) {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prepaidErr != nil {
		return 0, m.prepaidErr
	}
	fee, ok := m.fees[attemptKey{walletID, hash}]
	if !ok {
		return 0, store.ErrNotFound
	}
	return fee, nil
}

func (m *mockStore) Post(ctx context.Context, e ledger.Entry) error {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.postErr != nil {
		return m.postErr
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockStore) ListEntries(ctx context.Context, walletID string, hash lightning.PaymentHash) ([]ledger.Entry, error) {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Entry
	for _, e := range m.entries {
		if e.WalletID == walletID && e.PaymentHash == hash {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) SaveInvoice(ctx context.Context, inv *store.Invoice) error {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices[inv.PaymentHash] = inv
	return nil
}

func (m *mockStore) GetInvoice(ctx context.Context, hash lightning.PaymentHash) (*store.Invoice, error) {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	return inv, nil
}

func (m *mockStore) GetStats(ctx context.Context) (*store.Stats, error) {
	return &store.Stats{}, nil
}

func (m *mockStore) Close() error {
	return nil
}

func (m *mockStore) attempt(walletID string, hash lightning.PaymentHash) *store.Attempt {
	a, _ := m.GetAttempt(context.Background(), walletID, hash)
	return a
}

func (m *mockStore) entriesFor(walletID string, hash lightning.PaymentHash) []ledger.Entry {
	e, _ := m.ListEntries(context.Background(), walletID, hash)
	return e
}
