package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"satspay/internal/ledger"
	"satspay/internal/lightning"
	"satspay/internal/store"
)

func TestReconciler_LateSettlement(t *testing.T) {
	ctx := context.Background()
	node := newTestNode(t)
	st := newMockStore()
	o := NewOrchestrator(node, st, st, st)

	inv := mint(t, node, 100)
	hash := inv.PaymentHash()
	node.Script(hash, lightning.SimBehavior{Hang: true, SettleAfter: 300 * time.Millisecond, Fee: 4000})
	st.ReserveFee(ctx, wallet, hash, 10)

	req := payRequest(inv)
	req.Timeout = 10
	if _, err := o.Pay(ctx, req); !errors.Is(err, ErrTimeoutIndeterminate) {
		t.Fatalf("expected ErrTimeoutIndeterminate, got %v", err)
	}

	r := NewReconciler(node, st, st)
	var mu sync.Mutex
	var resolved []ledger.Outcome
	r.SetResolvedCallback(func(walletID string, h lightning.PaymentHash, outcome ledger.Outcome) {
		mu.Lock()
		defer mu.Unlock()
		if walletID == wallet && h == hash {
			resolved = append(resolved, outcome)
		}
	})

	// Still in flight: nothing changes.
	n, err := r.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("ReconcileOnce failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing resolved while in flight, got %d", n)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err = r.ReconcileOnce(ctx)
		if err != nil {
			t.Fatalf("ReconcileOnce failed: %v", err)
		}
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("payment never reconciled")
		}
		time.Sleep(10 * time.Millisecond)
	}

	entries := st.entriesFor(wallet, hash)
	if len(entries) != 2 {
		t.Fatalf("expected hold then settle entries, got %d", len(entries))
	}
	if entries[0].Instruction() != ledger.InstructionHold || entries[1].Instruction() != ledger.InstructionSettle {
		t.Errorf("instructions = %s, %s; want hold, settle", entries[0].Instruction(), entries[1].Instruction())
	}
	late := entries[1]
	if late.Fee != 4 || late.Reimbursement == nil || *late.Reimbursement != 6 {
		t.Errorf("late entry = %s, want fee 4 reimbursement 6", late)
	}
	if a := st.attempt(wallet, hash); a.State != store.StateSucceeded {
		t.Errorf("attempt state = %s, want succeeded", a.State)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(resolved) != 1 || resolved[0] != ledger.OutcomeSuccess {
		t.Errorf("callback saw %v, want one success", resolved)
	}
}

// scriptedTracker answers TrackPayment from a fixed table.
type scriptedTracker struct {
	results map[lightning.PaymentHash]*lightning.PaymentResult
	errs    map[lightning.PaymentHash]error
}

func (s *scriptedTracker) TrackPayment(ctx context.Context, hash lightning.PaymentHash) (*lightning.PaymentResult, error) {
	if err, ok := s.errs[hash]; ok {
		return nil, err
	}
	if res, ok := s.results[hash]; ok {
		return res, nil
	}
	return nil, lightning.ErrPaymentInFlight
}

func TestReconciler_Outcomes(t *testing.T) {
	ctx := context.Background()
	st := newMockStore()

	failedHash := lightning.PaymentHash("f1")
	downHash := lightning.PaymentHash("d1")
	freshHash := lightning.PaymentHash("p1")
	staleHash := lightning.PaymentHash("p2")

	for _, h := range []lightning.PaymentHash{failedHash, downHash, freshHash, staleHash} {
		st.BeginAttempt(ctx, wallet, h, 50)
	}
	st.FinishAttempt(ctx, wallet, failedHash, store.StateIndeterminate, 0, "timeout")
	st.FinishAttempt(ctx, wallet, downHash, store.StateIndeterminate, 0, "timeout")
	st.attempts[attemptKey{wallet, staleHash}].UpdatedAt = time.Now().Add(-time.Hour)

	tracker := &scriptedTracker{
		results: map[lightning.PaymentHash]*lightning.PaymentResult{
			freshHash: {SafeFee: 1},
		},
		errs: map[lightning.PaymentHash]error{
			failedHash: &lightning.ServiceError{Op: "track_payment", Kind: lightning.KindRejected, Reason: "FAILURE_REASON_NO_ROUTE"},
			downHash:   &lightning.ServiceError{Op: "track_payment", Kind: lightning.KindUnavailable},
			staleHash:  &lightning.ServiceError{Op: "track_payment", Kind: lightning.KindRejected, Reason: "payment unknown to node"},
		},
	}

	r := NewReconciler(tracker, st, st)
	r.staleAfter = time.Minute

	n, err := r.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("ReconcileOnce failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 resolved, got %d", n)
	}

	tests := []struct {
		hash      lightning.PaymentHash
		wantState store.AttemptState
		wantInstr ledger.Instruction
	}{
		{failedHash, store.StateFailed, ledger.InstructionRelease},
		{staleHash, store.StateFailed, ledger.InstructionRelease},
		{downHash, store.StateIndeterminate, ""},
		{freshHash, store.StatePending, ""},
	}
	for _, tc := range tests {
		a := st.attempt(wallet, tc.hash)
		if a.State != tc.wantState {
			t.Errorf("%s: state = %s, want %s", tc.hash, a.State, tc.wantState)
		}
		entries := st.entriesFor(wallet, tc.hash)
		if tc.wantInstr == "" {
			if len(entries) != 0 {
				t.Errorf("%s: expected no entries, got %d", tc.hash, len(entries))
			}
			continue
		}
		if len(entries) != 1 || entries[0].Instruction() != tc.wantInstr {
			t.Errorf("%s: expected one %s entry, got %v", tc.hash, tc.wantInstr, entries)
		}
	}
	if got := st.attempt(wallet, failedHash).Reason; got != "FAILURE_REASON_NO_ROUTE" {
		t.Errorf("failure reason = %q", got)
	}
}

func TestReconciler_CallbackPanicIsContained(t *testing.T) {
	ctx := context.Background()
	st := newMockStore()
	h := lightning.PaymentHash("aa")
	st.BeginAttempt(ctx, wallet, h, 10)
	st.FinishAttempt(ctx, wallet, h, store.StateIndeterminate, 0, "")

	r := NewReconciler(&scriptedTracker{
		results: map[lightning.PaymentHash]*lightning.PaymentResult{h: {}},
	}, st, st)
	r.SetResolvedCallback(func(string, lightning.PaymentHash, ledger.Outcome) { panic("boom") })

	n, err := r.ReconcileOnce(ctx)
	if err != nil || n != 1 {
		t.Errorf("ReconcileOnce = %d, %v; want 1, nil", n, err)
	}
}

func TestReconciler_Start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := newMockStore()
	h := lightning.PaymentHash("bb")
	st.BeginAttempt(ctx, wallet, h, 10)
	st.FinishAttempt(ctx, wallet, h, store.StateIndeterminate, 0, "")

	r := NewReconciler(&scriptedTracker{
		results: map[lightning.PaymentHash]*lightning.PaymentResult{h: {SafeFee: 1}},
	}, st, st)
	done := make(chan struct{})
	r.SetResolvedCallback(func(string, lightning.PaymentHash, ledger.Outcome) { close(done) })
	r.Start(ctx, 10*time.Millisecond)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler never ran")
	}
}

func TestReconciler_FinishesAlreadyPostedPayment(t *testing.T) {
	ctx := context.Background()
	node := newTestNode(t)
	st := newMockStore()
	o := NewOrchestrator(node, st, st, st)

	inv := mint(t, node, 100)
	hash := inv.PaymentHash()
	node.Script(hash, lightning.SimBehavior{Fee: 2000})
	st.ReserveFee(ctx, wallet, hash, 10)
	st.finishErrOnce = errors.New("disk I/O error")

	out, err := o.Pay(ctx, payRequest(inv))
	if !errors.Is(err, ErrUnknownRepository) {
		t.Fatalf("expected ErrUnknownRepository, got %v", err)
	}
	if out == nil || out.Kind != ledger.OutcomeSuccess {
		t.Fatalf("expected a success outcome, got %+v", out)
	}
	if a := st.attempt(wallet, hash); a.State != store.StatePending {
		t.Fatalf("attempt state = %s, want pending", a.State)
	}

	r := NewReconciler(node, st, st)
	r.now = func() time.Time { return time.Now().Add(DefaultStaleAfter + time.Minute) }
	var outcomes []ledger.Outcome
	r.SetResolvedCallback(func(_ string, _ lightning.PaymentHash, outcome ledger.Outcome) {
		outcomes = append(outcomes, outcome)
	})

	n, err := r.ReconcileOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ReconcileOnce = %d, %v; want 1, nil", n, err)
	}

	entries := st.entriesFor(wallet, hash)
	if len(entries) != 1 || entries[0].Instruction() != ledger.InstructionSettle {
		t.Errorf("expected the single settle entry from the send, got %v", entries)
	}
	a := st.attempt(wallet, hash)
	if a.State != store.StateSucceeded || a.Fee != 2 {
		t.Errorf("attempt = %s fee %d, want succeeded fee 2", a.State, a.Fee)
	}
	if len(outcomes) != 1 || outcomes[0] != ledger.OutcomeSuccess {
		t.Errorf("callback saw %v, want one success", outcomes)
	}
	if node.Sends() != 1 {
		t.Errorf("sends = %d, want 1", node.Sends())
	}

	// Nothing is left open afterwards.
	if n, _ := r.ReconcileOnce(ctx); n != 0 {
		t.Errorf("second pass resolved %d, want 0", n)
	}
}

func TestPostedOutcome(t *testing.T) {
	armed := time.Now()
	a := &store.Attempt{WalletID: wallet, PaymentHash: "aa", UpdatedAt: armed}
	entry := func(outcome ledger.Outcome, at time.Time) ledger.Entry {
		e := ledger.NewEntry(wallet, "aa", 10, outcome)
		e.CreatedAt = at
		return e
	}

	tests := []struct {
		name    string
		entries []ledger.Entry
		want    ledger.Outcome
	}{
		{"nothing posted", nil, ""},
		{"hold only", []ledger.Entry{entry(ledger.OutcomeIndeterminate, armed.Add(time.Second))}, ""},
		{"failure of an earlier attempt", []ledger.Entry{entry(ledger.OutcomeFailed, armed.Add(-time.Second))}, ""},
		{"failure of this attempt", []ledger.Entry{entry(ledger.OutcomeFailed, armed.Add(time.Millisecond))}, ledger.OutcomeFailed},
		{"success after hold", []ledger.Entry{
			entry(ledger.OutcomeIndeterminate, armed.Add(-time.Minute)),
			entry(ledger.OutcomeSuccess, armed.Add(time.Minute)),
		}, ledger.OutcomeSuccess},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := postedOutcome(a, tc.entries)
			if tc.want == "" {
				if ok {
					t.Errorf("expected nothing, got %s", got.Outcome)
				}
				return
			}
			if !ok || got.Outcome != tc.want {
				t.Errorf("got %v %s, want %s", ok, got.Outcome, tc.want)
			}
		})
	}
}
