package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"satspay/internal/archive"
	"satspay/internal/ledger"
	"satspay/internal/lightning"
	"satspay/internal/payments"
	"satspay/internal/store"
)

type testEnv struct {
	handler  *Handler
	node     *lightning.SimNode
	store    *store.SQLiteStore
	limiter  *PendingPaymentLimiter
	receipts *archive.ReceiptWriter
}

func setupTestHandler(t *testing.T, maxPending int) *testEnv {
	t.Helper()
	node, err := lightning.NewSimNode(&chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("NewSimNode failed: %v", err)
	}
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fs, err := archive.NewFSStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStorage failed: %v", err)
	}
	receipts := archive.NewReceiptWriter(st, fs)

	svc := payments.NewService(node, node.Decoder(), st, receipts)
	limiter := NewPendingPaymentLimiter(maxPending)
	h := NewHandler(svc, limiter)
	h.SetReceiptSource(receipts)

	return &testEnv{handler: h, node: node, store: st, limiter: limiter, receipts: receipts}
}

func (e *testEnv) mint(t *testing.T, sats lightning.Satoshis) *lightning.LnInvoice {
	t.Helper()
	inv, err := e.node.MintInvoice(sats, "coffee", time.Hour)
	if err != nil {
		t.Fatalf("MintInvoice failed: %v", err)
	}
	return inv
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHandler_SendPayment(t *testing.T) {
	env := setupTestHandler(t, DefaultMaxPending)
	inv := env.mint(t, 1000)
	env.node.Script(inv.PaymentHash(), lightning.SimBehavior{Fee: 3500})

	rec := env.do(t, "POST", "/api/wallets/alice/payments", SendPaymentRequest{
		PaymentRequest: string(inv.PaymentRequest()),
		Memo:           "lunch",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	resp := decode[PaymentResponse](t, rec)
	if resp.Outcome != ledger.OutcomeSuccess || resp.Instruction != ledger.InstructionSettle {
		t.Errorf("outcome %s instruction %s", resp.Outcome, resp.Instruction)
	}
	// 50 bp of 1000 is 5, under the 10 sat floor.
	if resp.PrepaidFeeSats != 10 || resp.FeeSats != 4 || resp.FeeMTokens != "3500" {
		t.Errorf("fees: prepaid %d fee %d mtokens %s", resp.PrepaidFeeSats, resp.FeeSats, resp.FeeMTokens)
	}
	if resp.ReimbursementSats == nil || *resp.ReimbursementSats != 6 {
		t.Errorf("reimbursement = %v, want 6", resp.ReimbursementSats)
	}
	secret, err := lightning.ParsePaymentSecret(resp.Preimage)
	if err != nil || !secret.Matches(inv.PaymentHash()) {
		t.Errorf("preimage %q does not match the payment hash", resp.Preimage)
	}

	t.Run("paying again is refused", func(t *testing.T) {
		rec := env.do(t, "POST", "/api/wallets/alice/payments", SendPaymentRequest{PaymentRequest: string(inv.PaymentRequest())})
		if rec.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rec.Code)
		}
		if got := decode[ErrorResponse](t, rec); got.Code != payments.CodeAlreadyPaid {
			t.Errorf("code = %s, want %s", got.Code, payments.CodeAlreadyPaid)
		}
	})

	t.Run("status shows the settlement", func(t *testing.T) {
		rec := env.do(t, "GET", "/api/wallets/alice/payments/"+string(inv.PaymentHash()), nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		status := decode[StatusResponse](t, rec)
		if status.State != store.StateSucceeded || len(status.Entries) != 1 {
			t.Errorf("state %s with %d entries", status.State, len(status.Entries))
		}
	})

	t.Run("receipt is archived", func(t *testing.T) {
		env.receipts.Wait()
		rec := env.do(t, "GET", "/api/wallets/alice/payments/"+string(inv.PaymentHash())+"/receipt", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		receipt := decode[archive.Receipt](t, rec)
		if receipt.Amount != 1000 || receipt.Fee != 4 || receipt.Memo != "lunch" {
			t.Errorf("unexpected receipt %+v", receipt)
		}
	})
}

func TestHandler_SendPayment_Errors(t *testing.T) {
	env := setupTestHandler(t, DefaultMaxPending)
	rejected := env.mint(t, 100)
	env.node.Script(rejected.PaymentHash(), lightning.SimBehavior{Reject: "FAILURE_REASON_NO_ROUTE"})
	offline := env.mint(t, 100)
	env.node.Script(offline.PaymentHash(), lightning.SimBehavior{Unavailable: true})

	tests := []struct {
		name       string
		wallet     string
		body       string
		wantStatus int
		wantCode   string
		retryable  bool
	}{
		{"bad json", "alice", `{`, http.StatusBadRequest, payments.CodeInvalidInput, false},
		{"bad wallet", "a.b", `{}`, http.StatusBadRequest, payments.CodeInvalidInput, false},
		{"garbage request", "alice", `{"payment_request":"hello"}`, http.StatusBadRequest, payments.CodeInvalidInput, false},
		{"bad memo", "alice", `{"payment_request":"` + string(rejected.PaymentRequest()) + `","memo":"\u0007"}`, http.StatusBadRequest, payments.CodeInvalidInput, false},
		{"rejected", "alice", `{"payment_request":"` + string(rejected.PaymentRequest()) + `"}`, http.StatusUnprocessableEntity, payments.CodePaymentRejected, false},
		{"node offline", "alice", `{"payment_request":"` + string(offline.PaymentRequest()) + `"}`, http.StatusServiceUnavailable, payments.CodeLightningUnavailable, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/wallets/"+tc.wallet+"/payments", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tc.wantStatus, rec.Code, rec.Body.String())
			}
			got := decode[ErrorResponse](t, rec)
			if got.Code != tc.wantCode || got.Retryable != tc.retryable {
				t.Errorf("got %+v, want code %s retryable %v", got, tc.wantCode, tc.retryable)
			}
		})
	}

	rec := env.do(t, "POST", "/api/wallets/alice/payments", SendPaymentRequest{PaymentRequest: string(rejected.PaymentRequest())})
	got := decode[ErrorResponse](t, rec)
	if got.Message != "Payment failed: FAILURE_REASON_NO_ROUTE" {
		t.Errorf("message = %q", got.Message)
	}
	if got.Payment == nil || got.Payment.Instruction != ledger.InstructionRelease {
		t.Errorf("expected the failed payment to be described, got %+v", got.Payment)
	}
}

func TestHandler_PendingLimit(t *testing.T) {
	ctx := context.Background()
	env := setupTestHandler(t, 1)

	first := env.mint(t, 100)
	env.node.Script(first.PaymentHash(), lightning.SimBehavior{Hang: true, SettleAfter: 100 * time.Millisecond})

	rec := env.do(t, "POST", "/api/wallets/alice/payments", SendPaymentRequest{
		PaymentRequest: string(first.PaymentRequest()),
		TimeoutMS:      20,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[ErrorResponse](t, rec); got.Code != payments.CodePaymentPending || got.Payment.Instruction != ledger.InstructionHold {
		t.Errorf("unexpected pending response %+v", got)
	}
	if env.limiter.PendingCount("alice") != 1 {
		t.Fatalf("expected 1 pending, got %d", env.limiter.PendingCount("alice"))
	}

	second := env.mint(t, 100)
	sends := env.node.Sends()
	rec = env.do(t, "POST", "/api/wallets/alice/payments", SendPaymentRequest{PaymentRequest: string(second.PaymentRequest())})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := decode[ErrorResponse](t, rec); got.Code != codePendingLimit {
		t.Errorf("code = %s, want %s", got.Code, codePendingLimit)
	}
	if env.node.Sends() != sends {
		t.Error("a refused payment reached the node")
	}

	// Another wallet is unaffected.
	rec = env.do(t, "POST", "/api/wallets/bob/payments", SendPaymentRequest{PaymentRequest: string(second.PaymentRequest())})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for bob, got %d: %s", rec.Code, rec.Body.String())
	}

	r := payments.NewReconciler(env.node, env.store, env.store)
	r.SetResolvedCallback(env.limiter.OnResolved)
	deadline := time.Now().Add(2 * time.Second)
	for env.limiter.PendingCount("alice") > 0 {
		if time.Now().After(deadline) {
			t.Fatal("pending payment never resolved")
		}
		if _, err := r.ReconcileOnce(ctx); err != nil {
			t.Fatalf("ReconcileOnce failed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec = env.do(t, "GET", "/api/wallets/alice/payments/"+string(first.PaymentHash()), nil)
	if status := decode[StatusResponse](t, rec); status.State != store.StateSucceeded || len(status.Entries) != 2 {
		t.Errorf("state %s with %d entries, want succeeded with 2", status.State, len(status.Entries))
	}
}

func TestHandler_PaymentStatus_Errors(t *testing.T) {
	env := setupTestHandler(t, DefaultMaxPending)
	unknown := strings.Repeat("ab", 32)

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"invalid hash", "/api/wallets/alice/payments/xyz", http.StatusBadRequest},
		{"unknown payment", "/api/wallets/alice/payments/" + unknown, http.StatusNotFound},
		{"no receipt", "/api/wallets/alice/payments/" + unknown + "/receipt", http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, "GET", tc.path, nil)
			if rec.Code != tc.wantStatus {
				t.Errorf("expected %d, got %d", tc.wantStatus, rec.Code)
			}
		})
	}

	t.Run("receipts not configured", func(t *testing.T) {
		h := NewHandler(nil, nil)
		req := httptest.NewRequest("GET", "/api/wallets/alice/payments/"+unknown+"/receipt", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", rec.Code)
		}
	})
}

func TestHandler_Invoices(t *testing.T) {
	env := setupTestHandler(t, DefaultMaxPending)

	rec := env.do(t, "POST", "/api/wallets/alice/invoices", CreateInvoiceRequest{Sats: 2100, Memo: "tip", ExpiresInSeconds: 600})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	inv := decode[InvoiceResponse](t, rec)
	if inv.AmountSats != 2100 || inv.Description != "tip" || inv.Pubkey != string(env.node.Pubkey()) {
		t.Errorf("unexpected invoice %+v", inv)
	}
	if !strings.HasPrefix(inv.PaymentRequest, "lnbcrt") {
		t.Errorf("payment request %q is not a regtest invoice", inv.PaymentRequest)
	}

	t.Run("get", func(t *testing.T) {
		rec := env.do(t, "GET", "/api/invoices/"+inv.PaymentHash, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if got := decode[InvoiceResponse](t, rec); got.PaymentRequest != inv.PaymentRequest {
			t.Error("payment request mismatch")
		}
	})

	t.Run("qr", func(t *testing.T) {
		rec := env.do(t, "GET", inv.QRURL, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
			t.Errorf("Content-Type = %q", ct)
		}
		if !bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")) {
			t.Error("body is not a PNG")
		}
	})

	t.Run("invalid", func(t *testing.T) {
		for _, body := range []CreateInvoiceRequest{
			{Sats: -1},
			{Sats: 1, ExpiresInSeconds: -5},
			{Sats: 1, Memo: "\x00"},
		} {
			rec := env.do(t, "POST", "/api/wallets/alice/invoices", body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("%+v: expected 400, got %d", body, rec.Code)
			}
		}
	})

	t.Run("unknown", func(t *testing.T) {
		rec := env.do(t, "GET", "/api/invoices/"+strings.Repeat("cd", 32)+"/qr", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{payments.CodeInvalidInput, http.StatusBadRequest},
		{payments.CodePaymentInFlight, http.StatusConflict},
		{payments.CodeAlreadyPaid, http.StatusConflict},
		{payments.CodeLightningUnavailable, http.StatusServiceUnavailable},
		{payments.CodePaymentRejected, http.StatusUnprocessableEntity},
		{payments.CodePaymentPending, http.StatusAccepted},
		{payments.CodeNotFound, http.StatusNotFound},
		{payments.CodeRepositoryError, http.StatusServiceUnavailable},
		{payments.CodeInternalError, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := statusFor(tc.code); got != tc.want {
			t.Errorf("statusFor(%s) = %d, want %d", tc.code, got, tc.want)
		}
	}
}
