package lightning

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// albyServer fakes the Alby wallet API around a simulated node.
func albyServer(t *testing.T, node *SimNode, pay http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /balance", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"balance":1000,"currency":"BTC","unit":"sat"}`))
	})
	mux.HandleFunc("POST /invoices", func(w http.ResponseWriter, r *http.Request) {
		var req albyCreateInvoiceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		inv, err := node.MintInvoice(Satoshis(req.Amount), req.Description, time.Hour)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(albyInvoiceResponse{
			PaymentHash:    string(inv.PaymentHash()),
			PaymentRequest: string(inv.PaymentRequest()),
			Amount:         req.Amount,
		})
	})
	if pay != nil {
		mux.HandleFunc("POST /payments/bolt11", pay)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestAlby(t *testing.T, node *SimNode, pay http.HandlerFunc) *AlbyClient {
	t.Helper()
	srv := albyServer(t, node, pay)
	c, err := NewAlbyClient(context.Background(), AlbyConfig{AccessToken: "test-token", BaseURL: srv.URL}, node.Decoder())
	if err != nil {
		t.Fatalf("NewAlbyClient failed: %v", err)
	}
	return c
}

func TestNewAlbyClient(t *testing.T) {
	node := newTestNode(t)
	srv := albyServer(t, node, nil)

	if _, err := NewAlbyClient(context.Background(), AlbyConfig{}, node.Decoder()); err == nil {
		t.Error("expected error without access token")
	}
	if _, err := NewAlbyClient(context.Background(), AlbyConfig{AccessToken: "wrong", BaseURL: srv.URL}, node.Decoder()); err == nil {
		t.Error("expected error for rejected token")
	}
}

func TestAlbyClient_RegisterInvoice(t *testing.T) {
	node := newTestNode(t)
	c := newTestAlby(t, node, nil)

	now := time.Now()
	exp, _ := NewInvoiceExpiration(now.Add(time.Hour), now)
	reg, err := c.RegisterInvoice(context.Background(), RegisterInvoiceArgs{
		Description: "donation",
		Satoshis:    1234,
		ExpiresAt:   exp,
	})
	if err != nil {
		t.Fatalf("RegisterInvoice failed: %v", err)
	}
	if amt, _ := reg.Invoice.Amount(); amt != 1234 {
		t.Errorf("amount = %d, want 1234", amt)
	}
	if reg.Pubkey != node.Pubkey() {
		t.Errorf("Pubkey = %s, want the invoice destination %s", reg.Pubkey, node.Pubkey())
	}
}

func TestAlbyClient_PayRequest(t *testing.T) {
	node := newTestNode(t)
	inv, err := node.MintInvoice(100, "", time.Hour)
	if err != nil {
		t.Fatalf("MintInvoice failed: %v", err)
	}
	node.mu.Lock()
	preimage := node.preimages[inv.PaymentHash()]
	node.mu.Unlock()

	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantKind ErrorKind
		wantFee  Satoshis
	}{
		{
			name: "settled",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(albyPayResponse{
					Amount: 100, Fee: 2, PaymentHash: string(inv.PaymentHash()), PaymentPreimage: string(preimage),
				})
			},
			wantFee: 2,
		},
		{
			name: "api refuses",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":true,"code":400,"message":"insufficient balance"}`))
			},
			wantKind: KindRejected,
		},
		{
			name: "server error after send",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantKind: KindTimeout,
		},
		{
			name: "preimage does not match",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(albyPayResponse{
					Amount: 100, Fee: 2, PaymentPreimage: strings.Repeat("00", 32),
				})
			},
			wantKind: KindTimeout,
		},
		{
			name: "sent without a preimage",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(albyPayResponse{Amount: 100, Fee: 2, PaymentHash: string(inv.PaymentHash())})
			},
			wantKind: KindTimeout,
		},
		{
			name: "slower than timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(time.Second):
				}
			},
			wantKind: KindTimeout,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestAlby(t, node, tc.handler)
			res, err := c.PayRequest(context.Background(), PayRequestArgs{Invoice: inv, Timeout: 100})

			if tc.wantKind != 0 {
				if KindOf(err) != tc.wantKind {
					t.Fatalf("KindOf(%v) = %s, want %s", err, KindOf(err), tc.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("PayRequest failed: %v", err)
			}
			if res.SafeFee != tc.wantFee || res.FeeMTokens != tc.wantFee.MilliSatoshis() {
				t.Errorf("fee = %d / %s, want %d", res.SafeFee, res.FeeMTokens, tc.wantFee)
			}
			if res.PaymentSecret != preimage {
				t.Error("expected preimage from API")
			}
		})
	}
}

func TestAlbyClient_Unreachable(t *testing.T) {
	node := newTestNode(t)
	inv, err := node.MintInvoice(100, "", time.Hour)
	if err != nil {
		t.Fatalf("MintInvoice failed: %v", err)
	}

	c := newTestAlby(t, node, nil)
	dead := httptest.NewServer(http.NotFoundHandler())
	c.baseURL = dead.URL
	dead.Close()

	_, err = c.PayRequest(context.Background(), PayRequestArgs{Invoice: inv, Timeout: 1000})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestAlbyClient_PayToRoute(t *testing.T) {
	node := newTestNode(t)
	c := newTestAlby(t, node, nil)

	_, err := c.PayToRoute(context.Background(), PayToRouteArgs{Route: testRoute()})
	if !errors.Is(err, ErrRejected) {
		t.Errorf("expected ErrRejected, got %v", err)
	}
}
