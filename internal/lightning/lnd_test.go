package lightning

import (
	"strings"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
)

func TestLndClient_PaymentResult(t *testing.T) {
	node := newTestNode(t)
	inv, err := node.MintInvoice(100, "", time.Hour)
	if err != nil {
		t.Fatalf("MintInvoice failed: %v", err)
	}
	hash := inv.PaymentHash()
	node.mu.Lock()
	preimage := node.preimages[hash]
	node.mu.Unlock()

	c := &LndClient{}

	tests := []struct {
		name     string
		payment  *lnrpc.Payment
		wantKind ErrorKind
	}{
		{"settled", &lnrpc.Payment{Status: lnrpc.Payment_SUCCEEDED, PaymentPreimage: string(preimage), FeeMsat: 1500}, 0},
		{"failed", &lnrpc.Payment{Status: lnrpc.Payment_FAILED, FailureReason: lnrpc.PaymentFailureReason_FAILURE_REASON_NO_ROUTE}, KindRejected},
		{"settled with wrong preimage", &lnrpc.Payment{Status: lnrpc.Payment_SUCCEEDED, PaymentPreimage: strings.Repeat("00", 32)}, KindTimeout},
		{"settled without preimage", &lnrpc.Payment{Status: lnrpc.Payment_SUCCEEDED}, KindTimeout},
		{"still in flight", &lnrpc.Payment{Status: lnrpc.Payment_IN_FLIGHT}, KindTimeout},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := c.paymentResult("pay_request", hash, tc.payment)
			if tc.wantKind != 0 {
				if KindOf(err) != tc.wantKind {
					t.Fatalf("KindOf(%v) = %s, want %s", err, KindOf(err), tc.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("paymentResult failed: %v", err)
			}
			if res.SafeFee != 2 || res.FeeMTokens != 1500 || res.PaymentSecret != preimage {
				t.Errorf("unexpected result %+v", res)
			}
		})
	}
}
