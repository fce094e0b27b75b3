package lightning

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"

	"satspay/internal/logging"
)

// SimBehavior scripts how the simulated node answers a send.
type SimBehavior struct {
	// Fee is the routing fee charged on success.
	Fee MilliSatoshis
	// Reject fails the payment definitively with this reason.
	Reject string
	// Unavailable makes the node unreachable for this payment.
	Unavailable bool
	// Hang keeps the payment in flight until the caller's timeout. If
	// SettleAfter is set the payment settles that long after the send.
	Hang        bool
	SettleAfter time.Duration
	// Release, when non-nil, holds the send until it is closed.
	Release chan struct{}
}

type simPayment struct {
	result *PaymentResult
	failed string
}

// SimNode is an in-process Lightning node. It mints real BOLT11 invoices
// signed by its own key and pays them according to scripted behaviours.
type SimNode struct {
	mu        sync.Mutex
	key       *btcec.PrivateKey
	net       *chaincfg.Params
	decoder   *Decoder
	preimages map[PaymentHash]PaymentSecret
	behaviors map[PaymentHash]SimBehavior
	fallback  SimBehavior
	payments  map[PaymentHash]*simPayment
	sends     atomic.Int64
	now       func() time.Time
}

// NewSimNode creates a simulated node on the given network.
func NewSimNode(net *chaincfg.Params) (*SimNode, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	decoder, err := NewDecoder(net, 0)
	if err != nil {
		return nil, err
	}
	return &SimNode{
		key:       key,
		net:       net,
		decoder:   decoder,
		preimages: make(map[PaymentHash]PaymentSecret),
		behaviors: make(map[PaymentHash]SimBehavior),
		payments:  make(map[PaymentHash]*simPayment),
		now:       time.Now,
	}, nil
}

func (n *SimNode) Pubkey() Pubkey {
	return Pubkey(hex.EncodeToString(n.key.PubKey().SerializeCompressed()))
}

// Decoder returns a decoder for the node's network.
func (n *SimNode) Decoder() *Decoder { return n.decoder }

// Sends counts PayRequest and PayToRoute calls.
func (n *SimNode) Sends() int64 { return n.sends.Load() }

// Script sets the behaviour for one payment hash.
func (n *SimNode) Script(hash PaymentHash, b SimBehavior) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.behaviors[hash] = b
}

// SetDefault sets the behaviour for unscripted payments.
func (n *SimNode) SetDefault(b SimBehavior) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fallback = b
}

func (n *SimNode) RegisterInvoice(ctx context.Context, args RegisterInvoiceArgs) (*RegisteredInvoice, error) {
	const op = "register_invoice"
	if err := checkRegisterArgs(op, args, n.now()); err != nil {
		return nil, err
	}
	inv, err := n.MintInvoice(args.Satoshis, args.Description, args.ExpiresAt.Time().Sub(n.now()))
	if err != nil {
		return nil, rejected(op, "could not create invoice", err)
	}
	return &RegisteredInvoice{Invoice: inv, Pubkey: n.Pubkey()}, nil
}

// MintInvoice creates a signed invoice payable to this node. A zero amount
// produces an "any amount" invoice.
func (n *SimNode) MintInvoice(amount Satoshis, description string, expiry time.Duration) (*LnInvoice, error) {
	var preimage, addr [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		return nil, err
	}
	if _, err := rand.Read(addr[:]); err != nil {
		return nil, err
	}
	hash := sha256.Sum256(preimage[:])

	opts := []func(*zpay32.Invoice){
		zpay32.Description(description),
		zpay32.PaymentAddr(addr),
		zpay32.CLTVExpiry(40),
		zpay32.Features(lnwire.NewFeatureVector(
			lnwire.NewRawFeatureVector(lnwire.TLVOnionPayloadRequired, lnwire.PaymentAddrRequired),
			lnwire.Features,
		)),
	}
	if amount > 0 {
		opts = append(opts, zpay32.Amount(lnwire.MilliSatoshi(amount.MilliSatoshis())))
	}
	if expiry > 0 {
		opts = append(opts, zpay32.Expiry(expiry))
	}

	raw, err := zpay32.NewInvoice(n.net, hash, n.now(), opts...)
	if err != nil {
		return nil, err
	}
	encoded, err := raw.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			return ecdsa.SignCompact(n.key, chainhash.HashB(msg), true)
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := ParseEncodedPaymentRequest(encoded)
	if err != nil {
		return nil, err
	}
	inv, err := n.decoder.Decode(req)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	n.preimages[inv.PaymentHash()] = PaymentSecret(hex.EncodeToString(preimage[:]))
	n.mu.Unlock()
	return inv, nil
}

func (n *SimNode) PayRequest(ctx context.Context, args PayRequestArgs) (*PaymentResult, error) {
	if args.Invoice == nil {
		return nil, rejected("pay_request", "no invoice", nil)
	}
	return n.send(ctx, "pay_request", args.Invoice.PaymentHash(), args.Timeout)
}

func (n *SimNode) PayToRoute(ctx context.Context, args PayToRouteArgs) (*PaymentResult, error) {
	const op = "pay_to_route"
	if args.Route == nil {
		return nil, rejected(op, "no route", nil)
	}
	if err := args.Route.Validate(); err != nil {
		return nil, rejected(op, "invalid route", err)
	}
	if args.Route.Destination() != args.Destination {
		return nil, rejected(op, "route does not end at destination", nil)
	}
	return n.send(ctx, op, args.PaymentHash, args.Timeout)
}

func (n *SimNode) send(ctx context.Context, op string, hash PaymentHash, timeout TimeoutMSecs) (*PaymentResult, error) {
	n.sends.Add(1)

	n.mu.Lock()
	b, ok := n.behaviors[hash]
	if !ok {
		b = n.fallback
	}
	preimage, known := n.preimages[hash]
	n.mu.Unlock()

	if b.Unavailable {
		return nil, unavailable(op, fmt.Errorf("simulated node offline"))
	}

	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	if b.Release != nil {
		select {
		case <-b.Release:
		case <-ctx.Done():
			return nil, timedOut(op, ctx.Err())
		}
	}

	if b.Hang {
		if b.SettleAfter > 0 && known {
			go func() {
				time.Sleep(b.SettleAfter)
				logging.Lightning.Printf("sim: late settlement of %s", logging.Short(string(hash)))
				n.record(hash, &simPayment{result: &PaymentResult{
					SafeFee: b.Fee.SafeSatoshis(), FeeMTokens: b.Fee, PaymentSecret: preimage,
				}})
			}()
		}
		<-ctx.Done()
		return nil, timedOut(op, ctx.Err())
	}

	if b.Reject != "" {
		n.record(hash, &simPayment{failed: b.Reject})
		return nil, rejected(op, b.Reject, nil)
	}
	if !known {
		n.record(hash, &simPayment{failed: "INCORRECT_PAYMENT_DETAILS"})
		return nil, rejected(op, "INCORRECT_PAYMENT_DETAILS", nil)
	}

	res := &PaymentResult{SafeFee: b.Fee.SafeSatoshis(), FeeMTokens: b.Fee, PaymentSecret: preimage}
	n.record(hash, &simPayment{result: res})
	return res, nil
}

func (n *SimNode) record(hash PaymentHash, p *simPayment) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payments[hash] = p
}

// TrackPayment reports what happened to an earlier send.
func (n *SimNode) TrackPayment(ctx context.Context, hash PaymentHash) (*PaymentResult, error) {
	n.mu.Lock()
	p, ok := n.payments[hash]
	n.mu.Unlock()

	switch {
	case !ok:
		return nil, ErrPaymentInFlight
	case p.failed != "":
		return nil, rejected("track_payment", p.failed, nil)
	default:
		return p.result, nil
	}
}
