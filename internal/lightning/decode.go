package lightning

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lightningnetwork/lnd/zpay32"
)

var ErrUnknownNetwork = errors.New("unknown network")

// DefaultDecodeCacheSize is the number of decoded invoices kept in memory.
const DefaultDecodeCacheSize = 1024

// NetworkParams maps a network name to its chain parameters.
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case "mainnet", "bitcoin":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, network)
	}
}

// Decoder turns encoded payment requests into LnInvoice values for one
// network. It is safe for concurrent use.
type Decoder struct {
	net   *chaincfg.Params
	cache *lru.Cache[EncodedPaymentRequest, *LnInvoice]
}

func NewDecoder(net *chaincfg.Params, cacheSize int) (*Decoder, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultDecodeCacheSize
	}
	cache, err := lru.New[EncodedPaymentRequest, *LnInvoice](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Decoder{net: net, cache: cache}, nil
}

// Decode parses and verifies a BOLT11 payment request.
func (d *Decoder) Decode(req EncodedPaymentRequest) (*LnInvoice, error) {
	if inv, ok := d.cache.Get(req); ok {
		return inv, nil
	}

	raw, err := zpay32.Decode(string(req), d.net)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPaymentRequest, err)
	}

	inv, err := fromZpay(req, raw)
	if err != nil {
		return nil, err
	}
	d.cache.Add(req, inv)
	return inv, nil
}

func fromZpay(req EncodedPaymentRequest, raw *zpay32.Invoice) (*LnInvoice, error) {
	if raw.PaymentHash == nil {
		return nil, fmt.Errorf("%w: missing payment hash", ErrInvalidPaymentRequest)
	}
	if raw.Destination == nil {
		return nil, fmt.Errorf("%w: missing destination", ErrInvalidPaymentRequest)
	}

	inv := &LnInvoice{
		paymentHash:    PaymentHash(hex.EncodeToString(raw.PaymentHash[:])),
		destination:    Pubkey(hex.EncodeToString(raw.Destination.SerializeCompressed())),
		paymentRequest: req,
		createdAt:      raw.Timestamp,
		expiresAt:      raw.Timestamp.Add(raw.Expiry()),
	}

	if raw.MilliSat != nil {
		msat := fromWire(*raw.MilliSat)
		if msat%1000 != 0 {
			return nil, fmt.Errorf("%w: sub-satoshi amount %s", ErrInvalidPaymentRequest, msat)
		}
		sats := msat.Satoshis()
		inv.amount = &sats
	}

	cltv := raw.MinFinalCLTVExpiry()
	inv.cltvDelta = &cltv

	if raw.PaymentAddr != nil {
		secret := PaymentSecret(hex.EncodeToString(raw.PaymentAddr[:]))
		inv.paymentSecret = &secret
	}
	if raw.Description != nil {
		inv.description = *raw.Description
	}

	for _, path := range raw.RouteHints {
		hints := make([]RouteHint, 0, len(path))
		for _, hop := range path {
			var node Pubkey
			if hop.NodeID != nil {
				node = Pubkey(hex.EncodeToString(hop.NodeID.SerializeCompressed()))
			}
			hints = append(hints, RouteHint{
				BaseFeeMTokens: MilliSatoshis(hop.FeeBaseMSat),
				Channel:        formatChannel(hop.ChannelID),
				CltvDelta:      hop.CLTVExpiryDelta,
				FeeRate:        hop.FeeProportionalMillionths,
				NodePubkey:     node,
			})
		}
		inv.routeHints = append(inv.routeHints, hints)
	}

	return inv, nil
}
