package lightning

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lnrpc"
)

var ErrInvalidRoute = errors.New("invalid payment route")

// Route amounts above the coin supply are refused, which also keeps the
// millisatoshi arithmetic below clear of int64 overflow.
const (
	maxRouteSats    = int64(btcutil.MaxSatoshi)
	maxRouteMTokens = maxRouteSats * 1000
)

// RouteHop is one hop of a fully specified route. Amounts in the *_mtokens
// fields are decimal millisatoshi strings.
type RouteHop struct {
	Channel         string `json:"channel"`
	ChannelCapacity int64  `json:"channel_capacity"`
	Fee             int64  `json:"fee"`
	FeeMTokens      string `json:"fee_mtokens"`
	Forward         int64  `json:"forward"`
	ForwardMTokens  string `json:"forward_mtokens"`
	PublicKey       Pubkey `json:"public_key,omitempty"`
	Timeout         uint32 `json:"timeout"`
}

// RouteMessage is a custom TLV record attached to the final hop.
type RouteMessage struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// PaymentRoute is a pre-computed payment path.
type PaymentRoute struct {
	Fee        int64          `json:"fee"`
	FeeMTokens string         `json:"fee_mtokens"`
	Hops       []RouteHop     `json:"hops"`
	Messages   []RouteMessage `json:"messages,omitempty"`
	MTokens    string         `json:"mtokens"`
	Timeout    uint32         `json:"timeout"`
	Tokens     int64          `json:"tokens"`
}

func parseMTokens(field, v string) (MilliSatoshis, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not an integer", ErrInvalidRoute, field, v)
	}
	m, err := NewMilliSatoshis(n)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidRoute, field, err)
	}
	if n > maxRouteMTokens {
		return 0, fmt.Errorf("%w: %s %d exceeds the coin supply", ErrInvalidRoute, field, n)
	}
	return m, nil
}

// Validate checks the route's internal consistency: milli-unit fields agree
// with their satoshi counterparts and forwarded amounts shrink by exactly each
// hop's fee from the sender's hop to the final hop.
func (r *PaymentRoute) Validate() error {
	if len(r.Hops) == 0 {
		return fmt.Errorf("%w: no hops", ErrInvalidRoute)
	}
	if r.Fee < 0 || r.Tokens < 0 {
		return fmt.Errorf("%w: negative amount", ErrInvalidRoute)
	}
	if r.Fee > maxRouteSats || r.Tokens > maxRouteSats {
		return fmt.Errorf("%w: amount exceeds the coin supply", ErrInvalidRoute)
	}

	feeM, err := parseMTokens("fee_mtokens", r.FeeMTokens)
	if err != nil {
		return err
	}
	mtokens, err := parseMTokens("mtokens", r.MTokens)
	if err != nil {
		return err
	}
	if int64(feeM) != r.Fee*1000 {
		return fmt.Errorf("%w: fee_mtokens %d != fee %d * 1000", ErrInvalidRoute, feeM, r.Fee)
	}
	if int64(mtokens) != r.Tokens*1000 {
		return fmt.Errorf("%w: mtokens %d != tokens %d * 1000", ErrInvalidRoute, mtokens, r.Tokens)
	}

	var hopFees MilliSatoshis
	var prevForward MilliSatoshis
	for i, hop := range r.Hops {
		if hop.Channel == "" {
			return fmt.Errorf("%w: hop %d has no channel", ErrInvalidRoute, i)
		}
		if _, err := parseChannel(hop.Channel); err != nil {
			return fmt.Errorf("%w: hop %d: %v", ErrInvalidRoute, i, err)
		}
		if _, err := ParsePubkey(string(hop.PublicKey)); err != nil {
			return fmt.Errorf("%w: hop %d: %v", ErrInvalidRoute, i, err)
		}

		fee, err := parseMTokens(fmt.Sprintf("hops[%d].fee_mtokens", i), hop.FeeMTokens)
		if err != nil {
			return err
		}
		forward, err := parseMTokens(fmt.Sprintf("hops[%d].forward_mtokens", i), hop.ForwardMTokens)
		if err != nil {
			return err
		}
		if int64(fee.Satoshis()) != hop.Fee || int64(forward.Satoshis()) != hop.Forward {
			return fmt.Errorf("%w: hop %d satoshi fields disagree with mtokens", ErrInvalidRoute, i)
		}

		if i > 0 {
			if forward != prevForward-fee {
				return fmt.Errorf("%w: hop %d forwards %d, want %d - %d", ErrInvalidRoute, i, forward, prevForward, fee)
			}
			if fee > 0 && forward >= prevForward {
				return fmt.Errorf("%w: hop %d forward amount does not decrease", ErrInvalidRoute, i)
			}
		}
		prevForward = forward
		if fee > feeM-hopFees {
			return fmt.Errorf("%w: hop fees exceed route fee %d", ErrInvalidRoute, feeM)
		}
		hopFees += fee
	}

	if hopFees != feeM {
		return fmt.Errorf("%w: hop fees sum to %d, route fee is %d", ErrInvalidRoute, hopFees, feeM)
	}
	first, _ := parseMTokens("hops[0].forward_mtokens", r.Hops[0].ForwardMTokens)
	firstFee, _ := parseMTokens("hops[0].fee_mtokens", r.Hops[0].FeeMTokens)
	if mtokens != first+firstFee {
		return fmt.Errorf("%w: mtokens %d != first hop forward %d + fee %d", ErrInvalidRoute, mtokens, first, firstFee)
	}
	return nil
}

// Destination is the identity of the final hop.
func (r *PaymentRoute) Destination() Pubkey {
	if len(r.Hops) == 0 {
		return ""
	}
	return r.Hops[len(r.Hops)-1].PublicKey
}

// DeliveredAmount is what the final hop receives.
func (r *PaymentRoute) DeliveredAmount() Satoshis {
	if len(r.Hops) == 0 {
		return 0
	}
	return Satoshis(r.Hops[len(r.Hops)-1].Forward)
}

// toRPC converts a validated route to lnd's representation. The payment
// secret, when known, is attached as the final hop's MPP record.
func (r *PaymentRoute) toRPC(secret *PaymentSecret) (*lnrpc.Route, error) {
	feeM, err := parseMTokens("fee_mtokens", r.FeeMTokens)
	if err != nil {
		return nil, err
	}
	mtokens, err := parseMTokens("mtokens", r.MTokens)
	if err != nil {
		return nil, err
	}

	rt := &lnrpc.Route{
		TotalTimeLock: r.Timeout,
		TotalAmtMsat:  int64(mtokens),
		TotalFeesMsat: int64(feeM),
	}
	for i, hop := range r.Hops {
		chanID, err := parseChannel(hop.Channel)
		if err != nil {
			return nil, err
		}
		fee, _ := parseMTokens("fee_mtokens", hop.FeeMTokens)
		forward, _ := parseMTokens("forward_mtokens", hop.ForwardMTokens)

		h := &lnrpc.Hop{
			ChanId:           chanID,
			Expiry:           hop.Timeout,
			AmtToForwardMsat: int64(forward),
			FeeMsat:          int64(fee),
			PubKey:           string(hop.PublicKey),
		}
		if i == len(r.Hops)-1 && secret != nil {
			h.MppRecord = &lnrpc.MPPRecord{
				PaymentAddr:  secret.Bytes(),
				TotalAmtMsat: int64(forward),
			}
		}
		rt.Hops = append(rt.Hops, h)
	}
	return rt, nil
}
