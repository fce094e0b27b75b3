package lightning

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	"gopkg.in/macaroon.v2"

	"satspay/internal/logging"
)

// LndConfig holds connection settings for an lnd node.
type LndConfig struct {
	Host         string
	TLSCertPath  string
	MacaroonPath string
}

// LndClient implements Service and PaymentTracker against lnd over gRPC.
type LndClient struct {
	lnClient     lnrpc.LightningClient
	routerClient routerrpc.RouterClient
	decoder      *Decoder
	conn         *grpc.ClientConn
	pubkey       Pubkey
	now          func() time.Time
}

// NewLndClient dials lnd and records the node's identity.
func NewLndClient(ctx context.Context, cfg LndConfig, decoder *Decoder) (*LndClient, error) {
	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS cert: %w", err)
	}

	macBytes, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read macaroon: %w", err)
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal macaroon: %w", err)
	}
	macCreds, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("failed to create macaroon credential: %w", err)
	}

	conn, err := grpc.Dial(cfg.Host,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macCreds),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial lnd: %w", err)
	}

	c := &LndClient{
		lnClient:     lnrpc.NewLightningClient(conn),
		routerClient: routerrpc.NewRouterClient(conn),
		decoder:      decoder,
		conn:         conn,
		now:          time.Now,
	}

	info, err := c.NodeInfo(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to reach lnd: %w", err)
	}
	c.pubkey = info.Pubkey
	logging.Lightning.Printf("connected to lnd node %s (%s), synced=%v", info.Alias, logging.Short(string(info.Pubkey)), info.Synced)

	return c, nil
}

func (c *LndClient) Close() error {
	return c.conn.Close()
}

func (c *LndClient) NodeInfo(ctx context.Context) (*NodeInfo, error) {
	resp, err := c.lnClient.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return nil, classify("get_info", err, false)
	}
	pubkey, err := ParsePubkey(resp.IdentityPubkey)
	if err != nil {
		return nil, rejected("get_info", "node returned a malformed identity", err)
	}
	return &NodeInfo{Pubkey: pubkey, Alias: resp.Alias, Synced: resp.SyncedToChain}, nil
}

func (c *LndClient) RegisterInvoice(ctx context.Context, args RegisterInvoiceArgs) (*RegisteredInvoice, error) {
	const op = "register_invoice"
	now := c.now()
	if err := checkRegisterArgs(op, args, now); err != nil {
		return nil, err
	}

	expiry := int64(args.ExpiresAt.Time().Sub(now).Round(time.Second) / time.Second)
	if expiry < 1 {
		expiry = 1
	}
	resp, err := c.lnClient.AddInvoice(ctx, &lnrpc.Invoice{
		Memo:   args.Description,
		Value:  int64(args.Satoshis),
		Expiry: expiry,
	})
	if err != nil {
		return nil, classify(op, err, false)
	}

	req, err := ParseEncodedPaymentRequest(resp.PaymentRequest)
	if err != nil {
		return nil, rejected(op, "node returned a malformed payment request", err)
	}
	inv, err := c.decoder.Decode(req)
	if err != nil {
		return nil, rejected(op, "node returned an undecodable payment request", err)
	}

	logging.Lightning.Printf("registered invoice %s for %d sats", logging.Short(string(inv.PaymentHash())), args.Satoshis)
	return &RegisteredInvoice{Invoice: inv, Pubkey: c.pubkey}, nil
}

func (c *LndClient) PayRequest(ctx context.Context, args PayRequestArgs) (*PaymentResult, error) {
	const op = "pay_request"
	if args.Invoice == nil {
		return nil, rejected(op, "no invoice", nil)
	}
	hash := args.Invoice.PaymentHash()

	ctx, cancel := withTimeout(ctx, args.Timeout)
	defer cancel()

	req := &routerrpc.SendPaymentRequest{
		PaymentRequest:    string(args.Invoice.PaymentRequest()),
		TimeoutSeconds:    args.Timeout.OrDefault().Seconds(),
		NoInflightUpdates: true,
	}
	if args.MaxFee > 0 {
		req.FeeLimitSat = int64(args.MaxFee)
	}

	stream, err := c.routerClient.SendPaymentV2(ctx, req)
	if err != nil {
		return nil, classify(op, err, false)
	}
	logging.Lightning.Printf("payment %s dispatched", logging.Short(string(hash)))

	payment, err := awaitPayment(stream)
	if err != nil {
		return nil, classify(op, err, true)
	}
	return c.paymentResult(op, hash, payment)
}

func (c *LndClient) PayToRoute(ctx context.Context, args PayToRouteArgs) (*PaymentResult, error) {
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
	rt, err := args.Route.toRPC(args.PaymentSecret)
	if err != nil {
		return nil, rejected(op, "invalid route", err)
	}

	ctx, cancel := withTimeout(ctx, args.Timeout)
	defer cancel()

	attempt, err := c.routerClient.SendToRouteV2(ctx, &routerrpc.SendToRouteRequest{
		PaymentHash: args.PaymentHash.Bytes(),
		Route:       rt,
	})
	if err != nil {
		// SendToRouteV2 is unary: an error other than a refusal to connect
		// may arrive after the HTLC left the node.
		return nil, classify(op, err, !isUndelivered(err))
	}

	switch attempt.Status {
	case lnrpc.HTLCAttempt_SUCCEEDED:
		preimage, err := settledPreimage(hex.EncodeToString(attempt.Preimage), args.PaymentHash)
		if err != nil {
			return nil, timedOut(op, err)
		}
		var feeM MilliSatoshis
		if attempt.Route != nil {
			feeM = MilliSatoshis(attempt.Route.TotalFeesMsat)
		}
		return &PaymentResult{SafeFee: feeM.SafeSatoshis(), FeeMTokens: feeM, PaymentSecret: preimage}, nil
	case lnrpc.HTLCAttempt_FAILED:
		reason := "htlc failed"
		if attempt.Failure != nil {
			reason = attempt.Failure.Code.String()
		}
		return nil, rejected(op, reason, nil)
	default:
		return nil, timedOut(op, ErrPaymentInFlight)
	}
}

// TrackPayment reports the final state of an earlier send.
func (c *LndClient) TrackPayment(ctx context.Context, hash PaymentHash) (*PaymentResult, error) {
	const op = "track_payment"
	stream, err := c.routerClient.TrackPaymentV2(ctx, &routerrpc.TrackPaymentRequest{
		PaymentHash:       hash.Bytes(),
		NoInflightUpdates: true,
	})
	if err != nil {
		return nil, classify(op, err, false)
	}

	payment, err := stream.Recv()
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, rejected(op, "payment unknown to node", err)
		}
		return nil, classify(op, err, false)
	}
	if payment.Status == lnrpc.Payment_IN_FLIGHT {
		return nil, ErrPaymentInFlight
	}
	return c.paymentResult(op, hash, payment)
}

// awaitPayment reads the stream until the payment reaches a final state.
func awaitPayment(stream routerrpc.Router_SendPaymentV2Client) (*lnrpc.Payment, error) {
	for {
		payment, err := stream.Recv()
		if err != nil {
			return nil, err
		}
		if payment.Status != lnrpc.Payment_IN_FLIGHT {
			return payment, nil
		}
	}
}

func (c *LndClient) paymentResult(op string, hash PaymentHash, payment *lnrpc.Payment) (*PaymentResult, error) {
	switch payment.Status {
	case lnrpc.Payment_SUCCEEDED:
		preimage, err := settledPreimage(payment.PaymentPreimage, hash)
		if err != nil {
			return nil, timedOut(op, err)
		}
		feeM := MilliSatoshis(payment.FeeMsat)
		logging.Lightning.Printf("payment %s settled, fee %s", logging.Short(string(hash)), feeM)
		return &PaymentResult{SafeFee: feeM.SafeSatoshis(), FeeMTokens: feeM, PaymentSecret: preimage}, nil
	case lnrpc.Payment_FAILED:
		reason := payment.FailureReason.String()
		logging.Lightning.Printf("payment %s failed: %s", logging.Short(string(hash)), reason)
		return nil, rejected(op, reason, nil)
	default:
		return nil, timedOut(op, fmt.Errorf("unexpected payment status %s", payment.Status))
	}
}

// settledPreimage checks the proof of payment of a send the node reports as
// succeeded. A bad one does not mean the money stayed put.
func settledPreimage(s string, hash PaymentHash) (PaymentSecret, error) {
	preimage, err := ParsePaymentSecret(s)
	if err != nil {
		return "", fmt.Errorf("node reported success with an unusable preimage: %w", err)
	}
	if !preimage.Matches(hash) {
		return "", errors.New("node reported success with a preimage that does not match")
	}
	return preimage, nil
}

func isUndelivered(err error) bool {
	return status.Code(err) == codes.Unavailable
}

// classify maps a gRPC or context error onto a ServiceError. Once a send has
// been dispatched, losing the node can no longer be told apart from a slow
// payment, so it is reported as a timeout.
func classify(op string, err error, dispatched bool) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if dispatched {
			return timedOut(op, err)
		}
		return unavailable(op, err)
	}

	st, ok := status.FromError(err)
	if !ok {
		if dispatched {
			return timedOut(op, err)
		}
		return unavailable(op, err)
	}

	switch st.Code() {
	case codes.DeadlineExceeded, codes.Canceled:
		if dispatched {
			return timedOut(op, err)
		}
		return unavailable(op, err)
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		if dispatched {
			return timedOut(op, err)
		}
		return unavailable(op, err)
	default:
		return rejected(op, st.Message(), err)
	}
}
