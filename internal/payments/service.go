package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"satspay/internal/ledger"
	"satspay/internal/lightning"
	"satspay/internal/logging"
	"satspay/internal/store"
)

// DefaultInvoiceExpiry applies when CreateInvoice is given no expiry.
const DefaultInvoiceExpiry = time.Hour

// SendArgs is a payment as submitted by a client, before any parsing.
type SendArgs struct {
	WalletID       string
	PaymentRequest string
	Memo           string
	TimeoutMSecs   int64
	Route          *lightning.PaymentRoute
}

// PaymentStatus is what a client polls after an indeterminate outcome.
type PaymentStatus struct {
	Attempt *store.Attempt
	Entries []ledger.Entry
}

// Service handles payment operations.
type Service struct {
	gateway      lightning.Service
	decoder      *lightning.Decoder
	store        store.Store
	orchestrator *Orchestrator
	timeout      lightning.TimeoutMSecs
	now          func() time.Time
}

// NewService creates a new payment service. Ledger entries go to lw, which
// is usually the store itself, possibly decorated.
func NewService(gateway lightning.Service, decoder *lightning.Decoder, st store.Store, lw ledger.Writer) *Service {
	o := NewOrchestrator(gateway, st, st, lw)
	o.ReserveFees(st, ledger.FeeReserve)
	return &Service{
		gateway:      gateway,
		decoder:      decoder,
		store:        st,
		orchestrator: o,
		now:          time.Now,
	}
}

// SetDefaultTimeout sets the send timeout used when a client gives none.
// Zero leaves the choice to the gateway.
func (s *Service) SetDefaultTimeout(t lightning.TimeoutMSecs) {
	s.timeout = t
}

// SendInvoicePayment parses a client's payment and hands it to the
// orchestrator, which reserves the routing fee once the payment is claimed.
func (s *Service) SendInvoicePayment(ctx context.Context, args SendArgs) (*Outcome, error) {
	req := Request{
		WalletID:       args.WalletID,
		PaymentRequest: s.decode(args.PaymentRequest),
		Memo:           Decode(lightning.ParseMemo(args.Memo)),
		Route:          args.Route,
		Timeout:        s.timeout,
	}
	if args.TimeoutMSecs != 0 {
		t, err := lightning.NewTimeoutMSecs(args.TimeoutMSecs)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		req.Timeout = t
	}

	return s.orchestrator.Pay(ctx, req)
}

func (s *Service) decode(raw string) Decoded[*lightning.LnInvoice] {
	req, err := lightning.ParseEncodedPaymentRequest(raw)
	if err != nil {
		return Failed[*lightning.LnInvoice](err)
	}
	return Decode(s.decoder.Decode(req))
}

// CreateInvoice registers an invoice on the node and keeps it for
// presentation.
func (s *Service) CreateInvoice(ctx context.Context, walletID string, sats lightning.Satoshis, memo string, expiresIn time.Duration) (*store.Invoice, error) {
	if walletID == "" {
		return nil, fmt.Errorf("%w: wallet id is required", ErrValidation)
	}
	m, err := lightning.ParseMemo(memo)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if sats < 0 {
		return nil, fmt.Errorf("%w: %v", ErrValidation, lightning.ErrNegativeAmount)
	}
	if expiresIn == 0 {
		expiresIn = DefaultInvoiceExpiry
	}
	now := s.now()
	exp, err := lightning.NewInvoiceExpiration(now.Add(expiresIn), now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	reg, err := s.gateway.RegisterInvoice(ctx, lightning.RegisterInvoiceArgs{
		Description: string(m),
		Satoshis:    sats,
		ExpiresAt:   exp,
	})
	if err != nil {
		if errors.Is(err, lightning.ErrRejected) {
			return nil, fmt.Errorf("%w: %w", ErrGatewayRejected, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}

	inv := &store.Invoice{
		PaymentHash:    reg.Invoice.PaymentHash(),
		WalletID:       walletID,
		PaymentRequest: reg.Invoice.PaymentRequest(),
		Satoshis:       sats,
		Description:    reg.Invoice.Description(),
		Pubkey:         reg.Pubkey,
		ExpiresAt:      reg.Invoice.ExpiresAt(),
		CreatedAt:      now.UTC(),
	}
	if err := s.store.SaveInvoice(ctx, inv); err != nil {
		return nil, fmt.Errorf("%w: saving invoice: %v", ErrUnknownRepository, err)
	}

	logging.Payments.Printf("wallet %s: created invoice %s for %d sats", walletID, logging.Short(string(inv.PaymentHash)), sats)
	return inv, nil
}

// GetInvoice returns an invoice created through CreateInvoice.
func (s *Service) GetInvoice(ctx context.Context, hash lightning.PaymentHash) (*store.Invoice, error) {
	inv, err := s.store.GetInvoice(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownRepository, err)
	}
	return inv, nil
}

// AttemptStatus reports the latest attempt for a payment and the entries
// posted for it so far.
func (s *Service) AttemptStatus(ctx context.Context, walletID string, hash lightning.PaymentHash) (*PaymentStatus, error) {
	a, err := s.store.GetAttempt(ctx, walletID, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownRepository, err)
	}
	entries, err := s.store.ListEntries(ctx, walletID, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownRepository, err)
	}
	return &PaymentStatus{Attempt: a, Entries: entries}, nil
}
