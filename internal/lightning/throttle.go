package lightning

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttled limits the rate of calls reaching the wrapped gateway. A call
// that cannot get a slot before its context ends is reported as
// unavailable: nothing was sent.
type Throttled struct {
	next    Service
	limiter *rate.Limiter
}

// NewThrottled allows rps calls per second with the given burst.
func NewThrottled(next Service, rps float64, burst int) *Throttled {
	if burst < 1 {
		burst = 1
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (t *Throttled) RegisterInvoice(ctx context.Context, args RegisterInvoiceArgs) (*RegisteredInvoice, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, unavailable("register_invoice", err)
	}
	return t.next.RegisterInvoice(ctx, args)
}

func (t *Throttled) PayRequest(ctx context.Context, args PayRequestArgs) (*PaymentResult, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, unavailable("pay_request", err)
	}
	return t.next.PayRequest(ctx, args)
}

func (t *Throttled) PayToRoute(ctx context.Context, args PayToRouteArgs) (*PaymentResult, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, unavailable("pay_to_route", err)
	}
	return t.next.PayToRoute(ctx, args)
}

// TrackPayment passes through unthrottled when the wrapped gateway can track.
func (t *Throttled) TrackPayment(ctx context.Context, hash PaymentHash) (*PaymentResult, error) {
	tracker, ok := t.next.(PaymentTracker)
	if !ok {
		return nil, ErrPaymentInFlight
	}
	return tracker.TrackPayment(ctx, hash)
}
