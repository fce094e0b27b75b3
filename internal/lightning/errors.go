package lightning

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a gateway failure by what the caller may safely do next.
type ErrorKind int

const (
	// KindUnavailable: the node could not be reached and nothing was sent.
	KindUnavailable ErrorKind = iota + 1
	// KindRejected: the node gave a definitive refusal or failure.
	KindRejected
	// KindTimeout: the caller stopped waiting; the payment may still settle.
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindRejected:
		return "rejected"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

var (
	ErrUnavailable = errors.New("lightning node unavailable")
	ErrRejected    = errors.New("lightning node rejected the request")
	ErrTimeout     = errors.New("lightning node did not answer in time")

	// ErrPaymentInFlight is returned by PaymentTracker while a payment has
	// neither settled nor failed.
	ErrPaymentInFlight = errors.New("payment still in flight")
)

// ServiceError is the single error type returned by Service implementations.
type ServiceError struct {
	Op     string
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *ServiceError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Is lets callers match on the kind sentinels.
func (e *ServiceError) Is(target error) bool {
	switch target {
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	case ErrRejected:
		return e.Kind == KindRejected
	case ErrTimeout:
		return e.Kind == KindTimeout
	}
	return false
}

func unavailable(op string, err error) error {
	return &ServiceError{Op: op, Kind: KindUnavailable, Err: err}
}

func rejected(op, reason string, err error) error {
	return &ServiceError{Op: op, Kind: KindRejected, Reason: reason, Err: err}
}

func timedOut(op string, err error) error {
	return &ServiceError{Op: op, Kind: KindTimeout, Err: err}
}

// KindOf extracts the kind of a gateway error, or 0 if err is not one.
func KindOf(err error) ErrorKind {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}
