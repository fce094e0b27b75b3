package payments

import (
	"errors"
)

var (
	ErrInvoiceNotFound = errors.New("invoice not found")
	ErrPaymentNotFound = errors.New("payment not found")
)

// Stable codes reported to clients.
const (
	CodeInvalidInput         = "INVALID_INPUT"
	CodePaymentInFlight      = "PAYMENT_IN_FLIGHT"
	CodeAlreadyPaid          = "ALREADY_PAID"
	CodeLightningUnavailable = "LIGHTNING_UNAVAILABLE"
	CodePaymentRejected      = "PAYMENT_REJECTED"
	CodePaymentPending       = "PAYMENT_PENDING"
	CodeNotFound             = "NOT_FOUND"
	CodeRepositoryError      = "REPOSITORY_ERROR"
	CodeInternalError        = "INTERNAL_ERROR"
)

// AppError is the presentation form of a payment error. Retryable tells the
// client whether sending the same request again is safe.
type AppError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *AppError) Error() string { return e.Code + ": " + e.Message }

// MapError gives every error kind a fixed code and message. The gateway's own
// wording is only passed through for rejections, where it names the reason.
func MapError(err error) *AppError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation):
		return &AppError{Code: CodeInvalidInput, Message: err.Error()}
	case errors.Is(err, ErrDuplicateInFlight):
		return &AppError{Code: CodePaymentInFlight, Message: "A payment for this invoice is already in progress"}
	case errors.Is(err, ErrAlreadyPaid):
		return &AppError{Code: CodeAlreadyPaid, Message: "This invoice has already been paid"}
	case errors.Is(err, ErrTimeoutIndeterminate):
		return &AppError{Code: CodePaymentPending, Message: "Payment is pending; check its status before trying again"}
	case errors.Is(err, ErrGatewayUnavailable):
		return &AppError{Code: CodeLightningUnavailable, Message: "Lightning node is unavailable, try again later", Retryable: true}
	case errors.Is(err, ErrGatewayRejected):
		return &AppError{Code: CodePaymentRejected, Message: "Payment failed: " + rejectReason(err)}
	case errors.Is(err, ErrInvoiceNotFound), errors.Is(err, ErrPaymentNotFound):
		return &AppError{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, ErrUnknownRepository):
		return &AppError{Code: CodeRepositoryError, Message: "Storage error, try again later", Retryable: true}
	default:
		return &AppError{Code: CodeInternalError, Message: "Internal error"}
	}
}
