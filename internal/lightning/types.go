package lightning

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/lightningnetwork/lnd/lntypes"
)

var (
	ErrInvalidPaymentHash    = errors.New("invalid payment hash")
	ErrInvalidPaymentSecret  = errors.New("invalid payment secret")
	ErrInvalidPaymentRequest = errors.New("invalid payment request")
	ErrInvalidPubkey         = errors.New("invalid pubkey")
	ErrInvalidTimeout        = errors.New("invalid timeout")
	ErrInvalidExpiration     = errors.New("invoice expiration must be in the future")
	ErrInvalidMemo           = errors.New("invalid memo")
)

// PaymentHash is the hex encoded sha256 commitment that identifies a payment.
type PaymentHash string

// ParsePaymentHash validates a hex encoded 32 byte hash.
func ParsePaymentHash(s string) (PaymentHash, error) {
	h, err := lntypes.MakeHashFromStr(strings.ToLower(s))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPaymentHash, err)
	}
	return PaymentHash(h.String()), nil
}

func (h PaymentHash) String() string { return string(h) }

// Bytes returns the raw hash. The zero value yields nil.
func (h PaymentHash) Bytes() []byte {
	b, err := hex.DecodeString(string(h))
	if err != nil {
		return nil
	}
	return b
}

// PaymentSecret is a hex encoded 32 byte secret. It carries both the BOLT11
// payment address of an invoice and the preimage revealed on settlement.
type PaymentSecret string

// ParsePaymentSecret validates a hex encoded 32 byte secret.
func ParsePaymentSecret(s string) (PaymentSecret, error) {
	p, err := lntypes.MakePreimageFromStr(strings.ToLower(s))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPaymentSecret, err)
	}
	return PaymentSecret(p.String()), nil
}

func (s PaymentSecret) String() string { return string(s) }

func (s PaymentSecret) Bytes() []byte {
	b, err := hex.DecodeString(string(s))
	if err != nil {
		return nil
	}
	return b
}

// Matches reports whether the secret is the preimage of hash.
func (s PaymentSecret) Matches(hash PaymentHash) bool {
	p, err := lntypes.MakePreimageFromStr(string(s))
	if err != nil {
		return false
	}
	h, err := lntypes.MakeHashFromStr(string(hash))
	if err != nil {
		return false
	}
	return p.Matches(h)
}

// EncodedPaymentRequest is a bech32 BOLT11 string, normalised to lower case.
type EncodedPaymentRequest string

// ParseEncodedPaymentRequest performs the cheap syntactic checks. Full
// validation happens when the request is decoded.
func ParseEncodedPaymentRequest(s string) (EncodedPaymentRequest, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "lightning:")
	if len(s) < 8 || !strings.HasPrefix(s, "ln") || !strings.Contains(s, "1") {
		return "", ErrInvalidPaymentRequest
	}
	return EncodedPaymentRequest(s), nil
}

func (r EncodedPaymentRequest) String() string { return string(r) }

// Pubkey is a hex encoded 33 byte compressed node identity key.
type Pubkey string

func ParsePubkey(s string) (Pubkey, error) {
	s = strings.ToLower(s)
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 33 || (b[0] != 0x02 && b[0] != 0x03) {
		return "", ErrInvalidPubkey
	}
	return Pubkey(s), nil
}

func (p Pubkey) String() string { return string(p) }

func (p Pubkey) Bytes() []byte {
	b, err := hex.DecodeString(string(p))
	if err != nil {
		return nil
	}
	return b
}

const (
	// DefaultTimeoutMSecs is used when a caller supplies no timeout.
	DefaultTimeoutMSecs TimeoutMSecs = 45_000
	MaxTimeoutMSecs     TimeoutMSecs = 600_000
)

// TimeoutMSecs bounds how long a caller waits on the node.
type TimeoutMSecs int64

func NewTimeoutMSecs(ms int64) (TimeoutMSecs, error) {
	if ms < 1 || ms > int64(MaxTimeoutMSecs) {
		return 0, fmt.Errorf("%w: %d ms (want 1..%d)", ErrInvalidTimeout, ms, MaxTimeoutMSecs)
	}
	return TimeoutMSecs(ms), nil
}

func (t TimeoutMSecs) Duration() time.Duration {
	return time.Duration(t) * time.Millisecond
}

// Seconds rounds up to whole seconds, never below one.
func (t TimeoutMSecs) Seconds() int32 {
	s := (int64(t) + 999) / 1000
	if s < 1 {
		s = 1
	}
	return int32(s)
}

// OrDefault returns t, or DefaultTimeoutMSecs for the zero value.
func (t TimeoutMSecs) OrDefault() TimeoutMSecs {
	if t == 0 {
		return DefaultTimeoutMSecs
	}
	return t
}

// InvoiceExpiration is an invoice expiry instant, strictly in the future when
// constructed.
type InvoiceExpiration time.Time

func NewInvoiceExpiration(t, now time.Time) (InvoiceExpiration, error) {
	if !t.After(now) {
		return InvoiceExpiration{}, ErrInvalidExpiration
	}
	return InvoiceExpiration(t), nil
}

func (e InvoiceExpiration) Time() time.Time { return time.Time(e) }

// MaxMemoLength is the longest memo accepted, in bytes.
const MaxMemoLength = 1024

// Memo is a payer supplied note attached to a payment.
type Memo string

func ParseMemo(s string) (Memo, error) {
	if len(s) > MaxMemoLength {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidMemo, MaxMemoLength)
	}
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: not valid utf-8", ErrInvalidMemo)
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: contains control characters", ErrInvalidMemo)
		}
	}
	return Memo(s), nil
}

func (m Memo) String() string { return string(m) }
