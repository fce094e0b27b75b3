package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"satspay/internal/logging"
)

const albyAPIBase = "https://api.getalby.com"

// AlbyClient implements Service using the Alby Wallet HTTP API. The wallet is
// custodial, so it chooses routes itself and cannot pay along a given one.
// The bolt11 endpoint takes no fee limit either: PayRequestArgs.MaxFee is
// not enforced and the wallet's own fee policy applies.
type AlbyClient struct {
	accessToken string
	baseURL     string
	httpClient  *http.Client
	decoder     *Decoder
	pubkey      Pubkey
	now         func() time.Time
}

// AlbyConfig holds configuration for the Alby HTTP client.
type AlbyConfig struct {
	AccessToken string
	// BaseURL overrides the public API endpoint.
	BaseURL string
	// Pubkey is reported as the receiving identity of registered invoices
	// when the API does not supply one.
	Pubkey Pubkey
}

type albyCreateInvoiceRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

type albyInvoiceResponse struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
	Amount         int64  `json:"amount"`
	Destination    string `json:"destination_pubkey,omitempty"`
}

type albyPayRequest struct {
	Invoice string `json:"invoice"`
}

type albyPayResponse struct {
	Amount          int64  `json:"amount"`
	Fee             int64  `json:"fee"`
	PaymentHash     string `json:"payment_hash"`
	PaymentPreimage string `json:"payment_preimage"`
}

type albyError struct {
	Error   bool   `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewAlbyClient creates an Alby client and verifies the token works.
func NewAlbyClient(ctx context.Context, cfg AlbyConfig, decoder *Decoder) (*AlbyClient, error) {
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = albyAPIBase
	}

	c := &AlbyClient{
		accessToken: cfg.AccessToken,
		baseURL:     base,
		httpClient:  &http.Client{Timeout: MaxTimeoutMSecs.Duration()},
		decoder:     decoder,
		pubkey:      cfg.Pubkey,
		now:         time.Now,
	}

	logging.Alby.Println("testing connection...")
	if err := c.testConnection(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to Alby: %w", err)
	}
	logging.Alby.Println("connected successfully!")

	return c, nil
}

func (c *AlbyClient) testConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/balance", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (c *AlbyClient) RegisterInvoice(ctx context.Context, args RegisterInvoiceArgs) (*RegisteredInvoice, error) {
	const op = "register_invoice"
	if err := checkRegisterArgs(op, args, c.now()); err != nil {
		return nil, err
	}
	logging.Alby.Printf("creating invoice for %d sats...", args.Satoshis)

	var albyResp albyInvoiceResponse
	err := c.post(ctx, op, "/invoices", albyCreateInvoiceRequest{
		Amount:      int64(args.Satoshis),
		Description: args.Description,
		ExpiresAt:   args.ExpiresAt.Time().UTC().Format(time.RFC3339),
	}, &albyResp, false)
	if err != nil {
		return nil, err
	}

	req, err := ParseEncodedPaymentRequest(albyResp.PaymentRequest)
	if err != nil {
		return nil, rejected(op, "API returned a malformed payment request", err)
	}
	inv, err := c.decoder.Decode(req)
	if err != nil {
		return nil, rejected(op, "API returned an undecodable payment request", err)
	}

	pubkey := c.pubkey
	if pk, err := ParsePubkey(albyResp.Destination); err == nil {
		pubkey = pk
	} else if pubkey == "" {
		pubkey = inv.Destination()
	}

	logging.Alby.Printf("created invoice %s for %d sats", logging.Short(string(inv.PaymentHash())), args.Satoshis)
	return &RegisteredInvoice{Invoice: inv, Pubkey: pubkey}, nil
}

func (c *AlbyClient) PayRequest(ctx context.Context, args PayRequestArgs) (*PaymentResult, error) {
	const op = "pay_request"
	if args.Invoice == nil {
		return nil, rejected(op, "no invoice", nil)
	}
	hash := args.Invoice.PaymentHash()

	ctx, cancel := withTimeout(ctx, args.Timeout)
	defer cancel()

	if args.MaxFee > 0 {
		logging.Alby.Printf("paying %s: fee cap of %d sats is not enforced by the API", logging.Short(string(hash)), args.MaxFee)
	}

	var payResp albyPayResponse
	err := c.post(ctx, op, "/payments/bolt11", albyPayRequest{
		Invoice: string(args.Invoice.PaymentRequest()),
	}, &payResp, true)
	if err != nil {
		return nil, err
	}

	// The API reported the payment as sent, so a reply we cannot use
	// leaves its fate open rather than failed.
	preimage, err := ParsePaymentSecret(payResp.PaymentPreimage)
	if err != nil {
		return nil, timedOut(op, fmt.Errorf("API returned an unusable preimage: %w", err))
	}
	if !preimage.Matches(hash) {
		return nil, timedOut(op, errors.New("API returned a preimage that does not match"))
	}
	fee, err := NewSatoshis(payResp.Fee)
	if err != nil {
		return nil, timedOut(op, fmt.Errorf("API returned a negative fee: %w", err))
	}

	logging.Alby.Printf("paid %s, fee %d sats", logging.Short(string(hash)), fee)
	return &PaymentResult{SafeFee: fee, FeeMTokens: fee.MilliSatoshis(), PaymentSecret: preimage}, nil
}

func (c *AlbyClient) PayToRoute(ctx context.Context, args PayToRouteArgs) (*PaymentResult, error) {
	return nil, rejected("pay_to_route", "custodial wallet cannot pay along an explicit route", nil)
}

// post sends a JSON request. For sends, a transport failure after the request
// was written leaves the payment's fate unknown.
func (c *AlbyClient) post(ctx context.Context, op, path string, body, out any, send bool) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return rejected(op, "failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return rejected(op, "failed to create request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if send && !isDialError(err) {
			return timedOut(op, err)
		}
		return unavailable(op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode >= 500:
		if send {
			return timedOut(op, fmt.Errorf("API returned status %d", resp.StatusCode))
		}
		return unavailable(op, fmt.Errorf("API returned status %d", resp.StatusCode))
	default:
		var apiErr albyError
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			return rejected(op, apiErr.Message, nil)
		}
		return rejected(op, fmt.Sprintf("API returned status %d: %s", resp.StatusCode, string(raw)), nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if send {
			return timedOut(op, fmt.Errorf("failed to decode response: %w", err))
		}
		return rejected(op, "failed to decode response", err)
	}
	return nil
}

// isDialError reports whether the request never reached the API.
func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
