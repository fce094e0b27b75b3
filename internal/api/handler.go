package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"satspay/internal/archive"
	"satspay/internal/ledger"
	"satspay/internal/lightning"
	"satspay/internal/logging"
	"satspay/internal/payments"
	"satspay/internal/store"
)

const (
	codeRateLimited  = "RATE_LIMITED"
	codePendingLimit = "PAYMENT_PENDING_LIMIT"
	codeUnconfigured = "NOT_CONFIGURED"
)

// maxBodySize bounds request bodies; the largest is a payment with a route.
const maxBodySize = 64 << 10

const qrSize = 256

var validWalletIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func isValidWalletID(id string) bool {
	return id != "" && len(id) <= 64 && validWalletIDPattern.MatchString(id)
}

// ReceiptSource loads archived settlement receipts.
type ReceiptSource interface {
	Receipt(ctx context.Context, walletID string, hash lightning.PaymentHash) (*archive.Receipt, error)
}

// Handler handles HTTP requests.
type Handler struct {
	payments       *payments.Service
	receipts       ReceiptSource
	pendingLimiter *PendingPaymentLimiter
	mux            *http.ServeMux
}

// NewHandler creates a new HTTP handler.
// If pendingLimiter is nil, no pending payment limit is enforced.
func NewHandler(svc *payments.Service, pendingLimiter *PendingPaymentLimiter) *Handler {
	h := &Handler{
		payments:       svc,
		pendingLimiter: pendingLimiter,
		mux:            http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

// SetReceiptSource enables the receipt endpoint.
func (h *Handler) SetReceiptSource(rs ReceiptSource) {
	h.receipts = rs
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("POST /api/wallets/{wallet}/payments", h.handleSendPayment)
	h.mux.HandleFunc("GET /api/wallets/{wallet}/payments/{hash}", h.handlePaymentStatus)
	h.mux.HandleFunc("GET /api/wallets/{wallet}/payments/{hash}/receipt", h.handleReceipt)
	h.mux.HandleFunc("POST /api/wallets/{wallet}/invoices", h.handleCreateInvoice)
	h.mux.HandleFunc("GET /api/invoices/{hash}", h.handleGetInvoice)
	h.mux.HandleFunc("GET /api/invoices/{hash}/qr", h.handleInvoiceQR)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// ErrorResponse is the body of every failed request. Payment is set when the
// gateway was called, so the client can see what is known about the payment.
type ErrorResponse struct {
	Code      string           `json:"code"`
	Message   string           `json:"message"`
	Retryable bool             `json:"retryable"`
	Payment   *PaymentResponse `json:"payment,omitempty"`
}

func statusFor(code string) int {
	switch code {
	case payments.CodeInvalidInput:
		return http.StatusBadRequest
	case payments.CodePaymentInFlight, payments.CodeAlreadyPaid:
		return http.StatusConflict
	case payments.CodeLightningUnavailable, payments.CodeRepositoryError:
		return http.StatusServiceUnavailable
	case payments.CodePaymentRejected:
		return http.StatusUnprocessableEntity
	case payments.CodePaymentPending:
		return http.StatusAccepted
	case payments.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Internal.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, retryable bool) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message, Retryable: retryable})
}

func writeAppError(w http.ResponseWriter, err error, payment *PaymentResponse) {
	app := payments.MapError(err)
	if app.Code == payments.CodeInternalError || app.Code == payments.CodeRepositoryError {
		logging.Internal.Printf("request failed: %v", err)
	}
	writeJSON(w, statusFor(app.Code), ErrorResponse{
		Code:      app.Code,
		Message:   app.Message,
		Retryable: app.Retryable,
		Payment:   payment,
	})
}

func invalid(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, payments.CodeInvalidInput, message, false)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		invalid(w, "invalid request body")
		return false
	}
	return true
}

// SendPaymentRequest is the request body for sending a payment.
type SendPaymentRequest struct {
	PaymentRequest string                  `json:"payment_request"`
	Memo           string                  `json:"memo,omitempty"`
	TimeoutMS      int64                   `json:"timeout_ms,omitempty"`
	Route          *lightning.PaymentRoute `json:"route,omitempty"`
}

// PaymentResponse describes a payment after the gateway was called.
type PaymentResponse struct {
	WalletID          string              `json:"wallet_id"`
	PaymentHash       string              `json:"payment_hash"`
	AmountSats        int64               `json:"amount_sats"`
	Outcome           ledger.Outcome      `json:"outcome"`
	Instruction       ledger.Instruction  `json:"instruction"`
	PrepaidFeeSats    int64               `json:"prepaid_fee_sats"`
	FeeSats           int64               `json:"fee_sats"`
	FeeMTokens        string              `json:"fee_mtokens"`
	ReimbursementSats *lightning.Satoshis `json:"reimbursement_sats,omitempty"`
	Preimage          string              `json:"preimage,omitempty"`
	Reason            string              `json:"reason,omitempty"`
}

func paymentResponse(out *payments.Outcome) *PaymentResponse {
	if out == nil {
		return nil
	}
	return &PaymentResponse{
		WalletID:          out.WalletID,
		PaymentHash:       string(out.PaymentHash),
		AmountSats:        int64(out.Amount),
		Outcome:           out.Kind,
		Instruction:       out.Instruction,
		PrepaidFeeSats:    int64(out.PrepaidFee),
		FeeSats:           int64(out.Fee),
		FeeMTokens:        strconv.FormatInt(int64(out.FeeMTokens), 10),
		ReimbursementSats: out.Reimbursement,
		Preimage:          string(out.PaymentSecret),
		Reason:            out.Reason,
	}
}

func (h *Handler) handleSendPayment(w http.ResponseWriter, r *http.Request) {
	walletID := r.PathValue("wallet")
	if !isValidWalletID(walletID) {
		invalid(w, "invalid wallet id")
		return
	}

	if h.pendingLimiter != nil && !h.pendingLimiter.CanPay(walletID) {
		msg := fmt.Sprintf("pending payment limit reached: %d payment(s) still unresolved (max %d). "+
			"Wait for them to settle or fail before sending more.", h.pendingLimiter.PendingCount(walletID), h.pendingLimiter.MaxPending())
		writeError(w, http.StatusTooManyRequests, codePendingLimit, msg, true)
		return
	}

	var req SendPaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	out, err := h.payments.SendInvoicePayment(r.Context(), payments.SendArgs{
		WalletID:       walletID,
		PaymentRequest: req.PaymentRequest,
		Memo:           req.Memo,
		TimeoutMSecs:   req.TimeoutMS,
		Route:          req.Route,
	})

	// Anything the reconciler still has to resolve counts against the wallet.
	if out != nil && h.pendingLimiter != nil &&
		(out.Kind == ledger.OutcomeIndeterminate || errors.Is(err, payments.ErrUnknownRepository)) {
		h.pendingLimiter.Track(walletID, out.PaymentHash)
	}

	if err != nil {
		writeAppError(w, err, paymentResponse(out))
		return
	}
	writeJSON(w, http.StatusOK, paymentResponse(out))
}

// EntryResponse is one ledger entry of a payment.
type EntryResponse struct {
	ID                string              `json:"id"`
	Outcome           ledger.Outcome      `json:"outcome"`
	Instruction       ledger.Instruction  `json:"instruction"`
	AmountSats        int64               `json:"amount_sats"`
	FeeSats           int64               `json:"fee_sats"`
	ReimbursementSats *lightning.Satoshis `json:"reimbursement_sats,omitempty"`
	Reason            string              `json:"reason,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
}

// StatusResponse reports the latest attempt of a payment.
type StatusResponse struct {
	PaymentHash string             `json:"payment_hash"`
	State       store.AttemptState `json:"state"`
	AmountSats  int64              `json:"amount_sats"`
	FeeSats     int64              `json:"fee_sats"`
	Reason      string             `json:"reason,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
	Entries     []EntryResponse    `json:"entries"`
}

func (h *Handler) pathArgs(w http.ResponseWriter, r *http.Request) (string, lightning.PaymentHash, bool) {
	walletID := r.PathValue("wallet")
	if !isValidWalletID(walletID) {
		invalid(w, "invalid wallet id")
		return "", "", false
	}
	hash, err := lightning.ParsePaymentHash(r.PathValue("hash"))
	if err != nil {
		invalid(w, "invalid payment hash")
		return "", "", false
	}
	return walletID, hash, true
}

func (h *Handler) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	walletID, hash, ok := h.pathArgs(w, r)
	if !ok {
		return
	}

	status, err := h.payments.AttemptStatus(r.Context(), walletID, hash)
	if err != nil {
		writeAppError(w, err, nil)
		return
	}

	a := status.Attempt
	resp := StatusResponse{
		PaymentHash: string(a.PaymentHash),
		State:       a.State,
		AmountSats:  int64(a.Amount),
		FeeSats:     int64(a.Fee),
		Reason:      a.Reason,
		UpdatedAt:   a.UpdatedAt,
		Entries:     make([]EntryResponse, 0, len(status.Entries)),
	}
	for _, e := range status.Entries {
		resp.Entries = append(resp.Entries, EntryResponse{
			ID:                e.ID.String(),
			Outcome:           e.Outcome,
			Instruction:       e.Instruction(),
			AmountSats:        int64(e.Amount),
			FeeSats:           int64(e.Fee),
			ReimbursementSats: e.Reimbursement,
			Reason:            e.Reason,
			CreatedAt:         e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleReceipt(w http.ResponseWriter, r *http.Request) {
	walletID, hash, ok := h.pathArgs(w, r)
	if !ok {
		return
	}
	if h.receipts == nil {
		writeError(w, http.StatusServiceUnavailable, codeUnconfigured, "receipt archive not configured", false)
		return
	}

	receipt, err := h.receipts.Receipt(r.Context(), walletID, hash)
	if errors.Is(err, archive.ErrNotFound) {
		writeError(w, http.StatusNotFound, payments.CodeNotFound, "receipt not found", false)
		return
	}
	if err != nil {
		logging.Internal.Printf("failed to load receipt for %s: %v", logging.Short(string(hash)), err)
		writeError(w, http.StatusInternalServerError, payments.CodeInternalError, "failed to load receipt", true)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// CreateInvoiceRequest is the request body for creating an invoice.
type CreateInvoiceRequest struct {
	Sats             int64  `json:"sats"`
	Memo             string `json:"memo,omitempty"`
	ExpiresInSeconds int64  `json:"expires_in_seconds,omitempty"`
}

// InvoiceResponse is an invoice as presented to the payer.
type InvoiceResponse struct {
	PaymentHash    string    `json:"payment_hash"`
	PaymentRequest string    `json:"payment_request"`
	AmountSats     int64     `json:"amount_sats"`
	Description    string    `json:"description,omitempty"`
	Pubkey         string    `json:"pubkey"`
	ExpiresAt      time.Time `json:"expires_at"`
	QRURL          string    `json:"qr_url"`
}

func invoiceResponse(inv *store.Invoice) InvoiceResponse {
	return InvoiceResponse{
		PaymentHash:    string(inv.PaymentHash),
		PaymentRequest: string(inv.PaymentRequest),
		AmountSats:     int64(inv.Satoshis),
		Description:    inv.Description,
		Pubkey:         string(inv.Pubkey),
		ExpiresAt:      inv.ExpiresAt,
		QRURL:          "/api/invoices/" + string(inv.PaymentHash) + "/qr",
	}
}

func (h *Handler) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	walletID := r.PathValue("wallet")
	if !isValidWalletID(walletID) {
		invalid(w, "invalid wallet id")
		return
	}

	var req CreateInvoiceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ExpiresInSeconds < 0 {
		invalid(w, "expires_in_seconds must not be negative")
		return
	}

	inv, err := h.payments.CreateInvoice(r.Context(), walletID, lightning.Satoshis(req.Sats), req.Memo,
		time.Duration(req.ExpiresInSeconds)*time.Second)
	if err != nil {
		writeAppError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, invoiceResponse(inv))
}

func (h *Handler) lookupInvoice(w http.ResponseWriter, r *http.Request) (*store.Invoice, bool) {
	hash, err := lightning.ParsePaymentHash(r.PathValue("hash"))
	if err != nil {
		invalid(w, "invalid payment hash")
		return nil, false
	}
	inv, err := h.payments.GetInvoice(r.Context(), hash)
	if err != nil {
		writeAppError(w, err, nil)
		return nil, false
	}
	return inv, true
}

func (h *Handler) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.lookupInvoice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, invoiceResponse(inv))
}

func (h *Handler) handleInvoiceQR(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.lookupInvoice(w, r)
	if !ok {
		return
	}

	// Upper case keeps the QR code in alphanumeric mode, which is denser.
	png, err := qrcode.Encode(strings.ToUpper("lightning:"+string(inv.PaymentRequest)), qrcode.Medium, qrSize)
	if err != nil {
		logging.Internal.Printf("failed to render QR for %s: %v", logging.Short(string(inv.PaymentHash)), err)
		writeError(w, http.StatusInternalServerError, payments.CodeInternalError, "failed to render QR code", false)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(png)
}
