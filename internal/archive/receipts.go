package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"satspay/internal/ledger"
	"satspay/internal/lightning"
	"satspay/internal/logging"
)

const saveTimeout = 30 * time.Second

// Receipt is the archived record of a settled payment.
type Receipt struct {
	EntryID       string                `json:"entry_id"`
	WalletID      string                `json:"wallet_id"`
	PaymentHash   lightning.PaymentHash `json:"payment_hash"`
	Amount        lightning.Satoshis    `json:"amount_sats"`
	Fee           lightning.Satoshis    `json:"fee_sats"`
	Reimbursement *lightning.Satoshis   `json:"reimbursement_sats,omitempty"`
	Memo          string                `json:"memo,omitempty"`
	SettledAt     time.Time             `json:"settled_at"`
}

// ReceiptKey names the receipt of a payment.
func ReceiptKey(walletID string, hash lightning.PaymentHash) string {
	return walletID + "-" + string(hash)
}

// ReceiptWriter is a ledger.Writer that archives a receipt for every success
// entry its inner writer accepts. Archiving happens in the background and its
// failures are only logged.
type ReceiptWriter struct {
	next    ledger.Writer
	storage Storage
	wg      sync.WaitGroup
}

func NewReceiptWriter(next ledger.Writer, storage Storage) *ReceiptWriter {
	return &ReceiptWriter{next: next, storage: storage}
}

func (w *ReceiptWriter) Post(ctx context.Context, e ledger.Entry) error {
	if err := w.next.Post(ctx, e); err != nil {
		return err
	}
	if e.Outcome != ledger.OutcomeSuccess {
		return nil
	}

	ctx = context.WithoutCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, saveTimeout)
		defer cancel()
		w.save(ctx, e)
	}()
	return nil
}

func (w *ReceiptWriter) save(ctx context.Context, e ledger.Entry) {
	data, err := json.Marshal(Receipt{
		EntryID:       e.ID.String(),
		WalletID:      e.WalletID,
		PaymentHash:   e.PaymentHash,
		Amount:        e.Amount,
		Fee:           e.Fee,
		Reimbursement: e.Reimbursement,
		Memo:          e.Memo,
		SettledAt:     e.CreatedAt,
	})
	if err != nil {
		logging.Archive.Printf("failed to encode receipt for %s: %v", logging.Short(string(e.PaymentHash)), err)
		return
	}

	key := ReceiptKey(e.WalletID, e.PaymentHash)
	if _, err := w.storage.Save(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
		logging.Archive.Printf("failed to archive receipt %s: %v", key, err)
		return
	}
	logging.Archive.Printf("archived receipt for wallet %s payment %s", e.WalletID, logging.Short(string(e.PaymentHash)))
}

// Wait blocks until receipts already handed off have been written.
func (w *ReceiptWriter) Wait() {
	w.wg.Wait()
}

// Receipt loads the archived receipt of a settled payment.
func (w *ReceiptWriter) Receipt(ctx context.Context, walletID string, hash lightning.PaymentHash) (*Receipt, error) {
	rc, err := w.storage.Load(ctx, ReceiptKey(walletID, hash))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var r Receipt
	if err := json.NewDecoder(rc).Decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}
