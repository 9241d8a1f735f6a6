package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/samlawlis45/pathwellconnect/pkg/models"
)

// ChainReport is the outcome of a full chain verification.
type ChainReport struct {
	ChainKey        string `json:"chain_key"`
	Length          int    `json:"length"`
	Valid           bool   `json:"valid"`
	BrokenReceiptID string `json:"broken_receipt_id,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// VerifyChain rehashes every receipt of a chain in append order and checks
// each link back to the genesis hash. It reports the first broken receipt
// and never attempts a repair.
func (r *Reader) VerifyChain(ctx context.Context, chainKey string) (ChainReport, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT full_receipt FROM receipt_events
		WHERE chain_key=$1
		ORDER BY id ASC
	`, chainKey)
	if err != nil {
		return ChainReport{}, err
	}
	defer rows.Close()

	var receipts []models.Receipt
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return ChainReport{}, err
		}
		var rec models.Receipt
		if err := json.Unmarshal(raw, &rec); err != nil {
			return ChainReport{}, err
		}
		receipts = append(receipts, rec)
	}
	if err := rows.Err(); err != nil {
		return ChainReport{}, err
	}
	return VerifyReceipts(chainKey, receipts), nil
}

// VerifyReceipts checks an in-order slice of receipts as one chain.
func VerifyReceipts(chainKey string, receipts []models.Receipt) ChainReport {
	report := ChainReport{ChainKey: chainKey, Length: len(receipts), Valid: true}
	prev := models.GenesisHash
	for _, rec := range receipts {
		ok, err := models.VerifyReceipt(rec)
		if err != nil || !ok {
			report.Valid = false
			report.BrokenReceiptID = rec.ReceiptID
			report.Reason = "content hash mismatch"
			return report
		}
		if rec.PreviousHash != prev {
			report.Valid = false
			report.BrokenReceiptID = rec.ReceiptID
			report.Reason = fmt.Sprintf("previous hash mismatch: have %s", rec.PreviousHash)
			return report
		}
		prev = rec.ReceiptHash
	}
	return report
}

// Err converts a failed report into the sentinel error chain callers match on.
func (c ChainReport) Err() error {
	if c.Valid {
		return nil
	}
	return fmt.Errorf("%w: chain %s broken at receipt %s: %s", ErrChainIntegrity, c.ChainKey, c.BrokenReceiptID, c.Reason)
}
