package payout

import (
	"errors"
	"time"
)

// Settlement states. pending -> confirmed | failed, no way out of a
// terminal state.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

var (
	ErrNotFound             = errors.New("payout not found")
	ErrAmbiguousPayer       = errors.New("exactly one of payer user or payer organization must be set")
	ErrAlreadySettled       = errors.New("payout already in a terminal state")
	ErrConfirmationConflict = errors.New("payout confirmed with a different transaction hash")
)

// Payout is a single money movement and its on-chain settlement record.
type Payout struct {
	ID                string     `json:"id"`
	ChainID           int64      `json:"chain_id"`
	Amount            int64      `json:"amount"`
	TokenAddress      string     `json:"token_address"`
	PayerUserID       string     `json:"payer_user_id,omitempty"`
	PayerOrgID        string     `json:"payer_org_id,omitempty"`
	RecipientWalletID string     `json:"recipient_wallet_id"`
	RecipientUserID   string     `json:"recipient_user_id,omitempty"`
	BountyID          string     `json:"bounty_id,omitempty"`
	SubmissionID      string     `json:"submission_id,omitempty"`
	PendingPaymentID  string     `json:"pending_payment_id,omitempty"`
	Status            string     `json:"status"`
	TxHash            string     `json:"tx_hash,omitempty"`
	BlockNumber       int64      `json:"block_number,omitempty"`
	ReceiptHash       string     `json:"receipt_hash,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	ConfirmedAt       *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}
