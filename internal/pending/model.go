package pending

import (
	"errors"
	"time"
)

// Payment statuses
const (
	StatusPending   = "pending"
	StatusClaimed   = "claimed"
	StatusCancelled = "cancelled"
)

// ClaimWindow is how long a recipient has to claim after creation.
const ClaimWindow = 365 * 24 * time.Hour

var (
	ErrNotFound         = errors.New("pending payment not found")
	ErrAlreadyResolved  = errors.New("pending payment already claimed or cancelled")
	ErrNotFunder        = errors.New("caller is not the funder of this payment")
	ErrNotYetExpired    = errors.New("claim window has not passed yet")
	ErrKeyNotDedicated  = errors.New("access key must hold exactly the payment amount in one token")
	ErrKeyAlreadyBacked = errors.New("access key already backs another pending payment")
)

// Payment is a committed-but-unclaimed payment to a recipient known
// only by an external identity. The dedicated access key covers
// exactly this amount until the payment is claimed or cancelled.
type Payment struct {
	ID                  string     `json:"id"`
	ChainID             int64      `json:"chain_id"`
	BountyID            string     `json:"bounty_id,omitempty"`
	SubmissionID        string     `json:"submission_id,omitempty"`
	FunderID            string     `json:"funder_id"`
	RecipientExternalID int64      `json:"recipient_external_id"`
	RecipientHandle     string     `json:"recipient_handle"`
	Amount              int64      `json:"amount"`
	TokenAddress        string     `json:"token_address"`
	AccessKeyID         string     `json:"access_key_id"`
	ClaimExpiresAt      time.Time  `json:"claim_expires_at"`
	Status              string     `json:"status"`
	ClaimedBy           string     `json:"claimed_by,omitempty"`
	PayoutID            string     `json:"payout_id,omitempty"`
	CancelledAt         *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// TokenLiability is a funder's total pending commitment in one token.
type TokenLiability struct {
	TokenAddress string `json:"token_address"`
	Total        int64  `json:"total"`
}
