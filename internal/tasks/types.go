package tasks

// Task type constants
const (
	TaskClaimRetry     = "claim:retry"
	TaskSettlementPoll = "payout:settlement_poll"
	TaskExpirySweep    = "pending:expiry_sweep"
	TaskLiabilityCheck = "funder:liability_check"
)

// ClaimRetryPayload re-runs the claim batch for one recipient whose
// earlier batch had retryable failures.
type ClaimRetryPayload struct {
	ChainID       int64  `json:"chain_id"`
	UserID        string `json:"user_id"`
	ExternalID    int64  `json:"external_id"`
	WalletID      string `json:"wallet_id"`
	WalletAddress string `json:"wallet_address"`
}

// ScopePayload drives the periodic per-chain tasks.
type ScopePayload struct {
	ChainID int64 `json:"chain_id"`
}
