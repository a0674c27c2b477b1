package broadcast

import (
	"context"
	"errors"
)

var (
	// ErrNotBroadcast means the failure happened before any signed
	// payload left the process. This is the only failure that lets a
	// caller restore a decremented spending limit.
	ErrNotBroadcast = errors.New("payload was not broadcast")

	// ErrBroadcastFailed is an ambiguous downstream failure: the
	// payload may or may not have reached the chain. Never treated as
	// partial success; the spending limit stays consumed.
	ErrBroadcastFailed = errors.New("broadcast failed")

	// ErrReceiptPending means the transaction is not yet mined.
	ErrReceiptPending = errors.New("receipt not yet available")
)

// Payload is a delegated transfer for the signing/broadcast
// collaborator to execute under an access key authorization.
type Payload struct {
	ChainID          int64  `json:"chain_id"`
	AccessKeyID      string `json:"access_key_id"`
	AuthorizationSig string `json:"authorization_sig"`
	TokenAddress     string `json:"token_address"`
	ToAddress        string `json:"to_address"`
	Amount           int64  `json:"amount"`
	Reference        string `json:"reference"` // payout or pending-payment id
}

// Receipt is the on-chain outcome of a broadcast transaction.
type Receipt struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber int64  `json:"block_number"`
	ReceiptHash string `json:"receipt_hash"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// Broadcaster signs and submits a delegated transfer, returning the
// transaction hash. The cryptographic ceremony is outside this core.
type Broadcaster interface {
	Broadcast(ctx context.Context, p Payload) (string, error)
}

// ConfirmationSource resolves a broadcast transaction to its receipt.
type ConfirmationSource interface {
	Receipt(ctx context.Context, chainID int64, txHash string) (*Receipt, error)
}
