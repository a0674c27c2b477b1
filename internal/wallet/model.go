package wallet

import "time"

// Wallet kinds
const (
	KindPasskey  = "passkey"
	KindServer   = "server"
	KindExternal = "external"
)

type Wallet struct {
	ID           string    `json:"id"`
	Address      string    `json:"address"`
	Kind         string    `json:"kind"`
	Algorithm    string    `json:"algorithm"`
	UserID       string    `json:"user_id,omitempty"`
	CredentialID string    `json:"credential_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
