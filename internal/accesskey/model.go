package accesskey

import "time"

// Stored statuses. "expired" is a computed view of an active key whose
// expiry has passed, not a stored transition.
const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
	StatusExpired = "expired"
)

// TokenLimit is the per-token spending budget of an access key.
type TokenLimit struct {
	TokenAddress string `json:"token_address"`
	Initial      int64  `json:"initial"`
	Remaining    int64  `json:"remaining"`
}

// AccessKey authorizes key_wallet to spend on owner_wallet's behalf,
// bounded per token, on exactly one chain.
type AccessKey struct {
	ID            string       `json:"id"`
	ChainID       int64        `json:"chain_id"`
	OwnerWalletID string       `json:"owner_wallet_id"`
	KeyWalletID   string       `json:"key_wallet_id"`
	Status        string       `json:"status"`
	ExpiresAt     *time.Time   `json:"expires_at,omitempty"`
	Signature     string       `json:"-"`
	AuthHash      string       `json:"auth_hash"`
	CreatedBy     string       `json:"created_by"`
	RevokedAt     *time.Time   `json:"revoked_at,omitempty"`
	RevokeReason  string       `json:"revoke_reason,omitempty"`
	Limits        []TokenLimit `json:"limits"`
	CreatedAt     time.Time    `json:"created_at"`
}

// ExpiredAt reports whether the key's expiry has passed.
func (k *AccessKey) ExpiredAt(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// EffectiveStatus folds the time-based expired view into the stored status.
func (k *AccessKey) EffectiveStatus(now time.Time) string {
	if k.Status == StatusActive && k.ExpiredAt(now) {
		return StatusExpired
	}
	return k.Status
}

// Limit returns the limit entry for a token, or nil if the token is
// not authorized by this key.
func (k *AccessKey) Limit(tokenAddress string) *TokenLimit {
	for i := range k.Limits {
		if k.Limits[i].TokenAddress == tokenAddress {
			return &k.Limits[i]
		}
	}
	return nil
}
