package accesskey

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gitpaid-dev/gitpaid/internal/chain"
)

// Enforcer validates proposed spends against an access key's limits
// and decrements them. The decrement is a single conditional update:
// concurrent spends against the same key serialize on the row and the
// sum of successful decrements can never exceed the original budget.
type Enforcer struct {
	pool *pgxpool.Pool
}

func NewEnforcer(pool *pgxpool.Pool) *Enforcer {
	return &Enforcer{pool: pool}
}

// ValidateAndReserve checks the key is usable for (token, amount) and
// decrements the remaining limit. The reservation is a real decrement,
// not a hold; see Restore for the only path that puts it back.
func (e *Enforcer) ValidateAndReserve(ctx context.Context, scope chain.Scope, keyID, tokenAddress string, amount int64) (*AccessKey, error) {
	if amount <= 0 {
		return nil, ErrInsufficientLimit
	}

	if _, err := loadKey(ctx, e.pool, scope, keyID); err != nil {
		return nil, err
	}

	// The liveness predicate rides inside the decrement itself: a
	// revoke landing between any earlier read and this write makes the
	// update match zero rows instead of spending a dead key.
	tag, err := e.pool.Exec(ctx,
		`UPDATE access_key_limits
         SET remaining_amount = remaining_amount - $3
         WHERE access_key_id = $1 AND token_address = $2 AND remaining_amount >= $3
           AND EXISTS (
               SELECT 1 FROM access_keys
               WHERE id = $1 AND status = 'active'
                 AND (expires_at IS NULL OR expires_at > NOW()))`,
		keyID, tokenAddress, amount,
	)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		// Re-read to say why: dead key, unknown token, or budget.
		key, err := loadKey(ctx, e.pool, scope, keyID)
		if err != nil {
			return nil, err
		}
		if key.Status == StatusRevoked {
			return nil, ErrKeyRevoked
		}
		if key.ExpiredAt(time.Now()) {
			return nil, ErrKeyExpired
		}
		if key.Limit(tokenAddress) == nil {
			return nil, ErrTokenNotAuthorized
		}
		return nil, ErrInsufficientLimit
	}

	return loadKey(ctx, e.pool, scope, keyID)
}

// Restore puts a decremented amount back. Called only when the
// broadcaster reports the signed payload never left the process; an
// ambiguous downstream failure leaves the limit consumed. The guard
// keeps remaining <= initial even if a restore is replayed.
func (e *Enforcer) Restore(ctx context.Context, scope chain.Scope, keyID, tokenAddress string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	var exists bool
	err := e.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM access_keys WHERE id = $1 AND chain_id = $2)`,
		keyID, scope.ChainID,
	).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrKeyNotFound
	}

	tag, err := e.pool.Exec(ctx,
		`UPDATE access_key_limits
         SET remaining_amount = remaining_amount + $3
         WHERE access_key_id = $1 AND token_address = $2
           AND remaining_amount + $3 <= initial_amount`,
		keyID, tokenAddress, amount,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var have bool
		err = e.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM access_key_limits
             WHERE access_key_id = $1 AND token_address = $2)`,
			keyID, tokenAddress,
		).Scan(&have)
		if err != nil {
			return err
		}
		if !have {
			return ErrTokenNotAuthorized
		}
		// Replayed restore would push remaining past initial; drop it.
	}
	return nil
}
