package accesskey

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gitpaid-dev/gitpaid/internal/audit"
	"github.com/gitpaid-dev/gitpaid/internal/chain"
	"github.com/gitpaid-dev/gitpaid/internal/db"
)

// List directions: keys the user authorized vs keys delegated to
// wallets the user owns. Owner and delegate are different parties and
// each needs a different view.
const (
	DirectionGranted  = "granted"
	DirectionReceived = "received"
)

type Registry struct {
	pool *pgxpool.Pool
}

func NewRegistry(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

// CreateParams is the validated request for a new access key. The
// signature and auth hash come from the signing ceremony upstream and
// are persisted opaquely for audit.
type CreateParams struct {
	OwnerWalletID string
	KeyWalletID   string
	Limits        []TokenLimit
	ExpiresAt     *time.Time
	Signature     string
	AuthHash      string
	CreatedBy     string
}

// Create persists a new active access key with its per-token limits.
// The partial unique index on active keys turns a concurrent duplicate
// create into ErrDuplicateActiveKey instead of two active rows.
func (r *Registry) Create(ctx context.Context, scope chain.Scope, p CreateParams) (*AccessKey, error) {
	if len(p.Limits) == 0 {
		return nil, ErrNoLimits
	}
	for _, l := range p.Limits {
		if l.TokenAddress == "" || l.Initial <= 0 {
			return nil, ErrNoLimits
		}
	}

	var owned bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM wallets WHERE id = $1 AND user_id = $2)`,
		p.OwnerWalletID, p.CreatedBy,
	).Scan(&owned)
	if err != nil {
		return nil, err
	}
	if !owned {
		return nil, ErrNotOwner
	}

	key := &AccessKey{
		ID:            uuid.New().String(),
		ChainID:       scope.ChainID,
		OwnerWalletID: p.OwnerWalletID,
		KeyWalletID:   p.KeyWalletID,
		Status:        StatusActive,
		ExpiresAt:     p.ExpiresAt,
		Signature:     p.Signature,
		AuthHash:      p.AuthHash,
		CreatedBy:     p.CreatedBy,
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO access_keys (id, chain_id, owner_wallet_id, key_wallet_id, status, expires_at, signature, auth_hash, created_by)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
         RETURNING created_at`,
		key.ID, key.ChainID, key.OwnerWalletID, key.KeyWalletID, key.Status,
		key.ExpiresAt, key.Signature, key.AuthHash, key.CreatedBy,
	).Scan(&key.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateActiveKey
		}
		return nil, err
	}

	for _, l := range p.Limits {
		_, err = tx.Exec(ctx,
			`INSERT INTO access_key_limits (access_key_id, token_address, initial_amount, remaining_amount)
             VALUES ($1, $2, $3, $3)`,
			key.ID, l.TokenAddress, l.Initial,
		)
		if err != nil {
			return nil, err
		}
		key.Limits = append(key.Limits, TokenLimit{TokenAddress: l.TokenAddress, Initial: l.Initial, Remaining: l.Initial})
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}

	audit.Record(ctx, r.pool, scope.ChainID, p.CreatedBy, audit.ActionAccessKeyCreated, key.ID, map[string]any{
		"owner_wallet_id": key.OwnerWalletID,
		"key_wallet_id":   key.KeyWalletID,
		"auth_hash":       key.AuthHash,
	})
	return key, nil
}

// Revoke sets an active key to revoked. One-way; a second revoke
// reports ErrAlreadyRevoked rather than succeeding silently.
func (r *Registry) Revoke(ctx context.Context, scope chain.Scope, id, requestedBy, reason string) error {
	var ownerUserID *string
	var status string
	err := r.pool.QueryRow(ctx,
		`SELECT w.user_id, k.status
         FROM access_keys k JOIN wallets w ON w.id = k.owner_wallet_id
         WHERE k.id = $1 AND k.chain_id = $2`,
		id, scope.ChainID,
	).Scan(&ownerUserID, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrKeyNotFound
		}
		return err
	}
	if ownerUserID == nil || *ownerUserID != requestedBy {
		return ErrNotOwner
	}
	if status == StatusRevoked {
		return ErrAlreadyRevoked
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE access_keys
         SET status = 'revoked', revoked_at = NOW(), revoke_reason = $3
         WHERE id = $1 AND chain_id = $2 AND status = 'active'`,
		id, scope.ChainID, reason,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Lost a race with another revoke between the read and the write.
		return ErrAlreadyRevoked
	}

	audit.Record(ctx, r.pool, scope.ChainID, requestedBy, audit.ActionAccessKeyRevoked, id, map[string]any{
		"reason": reason,
	})
	return nil
}

// RevokeSystem revokes without an ownership check, for internal flows
// that own the key lifecycle (dedicated keys on cancel/expiry).
// Tolerates an already-revoked key so cancel retries converge.
func (r *Registry) RevokeSystem(ctx context.Context, scope chain.Scope, id, reason string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE access_keys
         SET status = 'revoked', revoked_at = NOW(), revoke_reason = $3
         WHERE id = $1 AND chain_id = $2 AND status = 'active'`,
		id, scope.ChainID, reason,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		audit.Record(ctx, r.pool, scope.ChainID, "system", audit.ActionAccessKeyRevoked, id, map[string]any{
			"reason": reason,
		})
	}
	return nil
}

// Get loads a key with its limits, scoped to the network.
func (r *Registry) Get(ctx context.Context, scope chain.Scope, id string) (*AccessKey, error) {
	return loadKey(ctx, r.pool, scope, id)
}

// List returns keys visible to the user in the given direction.
func (r *Registry) List(ctx context.Context, scope chain.Scope, userID, direction string) ([]AccessKey, error) {
	walletSide := "k.owner_wallet_id"
	if direction == DirectionReceived {
		walletSide = "k.key_wallet_id"
	}

	rows, err := r.pool.Query(ctx,
		`SELECT k.id FROM access_keys k
         JOIN wallets w ON w.id = `+walletSide+`
         WHERE w.user_id = $1 AND k.chain_id = $2
         ORDER BY k.created_at DESC`,
		userID, scope.ChainID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]AccessKey, 0, len(ids))
	for _, id := range ids {
		key, err := loadKey(ctx, r.pool, scope, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *key)
	}
	return out, nil
}

// loadKey fetches one key and its limits. Shared with the enforcer.
func loadKey(ctx context.Context, q db.Querier, scope chain.Scope, id string) (*AccessKey, error) {
	key := &AccessKey{}
	var reason *string
	err := q.QueryRow(ctx,
		`SELECT id, chain_id, owner_wallet_id, key_wallet_id, status, expires_at,
                signature, auth_hash, created_by, revoked_at, revoke_reason, created_at
         FROM access_keys WHERE id = $1 AND chain_id = $2`,
		id, scope.ChainID,
	).Scan(&key.ID, &key.ChainID, &key.OwnerWalletID, &key.KeyWalletID, &key.Status,
		&key.ExpiresAt, &key.Signature, &key.AuthHash, &key.CreatedBy,
		&key.RevokedAt, &reason, &key.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	if reason != nil {
		key.RevokeReason = *reason
	}

	rows, err := q.Query(ctx,
		`SELECT token_address, initial_amount, remaining_amount
         FROM access_key_limits WHERE access_key_id = $1 ORDER BY token_address`,
		id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var l TokenLimit
		if err := rows.Scan(&l.TokenAddress, &l.Initial, &l.Remaining); err != nil {
			return nil, err
		}
		key.Limits = append(key.Limits, l)
	}
	return key, rows.Err()
}
