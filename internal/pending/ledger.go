package pending

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gitpaid-dev/gitpaid/internal/accesskey"
	"github.com/gitpaid-dev/gitpaid/internal/audit"
	"github.com/gitpaid-dev/gitpaid/internal/chain"
)

// Ledger records and resolves pending payments. It owns the lifecycle
// of each payment's dedicated access key together with the registry.
type Ledger struct {
	pool     *pgxpool.Pool
	registry *accesskey.Registry
}

func NewLedger(pool *pgxpool.Pool, registry *accesskey.Registry) *Ledger {
	return &Ledger{pool: pool, registry: registry}
}

type CreateParams struct {
	BountyID            string // empty for direct person-to-person payments
	SubmissionID        string
	FunderID            string
	RecipientExternalID int64
	RecipientHandle     string
	Amount              int64
	TokenAddress        string
	AccessKeyID         string
}

// Create persists a pending payment and mints its single-use claim
// token. The plaintext token is returned exactly once, here; only its
// SHA-256 digest is stored. The key must have been created by the
// funder and must be dedicated: exactly one token limit, untouched,
// holding exactly the payment amount. One key backs one payment; the
// partial unique index turns a concurrent double-bind into
// ErrKeyAlreadyBacked.
func (l *Ledger) Create(ctx context.Context, scope chain.Scope, p CreateParams) (*Payment, string, error) {
	key, err := l.registry.Get(ctx, scope, p.AccessKeyID)
	if err != nil {
		return nil, "", err
	}
	if key.CreatedBy != p.FunderID {
		return nil, "", accesskey.ErrNotOwner
	}
	if key.Status != accesskey.StatusActive || key.ExpiredAt(time.Now()) {
		return nil, "", accesskey.ErrKeyRevoked
	}
	limit := key.Limit(p.TokenAddress)
	if limit == nil {
		return nil, "", accesskey.ErrTokenNotAuthorized
	}
	if limit.Remaining < p.Amount {
		return nil, "", accesskey.ErrInsufficientLimit
	}
	if len(key.Limits) != 1 || limit.Initial != p.Amount || limit.Remaining != p.Amount {
		return nil, "", ErrKeyNotDedicated
	}

	token, tokenHash, err := newClaimToken()
	if err != nil {
		return nil, "", err
	}

	pay := &Payment{
		ID:                  uuid.New().String(),
		ChainID:             scope.ChainID,
		BountyID:            p.BountyID,
		SubmissionID:        p.SubmissionID,
		FunderID:            p.FunderID,
		RecipientExternalID: p.RecipientExternalID,
		RecipientHandle:     p.RecipientHandle,
		Amount:              p.Amount,
		TokenAddress:        p.TokenAddress,
		AccessKeyID:         p.AccessKeyID,
		ClaimExpiresAt:      time.Now().Add(ClaimWindow),
		Status:              StatusPending,
	}

	var bountyID, submissionID any
	if p.BountyID != "" {
		bountyID = p.BountyID
	}
	if p.SubmissionID != "" {
		submissionID = p.SubmissionID
	}
	err = l.pool.QueryRow(ctx,
		`INSERT INTO pending_payments
            (id, chain_id, bounty_id, submission_id, funder_id, recipient_external_id, recipient_handle,
             amount, token_address, access_key_id, claim_token_hash, claim_expires_at, status)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 'pending')
         RETURNING created_at`,
		pay.ID, pay.ChainID, bountyID, submissionID, pay.FunderID, pay.RecipientExternalID,
		pay.RecipientHandle, pay.Amount, pay.TokenAddress, pay.AccessKeyID, tokenHash, pay.ClaimExpiresAt,
	).Scan(&pay.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.ConstraintName == "idx_pending_one_per_key" {
			return nil, "", ErrKeyAlreadyBacked
		}
		return nil, "", err
	}

	audit.Record(ctx, l.pool, scope.ChainID, p.FunderID, audit.ActionPendingCreated, pay.ID, map[string]any{
		"recipient_external_id": p.RecipientExternalID,
		"amount":                p.Amount,
		"token_address":         p.TokenAddress,
		"access_key_id":         p.AccessKeyID,
	})
	return pay, token, nil
}

// GetByClaimToken resolves a presented claim token. Returns (nil, nil)
// when nothing matches: unauthenticated callers probe this path and an
// invalid or consumed link is not an exceptional condition.
func (l *Ledger) GetByClaimToken(ctx context.Context, scope chain.Scope, token string) (*Payment, error) {
	sum := sha256.Sum256([]byte(token))
	pay, err := l.scanOne(ctx, scope,
		`WHERE claim_token_hash = $2 AND chain_id = $1`, hex.EncodeToString(sum[:]))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return pay, err
}

func (l *Ledger) GetByID(ctx context.Context, scope chain.Scope, id string) (*Payment, error) {
	return l.scanOne(ctx, scope, `WHERE id = $2 AND chain_id = $1`, id)
}

// ListPendingByRecipient returns every still-pending payment for an
// external identity, oldest first. This is the batching primitive the
// claim processor walks on signup.
func (l *Ledger) ListPendingByRecipient(ctx context.Context, scope chain.Scope, externalID int64) ([]Payment, error) {
	rows, err := l.pool.Query(ctx, selectPayment+
		` WHERE recipient_external_id = $2 AND chain_id = $1 AND status = 'pending'
          ORDER BY created_at ASC`,
		scope.ChainID, externalID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPayments(rows)
}

// MarkClaimed finalizes a pending payment against its payout. The
// status check is part of the update itself, so a concurrent claim or
// cancel resolves to exactly one winner.
func (l *Ledger) MarkClaimed(ctx context.Context, scope chain.Scope, paymentID, claimingUserID, payoutID string) error {
	tag, err := l.pool.Exec(ctx,
		`UPDATE pending_payments
         SET status = 'claimed', claimed_by = $3, payout_id = $4
         WHERE id = $1 AND chain_id = $2 AND status = 'pending'`,
		paymentID, scope.ChainID, claimingUserID, payoutID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		_, err := l.GetByID(ctx, scope, paymentID)
		if err != nil {
			return err
		}
		return ErrAlreadyResolved
	}

	audit.Record(ctx, l.pool, scope.ChainID, claimingUserID, audit.ActionPendingClaimed, paymentID, map[string]any{
		"payout_id": payoutID,
	})
	return nil
}

// Cancel lets the original funder withdraw an unclaimed payment. The
// dedicated key is revoked before the status flips: if the process
// dies between the two steps the key is already dead and a retry just
// re-marks the row, whereas the reverse order could leave a cancelled
// payment still spendable.
func (l *Ledger) Cancel(ctx context.Context, scope chain.Scope, paymentID, requestingFunderID string) error {
	pay, err := l.GetByID(ctx, scope, paymentID)
	if err != nil {
		return err
	}
	if pay.FunderID != requestingFunderID {
		return ErrNotFunder
	}
	if pay.Status != StatusPending {
		return ErrAlreadyResolved
	}
	return l.cancel(ctx, scope, pay, requestingFunderID, "pending payment cancelled by funder", audit.ActionPendingCancelled)
}

// CancelExpired resolves a payment whose claim window has passed.
// Same ordering as Cancel; invoked by the expiry sweep.
func (l *Ledger) CancelExpired(ctx context.Context, scope chain.Scope, paymentID string) error {
	pay, err := l.GetByID(ctx, scope, paymentID)
	if err != nil {
		return err
	}
	if pay.Status != StatusPending {
		return ErrAlreadyResolved
	}
	if time.Now().Before(pay.ClaimExpiresAt) {
		return ErrNotYetExpired
	}
	return l.cancel(ctx, scope, pay, "system", "claim window expired", audit.ActionPendingExpired)
}

func (l *Ledger) cancel(ctx context.Context, scope chain.Scope, pay *Payment, actorID, reason, action string) error {
	// Revoke first. RevokeSystem tolerates an already-revoked key so a
	// crashed or raced cancel converges on retry.
	if err := l.registry.RevokeSystem(ctx, scope, pay.AccessKeyID, reason); err != nil {
		return err
	}

	tag, err := l.pool.Exec(ctx,
		`UPDATE pending_payments
         SET status = 'cancelled', cancelled_at = NOW()
         WHERE id = $1 AND chain_id = $2 AND status = 'pending'`,
		pay.ID, scope.ChainID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyResolved
	}

	audit.Record(ctx, l.pool, scope.ChainID, actorID, action, pay.ID, map[string]any{
		"access_key_id": pay.AccessKeyID,
	})
	return nil
}

// FunderLiabilities sums, per token, what a funder still owes across
// pending payments. Used to warn when delegated-spend promises exceed
// actual holdings.
func (l *Ledger) FunderLiabilities(ctx context.Context, scope chain.Scope, funderID string) ([]TokenLiability, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT token_address, COALESCE(SUM(amount), 0)
         FROM pending_payments
         WHERE funder_id = $2 AND chain_id = $1 AND status = 'pending'
         GROUP BY token_address ORDER BY token_address`,
		scope.ChainID, funderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TokenLiability
	for rows.Next() {
		var t TokenLiability
		if err := rows.Scan(&t.TokenAddress, &t.Total); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListExpired returns pending payments past their claim window, for
// the expiry sweep.
func (l *Ledger) ListExpired(ctx context.Context, scope chain.Scope, limit int) ([]Payment, error) {
	rows, err := l.pool.Query(ctx, selectPayment+
		` WHERE chain_id = $1 AND status = 'pending' AND claim_expires_at < NOW()
          ORDER BY claim_expires_at ASC LIMIT $2`,
		scope.ChainID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPayments(rows)
}

const selectPayment = `
        SELECT id, chain_id, bounty_id, submission_id, funder_id, recipient_external_id,
               recipient_handle, amount, token_address, access_key_id, claim_expires_at,
               status, claimed_by, payout_id, cancelled_at, created_at
        FROM pending_payments`

func (l *Ledger) scanOne(ctx context.Context, scope chain.Scope, where string, arg any) (*Payment, error) {
	rows, err := l.pool.Query(ctx, selectPayment+" "+where, scope.ChainID, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	pays, err := scanPayments(rows)
	if err != nil {
		return nil, err
	}
	if len(pays) == 0 {
		return nil, ErrNotFound
	}
	return &pays[0], nil
}

func scanPayments(rows pgx.Rows) ([]Payment, error) {
	var out []Payment
	for rows.Next() {
		var p Payment
		var bountyID, submissionID, claimedBy, payoutID *string
		err := rows.Scan(&p.ID, &p.ChainID, &bountyID, &submissionID, &p.FunderID,
			&p.RecipientExternalID, &p.RecipientHandle, &p.Amount, &p.TokenAddress,
			&p.AccessKeyID, &p.ClaimExpiresAt, &p.Status, &claimedBy, &payoutID,
			&p.CancelledAt, &p.CreatedAt)
		if err != nil {
			return nil, err
		}
		if bountyID != nil {
			p.BountyID = *bountyID
		}
		if submissionID != nil {
			p.SubmissionID = *submissionID
		}
		if claimedBy != nil {
			p.ClaimedBy = *claimedBy
		}
		if payoutID != nil {
			p.PayoutID = *payoutID
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// newClaimToken mints a 256-bit random token and its storage digest.
func newClaimToken() (token, digest string, err error) {
	raw := make([]byte, 32)
	if _, err = rand.Read(raw); err != nil {
		return "", "", err
	}
	token = hex.EncodeToString(raw)
	sum := sha256.Sum256([]byte(token))
	return token, hex.EncodeToString(sum[:]), nil
}
