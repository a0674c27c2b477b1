package payout

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gitpaid-dev/gitpaid/internal/audit"
	"github.com/gitpaid-dev/gitpaid/internal/chain"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

type CreateParams struct {
	Amount            int64
	TokenAddress      string
	PayerUserID       string // exactly one of PayerUserID / PayerOrgID
	PayerOrgID        string
	RecipientWalletID string
	RecipientUserID   string
	BountyID          string
	SubmissionID      string
	PendingPaymentID  string
	TxHash            string // set when the broadcast preceded the row
}

// Create opens a payout in pending status, stamped with the network
// scope and exactly one payer.
func (s *Store) Create(ctx context.Context, scope chain.Scope, p CreateParams) (*Payout, error) {
	if (p.PayerUserID == "") == (p.PayerOrgID == "") {
		return nil, ErrAmbiguousPayer
	}

	out := &Payout{
		ID:                uuid.New().String(),
		ChainID:           scope.ChainID,
		Amount:            p.Amount,
		TokenAddress:      p.TokenAddress,
		PayerUserID:       p.PayerUserID,
		PayerOrgID:        p.PayerOrgID,
		RecipientWalletID: p.RecipientWalletID,
		RecipientUserID:   p.RecipientUserID,
		BountyID:          p.BountyID,
		SubmissionID:      p.SubmissionID,
		PendingPaymentID:  p.PendingPaymentID,
		Status:            StatusPending,
		TxHash:            p.TxHash,
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO payouts
            (id, chain_id, amount, token_address, payer_user_id, payer_org_id,
             recipient_wallet_id, recipient_user_id, bounty_id, submission_id,
             pending_payment_id, status, tx_hash)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'pending', $12)
         RETURNING created_at`,
		out.ID, out.ChainID, out.Amount, out.TokenAddress,
		nullable(p.PayerUserID), nullable(p.PayerOrgID),
		out.RecipientWalletID, nullable(p.RecipientUserID),
		nullable(p.BountyID), nullable(p.SubmissionID), nullable(p.PendingPaymentID),
		nullable(p.TxHash),
	).Scan(&out.CreatedAt)
	if err != nil {
		return nil, err
	}

	actor := p.PayerUserID
	if actor == "" {
		actor = p.PayerOrgID
	}
	audit.Record(ctx, s.pool, scope.ChainID, actor, audit.ActionPayoutCreated, out.ID, map[string]any{
		"amount":        p.Amount,
		"token_address": p.TokenAddress,
	})
	return out, nil
}

// MarkConfirmed settles a pending payout against its on-chain receipt.
// Confirmation listeners double-fire, so a replay with the same hash
// is a no-op success; a different hash for the same payout is a
// conflict that must surface.
func (s *Store) MarkConfirmed(ctx context.Context, scope chain.Scope, id, txHash string, blockNumber int64, receiptHash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payouts
         SET status = 'confirmed', tx_hash = $3, block_number = $4, receipt_hash = $5, confirmed_at = NOW()
         WHERE id = $1 AND chain_id = $2 AND status = 'pending'`,
		id, scope.ChainID, txHash, blockNumber, nullable(receiptHash),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		cur, err := s.Get(ctx, scope, id)
		if err != nil {
			return err
		}
		if cur.Status == StatusConfirmed && cur.TxHash == txHash {
			return nil
		}
		if cur.Status == StatusConfirmed {
			return ErrConfirmationConflict
		}
		return ErrAlreadySettled
	}

	audit.Record(ctx, s.pool, scope.ChainID, "system", audit.ActionPayoutConfirmed, id, map[string]any{
		"tx_hash":      txHash,
		"block_number": blockNumber,
	})
	return nil
}

// MarkFailed settles a pending payout as failed.
func (s *Store) MarkFailed(ctx context.Context, scope chain.Scope, id, errorMessage string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payouts
         SET status = 'failed', error_message = $3
         WHERE id = $1 AND chain_id = $2 AND status = 'pending'`,
		id, scope.ChainID, errorMessage,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, scope, id); err != nil {
			return err
		}
		return ErrAlreadySettled
	}

	audit.Record(ctx, s.pool, scope.ChainID, "system", audit.ActionPayoutFailed, id, map[string]any{
		"error": errorMessage,
	})
	return nil
}

func (s *Store) Get(ctx context.Context, scope chain.Scope, id string) (*Payout, error) {
	rows, err := s.pool.Query(ctx, selectPayout+` WHERE id = $2 AND chain_id = $1`, scope.ChainID, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out, err := scanPayouts(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return &out[0], nil
}

// ListByUser returns payouts where the user is payer or recipient.
func (s *Store) ListByUser(ctx context.Context, scope chain.Scope, userID string) ([]Payout, error) {
	rows, err := s.pool.Query(ctx, selectPayout+
		` WHERE chain_id = $1 AND (payer_user_id = $2 OR recipient_user_id = $2)
          ORDER BY created_at DESC`,
		scope.ChainID, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPayouts(rows)
}

// ListUnsettled returns pending payouts that already carry a tx hash,
// for the confirmation watcher.
func (s *Store) ListUnsettled(ctx context.Context, scope chain.Scope, limit int) ([]Payout, error) {
	rows, err := s.pool.Query(ctx, selectPayout+
		` WHERE chain_id = $1 AND status = 'pending' AND tx_hash IS NOT NULL
          ORDER BY created_at ASC LIMIT $2`,
		scope.ChainID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPayouts(rows)
}

// ListAll is the admin view.
func (s *Store) ListAll(ctx context.Context, scope chain.Scope, limit int) ([]Payout, error) {
	rows, err := s.pool.Query(ctx, selectPayout+
		` WHERE chain_id = $1 ORDER BY created_at DESC LIMIT $2`,
		scope.ChainID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPayouts(rows)
}

const selectPayout = `
        SELECT id, chain_id, amount, token_address, payer_user_id, payer_org_id,
               recipient_wallet_id, recipient_user_id, bounty_id, submission_id,
               pending_payment_id, status, tx_hash, block_number, receipt_hash,
               error_message, confirmed_at, created_at
        FROM payouts`

func scanPayouts(rows pgx.Rows) ([]Payout, error) {
	var out []Payout
	for rows.Next() {
		var p Payout
		var payerUser, payerOrg, recipientUser, bountyID, submissionID *string
		var pendingID, txHash, receiptHash, errMsg *string
		var blockNumber *int64
		err := rows.Scan(&p.ID, &p.ChainID, &p.Amount, &p.TokenAddress, &payerUser, &payerOrg,
			&p.RecipientWalletID, &recipientUser, &bountyID, &submissionID,
			&pendingID, &p.Status, &txHash, &blockNumber, &receiptHash,
			&errMsg, &p.ConfirmedAt, &p.CreatedAt)
		if err != nil {
			return nil, err
		}
		setIf(&p.PayerUserID, payerUser)
		setIf(&p.PayerOrgID, payerOrg)
		setIf(&p.RecipientUserID, recipientUser)
		setIf(&p.BountyID, bountyID)
		setIf(&p.SubmissionID, submissionID)
		setIf(&p.PendingPaymentID, pendingID)
		setIf(&p.TxHash, txHash)
		setIf(&p.ReceiptHash, receiptHash)
		setIf(&p.ErrorMessage, errMsg)
		if blockNumber != nil {
			p.BlockNumber = *blockNumber
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func setIf(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
