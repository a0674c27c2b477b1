package wallet

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound        = errors.New("wallet not found")
	ErrAddressMismatch = errors.New("stored key does not derive the stored address")
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// RegisterPasskey derives the address from the credential public key,
// persists the wallet, then re-derives from the stored key material and
// compares. Insert and re-derive share one transaction: a mismatch
// rolls the row back, so a corrupt address is never handed out as a
// payment destination and never survives in the table.
func (s *Store) RegisterPasskey(ctx context.Context, userID, credentialID string, pubKey []byte) (*Wallet, error) {
	address, err := DeriveAddress(pubKey)
	if err != nil {
		return nil, err
	}

	w := &Wallet{
		ID:           uuid.New().String(),
		Address:      address,
		Kind:         KindPasskey,
		Algorithm:    "p256",
		UserID:       userID,
		CredentialID: credentialID,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO wallets (id, address, kind, algorithm, user_id, credential_id, public_key)
         VALUES ($1, $2, $3, $4, $5, $6, $7)
         RETURNING created_at`,
		w.ID, w.Address, w.Kind, w.Algorithm, w.UserID, w.CredentialID, pubKey,
	).Scan(&w.CreatedAt)
	if err != nil {
		return nil, err
	}

	var stored []byte
	err = tx.QueryRow(ctx, `SELECT public_key FROM wallets WHERE id = $1`, w.ID).Scan(&stored)
	if err != nil {
		return nil, err
	}
	check, err := DeriveAddress(stored)
	if err != nil || check != w.Address {
		return nil, ErrAddressMismatch
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// RegisterServer records a backend-held wallet under an explicit
// address. Server wallets may be shared, so user id is optional.
func (s *Store) RegisterServer(ctx context.Context, userID, address string) (*Wallet, error) {
	return s.registerWithAddress(ctx, userID, address, KindServer)
}

// RegisterExternal records a user-managed wallet the platform only
// pays out to, never signs for.
func (s *Store) RegisterExternal(ctx context.Context, userID, address string) (*Wallet, error) {
	return s.registerWithAddress(ctx, userID, address, KindExternal)
}

func (s *Store) registerWithAddress(ctx context.Context, userID, address, kind string) (*Wallet, error) {
	w := &Wallet{
		ID:        uuid.New().String(),
		Address:   address,
		Kind:      kind,
		Algorithm: "p256",
		UserID:    userID,
	}
	var uid any
	if userID != "" {
		uid = userID
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO wallets (id, address, kind, algorithm, user_id)
         VALUES ($1, $2, $3, $4, $5)
         RETURNING created_at`,
		w.ID, w.Address, w.Kind, w.Algorithm, uid,
	).Scan(&w.CreatedAt)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*Wallet, error) {
	w := &Wallet{}
	var userID, credentialID *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, address, kind, algorithm, user_id, credential_id, created_at
         FROM wallets WHERE id = $1`, id,
	).Scan(&w.ID, &w.Address, &w.Kind, &w.Algorithm, &userID, &credentialID, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if userID != nil {
		w.UserID = *userID
	}
	if credentialID != nil {
		w.CredentialID = *credentialID
	}
	return w, nil
}

func (s *Store) ListByUser(ctx context.Context, userID string) ([]Wallet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, address, kind, algorithm, credential_id, created_at
         FROM wallets WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Wallet
	for rows.Next() {
		w := Wallet{UserID: userID}
		var credentialID *string
		if err := rows.Scan(&w.ID, &w.Address, &w.Kind, &w.Algorithm, &credentialID, &w.CreatedAt); err != nil {
			return nil, err
		}
		if credentialID != nil {
			w.CredentialID = *credentialID
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// OwnedBy reports whether the wallet belongs to the given user.
func (s *Store) OwnedBy(ctx context.Context, walletID, userID string) (bool, error) {
	var owned bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM wallets WHERE id = $1 AND user_id = $2)`,
		walletID, userID,
	).Scan(&owned)
	return owned, err
}
