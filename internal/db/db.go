package db

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var Conn *pgxpool.Pool

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx so store code
// can run inside or outside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Init connects to Postgres
func Init() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s",
			os.Getenv("DB_USER"),
			os.Getenv("DB_PASSWORD"),
			os.Getenv("DB_HOST"),
			os.Getenv("DB_PORT"),
			os.Getenv("DB_NAME"),
		)
	}

	var err error
	Conn, err = pgxpool.New(context.Background(), dsn)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v\n", err)
	}

	if err = Conn.Ping(context.Background()); err != nil {
		log.Fatalf("Unable to ping database: %v\n", err)
	}

	log.Println("Connected to Postgres successfully")

	ensureWalletsTable()
	ensureAccessKeysTables()
	ensurePendingPaymentsTable()
	ensurePayoutsTable()
	ensureAuditLogTable()
}

// ensureWalletsTable creates wallets if not present. Wallet rows are
// immutable after insert; payment history references them forever.
func ensureWalletsTable() {
	ctx := context.Background()
	_, err := Conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS wallets (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            address TEXT NOT NULL UNIQUE,
            kind TEXT NOT NULL CHECK (kind IN ('passkey', 'server', 'external')),
            algorithm TEXT NOT NULL DEFAULT 'p256',
            user_id UUID NULL,
            credential_id TEXT NULL,
            public_key BYTEA NULL,
            created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
        );
        CREATE INDEX IF NOT EXISTS idx_wallets_user ON wallets(user_id);
    `)
	if err != nil {
		log.Printf("failed to create wallets table: %v", err)
	}
}

// ensureAccessKeysTables creates access_keys and access_key_limits.
// The partial unique index is the serialization point for the
// duplicate-active-key race: two concurrent creates for the same
// (owner, delegate, chain) cannot both commit.
func ensureAccessKeysTables() {
	ctx := context.Background()
	_, err := Conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS access_keys (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            chain_id BIGINT NOT NULL,
            owner_wallet_id UUID NOT NULL REFERENCES wallets(id),
            key_wallet_id UUID NOT NULL REFERENCES wallets(id),
            status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'revoked')),
            expires_at TIMESTAMP WITH TIME ZONE NULL,
            signature TEXT NOT NULL,
            auth_hash TEXT NOT NULL,
            created_by UUID NOT NULL,
            revoked_at TIMESTAMP WITH TIME ZONE NULL,
            revoke_reason TEXT NULL,
            created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
        );
        CREATE UNIQUE INDEX IF NOT EXISTS idx_access_keys_single_active
            ON access_keys(owner_wallet_id, key_wallet_id, chain_id)
            WHERE status = 'active';
        CREATE INDEX IF NOT EXISTS idx_access_keys_owner ON access_keys(owner_wallet_id, chain_id);
        CREATE INDEX IF NOT EXISTS idx_access_keys_key ON access_keys(key_wallet_id, chain_id);
    `)
	if err != nil {
		log.Printf("failed to create access_keys table: %v", err)
	}

	_, err = Conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS access_key_limits (
            access_key_id UUID NOT NULL REFERENCES access_keys(id),
            token_address TEXT NOT NULL,
            initial_amount BIGINT NOT NULL CHECK (initial_amount > 0),
            remaining_amount BIGINT NOT NULL CHECK (remaining_amount >= 0),
            PRIMARY KEY (access_key_id, token_address),
            CHECK (remaining_amount <= initial_amount)
        );
    `)
	if err != nil {
		log.Printf("failed to create access_key_limits table: %v", err)
	}
}

// ensurePendingPaymentsTable creates pending_payments. Only the hash of
// the claim token is stored; the plaintext goes out once at creation.
func ensurePendingPaymentsTable() {
	ctx := context.Background()
	_, err := Conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS pending_payments (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            chain_id BIGINT NOT NULL,
            bounty_id UUID NULL,
            submission_id UUID NULL,
            funder_id UUID NOT NULL,
            recipient_external_id BIGINT NOT NULL,
            recipient_handle TEXT NOT NULL,
            amount BIGINT NOT NULL CHECK (amount > 0),
            token_address TEXT NOT NULL,
            access_key_id UUID NOT NULL REFERENCES access_keys(id),
            claim_token_hash TEXT NOT NULL UNIQUE,
            claim_expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'claimed', 'cancelled')),
            claimed_by UUID NULL,
            payout_id UUID NULL,
            cancelled_at TIMESTAMP WITH TIME ZONE NULL,
            created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
        );
        CREATE INDEX IF NOT EXISTS idx_pending_recipient
            ON pending_payments(recipient_external_id, chain_id) WHERE status = 'pending';
        CREATE INDEX IF NOT EXISTS idx_pending_funder
            ON pending_payments(funder_id, chain_id) WHERE status = 'pending';
        CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_one_per_key
            ON pending_payments(access_key_id) WHERE status <> 'cancelled';
    `)
	if err != nil {
		log.Printf("failed to create pending_payments table: %v", err)
	}
}

// ensurePayoutsTable creates payouts. The payer check enforces exactly
// one of user/organization at the schema level too.
func ensurePayoutsTable() {
	ctx := context.Background()
	_, err := Conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS payouts (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            chain_id BIGINT NOT NULL,
            amount BIGINT NOT NULL CHECK (amount > 0),
            token_address TEXT NOT NULL,
            payer_user_id UUID NULL,
            payer_org_id UUID NULL,
            recipient_wallet_id UUID NOT NULL REFERENCES wallets(id),
            recipient_user_id UUID NULL,
            bounty_id UUID NULL,
            submission_id UUID NULL,
            pending_payment_id UUID NULL,
            status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'confirmed', 'failed')),
            tx_hash TEXT NULL,
            block_number BIGINT NULL,
            receipt_hash TEXT NULL,
            error_message TEXT NULL,
            confirmed_at TIMESTAMP WITH TIME ZONE NULL,
            created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
            CHECK ((payer_user_id IS NULL) <> (payer_org_id IS NULL))
        );
        CREATE INDEX IF NOT EXISTS idx_payouts_recipient ON payouts(recipient_user_id, chain_id);
        CREATE INDEX IF NOT EXISTS idx_payouts_pending ON payouts(chain_id) WHERE status = 'pending';
    `)
	if err != nil {
		log.Printf("failed to create payouts table: %v", err)
	}
}

// ensureAuditLogTable creates audit_log for append-only audit entries
func ensureAuditLogTable() {
	ctx := context.Background()
	_, err := Conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS audit_log (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            chain_id BIGINT NULL,
            actor_id TEXT NOT NULL,
            action TEXT NOT NULL,
            subject_id TEXT NOT NULL,
            detail JSONB NULL,
            created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
        );
        CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_log(subject_id, created_at);
    `)
	if err != nil {
		log.Printf("failed to create audit_log table: %v", err)
	}
}
