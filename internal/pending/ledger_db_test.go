package pending

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitpaid-dev/gitpaid/internal/accesskey"
	"github.com/gitpaid-dev/gitpaid/internal/chain"
	"github.com/gitpaid-dev/gitpaid/internal/db"
)

var testScope = chain.Scope{ChainID: 42429}

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	os.Setenv("DATABASE_URL", dsn)
	db.Init()
	return db.Conn
}

type ledgerFixture struct {
	pool     *pgxpool.Pool
	registry *accesskey.Registry
	ledger   *Ledger
	funderID string
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	pool := testPool(t)
	registry := accesskey.NewRegistry(pool)
	return &ledgerFixture{
		pool:     pool,
		registry: registry,
		ledger:   NewLedger(pool, registry),
		funderID: uuid.New().String(),
	}
}

func (f *ledgerFixture) createWallet(t *testing.T, userID string) string {
	t.Helper()
	id := uuid.New().String()
	var uid any
	if userID != "" {
		uid = userID
	}
	_, err := f.pool.Exec(context.Background(),
		`INSERT INTO wallets (id, address, kind, user_id) VALUES ($1, $2, 'server', $3)`,
		id, "0x"+uuid.New().String(), uid,
	)
	require.NoError(t, err)
	return id
}

// dedicatedKey mints an access key covering exactly one payment amount.
func (f *ledgerFixture) dedicatedKey(t *testing.T, amount int64) *accesskey.AccessKey {
	t.Helper()
	owner := f.createWallet(t, f.funderID)
	delegate := f.createWallet(t, "")
	key, err := f.registry.Create(context.Background(), testScope, accesskey.CreateParams{
		OwnerWalletID: owner,
		KeyWalletID:   delegate,
		Limits:        []accesskey.TokenLimit{{TokenAddress: "0xtokenx", Initial: amount}},
		Signature:     "sig",
		AuthHash:      "0xhash",
		CreatedBy:     f.funderID,
	})
	require.NoError(t, err)
	return key
}

func (f *ledgerFixture) createPayment(t *testing.T, externalID, amount int64) (*Payment, string) {
	t.Helper()
	key := f.dedicatedKey(t, amount)
	pay, token, err := f.ledger.Create(context.Background(), testScope, CreateParams{
		BountyID:            uuid.New().String(),
		SubmissionID:        uuid.New().String(),
		FunderID:            f.funderID,
		RecipientExternalID: externalID,
		RecipientHandle:     "octocat",
		Amount:              amount,
		TokenAddress:        "0xtokenx",
		AccessKeyID:         key.ID,
	})
	require.NoError(t, err)
	return pay, token
}

func TestLedgerCreateAndLookup(t *testing.T) {
	f := newLedgerFixture(t)
	externalID := time.Now().UnixNano()

	pay, token := f.createPayment(t, externalID, 250)
	assert.Equal(t, StatusPending, pay.Status)
	assert.Len(t, token, 64)
	assert.WithinDuration(t, time.Now().Add(ClaimWindow), pay.ClaimExpiresAt, time.Minute)

	// Wrong token is a nil result, not an error.
	got, err := f.ledger.GetByClaimToken(context.Background(), testScope, "deadbeef")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = f.ledger.GetByClaimToken(context.Background(), testScope, token)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, pay.ID, got.ID)
	assert.Equal(t, int64(250), got.Amount)

	// The right token under the wrong network scope finds nothing.
	got, err = f.ledger.GetByClaimToken(context.Background(), chain.Scope{ChainID: 42420}, token)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLedgerCreateValidatesDedicatedKey(t *testing.T) {
	f := newLedgerFixture(t)
	key := f.dedicatedKey(t, 100)

	// Amount above the key's budget.
	_, _, err := f.ledger.Create(context.Background(), testScope, CreateParams{
		FunderID:            f.funderID,
		RecipientExternalID: 1,
		RecipientHandle:     "octocat",
		Amount:              250,
		TokenAddress:        "0xtokenx",
		AccessKeyID:         key.ID,
	})
	assert.ErrorIs(t, err, accesskey.ErrInsufficientLimit)

	// Token outside the key's limits.
	_, _, err = f.ledger.Create(context.Background(), testScope, CreateParams{
		FunderID:            f.funderID,
		RecipientExternalID: 1,
		RecipientHandle:     "octocat",
		Amount:              50,
		TokenAddress:        "0xother",
		AccessKeyID:         key.ID,
	})
	assert.ErrorIs(t, err, accesskey.ErrTokenNotAuthorized)

	// A key holding more than the payment amount is not dedicated.
	_, _, err = f.ledger.Create(context.Background(), testScope, CreateParams{
		FunderID:            f.funderID,
		RecipientExternalID: 1,
		RecipientHandle:     "octocat",
		Amount:              50,
		TokenAddress:        "0xtokenx",
		AccessKeyID:         key.ID,
	})
	assert.ErrorIs(t, err, ErrKeyNotDedicated)
}

func TestLedgerCreateRejectsForeignKey(t *testing.T) {
	f := newLedgerFixture(t)
	key := f.dedicatedKey(t, 250)

	// Someone other than the key's creator cannot commit its budget.
	_, _, err := f.ledger.Create(context.Background(), testScope, CreateParams{
		FunderID:            uuid.New().String(),
		RecipientExternalID: 1,
		RecipientHandle:     "octocat",
		Amount:              250,
		TokenAddress:        "0xtokenx",
		AccessKeyID:         key.ID,
	})
	assert.ErrorIs(t, err, accesskey.ErrNotOwner)

	// The key stays clean for its real owner.
	_, _, err = f.ledger.Create(context.Background(), testScope, CreateParams{
		FunderID:            f.funderID,
		RecipientExternalID: 1,
		RecipientHandle:     "octocat",
		Amount:              250,
		TokenAddress:        "0xtokenx",
		AccessKeyID:         key.ID,
	})
	assert.NoError(t, err)
}

func TestLedgerOnePaymentPerKey(t *testing.T) {
	f := newLedgerFixture(t)
	pay, _ := f.createPayment(t, 1, 250)

	_, _, err := f.ledger.Create(context.Background(), testScope, CreateParams{
		FunderID:            f.funderID,
		RecipientExternalID: 2,
		RecipientHandle:     "hubber",
		Amount:              250,
		TokenAddress:        "0xtokenx",
		AccessKeyID:         pay.AccessKeyID,
	})
	assert.ErrorIs(t, err, ErrKeyAlreadyBacked)
}

func TestLedgerCancelExpiredHonorsWindow(t *testing.T) {
	f := newLedgerFixture(t)
	pay, _ := f.createPayment(t, time.Now().UnixNano(), 250)

	// Fresh payment: the window is still open.
	err := f.ledger.CancelExpired(context.Background(), testScope, pay.ID)
	assert.ErrorIs(t, err, ErrNotYetExpired)

	_, err = f.pool.Exec(context.Background(),
		`UPDATE pending_payments SET claim_expires_at = NOW() - INTERVAL '1 minute' WHERE id = $1`, pay.ID)
	require.NoError(t, err)

	require.NoError(t, f.ledger.CancelExpired(context.Background(), testScope, pay.ID))
	got, err := f.ledger.GetByID(context.Background(), testScope, pay.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	key, err := f.registry.Get(context.Background(), testScope, pay.AccessKeyID)
	require.NoError(t, err)
	assert.Equal(t, accesskey.StatusRevoked, key.Status)
}

func TestLedgerCancelRevokesDedicatedKey(t *testing.T) {
	f := newLedgerFixture(t)
	externalID := time.Now().UnixNano()
	pay, _ := f.createPayment(t, externalID, 250)

	// Only the funder can cancel.
	err := f.ledger.Cancel(context.Background(), testScope, pay.ID, uuid.New().String())
	assert.ErrorIs(t, err, ErrNotFunder)

	require.NoError(t, f.ledger.Cancel(context.Background(), testScope, pay.ID, f.funderID))

	got, err := f.ledger.GetByID(context.Background(), testScope, pay.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.NotNil(t, got.CancelledAt)

	key, err := f.registry.Get(context.Background(), testScope, pay.AccessKeyID)
	require.NoError(t, err)
	assert.Equal(t, accesskey.StatusRevoked, key.Status)

	// Claim after cancel loses.
	err = f.ledger.MarkClaimed(context.Background(), testScope, pay.ID, uuid.New().String(), uuid.New().String())
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	// Cancel after cancel also reports the conflict.
	err = f.ledger.Cancel(context.Background(), testScope, pay.ID, f.funderID)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestLedgerClaimBeatsCancel(t *testing.T) {
	f := newLedgerFixture(t)
	externalID := time.Now().UnixNano()
	pay, _ := f.createPayment(t, externalID, 250)

	claimer := uuid.New().String()
	payoutID := uuid.New().String()
	require.NoError(t, f.ledger.MarkClaimed(context.Background(), testScope, pay.ID, claimer, payoutID))

	got, err := f.ledger.GetByID(context.Background(), testScope, pay.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, got.Status)
	assert.Equal(t, claimer, got.ClaimedBy)
	assert.Equal(t, payoutID, got.PayoutID)

	err = f.ledger.Cancel(context.Background(), testScope, pay.ID, f.funderID)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	// Replaying the claim reports the conflict too.
	err = f.ledger.MarkClaimed(context.Background(), testScope, pay.ID, claimer, payoutID)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestLedgerRecipientBatchAndLiabilities(t *testing.T) {
	f := newLedgerFixture(t)
	externalID := time.Now().UnixNano()

	first, _ := f.createPayment(t, externalID, 250)
	second, _ := f.createPayment(t, externalID, 100)

	batch, err := f.ledger.ListPendingByRecipient(context.Background(), testScope, externalID)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, first.ID, batch[0].ID, "oldest first")
	assert.Equal(t, second.ID, batch[1].ID)

	liabilities, err := f.ledger.FunderLiabilities(context.Background(), testScope, f.funderID)
	require.NoError(t, err)
	require.Len(t, liabilities, 1)
	assert.Equal(t, "0xtokenx", liabilities[0].TokenAddress)
	assert.Equal(t, int64(350), liabilities[0].Total)

	// Claimed rows drop out of both views.
	require.NoError(t, f.ledger.MarkClaimed(context.Background(), testScope, first.ID, uuid.New().String(), uuid.New().String()))
	batch, err = f.ledger.ListPendingByRecipient(context.Background(), testScope, externalID)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, second.ID, batch[0].ID)

	liabilities, err = f.ledger.FunderLiabilities(context.Background(), testScope, f.funderID)
	require.NoError(t, err)
	require.Len(t, liabilities, 1)
	assert.Equal(t, int64(100), liabilities[0].Total)
}
