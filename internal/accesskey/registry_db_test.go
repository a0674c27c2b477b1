package accesskey

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitpaid-dev/gitpaid/internal/chain"
	"github.com/gitpaid-dev/gitpaid/internal/db"
)

// These tests run against a real Postgres; set TEST_DATABASE_URL to
// enable them.
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

func createWallet(t *testing.T, pool *pgxpool.Pool, userID string) string {
	t.Helper()
	id := uuid.New().String()
	var uid any
	if userID != "" {
		uid = userID
	}
	_, err := pool.Exec(context.Background(),
		`INSERT INTO wallets (id, address, kind, user_id) VALUES ($1, $2, 'server', $3)`,
		id, "0x"+uuid.New().String(), uid,
	)
	require.NoError(t, err)
	return id
}

func createActiveKey(t *testing.T, r *Registry, scope chain.Scope, owner, delegate, userID string, limits []TokenLimit) *AccessKey {
	t.Helper()
	key, err := r.Create(context.Background(), scope, CreateParams{
		OwnerWalletID: owner,
		KeyWalletID:   delegate,
		Limits:        limits,
		Signature:     "sig",
		AuthHash:      "0xhash",
		CreatedBy:     userID,
	})
	require.NoError(t, err)
	return key
}

func TestRegistryCreateAndDuplicate(t *testing.T) {
	pool := testPool(t)
	registry := NewRegistry(pool)
	scope := chain.Scope{ChainID: 42429}

	userID := uuid.New().String()
	owner := createWallet(t, pool, userID)
	delegate := createWallet(t, pool, "")

	key := createActiveKey(t, registry, scope, owner, delegate, userID,
		[]TokenLimit{{TokenAddress: "0xtokenx", Initial: 1000}})
	assert.Equal(t, StatusActive, key.Status)
	require.Len(t, key.Limits, 1)
	assert.Equal(t, int64(1000), key.Limits[0].Initial)
	assert.Equal(t, int64(1000), key.Limits[0].Remaining)

	// Second active key for the same (owner, delegate, chain) must fail.
	_, err := registry.Create(context.Background(), scope, CreateParams{
		OwnerWalletID: owner,
		KeyWalletID:   delegate,
		Limits:        []TokenLimit{{TokenAddress: "0xtokenx", Initial: 5}},
		Signature:     "sig2",
		AuthHash:      "0xhash2",
		CreatedBy:     userID,
	})
	assert.ErrorIs(t, err, ErrDuplicateActiveKey)

	// After revoking the first, the second succeeds.
	require.NoError(t, registry.Revoke(context.Background(), scope, key.ID, userID, "rotate"))
	_, err = registry.Create(context.Background(), scope, CreateParams{
		OwnerWalletID: owner,
		KeyWalletID:   delegate,
		Limits:        []TokenLimit{{TokenAddress: "0xtokenx", Initial: 5}},
		Signature:     "sig2",
		AuthHash:      "0xhash2",
		CreatedBy:     userID,
	})
	assert.NoError(t, err)
}

func TestRegistryRevokeRules(t *testing.T) {
	pool := testPool(t)
	registry := NewRegistry(pool)
	scope := chain.Scope{ChainID: 42429}

	userID := uuid.New().String()
	owner := createWallet(t, pool, userID)
	delegate := createWallet(t, pool, "")
	key := createActiveKey(t, registry, scope, owner, delegate, userID,
		[]TokenLimit{{TokenAddress: "0xtokenx", Initial: 10}})

	// Only the owner may revoke.
	err := registry.Revoke(context.Background(), scope, key.ID, uuid.New().String(), "")
	assert.ErrorIs(t, err, ErrNotOwner)

	require.NoError(t, registry.Revoke(context.Background(), scope, key.ID, userID, "done"))

	// A second revoke reports the conflict instead of silently passing.
	err = registry.Revoke(context.Background(), scope, key.ID, userID, "again")
	assert.ErrorIs(t, err, ErrAlreadyRevoked)

	got, err := registry.Get(context.Background(), scope, key.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, got.Status)
	assert.Equal(t, "done", got.RevokeReason)
	assert.NotNil(t, got.RevokedAt)
}

func TestRegistryScopeIsolation(t *testing.T) {
	pool := testPool(t)
	registry := NewRegistry(pool)

	userID := uuid.New().String()
	owner := createWallet(t, pool, userID)
	delegate := createWallet(t, pool, "")
	key := createActiveKey(t, registry, chain.Scope{ChainID: 42429}, owner, delegate, userID,
		[]TokenLimit{{TokenAddress: "0xtokenx", Initial: 10}})

	// The same id under another network scope does not exist.
	_, err := registry.Get(context.Background(), chain.Scope{ChainID: 42420}, key.ID)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestEnforcerSpendSequence(t *testing.T) {
	pool := testPool(t)
	registry := NewRegistry(pool)
	enforcer := NewEnforcer(pool)
	scope := chain.Scope{ChainID: 42429}

	userID := uuid.New().String()
	owner := createWallet(t, pool, userID)
	delegate := createWallet(t, pool, "")
	key := createActiveKey(t, registry, scope, owner, delegate, userID,
		[]TokenLimit{{TokenAddress: "0xtokenx", Initial: 1000}})

	ctx := context.Background()

	got, err := enforcer.ValidateAndReserve(ctx, scope, key.ID, "0xtokenx", 700)
	require.NoError(t, err)
	assert.Equal(t, int64(300), got.Limit("0xtokenx").Remaining)

	_, err = enforcer.ValidateAndReserve(ctx, scope, key.ID, "0xtokenx", 400)
	assert.ErrorIs(t, err, ErrInsufficientLimit)

	got, err = registry.Get(ctx, scope, key.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), got.Limit("0xtokenx").Remaining, "failed spend must not move the limit")

	got, err = enforcer.ValidateAndReserve(ctx, scope, key.ID, "0xtokenx", 300)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Limit("0xtokenx").Remaining)

	_, err = enforcer.ValidateAndReserve(ctx, scope, key.ID, "0xother", 1)
	assert.ErrorIs(t, err, ErrTokenNotAuthorized)
}

func TestEnforcerRejectsDeadKeys(t *testing.T) {
	pool := testPool(t)
	registry := NewRegistry(pool)
	enforcer := NewEnforcer(pool)
	scope := chain.Scope{ChainID: 42429}

	userID := uuid.New().String()
	owner := createWallet(t, pool, userID)
	delegate := createWallet(t, pool, "")
	key := createActiveKey(t, registry, scope, owner, delegate, userID,
		[]TokenLimit{{TokenAddress: "0xtokenx", Initial: 10}})

	require.NoError(t, registry.Revoke(context.Background(), scope, key.ID, userID, ""))
	_, err := enforcer.ValidateAndReserve(context.Background(), scope, key.ID, "0xtokenx", 1)
	assert.ErrorIs(t, err, ErrKeyRevoked)

	// The decrement carries the liveness predicate, so the budget of a
	// dead key never moves.
	got, err := registry.Get(context.Background(), scope, key.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Limit("0xtokenx").Remaining)

	_, err = enforcer.ValidateAndReserve(context.Background(), scope, uuid.New().String(), "0xtokenx", 1)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestEnforcerRejectsExpiredKeys(t *testing.T) {
	pool := testPool(t)
	registry := NewRegistry(pool)
	enforcer := NewEnforcer(pool)
	scope := chain.Scope{ChainID: 42429}

	userID := uuid.New().String()
	owner := createWallet(t, pool, userID)
	delegate := createWallet(t, pool, "")
	key := createActiveKey(t, registry, scope, owner, delegate, userID,
		[]TokenLimit{{TokenAddress: "0xtokenx", Initial: 10}})

	_, err := pool.Exec(context.Background(),
		`UPDATE access_keys SET expires_at = NOW() - INTERVAL '1 minute' WHERE id = $1`, key.ID)
	require.NoError(t, err)

	_, err = enforcer.ValidateAndReserve(context.Background(), scope, key.ID, "0xtokenx", 1)
	assert.ErrorIs(t, err, ErrKeyExpired)

	got, err := registry.Get(context.Background(), scope, key.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Limit("0xtokenx").Remaining)
}

func TestEnforcerConcurrentSpends(t *testing.T) {
	pool := testPool(t)
	registry := NewRegistry(pool)
	enforcer := NewEnforcer(pool)
	scope := chain.Scope{ChainID: 42429}

	userID := uuid.New().String()
	owner := createWallet(t, pool, userID)
	delegate := createWallet(t, pool, "")
	key := createActiveKey(t, registry, scope, owner, delegate, userID,
		[]TokenLimit{{TokenAddress: "0xtokenx", Initial: 1000}})

	// 10 concurrent spends of 300 against 1000: exactly 3 may win.
	const workers = 10
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := enforcer.ValidateAndReserve(context.Background(), scope, key.ID, "0xtokenx", 300)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientLimit)
		}
	}
	assert.Equal(t, 3, succeeded)

	got, err := registry.Get(context.Background(), scope, key.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Limit("0xtokenx").Remaining)
}

func TestEnforcerRestoreClampsAtInitial(t *testing.T) {
	pool := testPool(t)
	registry := NewRegistry(pool)
	enforcer := NewEnforcer(pool)
	scope := chain.Scope{ChainID: 42429}

	userID := uuid.New().String()
	owner := createWallet(t, pool, userID)
	delegate := createWallet(t, pool, "")
	key := createActiveKey(t, registry, scope, owner, delegate, userID,
		[]TokenLimit{{TokenAddress: "0xtokenx", Initial: 500}})

	ctx := context.Background()
	_, err := enforcer.ValidateAndReserve(ctx, scope, key.ID, "0xtokenx", 200)
	require.NoError(t, err)

	require.NoError(t, enforcer.Restore(ctx, scope, key.ID, "0xtokenx", 200))
	// A replayed restore must not push remaining past initial.
	require.NoError(t, enforcer.Restore(ctx, scope, key.ID, "0xtokenx", 200))

	got, err := registry.Get(ctx, scope, key.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), got.Limit("0xtokenx").Remaining)
}
