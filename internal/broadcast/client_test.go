package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(map[int64]string{42429: srv.URL})
}

func TestBroadcastSuccess(t *testing.T) {
	var got Payload
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/transfers", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{"tx_hash": "0xabc"})
	})

	hash, err := client.Broadcast(context.Background(), Payload{
		ChainID:      42429,
		AccessKeyID:  "key-1",
		TokenAddress: "0xtoken",
		ToAddress:    "0xto",
		Amount:       250,
		Reference:    "pay-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", hash)
	assert.Equal(t, "pay-1", got.Reference)
	assert.Equal(t, int64(250), got.Amount)
}

func TestBroadcastRejectionIsNotBroadcast(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	_, err := client.Broadcast(context.Background(), Payload{ChainID: 42429})
	assert.ErrorIs(t, err, ErrNotBroadcast)
}

func TestBroadcastServerErrorIsAmbiguous(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.Broadcast(context.Background(), Payload{ChainID: 42429})
	assert.ErrorIs(t, err, ErrBroadcastFailed)
	assert.NotErrorIs(t, err, ErrNotBroadcast)
}

func TestBroadcastUnknownChainIsNotBroadcast(t *testing.T) {
	client := NewClient(map[int64]string{})
	_, err := client.Broadcast(context.Background(), Payload{ChainID: 1})
	assert.ErrorIs(t, err, ErrNotBroadcast)
}

func TestReceiptPending(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.Receipt(context.Background(), 42429, "0xabc")
	assert.ErrorIs(t, err, ErrReceiptPending)
}

func TestReceiptSettled(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/receipts/0xabc", r.URL.Path)
		_ = json.NewEncoder(w).Encode(Receipt{
			BlockNumber: 1200, ReceiptHash: "0xreceipt", Success: true,
		})
	})

	receipt, err := client.Receipt(context.Background(), 42429, "0xabc")
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.Equal(t, int64(1200), receipt.BlockNumber)
	assert.Equal(t, "0xabc", receipt.TxHash) // filled in when relayer omits it
}

func TestBalance(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/balances/0xowner", r.URL.Path)
		require.Equal(t, "0xtoken", r.URL.Query().Get("token"))
		_ = json.NewEncoder(w).Encode(map[string]int64{"balance": 900})
	})

	balance, err := client.Balance(context.Background(), 42429, "0xowner", "0xtoken")
	require.NoError(t, err)
	assert.Equal(t, int64(900), balance)
}
