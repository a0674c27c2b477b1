package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Client talks to the relayer service that holds the server signing
// keys and submits delegated transfers to the chain. One relayer
// endpoint per chain id, configured as RELAYER_URLS="42429=http://...".
type Client struct {
	http      *http.Client
	endpoints map[int64]string
}

func NewClient(endpoints map[int64]string) *Client {
	return &Client{
		http:      &http.Client{Timeout: 30 * time.Second},
		endpoints: endpoints,
	}
}

// NewClientFromEnv reads RELAYER_URLS from the environment.
func NewClientFromEnv() (*Client, error) {
	raw := os.Getenv("RELAYER_URLS")
	if raw == "" {
		return nil, errors.New("RELAYER_URLS is not set")
	}
	endpoints := make(map[int64]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("bad RELAYER_URLS entry %q", part)
		}
		chainID, err := strconv.ParseInt(kv[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad chain id in RELAYER_URLS entry %q: %w", part, err)
		}
		endpoints[chainID] = strings.TrimRight(kv[1], "/")
	}
	if len(endpoints) == 0 {
		return nil, errors.New("RELAYER_URLS is empty")
	}
	return NewClient(endpoints), nil
}

// Broadcast submits a delegated transfer. Failures that provably
// precede submission (no endpoint, request marshalling, relayer
// rejected the payload) map to ErrNotBroadcast; anything after the
// request was accepted for processing is ambiguous.
func (c *Client) Broadcast(ctx context.Context, p Payload) (string, error) {
	base, ok := c.endpoints[p.ChainID]
	if !ok {
		return "", fmt.Errorf("%w: no relayer for chain %d", ErrNotBroadcast, p.ChainID)
	}

	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotBroadcast, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/transfers", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotBroadcast, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// The request may have reached the relayer before the
		// connection died; treat as ambiguous.
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out struct {
			TxHash string `json:"tx_hash"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.TxHash == "" {
			return "", fmt.Errorf("%w: bad relayer response", ErrBroadcastFailed)
		}
		return out.TxHash, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Relayer validated and rejected before signing anything.
		return "", fmt.Errorf("%w: relayer rejected with status %d", ErrNotBroadcast, resp.StatusCode)
	}
	return "", fmt.Errorf("%w: relayer status %d", ErrBroadcastFailed, resp.StatusCode)
}

// Balance asks the relayer for a wallet's current holdings of a token.
func (c *Client) Balance(ctx context.Context, chainID int64, address, tokenAddress string) (int64, error) {
	base, ok := c.endpoints[chainID]
	if !ok {
		return 0, fmt.Errorf("no relayer for chain %d", chainID)
	}

	url := fmt.Sprintf("%s/balances/%s?token=%s", base, address, tokenAddress)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("relayer balance status %d", resp.StatusCode)
	}
	var out struct {
		Balance int64 `json:"balance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

// Receipt polls the relayer for the settlement of a broadcast
// transaction.
func (c *Client) Receipt(ctx context.Context, chainID int64, txHash string) (*Receipt, error) {
	base, ok := c.endpoints[chainID]
	if !ok {
		return nil, fmt.Errorf("no relayer for chain %d", chainID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/receipts/"+txHash, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrReceiptPending
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relayer receipt status %d", resp.StatusCode)
	}

	var out Receipt
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if out.TxHash == "" {
		out.TxHash = txHash
	}
	return &out, nil
}
