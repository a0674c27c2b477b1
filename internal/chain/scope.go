package chain

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

var ErrChainNotAllowed = errors.New("chain id not in deployment allow-list")

// Scope pins a query or mutation to exactly one deployment network.
// Every store method touching a money table takes one; there is no
// ambient "current network" read from the environment at query time.
type Scope struct {
	ChainID int64
}

func (s Scope) String() string {
	return fmt.Sprintf("chain:%d", s.ChainID)
}

// AllowList is the set of chain ids this deployment will serve.
// Built once at startup; scopes are validated against it at the API
// boundary so store code can assume a vetted scope.
type AllowList struct {
	ids map[int64]bool
}

// AllowListFromEnv reads ALLOWED_CHAIN_IDS as a comma-separated list,
// e.g. "42429" on testnet or "42420" on mainnet.
func AllowListFromEnv() (*AllowList, error) {
	raw := os.Getenv("ALLOWED_CHAIN_IDS")
	if raw == "" {
		return nil, errors.New("ALLOWED_CHAIN_IDS is not set")
	}
	return ParseAllowList(raw)
}

func ParseAllowList(raw string) (*AllowList, error) {
	ids := make(map[int64]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad chain id %q: %w", part, err)
		}
		ids[id] = true
	}
	if len(ids) == 0 {
		return nil, errors.New("allow-list is empty")
	}
	return &AllowList{ids: ids}, nil
}

// Resolve validates a caller-supplied chain id and returns its scope.
func (a *AllowList) Resolve(chainID int64) (Scope, error) {
	if !a.ids[chainID] {
		return Scope{}, ErrChainNotAllowed
	}
	return Scope{ChainID: chainID}, nil
}

// IDs returns the allowed chain ids, for worker fan-out across networks.
func (a *AllowList) IDs() []int64 {
	out := make([]int64, 0, len(a.ids))
	for id := range a.ids {
		out = append(out, id)
	}
	return out
}
