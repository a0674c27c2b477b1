package accesskey

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/gitpaid-dev/gitpaid/internal/chain"
)

type Handler struct {
	registry *Registry
	chains   *chain.AllowList
}

func NewHandler(registry *Registry, chains *chain.AllowList) *Handler {
	return &Handler{registry: registry, chains: chains}
}

type limitRequest struct {
	TokenAddress string `json:"token_address"`
	Amount       int64  `json:"amount"`
}

type createRequest struct {
	ChainID       int64          `json:"chain_id"`
	OwnerWalletID string         `json:"owner_wallet_id"`
	KeyWalletID   string         `json:"key_wallet_id"`
	Limits        []limitRequest `json:"limits"`
	ExpiresAt     *time.Time     `json:"expires_at"`
	Signature     string         `json:"signature"`
	AuthHash      string         `json:"auth_hash"`
}

// Create - authorize delegated spending from the caller's wallet
func (h *Handler) Create(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	var req createRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if req.OwnerWalletID == "" || req.KeyWalletID == "" || req.Signature == "" || req.AuthHash == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "owner_wallet_id, key_wallet_id, signature and auth_hash are required"})
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "expires_at must be in the future"})
	}

	scope, err := h.chains.Resolve(req.ChainID)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "chain id not supported"})
	}

	limits := make([]TokenLimit, 0, len(req.Limits))
	for _, l := range req.Limits {
		limits = append(limits, TokenLimit{TokenAddress: l.TokenAddress, Initial: l.Amount})
	}

	key, err := h.registry.Create(c.Request().Context(), scope, CreateParams{
		OwnerWalletID: req.OwnerWalletID,
		KeyWalletID:   req.KeyWalletID,
		Limits:        limits,
		ExpiresAt:     req.ExpiresAt,
		Signature:     req.Signature,
		AuthHash:      req.AuthHash,
		CreatedBy:     userID,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrNoLimits):
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "at least one token limit with a positive amount is required"})
		case errors.Is(err, ErrNotOwner):
			return c.JSON(http.StatusForbidden, echo.Map{"error": "wallet does not belong to you"})
		case errors.Is(err, ErrDuplicateActiveKey):
			return c.JSON(http.StatusConflict, echo.Map{"error": "an active access key already exists for this delegate; revoke it first"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to create access key"})
	}
	return c.JSON(http.StatusCreated, key)
}

// Revoke - owner turns off a delegation
func (h *Handler) Revoke(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	keyID := c.Param("id")
	if keyID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing access key id"})
	}

	var req struct {
		ChainID int64  `json:"chain_id"`
		Reason  string `json:"reason"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	scope, err := h.chains.Resolve(req.ChainID)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "chain id not supported"})
	}

	err = h.registry.Revoke(c.Request().Context(), scope, keyID, userID, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, ErrKeyNotFound):
			return c.JSON(http.StatusNotFound, echo.Map{"error": "access key not found"})
		case errors.Is(err, ErrNotOwner):
			return c.JSON(http.StatusForbidden, echo.Map{"error": "only the owner can revoke"})
		case errors.Is(err, ErrAlreadyRevoked):
			return c.JSON(http.StatusConflict, echo.Map{"error": "access key already revoked"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to revoke access key"})
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "access key revoked"})
}

// List - keys the caller granted or received
func (h *Handler) List(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	direction := c.QueryParam("direction")
	if direction == "" {
		direction = DirectionGranted
	}
	if direction != DirectionGranted && direction != DirectionReceived {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "direction must be granted or received"})
	}

	scope, err := h.scopeFromQuery(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "chain id not supported"})
	}

	keys, err := h.registry.List(c.Request().Context(), scope, userID, direction)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to list access keys"})
	}

	now := time.Now()
	views := make([]echo.Map, 0, len(keys))
	for i := range keys {
		views = append(views, echo.Map{
			"access_key": keys[i],
			"status":     keys[i].EffectiveStatus(now),
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"direction": direction, "access_keys": views})
}

func (h *Handler) scopeFromQuery(c echo.Context) (chain.Scope, error) {
	var chainID int64
	if err := echo.QueryParamsBinder(c).Int64("chain_id", &chainID).BindError(); err != nil {
		return chain.Scope{}, err
	}
	return h.chains.Resolve(chainID)
}
