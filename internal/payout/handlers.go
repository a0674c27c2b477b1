package payout

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/gitpaid-dev/gitpaid/internal/chain"
)

type Handler struct {
	store  *Store
	chains *chain.AllowList
}

func NewHandler(store *Store, chains *chain.AllowList) *Handler {
	return &Handler{store: store, chains: chains}
}

func (h *Handler) scopeFromQuery(c echo.Context) (chain.Scope, error) {
	var chainID int64
	if err := echo.QueryParamsBinder(c).Int64("chain_id", &chainID).BindError(); err != nil {
		return chain.Scope{}, err
	}
	return h.chains.Resolve(chainID)
}

// ListMine - payouts where the caller pays or receives
func (h *Handler) ListMine(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	scope, err := h.scopeFromQuery(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "chain id not supported"})
	}

	payouts, err := h.store.ListByUser(c.Request().Context(), scope, userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to list payouts"})
	}
	return c.JSON(http.StatusOK, echo.Map{"payouts": payouts})
}

// AdminList - all payouts on a chain
func (h *Handler) AdminList(c echo.Context) error {
	scope, err := h.scopeFromQuery(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "chain id not supported"})
	}

	payouts, err := h.store.ListAll(c.Request().Context(), scope, 200)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to list payouts"})
	}
	return c.JSON(http.StatusOK, echo.Map{"payouts": payouts})
}

// AdminConfirm - manual settlement override when the watcher missed a
// receipt
func (h *Handler) AdminConfirm(c echo.Context) error {
	payoutID := c.Param("id")
	if payoutID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing payout id"})
	}

	var req struct {
		ChainID     int64  `json:"chain_id"`
		TxHash      string `json:"tx_hash"`
		BlockNumber int64  `json:"block_number"`
		ReceiptHash string `json:"receipt_hash"`
	}
	if err := c.Bind(&req); err != nil || req.TxHash == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "tx_hash is required"})
	}
	scope, err := h.chains.Resolve(req.ChainID)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "chain id not supported"})
	}

	err = h.store.MarkConfirmed(c.Request().Context(), scope, payoutID, req.TxHash, req.BlockNumber, req.ReceiptHash)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return c.JSON(http.StatusNotFound, echo.Map{"error": "payout not found"})
		case errors.Is(err, ErrConfirmationConflict):
			return c.JSON(http.StatusConflict, echo.Map{"error": "payout already confirmed with a different hash"})
		case errors.Is(err, ErrAlreadySettled):
			return c.JSON(http.StatusConflict, echo.Map{"error": "payout already settled"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to confirm payout"})
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "payout confirmed"})
}

// AdminFail - manual settlement override marking a payout failed
func (h *Handler) AdminFail(c echo.Context) error {
	payoutID := c.Param("id")
	if payoutID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing payout id"})
	}

	var req struct {
		ChainID int64  `json:"chain_id"`
		Reason  string `json:"reason"`
	}
	if err := c.Bind(&req); err != nil || req.Reason == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "reason is required"})
	}
	scope, err := h.chains.Resolve(req.ChainID)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "chain id not supported"})
	}

	err = h.store.MarkFailed(c.Request().Context(), scope, payoutID, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return c.JSON(http.StatusNotFound, echo.Map{"error": "payout not found"})
		case errors.Is(err, ErrAlreadySettled):
			return c.JSON(http.StatusConflict, echo.Map{"error": "payout already settled"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to mark payout failed"})
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "payout marked failed"})
}
