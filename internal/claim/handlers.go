package claim

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/gitpaid-dev/gitpaid/internal/chain"
	"github.com/gitpaid-dev/gitpaid/internal/pending"
	"github.com/gitpaid-dev/gitpaid/internal/wallet"
)

// Tokens resolves presented claim tokens for the public lookup.
type Tokens interface {
	GetByClaimToken(ctx context.Context, scope chain.Scope, token string) (*pending.Payment, error)
}

// Wallets verifies destination-wallet ownership for a claim batch.
type Wallets interface {
	GetByID(ctx context.Context, id string) (*wallet.Wallet, error)
	OwnedBy(ctx context.Context, walletID, userID string) (bool, error)
}

type Handler struct {
	processor *Processor
	tokens    Tokens
	wallets   Wallets
	chains    *chain.AllowList

	// enqueueRetry schedules a later re-run when a batch leaves
	// retryable failures behind. Wired to the task queue in cmd/api.
	enqueueRetry func(chainID int64, r Recipient)
}

func NewHandler(processor *Processor, tokens Tokens, wallets Wallets, chains *chain.AllowList,
	enqueueRetry func(chainID int64, r Recipient)) *Handler {
	return &Handler{processor: processor, tokens: tokens, wallets: wallets, chains: chains, enqueueRetry: enqueueRetry}
}

// Lookup - unauthenticated claim-link probe. An unknown or consumed
// token is a plain 404, not an error worth logging.
func (h *Handler) Lookup(c echo.Context) error {
	token := c.Param("token")
	if token == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing claim token"})
	}

	var chainID int64
	if err := echo.QueryParamsBinder(c).Int64("chain_id", &chainID).BindError(); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "chain id not supported"})
	}
	scope, err := h.chains.Resolve(chainID)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "chain id not supported"})
	}

	pay, err := h.tokens.GetByClaimToken(c.Request().Context(), scope, token)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to look up claim"})
	}
	if pay == nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "invalid or consumed claim link"})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"payment_id":       pay.ID,
		"amount":           pay.Amount,
		"token_address":    pay.TokenAddress,
		"recipient_handle": pay.RecipientHandle,
		"status":           pay.Status,
		"claim_expires_at": pay.ClaimExpiresAt,
	})
}

// ClaimAll - claim every pending payment addressed to the caller's
// external identity into their registered wallet. The identity comes
// from the verified token, never from the request: whoever the issuer
// vouched for is the only identity this call can claim for.
func (h *Handler) ClaimAll(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	externalID, ok := c.Get("external_id").(int64)
	if !ok || externalID == 0 {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "no linked external identity"})
	}

	var req struct {
		ChainID  int64  `json:"chain_id"`
		WalletID string `json:"wallet_id"`
	}
	if err := c.Bind(&req); err != nil || req.WalletID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "chain_id and wallet_id are required"})
	}
	scope, err := h.chains.Resolve(req.ChainID)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "chain id not supported"})
	}

	owned, err := h.wallets.OwnedBy(c.Request().Context(), req.WalletID, userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to verify wallet"})
	}
	if !owned {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "wallet does not belong to you"})
	}
	w, err := h.wallets.GetByID(c.Request().Context(), req.WalletID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to load wallet"})
	}

	recipient := Recipient{
		UserID:        userID,
		ExternalID:    externalID,
		WalletID:      w.ID,
		WalletAddress: w.Address,
	}
	outcomes, err := h.processor.ProcessAll(c.Request().Context(), scope, recipient)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to process claims"})
	}

	claimed, retryable := 0, false
	for _, o := range outcomes {
		if o.Status == OutcomeClaimed {
			claimed++
		}
		if o.Retryable {
			retryable = true
		}
	}
	if retryable && h.enqueueRetry != nil {
		h.enqueueRetry(scope.ChainID, recipient)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"claimed":  claimed,
		"total":    len(outcomes),
		"outcomes": outcomes,
	})
}
