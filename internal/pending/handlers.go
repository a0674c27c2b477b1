package pending

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/gitpaid-dev/gitpaid/internal/accesskey"
	"github.com/gitpaid-dev/gitpaid/internal/chain"
)

type Handler struct {
	ledger *Ledger
	chains *chain.AllowList
}

func NewHandler(ledger *Ledger, chains *chain.AllowList) *Handler {
	return &Handler{ledger: ledger, chains: chains}
}

type createRequest struct {
	ChainID             int64  `json:"chain_id"`
	BountyID            string `json:"bounty_id"`
	SubmissionID        string `json:"submission_id"`
	RecipientExternalID int64  `json:"recipient_external_id"`
	RecipientHandle     string `json:"recipient_handle"`
	Amount              int64  `json:"amount"`
	TokenAddress        string `json:"token_address"`
	AccessKeyID         string `json:"access_key_id"`
}

// CreateForBounty - funder commits payment for approved bounty work to
// a recipient who has no wallet yet
func (h *Handler) CreateForBounty(c echo.Context) error {
	return h.create(c, true)
}

// CreateDirect - person-to-person commitment with no bounty context
func (h *Handler) CreateDirect(c echo.Context) error {
	return h.create(c, false)
}

func (h *Handler) create(c echo.Context, bountyContext bool) error {
	funderID, ok := c.Get("user_id").(string)
	if !ok || funderID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	var req createRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if req.RecipientExternalID == 0 || req.RecipientHandle == "" || req.TokenAddress == "" || req.AccessKeyID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "recipient, token_address and access_key_id are required"})
	}
	if req.Amount <= 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "amount must be greater than zero"})
	}
	if bountyContext && req.BountyID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "bounty_id is required"})
	}
	if !bountyContext && (req.BountyID != "" || req.SubmissionID != "") {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "direct payments carry no bounty context"})
	}

	scope, err := h.chains.Resolve(req.ChainID)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "chain id not supported"})
	}

	pay, claimToken, err := h.ledger.Create(c.Request().Context(), scope, CreateParams{
		BountyID:            req.BountyID,
		SubmissionID:        req.SubmissionID,
		FunderID:            funderID,
		RecipientExternalID: req.RecipientExternalID,
		RecipientHandle:     req.RecipientHandle,
		Amount:              req.Amount,
		TokenAddress:        req.TokenAddress,
		AccessKeyID:         req.AccessKeyID,
	})
	if err != nil {
		switch {
		case errors.Is(err, accesskey.ErrKeyNotFound):
			return c.JSON(http.StatusNotFound, echo.Map{"error": "access key not found"})
		case errors.Is(err, accesskey.ErrNotOwner):
			return c.JSON(http.StatusForbidden, echo.Map{"error": "access key does not belong to you"})
		case errors.Is(err, accesskey.ErrKeyRevoked), errors.Is(err, accesskey.ErrKeyExpired):
			return c.JSON(http.StatusConflict, echo.Map{"error": "access key is not usable"})
		case errors.Is(err, accesskey.ErrTokenNotAuthorized):
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "token not covered by access key"})
		case errors.Is(err, accesskey.ErrInsufficientLimit):
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "access key limit does not cover this amount"})
		case errors.Is(err, ErrKeyNotDedicated):
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "access key must hold exactly the payment amount"})
		case errors.Is(err, ErrKeyAlreadyBacked):
			return c.JSON(http.StatusConflict, echo.Map{"error": "access key already backs another pending payment"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to create pending payment"})
	}

	// The claim token goes out exactly once, to the funder-facing flow
	// that relays the claim link.
	return c.JSON(http.StatusCreated, echo.Map{
		"payment":     pay,
		"claim_token": claimToken,
	})
}

// Cancel - funder withdraws an unclaimed payment
func (h *Handler) Cancel(c echo.Context) error {
	funderID, ok := c.Get("user_id").(string)
	if !ok || funderID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	paymentID := c.Param("id")
	if paymentID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing payment id"})
	}

	var req struct {
		ChainID int64 `json:"chain_id"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	scope, err := h.chains.Resolve(req.ChainID)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "chain id not supported"})
	}

	err = h.ledger.Cancel(c.Request().Context(), scope, paymentID, funderID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return c.JSON(http.StatusNotFound, echo.Map{"error": "pending payment not found"})
		case errors.Is(err, ErrNotFunder):
			return c.JSON(http.StatusForbidden, echo.Map{"error": "only the original funder can cancel"})
		case errors.Is(err, ErrAlreadyResolved):
			return c.JSON(http.StatusConflict, echo.Map{"error": "payment already claimed or cancelled"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to cancel pending payment"})
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "pending payment cancelled"})
}

// Liabilities - per-token sums of the caller's unclaimed commitments
func (h *Handler) Liabilities(c echo.Context) error {
	funderID, ok := c.Get("user_id").(string)
	if !ok || funderID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	var chainID int64
	if err := echo.QueryParamsBinder(c).Int64("chain_id", &chainID).BindError(); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "chain id not supported"})
	}
	scope, err := h.chains.Resolve(chainID)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "chain id not supported"})
	}

	liabilities, err := h.ledger.FunderLiabilities(c.Request().Context(), scope, funderID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to aggregate liabilities"})
	}
	return c.JSON(http.StatusOK, echo.Map{"liabilities": liabilities})
}
