package wallet

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	store *Store
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// Register - create a wallet for the authenticated user
func (h *Handler) Register(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	var req struct {
		Kind         string `json:"kind"`
		CredentialID string `json:"credential_id"`
		PublicKey    string `json:"public_key"` // base64, CBOR/COSE or raw coordinates
		Address      string `json:"address"`    // external wallets only
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	switch req.Kind {
	case KindPasskey:
		if req.CredentialID == "" || req.PublicKey == "" {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "credential_id and public_key are required"})
		}
		pubKey, err := base64.StdEncoding.DecodeString(req.PublicKey)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "public_key is not valid base64"})
		}
		w, err := h.store.RegisterPasskey(c.Request().Context(), userID, req.CredentialID, pubKey)
		if err != nil {
			if errors.Is(err, ErrMalformedKey) {
				return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed public key"})
			}
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to register wallet"})
		}
		return c.JSON(http.StatusCreated, w)

	case KindExternal:
		if req.Address == "" {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "address is required"})
		}
		w, err := h.store.RegisterExternal(c.Request().Context(), userID, req.Address)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to register wallet"})
		}
		return c.JSON(http.StatusCreated, w)
	}
	return c.JSON(http.StatusBadRequest, echo.Map{"error": "kind must be passkey or external"})
}

// ListMine - list the authenticated user's wallets
func (h *Handler) ListMine(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	wallets, err := h.store.ListByUser(c.Request().Context(), userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to list wallets"})
	}
	return c.JSON(http.StatusOK, echo.Map{"wallets": wallets})
}
