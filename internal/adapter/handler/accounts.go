package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/alexvas/accounts"
)

// AccountLister is the read slice of the ledger store this handler needs.
type AccountLister interface {
	ListAccounts(ctx context.Context, userID uuid.UUID) ([]accounts.Account, error)
}

type AccountHandler struct {
	Store AccountLister
}

// ListAccounts serves GET /v1/users/:userID/accounts.
func (h *AccountHandler) ListAccounts(c *fiber.Ctx) error {
	userID, err := uuid.Parse(c.Params("userID"))
	if err != nil {
		return badRequest(c, "bad user ID")
	}

	owned, err := h.Store.ListAccounts(c.Context(), userID)
	if err != nil {
		return respondErr(c, err)
	}

	return respondOK(c, owned)
}
