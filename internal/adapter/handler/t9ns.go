package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/alexvas/accounts"
)

const defaultPageLimit = 20

// T9nLister is the pagination slice of the ledger store.
type T9nLister interface {
	IncomingT9ns(ctx context.Context, userID, lastT9nID uuid.UUID, limit int) ([]accounts.T9n, error)
	OutgoingT9ns(ctx context.Context, userID, lastT9nID uuid.UUID, limit int) ([]accounts.T9n, error)
}

// T9nInitiator is the processor contract the create endpoint consumes.
type T9nInitiator interface {
	InitiateTransfer(ctx context.Context, externalID, fromUser, fromAccount, toUser uuid.UUID, amount int64) (*accounts.T9n, error)
}

type T9nHandler struct {
	Store     T9nLister
	Processor T9nInitiator
}

// Incoming serves GET /v1/users/:userID/t9ns/incoming?last=&limit=.
func (h *T9nHandler) Incoming(c *fiber.Ctx) error {
	return h.page(c, h.Store.IncomingT9ns)
}

// Outgoing serves GET /v1/users/:userID/t9ns/outgoing?last=&limit=.
func (h *T9nHandler) Outgoing(c *fiber.Ctx) error {
	return h.page(c, h.Store.OutgoingT9ns)
}

func (h *T9nHandler) page(
	c *fiber.Ctx,
	list func(ctx context.Context, userID, lastT9nID uuid.UUID, limit int) ([]accounts.T9n, error),
) error {
	userID, err := uuid.Parse(c.Params("userID"))
	if err != nil {
		return badRequest(c, "bad user ID")
	}

	last := uuid.Nil
	if raw := c.Query("last"); raw != "" {
		if last, err = uuid.Parse(raw); err != nil {
			return badRequest(c, "bad last transfer ID")
		}
	}

	limit := c.QueryInt("limit", defaultPageLimit)
	if limit <= 0 {
		return badRequest(c, "non-positive limit")
	}

	t9ns, err := list(c.Context(), userID, last, limit)
	if err != nil {
		return respondErr(c, err)
	}

	return respondOK(c, t9ns)
}

type createT9nRequest struct {
	FromAccount string `json:"from_account"`
	ToUser      string `json:"to_user"`
	Amount      int64  `json:"amount"`
}

// Create serves PUT /v1/users/:userID/t9ns/:externalID. Creation is
// idempotent on the external ID, hence PUT.
func (h *T9nHandler) Create(c *fiber.Ctx) error {
	fromUser, err := uuid.Parse(c.Params("userID"))
	if err != nil {
		return badRequest(c, "bad sender ID")
	}

	externalID, err := uuid.Parse(c.Params("externalID"))
	if err != nil {
		return badRequest(c, "bad external ID")
	}

	var req createT9nRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	fromAccount, err := uuid.Parse(req.FromAccount)
	if err != nil {
		return badRequest(c, "bad from account ID")
	}

	toUser, err := uuid.Parse(req.ToUser)
	if err != nil {
		return badRequest(c, "bad recipient ID")
	}

	if err := accounts.ValidateTransfer(fromUser, toUser, req.Amount); err != nil {
		return respondErr(c, err)
	}

	t9n, err := h.Processor.InitiateTransfer(c.Context(), externalID, fromUser, fromAccount, toUser, req.Amount)
	if err != nil {
		return respondErr(c, err)
	}

	return respondOK(c, t9n)
}
