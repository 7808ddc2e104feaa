package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/alexvas/accounts"
)

// The wire envelope is {"ok": ...} on success and {"err": {"code","msg"}} on
// failure, so clients can branch on the code without parsing messages.

func respondOK(c *fiber.Ctx, value any) error {
	return c.JSON(fiber.Map{"ok": value})
}

func respondErr(c *fiber.Ctx, err error) error {
	var e *accounts.Err
	if !errors.As(err, &e) {
		e = accounts.Internal("%v", err)
	}

	if e.Code == accounts.CodeInternal {
		slog.Error("internal error", "msg", e.Msg)
	} else {
		slog.Info("request failed", "code", e.Code, "msg", e.Msg)
	}

	return c.Status(statusOf(e.Code)).JSON(fiber.Map{"err": e})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return respondErr(c, accounts.BadRequest(msg))
}

func statusOf(code accounts.ErrCode) int {
	switch code {
	case accounts.CodeUserNotFound, accounts.CodeAccountNotFound, accounts.CodeT9nNotFound:
		return http.StatusNotFound
	case accounts.CodeOthersAccount, accounts.CodeEntityAlreadyExists:
		return http.StatusForbidden
	case accounts.CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case accounts.CodeFundsOverflow:
		return http.StatusInsufficientStorage
	case accounts.CodeBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
