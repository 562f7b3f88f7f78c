package http

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// maxSessionIDLen bounds what may become part of a store key.
const maxSessionIDLen = 128

// sessionID pulls the :sid route param. Empty or oversized values are
// rejected before they can reach the store.
func sessionID(c *fiber.Ctx) (string, bool) {
	sid := strings.TrimSpace(c.Params("sid"))
	if sid == "" || len(sid) > maxSessionIDLen {
		return "", false
	}
	return sid, true
}

func badSessionID(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
		Success: false,
		Code:    "BAD_REQUEST",
		Error:   "invalid session id",
	})
}
