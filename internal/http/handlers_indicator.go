package http

import (
	"github.com/gofiber/fiber/v2"

	"saiten/internal/watch"
)

// indicatorHandler reports the ambient indicator state. Asking for it
// is what keeps the session's observer alive.
func indicatorHandler(c *fiber.Ctx) error {
	w, _ := c.Locals("watcher").(*watch.Watcher)
	if w == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{
			Success: false,
			Code:    "NOT_AVAILABLE",
			Error:   "The job watcher is not running on this instance",
		})
	}

	sid, ok := sessionID(c)
	if !ok {
		return badSessionID(c)
	}

	return c.JSON(IndicatorResponse{Success: true, Indicator: w.Indicator(sid)})
}
