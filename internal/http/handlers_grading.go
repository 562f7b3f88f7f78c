package http

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"saiten/internal/coordinator"
	"saiten/internal/gradeapi"
	"saiten/internal/recovery"
)

func submitGradingHandler(c *fiber.Ctx) error {
	coord := c.Locals("coordinator").(*coordinator.Coordinator)

	sid, ok := sessionID(c)
	if !ok {
		return badSessionID(c)
	}

	var reqBody SubmitGradingRequest
	if err := c.BodyParser(&reqBody); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST_INVALID_JSON",
			Error:   "Bad request, malformed JSON",
		})
	}

	if reqBody.BatchID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "Missing required field 'batchId'",
		})
	}

	snap, err := coord.Submit(c.Context(), sid, reqBody.BatchID, gradeapi.SubmitPayload{
		RubricID: reqBody.RubricID,
		PaperIDs: reqBody.PaperIDs,
		Options:  reqBody.Options,
	})
	if err != nil {
		switch {
		case errors.Is(err, coordinator.ErrJobActive):
			return c.Status(fiber.StatusConflict).JSON(ErrorResponse{
				Success: false,
				Code:    "GRADING_ACTIVE",
				Error:   "A grading job is already active for this session",
			})
		case gradeapi.IsValidation(err):
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
				Success: false,
				Code:    "VALIDATION_FAILED",
				Error:   err.Error(),
			})
		case gradeapi.IsGone(err):
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
				Success: false,
				Code:    "NOT_FOUND",
				Error:   "Batch not found or not accessible",
			})
		default:
			return c.Status(fiber.StatusBadGateway).JSON(ErrorResponse{
				Success: false,
				Code:    "ENGINE_UNAVAILABLE",
				Error:   "The grading engine did not accept the submission",
			})
		}
	}

	return c.Status(http.StatusAccepted).JSON(SubmitGradingResponse{
		Success:    true,
		JobID:      snap.JobID,
		TotalUnits: snap.TotalUnits,
		Snapshot:   snap,
	})
}

// gradingStatusHandler runs recovery attach: the first call after a
// mount verifies any checkpointed job, later calls are cheap reads.
func gradingStatusHandler(c *fiber.Ctx) error {
	recov := c.Locals("recovery").(*recovery.Service)

	sid, ok := sessionID(c)
	if !ok {
		return badSessionID(c)
	}

	res, err := recov.Attach(c.Context(), sid)
	if err != nil {
		if gradeapi.IsTransport(err) {
			return c.Status(fiber.StatusBadGateway).JSON(ErrorResponse{
				Success: false,
				Code:    "ENGINE_UNAVAILABLE",
				Error:   "Could not verify the previous grading job; try again",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}

	return c.JSON(GradingStatusResponse{
		Success:  true,
		Snapshot: &res.Snapshot,
		Wizard:   res.Wizard,
		Notice:   res.Notice,
	})
}

// cancelGradingHandler clears local state and asks the engine to stop.
// An engine-side failure still answers 202: the session is already
// released either way.
func cancelGradingHandler(c *fiber.Ctx) error {
	coord := c.Locals("coordinator").(*coordinator.Coordinator)

	sid, ok := sessionID(c)
	if !ok {
		return badSessionID(c)
	}

	snap, err := coord.Cancel(c.Context(), sid)
	if err != nil {
		if errors.Is(err, coordinator.ErrNoActiveJob) {
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
				Success: false,
				Code:    "NOT_FOUND",
				Error:   "No grading job is active for this session",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}

	return c.Status(http.StatusAccepted).JSON(GradingStatusResponse{
		Success:  true,
		Snapshot: snap,
	})
}

func resetGradingHandler(c *fiber.Ctx) error {
	coord := c.Locals("coordinator").(*coordinator.Coordinator)

	sid, ok := sessionID(c)
	if !ok {
		return badSessionID(c)
	}

	snap, err := coord.Reset(c.Context(), sid)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}

	return c.JSON(GradingStatusResponse{
		Success:  true,
		Snapshot: snap,
	})
}
