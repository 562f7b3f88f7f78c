package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"saiten/internal/journal"
)

func runsListHandler(c *fiber.Ctx) error {
	sid, ok := sessionID(c)
	if !ok {
		return badSessionID(c)
	}

	jl, _ := c.Locals("journal").(*journal.Journal)
	if jl == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{
			Success: false,
			Code:    "NOT_AVAILABLE",
			Error:   "The run journal is not configured",
		})
	}

	limit := c.QueryInt("limit", 20)
	offset := c.QueryInt("offset", 0)

	runs, err := jl.ListRuns(c.Context(), sid, limit, offset)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   "Listing grading runs failed",
		})
	}

	return c.JSON(RunsResponse{Success: true, Runs: runs, Count: len(runs)})
}

func runDetailHandler(c *fiber.Ctx) error {
	sid, ok := sessionID(c)
	if !ok {
		return badSessionID(c)
	}

	runID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "invalid run id",
		})
	}

	jl, _ := c.Locals("journal").(*journal.Journal)
	if jl == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{
			Success: false,
			Code:    "NOT_AVAILABLE",
			Error:   "The run journal is not configured",
		})
	}

	run, unitErrs, err := jl.GetRun(c.Context(), sid, runID)
	if err != nil {
		if errors.Is(err, journal.ErrRunNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
				Success: false,
				Code:    "NOT_FOUND",
				Error:   "Grading run not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   "Loading the grading run failed",
		})
	}

	return c.JSON(RunDetailResponse{Success: true, Run: run, Errors: unitErrs})
}
