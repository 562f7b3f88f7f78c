package http

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"saiten/internal/config"
	"saiten/internal/session"
)

const (
	defaultMaxWizardStep    = 5
	defaultMaxSnapshotBytes = 64 * 1024
)

func wizardGetHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(session.Store)

	sid, ok := sessionID(c)
	if !ok {
		return badSessionID(c)
	}

	cp, err := st.ReadCheckpoint(c.Context(), sid)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   "Reading the session checkpoint failed",
		})
	}
	if cp.WizardState == nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Success: false,
			Code:    "NOT_FOUND",
			Error:   "No wizard checkpoint for this session",
		})
	}

	return c.JSON(WizardResponse{Success: true, Wizard: cp.WizardState})
}

// wizardPutHandler replaces the wizard checkpoint. An unchanged
// snapshot (same step, batch and content hash) skips the write.
func wizardPutHandler(c *fiber.Ctx) error {
	cfg := c.Locals("config").(*config.Config)
	st := c.Locals("store").(session.Store)

	sid, ok := sessionID(c)
	if !ok {
		return badSessionID(c)
	}

	var reqBody WizardPutRequest
	if err := c.BodyParser(&reqBody); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST_INVALID_JSON",
			Error:   "Bad request, malformed JSON",
		})
	}

	maxStep := cfg.Wizard.MaxStep
	if maxStep <= 0 {
		maxStep = defaultMaxWizardStep
	}
	if reqBody.Step < 0 || reqBody.Step > maxStep {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   fmt.Sprintf("step must be between 0 and %d", maxStep),
		})
	}

	maxBytes := cfg.Wizard.MaxSnapshotBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxSnapshotBytes
	}
	if len(reqBody.FormSnapshot) > maxBytes {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "SNAPSHOT_TOO_LARGE",
			Error:   fmt.Sprintf("form snapshot exceeds %d bytes", maxBytes),
		})
	}

	hash := session.SnapshotHash(reqBody.FormSnapshot)

	cp, err := st.ReadCheckpoint(c.Context(), sid)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   "Reading the session checkpoint failed",
		})
	}
	if prev := cp.WizardState; prev != nil &&
		prev.Step == reqBody.Step && prev.BatchID == reqBody.BatchID && prev.SnapshotHash == hash {
		return c.JSON(WizardResponse{Success: true, Wizard: prev, Unchanged: true})
	}

	rec := session.WizardState{
		SchemaVersion: session.SchemaVersion,
		Step:          reqBody.Step,
		BatchID:       reqBody.BatchID,
		FormSnapshot:  reqBody.FormSnapshot,
		SnapshotHash:  hash,
		SavedAt:       time.Now().UTC(),
	}
	if err := st.SaveWizardState(c.Context(), sid, rec); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   "Persisting the wizard checkpoint failed",
		})
	}

	return c.JSON(WizardResponse{Success: true, Wizard: &rec})
}

func wizardDeleteHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(session.Store)

	sid, ok := sessionID(c)
	if !ok {
		return badSessionID(c)
	}

	if err := st.ClearWizardState(c.Context(), sid); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   "Clearing the wizard checkpoint failed",
		})
	}

	return c.JSON(WizardResponse{Success: true})
}
