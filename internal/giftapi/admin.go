package giftapi

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/giftlock/internal/release"
)

// AdminHandler exposes operator triggers for the scheduled work.
type AdminHandler struct {
	sched *release.Scheduler
}

// NewAdminHandler constructs an admin handler.
func NewAdminHandler(sched *release.Scheduler) *AdminHandler {
	return &AdminHandler{sched: sched}
}

type batchRequest struct {
	Codes []string `json:"codes"`
}

// BatchProcess locks the listed gifts, or every pending one.
func (h *AdminHandler) BatchProcess(c *fiber.Ctx) error {
	var req batchRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badBody("giftapi.BatchProcess", err)
		}
	}
	res, err := h.sched.ForceBatchProcess(c.UserContext(), req.Codes...)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, res)
}

// Release performs upkeep immediately.
func (h *AdminHandler) Release(c *fiber.Ctx) error {
	n, err := h.sched.ForceRelease(c.UserContext())
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, fiber.Map{"released": n})
}

// Sweep expires gifts past the retention window.
func (h *AdminHandler) Sweep(c *fiber.Ctx) error {
	res, err := h.sched.SweepExpired(c.UserContext())
	if err != nil && len(res.Expired) == 0 && len(res.Failed) == 0 {
		return err
	}
	return respond(c, http.StatusOK, res)
}
