package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/giftlock/internal/giftapi"
)

// RegisterAdminRoutes wires operator triggers.
func RegisterAdminRoutes(r fiber.Router, h *giftapi.AdminHandler, idem fiber.Handler) {
	r.Post("/batch-process", idem, h.BatchProcess)
	r.Post("/release", idem, h.Release)
	r.Post("/sweep", idem, h.Sweep)
}
