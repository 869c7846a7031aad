package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/giftlock/internal/giftapi"
)

// RegisterGiftRoutes wires the public gift endpoints. Mutations require an
// Idempotency-Key; code-addressed routes are rate limited.
func RegisterGiftRoutes(r fiber.Router, h *giftapi.Handler, idem, limit fiber.Handler) {
	r.Post("/gifts", idem, h.Create)
	r.Post("/wallets/reserve", idem, h.ReserveWallet)
	r.Get("/gifts/claimed", h.ListClaimed)
	r.Get("/gifts/:code/verify", limit, h.Verify)
	r.Get("/gifts/:code/transferable", limit, h.CheckTransferable)
	r.Post("/gifts/:code/preclaim", limit, h.Preclaim)
	r.Post("/gifts/:code/claim", limit, idem, h.Claim)
	r.Post("/gifts/:code/transfer", limit, idem, h.Transfer)
	r.Post("/gifts/:code/cancel", limit, idem, h.Cancel)
}
