package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

// RegisterHealthRoutes adds liveness/readiness style endpoints.
func RegisterHealthRoutes(app *fiber.App, d Deps) {
	b := d.App.Backends
	app.Get("/healthz", func(c *fiber.Ctx) error {
		dbStatus, redisStatus, ledgerStatus := "ok", "ok", "ok"
		var head uint64

		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if b.DB != nil {
			if err := b.DB.Ping(ctx); err != nil {
				dbStatus = err.Error()
			}
		} else {
			dbStatus = "in-memory"
		}
		if err := b.Cache.Ping(ctx).Err(); err != nil {
			redisStatus = err.Error()
		}
		if n, err := b.Ledger.Client.BlockNumber(ctx); err != nil {
			ledgerStatus = err.Error()
		} else {
			head = n
		}

		status := http.StatusOK
		if (dbStatus != "ok" && dbStatus != "in-memory") || redisStatus != "ok" || ledgerStatus != "ok" {
			status = http.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"status":    fiber.Map{"postgres": dbStatus, "redis": redisStatus, "ledger": ledgerStatus},
			"block":     head,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}
