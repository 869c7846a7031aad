package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/congo-pay/giftlock/internal/app"
	"github.com/congo-pay/giftlock/internal/giftapi"
	"github.com/congo-pay/giftlock/internal/middleware"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	App    *app.App
	Logger *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(fapp *fiber.App, d Deps) {
	cfg := d.App.Cfg
	cache := d.App.Backends.Cache

	fapp.Use(recover.New())
	fapp.Use(middleware.RequestID())
	// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
	fapp.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	fapp.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(fapp, d)

	api := fapp.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	idem := middleware.Idempotency(cache, cfg.IdempotencyTTL, d.Logger)
	limit := middleware.CodeRateLimit(cache, cfg.CodeRateLimit, d.Logger)

	gifts := giftapi.NewHandler(d.App.Gifts, d.App.Pool, d.App.Scheduler, d.Logger)
	RegisterGiftRoutes(api, gifts, idem, limit)

	admin := giftapi.NewAdminHandler(d.App.Scheduler)
	RegisterAdminRoutes(api.Group("/admin", middleware.AdminToken(cfg.AdminToken)), admin, idem)
}
