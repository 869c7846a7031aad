package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Audit emits one structured log line per request. Handler errors are
// rendered through the app's error handler first so the logged status is
// the one the client sees. Gift routes also record the gift code.
func Audit(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if err != nil {
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}
		logRequest(logger, c, start, err)
		return nil
	}
}

func logRequest(logger *slog.Logger, c *fiber.Ctx, start time.Time, err error) {
	status := c.Response().StatusCode()
	attrs := []any{
		slog.String("method", c.Method()),
		slog.String("path", c.Path()),
		slog.Int("status", status),
		slog.Duration("duration", time.Since(start)),
		slog.String("ip", c.IP()),
	}
	if requestID := RequestIDFrom(c); requestID != "" {
		attrs = append(attrs, slog.String("request_id", requestID))
	}
	if code := c.Params("code"); code != "" {
		attrs = append(attrs, slog.String("gift_code", code))
	}
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request completed", append(attrs, slog.Any("error", err))...)
	case err != nil:
		logger.Warn("request completed", append(attrs, slog.Any("error", err))...)
	default:
		logger.Info("request completed", attrs...)
	}
}
