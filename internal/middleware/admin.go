package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// AdminToken guards operator endpoints with a static bearer token. An empty
// token rejects every request.
func AdminToken(token string) fiber.Handler {
	want := []byte(token)
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if len(want) == 0 || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}
		got := []byte(strings.TrimSpace(authz[len("Bearer "):]))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}
		return c.Next()
	}
}
