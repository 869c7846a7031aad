package middleware

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/giftlock/internal/logging"
)

type testApp struct {
	app   *fiber.App
	calls atomic.Int32
	fail  atomic.Bool
}

func setupTestApp(t *testing.T) *testApp {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		cache.Close()
		mr.Close()
	})

	ta := &testApp{app: fiber.New()}
	ta.app.Use(Idempotency(cache, time.Minute, logging.Discard()))
	ta.app.Post("/gifts/:code/claim", func(c *fiber.Ctx) error {
		n := ta.calls.Add(1)
		if ta.fail.Load() {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"ok": false})
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"ok": true, "call": n, "code": c.Params("code")})
	})
	return ta
}

func (ta *testApp) post(t *testing.T, path, key string) (int, string, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, path, strings.NewReader("{}"))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}
	resp, err := ta.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body), resp.Header.Get(replayedHeader)
}

func TestIdempotencyRequiresHeader(t *testing.T) {
	ta := setupTestApp(t)
	status, _, _ := ta.post(t, "/gifts/GIFTA/claim", "")
	if status != fiber.StatusBadRequest {
		t.Fatalf("expected %d got %d", fiber.StatusBadRequest, status)
	}
}

func TestIdempotencyReturnsCachedResponse(t *testing.T) {
	ta := setupTestApp(t)

	status, first, _ := ta.post(t, "/gifts/GIFTA/claim", "abc123")
	if status != fiber.StatusCreated {
		t.Fatalf("expected status %d got %d", fiber.StatusCreated, status)
	}

	// Second request should return the cached response without invoking handler again.
	status, second, replayed := ta.post(t, "/gifts/GIFTA/claim", "abc123")
	if status != fiber.StatusCreated {
		t.Fatalf("expected cached status %d got %d", fiber.StatusCreated, status)
	}
	if second != first {
		t.Fatalf("expected cached payload %s got %s", first, second)
	}
	if replayed != "true" {
		t.Fatalf("expected replay header on cached response")
	}
	if ta.calls.Load() != 1 {
		t.Fatalf("handler should run once, ran %d times", ta.calls.Load())
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(second), &decoded); err != nil {
		t.Fatalf("cached payload invalid json: %v", err)
	}
}

func TestIdempotencyKeyIsScopedToRoute(t *testing.T) {
	ta := setupTestApp(t)
	ta.post(t, "/gifts/GIFTA/claim", "same-key")
	_, body, replayed := ta.post(t, "/gifts/GIFTB/claim", "same-key")
	if replayed != "" || !strings.Contains(body, "GIFTB") {
		t.Fatalf("a key reused on another gift must not replay, got %s", body)
	}
	if ta.calls.Load() != 2 {
		t.Fatalf("expected two handler runs, got %d", ta.calls.Load())
	}
}

func TestIdempotencyDoesNotStoreServerErrors(t *testing.T) {
	ta := setupTestApp(t)
	ta.fail.Store(true)
	if status, _, _ := ta.post(t, "/gifts/GIFTA/claim", "retry-me"); status != fiber.StatusBadGateway {
		t.Fatalf("expected %d got %d", fiber.StatusBadGateway, status)
	}

	ta.fail.Store(false)
	status, _, replayed := ta.post(t, "/gifts/GIFTA/claim", "retry-me")
	if status != fiber.StatusCreated || replayed != "" {
		t.Fatalf("retry after a server error should run again, got %d replayed=%q", status, replayed)
	}
}
