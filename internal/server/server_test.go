package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/giftlock/internal/app"
	"github.com/congo-pay/giftlock/internal/config"
	"github.com/congo-pay/giftlock/internal/ledger"
	"github.com/congo-pay/giftlock/internal/logging"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Kind      string `json:"kind"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

type harness struct {
	t   *testing.T
	app *app.App
	srv *Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Setenv("APP_ENV", "test")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("RPC_URL", "")
	t.Setenv("ADMIN_TOKEN", "operator-token")
	t.Setenv("POOL_MIN_FREE", "2")
	cfg, err := config.Load()
	require.NoError(t, err)

	b, err := app.Open(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(b.Close)
	a, err := app.Build(cfg, b, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, a.PrimePool(context.Background()))
	return &harness{t: t, app: a, srv: New(a, logging.Discard())}
}

func (h *harness) do(method, path string, body any, headers map[string]string) (int, envelope, http.Header) {
	h.t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if method == fiber.MethodPost {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.srv.App().Test(req, -1)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	if len(raw) > 0 {
		require.NoError(h.t, json.Unmarshal(raw, &env), "body: %s", raw)
	}
	return resp.StatusCode, env, resp.Header
}

func TestGiftLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	status, env, _ := h.do(fiber.MethodPost, "/api/v1/gifts", map[string]any{
		"buyer_ref":         "buyer-42",
		"recipient_address": ledger.TestAddress(0xBEEF),
		"gift_amount":       "1.0",
		"unlock_at":         time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
	}, nil)
	require.Equal(t, http.StatusCreated, status)
	require.True(t, env.Success)

	var created struct {
		Code          string `json:"code"`
		WalletAddress string `json:"wallet_address"`
		TotalRequired string `json:"total_required"`
		PaymentStatus string `json:"payment_status"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "1.05", created.TotalRequired)
	assert.Equal(t, "pending", created.PaymentStatus)

	// claim before payment is "try later"
	status, env, _ = h.do(fiber.MethodPost, "/api/v1/gifts/"+created.Code+"/claim", map[string]string{"claimer": "alice"}, nil)
	assert.Equal(t, http.StatusTooEarly, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "not_ready", env.Error.Kind)

	sim := h.app.Backends.Ledger.Simulated
	sim.Pay(ledger.TestAddress(0xB0), created.WalletAddress, ledger.Ether("1.05"))
	head, err := sim.BlockNumber(ctx)
	require.NoError(t, err)
	require.NoError(t, h.app.Watcher.CatchUp(ctx, head))

	status, env, _ = h.do(fiber.MethodGet, "/api/v1/gifts/"+created.Code+"/verify", nil, nil)
	require.Equal(t, http.StatusOK, status)
	var verified struct {
		Paid   bool `json:"paid"`
		Locked bool `json:"contract_locked"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &verified))
	assert.True(t, verified.Paid)
	assert.True(t, verified.Locked, "watcher escrows the gift right after payment")

	status, _, _ = h.do(fiber.MethodPost, "/api/v1/gifts/"+created.Code+"/preclaim", nil, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _, _ = h.do(fiber.MethodPost, "/api/v1/gifts/"+created.Code+"/claim", map[string]string{"claimer": "alice"}, nil)
	require.Equal(t, http.StatusOK, status)

	status, env, _ = h.do(fiber.MethodPost, "/api/v1/gifts/"+created.Code+"/claim", map[string]string{"claimer": "bob"}, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "concurrency_conflict", env.Error.Kind)

	status, env, _ = h.do(fiber.MethodGet, "/api/v1/gifts/claimed?claimer=alice", nil, nil)
	require.Equal(t, http.StatusOK, status)
	var claimed []map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &claimed))
	assert.Len(t, claimed, 1)

	status, env, _ = h.do(fiber.MethodGet, "/api/v1/gifts/"+created.Code+"/transferable", nil, nil)
	require.Equal(t, http.StatusOK, status)
	var tr struct {
		Transferable bool   `json:"transferable"`
		Reason       string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &tr))
	assert.False(t, tr.Transferable)
	assert.Equal(t, "gift is still locked", tr.Reason)

	status, env, _ = h.do(fiber.MethodPost, "/api/v1/gifts/"+created.Code+"/transfer", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status, "transfer names its claimer")

	status, env, hdr := h.do(fiber.MethodPost, "/api/v1/gifts/"+created.Code+"/transfer", map[string]string{"claimer": "alice"}, nil)
	assert.Equal(t, http.StatusTooEarly, status)
	assert.True(t, env.Error.Retryable)
	assert.NotEmpty(t, hdr.Get(fiber.HeaderRetryAfter))
}

func TestErrorsAndAdminAuth(t *testing.T) {
	h := newHarness(t)

	status, env, _ := h.do(fiber.MethodGet, "/api/v1/gifts/GIFTDOESNOTEXIST/verify", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", env.Error.Kind)
	assert.False(t, env.Success)

	status, env, _ = h.do(fiber.MethodPost, "/api/v1/gifts", map[string]any{
		"recipient_address": "nobody",
		"gift_amount":       "1",
		"unlock_at":         time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", env.Error.Kind)

	status, _, _ = h.do(fiber.MethodPost, "/api/v1/admin/release", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, env, _ = h.do(fiber.MethodPost, "/api/v1/admin/release", nil, map[string]string{"Authorization": "Bearer operator-token"})
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"released":0}`, string(env.Data))

	status, env, _ = h.do(fiber.MethodPost, "/api/v1/admin/batch-process", map[string]any{"codes": []string{}}, map[string]string{"Authorization": "Bearer operator-token"})
	require.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)
}

func TestReserveWalletThenCreate(t *testing.T) {
	h := newHarness(t)

	status, env, _ := h.do(fiber.MethodPost, "/api/v1/wallets/reserve", nil, nil)
	require.Equal(t, http.StatusCreated, status)
	var reserved struct {
		WalletAddress string `json:"wallet_address"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &reserved))

	status, env, _ = h.do(fiber.MethodPost, "/api/v1/gifts", map[string]any{
		"recipient_address": ledger.TestAddress(0xBEEF),
		"gift_amount":       "0.5",
		"unlock_at":         time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		"wallet_address":    reserved.WalletAddress,
		"buyer_ref":         "buyer-7",
	}, nil)
	require.Equal(t, http.StatusCreated, status)
	var created struct {
		Code          string `json:"code"`
		WalletAddress string `json:"wallet_address"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.True(t, ledger.SameAddress(reserved.WalletAddress, created.WalletAddress))

	status, env, _ = h.do(fiber.MethodPost, "/api/v1/gifts/"+created.Code+"/cancel", map[string]any{"buyer_ref": "someone-else"}, nil)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", env.Error.Kind)

	status, env, _ = h.do(fiber.MethodPost, "/api/v1/gifts/"+created.Code+"/cancel", map[string]any{"buyer_ref": "buyer-7"}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(env.Data), `"lifecycle_status":"revoked"`)
}
