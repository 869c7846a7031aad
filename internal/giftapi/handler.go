package giftapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/giftlock/internal/apperr"
	"github.com/congo-pay/giftlock/internal/gift"
	"github.com/congo-pay/giftlock/internal/release"
	"github.com/congo-pay/giftlock/internal/walletpool"
)

// Handler exposes gift endpoints.
type Handler struct {
	gifts   *gift.Service
	wallets *walletpool.Pool
	sched   *release.Scheduler
	logger  *slog.Logger
}

// NewHandler constructs a gift handler.
func NewHandler(gifts *gift.Service, wallets *walletpool.Pool, sched *release.Scheduler, logger *slog.Logger) *Handler {
	return &Handler{gifts: gifts, wallets: wallets, sched: sched, logger: logger}
}

type giftView struct {
	Code             string               `json:"code"`
	WalletAddress    string               `json:"wallet_address"`
	RecipientAddress string               `json:"recipient_address"`
	GiftAmount       decimal.Decimal      `json:"gift_amount"`
	FeeAmount        decimal.Decimal      `json:"fee_amount"`
	TotalRequired    decimal.Decimal      `json:"total_required"`
	Currency         string               `json:"currency"`
	TokenAddress     string               `json:"token_address,omitempty"`
	PaymentStatus    gift.PaymentStatus   `json:"payment_status"`
	LifecycleStatus  gift.LifecycleStatus `json:"lifecycle_status"`
	UnlockAt         time.Time            `json:"unlock_at"`
	ContractLocked   bool                 `json:"contract_locked"`
	ContractGiftID   string               `json:"contract_gift_id,omitempty"`
	IsClaimed        bool                 `json:"is_claimed"`
	ClaimedBy        string               `json:"claimed_by,omitempty"`
	ClaimedAt        *time.Time           `json:"claimed_at,omitempty"`
	TransferredTo    string               `json:"transferred_to,omitempty"`
	TransferredAt    *time.Time           `json:"transferred_at,omitempty"`
	TransferTxRef    string               `json:"transfer_tx_ref,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
}

func viewOf(g gift.Gift) giftView {
	return giftView{
		Code: g.Code, WalletAddress: g.WalletAddress, RecipientAddress: g.RecipientAddress,
		GiftAmount: g.GiftAmount, FeeAmount: g.FeeAmount, TotalRequired: g.TotalRequired,
		Currency: g.Currency, TokenAddress: g.TokenAddress,
		PaymentStatus: g.PaymentStatus, LifecycleStatus: g.LifecycleStatus, UnlockAt: g.UnlockAt,
		ContractLocked: g.ContractLocked, ContractGiftID: g.ContractGiftID,
		IsClaimed: g.IsClaimed, ClaimedBy: g.ClaimedBy, ClaimedAt: g.ClaimedAt,
		TransferredTo: g.TransferredTo, TransferredAt: g.TransferredAt, TransferTxRef: g.TransferTxRef,
		CreatedAt: g.CreatedAt,
	}
}

type createRequest struct {
	BuyerRef         string          `json:"buyer_ref"`
	RecipientAddress string          `json:"recipient_address"`
	GiftAmount       decimal.Decimal `json:"gift_amount"`
	TokenAddress     string          `json:"token_address"`
	UnlockAt         time.Time       `json:"unlock_at"`
	WalletAddress    string          `json:"wallet_address"`
}

func badBody(op string, err error) error {
	return &apperr.Error{Kind: apperr.KindValidation, Op: op, Msg: "invalid request body", Err: err}
}

// Create registers a new gift and returns the wallet the buyer must pay.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody("giftapi.Create", err)
	}
	g, err := h.gifts.Create(c.UserContext(), gift.CreateInput{
		BuyerRef:         strings.TrimSpace(req.BuyerRef),
		RecipientAddress: req.RecipientAddress,
		GiftAmount:       req.GiftAmount,
		TokenAddress:     req.TokenAddress,
		UnlockAt:         req.UnlockAt,
		WalletAddress:    req.WalletAddress,
	})
	if err != nil {
		return err
	}
	return respond(c, http.StatusCreated, viewOf(g))
}

// ReserveWallet hands out a free custodial wallet for a gift about to be created.
func (h *Handler) ReserveWallet(c *fiber.Ctx) error {
	w, err := h.wallets.Reserve(c.UserContext())
	if err != nil {
		return err
	}
	return respond(c, http.StatusCreated, fiber.Map{"wallet_address": w.Address})
}

// Verify reports the public state of a gift code.
func (h *Handler) Verify(c *fiber.Ctx) error {
	v, err := h.gifts.VerifyCode(c.UserContext(), c.Params("code"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, v)
}

// Preclaim checks that a gift can be claimed right now.
func (h *Handler) Preclaim(c *fiber.Ctx) error {
	g, err := h.gifts.Preclaim(c.UserContext(), c.Params("code"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, fiber.Map{"claimable": true, "gift": viewOf(g)})
}

type claimRequest struct {
	Claimer string `json:"claimer"`
}

// Claim records the caller as the gift's claimer.
func (h *Handler) Claim(c *fiber.Ctx) error {
	var req claimRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody("giftapi.Claim", err)
	}
	g, err := h.gifts.Claim(c.UserContext(), c.Params("code"), req.Claimer)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, viewOf(g))
}

// ListClaimed returns the gifts claimed by ?claimer=.
func (h *Handler) ListClaimed(c *fiber.Ctx) error {
	gifts, err := h.gifts.ListClaimed(c.UserContext(), c.Query("claimer"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, lo.Map(gifts, func(g gift.Gift, _ int) giftView { return viewOf(g) }))
}

// CheckTransferable reports whether the gift can be transferred now.
func (h *Handler) CheckTransferable(c *fiber.Ctx) error {
	t, err := h.gifts.CheckTransferable(c.UserContext(), c.Params("code"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, t)
}

type transferRequest struct {
	Claimer string `json:"claimer"`
	To      string `json:"to"`
}

// Transfer moves a claimed and unlocked gift to its destination on behalf of
// its claimer.
func (h *Handler) Transfer(c *fiber.Ctx) error {
	var req transferRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badBody("giftapi.Transfer", err)
		}
	}
	g, err := h.sched.TransferClaimed(c.UserContext(), c.Params("code"), req.Claimer, req.To)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, viewOf(g))
}

type cancelRequest struct {
	BuyerRef string `json:"buyer_ref"`
}

// Cancel revokes an unpaid gift for its buyer.
func (h *Handler) Cancel(c *fiber.Ctx) error {
	var req cancelRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badBody("giftapi.Cancel", err)
		}
	}
	g, err := h.gifts.Cancel(c.UserContext(), c.Params("code"), req.BuyerRef)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, viewOf(g))
}
