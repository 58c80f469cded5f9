package wallet

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/juanarayafonsec/magenta-sub000/internal/currency"
	"github.com/juanarayafonsec/magenta-sub000/internal/ledger"
	"github.com/juanarayafonsec/magenta-sub000/internal/middleware"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type resultResponse struct {
	OK       bool   `json:"ok"`
	TxID     string `json:"tx_id"`
	Replayed bool   `json:"replayed"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	OK    bool      `json:"ok"`
	Error errorBody `json:"error"`
}

type balanceDisplay struct {
	Balance  string `json:"balance"`
	Reserved string `json:"reserved"`
	Cashable string `json:"cashable"`
}

type balanceResponse struct {
	Currency      string         `json:"currency"`
	Network       string         `json:"network"`
	BalanceMinor  int64          `json:"balance_minor"`
	ReservedMinor int64          `json:"reserved_minor"`
	CashableMinor int64          `json:"cashable_minor"`
	Display       balanceDisplay `json:"display"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Deposit applies a deposit settlement.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	var req DepositSettlement
	if err := c.BodyParser(&req); err != nil {
		return h.fail(c, invalid("%s", err.Error()))
	}
	req.CorrelationID = correlationID(c, req.CorrelationID)
	res, err := h.service.ApplyDepositSettlement(c.UserContext(), req)
	return h.respond(c, res, err)
}

// ReserveWithdrawal reserves funds for a payout.
func (h *Handler) ReserveWithdrawal(c *fiber.Ctx) error {
	var req WithdrawalReserve
	if err := c.BodyParser(&req); err != nil {
		return h.fail(c, invalid("%s", err.Error()))
	}
	req.CorrelationID = correlationID(c, req.CorrelationID)
	res, err := h.service.ReserveWithdrawal(c.UserContext(), req)
	return h.respond(c, res, err)
}

// FinalizeWithdrawal settles the reservation named in the path.
func (h *Handler) FinalizeWithdrawal(c *fiber.Ctx) error {
	var req WithdrawalFinalize
	if err := c.BodyParser(&req); err != nil {
		return h.fail(c, invalid("%s", err.Error()))
	}
	req.RequestID = c.Params("requestId")
	req.CorrelationID = correlationID(c, req.CorrelationID)
	res, err := h.service.FinalizeWithdrawal(c.UserContext(), req)
	return h.respond(c, res, err)
}

// ReleaseWithdrawal returns the reservation named in the path to MAIN.
func (h *Handler) ReleaseWithdrawal(c *fiber.Ctx) error {
	var req WithdrawalRelease
	if err := c.BodyParser(&req); err != nil {
		return h.fail(c, invalid("%s", err.Error()))
	}
	req.RequestID = c.Params("requestId")
	req.CorrelationID = correlationID(c, req.CorrelationID)
	res, err := h.service.ReleaseWithdrawal(c.UserContext(), req)
	return h.respond(c, res, err)
}

// PlaceBet debits a wager.
func (h *Handler) PlaceBet(c *fiber.Ctx) error {
	var req Bet
	if err := c.BodyParser(&req); err != nil {
		return h.fail(c, invalid("%s", err.Error()))
	}
	req.CorrelationID = correlationID(c, req.CorrelationID)
	res, err := h.service.PlaceBet(c.UserContext(), req)
	return h.respond(c, res, err)
}

// SettleWin credits a win.
func (h *Handler) SettleWin(c *fiber.Ctx) error {
	var req Win
	if err := c.BodyParser(&req); err != nil {
		return h.fail(c, invalid("%s", err.Error()))
	}
	req.CorrelationID = correlationID(c, req.CorrelationID)
	res, err := h.service.SettleWin(c.UserContext(), req)
	return h.respond(c, res, err)
}

// Rollback reverses a bet or win.
func (h *Handler) Rollback(c *fiber.Ctx) error {
	var req Rollback
	if err := c.BodyParser(&req); err != nil {
		return h.fail(c, invalid("%s", err.Error()))
	}
	req.CorrelationID = correlationID(c, req.CorrelationID)
	res, err := h.service.Rollback(c.UserContext(), req)
	return h.respond(c, res, err)
}

// Balances returns the player's balances with display amounts.
func (h *Handler) Balances(c *fiber.Ctx) error {
	playerID, err := strconv.ParseInt(c.Params("playerId"), 10, 64)
	if err != nil {
		return h.fail(c, invalid("playerId must be an integer"))
	}
	views, err := h.service.GetBalance(c.UserContext(), playerID)
	if err != nil {
		return h.fail(c, err)
	}

	out := make([]balanceResponse, 0, len(views))
	for _, v := range views {
		out = append(out, balanceResponse{
			Currency:      v.Currency,
			Network:       v.Network,
			BalanceMinor:  v.BalanceMinor,
			ReservedMinor: v.ReservedMinor,
			CashableMinor: v.CashableMinor,
			Display: balanceDisplay{
				Balance:  display(v.BalanceMinor, v.Decimals),
				Reserved: display(v.ReservedMinor, v.Decimals),
				Cashable: display(v.CashableMinor, v.Decimals),
			},
			UpdatedAt: v.UpdatedAt,
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"ok":        true,
		"player_id": playerID,
		"balances":  out,
	})
}

// Reconcile replays postings and reports drifting balances.
func (h *Handler) Reconcile(c *fiber.Ctx) error {
	drifts, err := h.service.Reconcile(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	type driftResponse struct {
		AccountID     int64 `json:"account_id"`
		CachedMinor   int64 `json:"cached_minor"`
		ReplayedMinor int64 `json:"replayed_minor"`
	}
	out := make([]driftResponse, 0, len(drifts))
	for _, d := range drifts {
		out = append(out, driftResponse{AccountID: d.AccountID, CachedMinor: d.CachedMinor, ReplayedMinor: d.ReplayedMinor})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"ok":      len(out) == 0,
		"drifts":  out,
		"checked": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (h *Handler) respond(c *fiber.Ctx, res Result, err error) error {
	if err != nil {
		return h.fail(c, err)
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	return c.Status(status).JSON(resultResponse{OK: true, TxID: res.TransactionID.String(), Replayed: res.Replayed})
}

func (h *Handler) fail(c *fiber.Ctx, err error) error {
	status, code := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	if status == http.StatusServiceUnavailable {
		c.Set(fiber.HeaderRetryAfter, "1")
	}
	return c.Status(status).JSON(errorResponse{Error: errorBody{Code: code, Message: message}})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, currency.ErrUnknownNetwork), errors.Is(err, ledger.ErrInvalidIdempotencyKey):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, ErrOriginalNotFound):
		return http.StatusNotFound, "original_not_found"
	case errors.Is(err, ErrReservationNotFound):
		return http.StatusNotFound, "reservation_not_found"
	case errors.Is(err, ErrWithdrawalClosed):
		return http.StatusConflict, "withdrawal_closed"
	case errors.Is(err, ErrAlreadyRolledBack):
		return http.StatusConflict, "already_rolled_back"
	case errors.Is(err, ErrAmountMismatch):
		return http.StatusConflict, "amount_mismatch"
	case errors.Is(err, ErrDuplicateDeposit):
		return http.StatusConflict, "duplicate_deposit"
	case errors.Is(err, ledger.ErrConflict):
		return http.StatusServiceUnavailable, "conflict"
	}
	return http.StatusInternalServerError, "internal"
}

func correlationID(c *fiber.Ctx, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return middleware.RequestIDFrom(c)
}

// display renders minor units as a fixed-point decimal string.
func display(minor int64, decimals int32) string {
	return decimal.New(minor, -decimals).StringFixed(decimals)
}
