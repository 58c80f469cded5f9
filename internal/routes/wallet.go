package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/juanarayafonsec/magenta-sub000/internal/wallet"
)

// RegisterWalletRoutes wires the ledger commands and balance queries.
// withdrawLimit guards new withdrawal requests.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler, withdrawLimit fiber.Handler) {
	r.Post("/deposits/settlements", h.Deposit)

	r.Post("/withdrawals", withdrawLimit, h.ReserveWithdrawal)
	r.Post("/withdrawals/:requestId/finalize", h.FinalizeWithdrawal)
	r.Post("/withdrawals/:requestId/release", h.ReleaseWithdrawal)

	r.Post("/games/bets", h.PlaceBet)
	r.Post("/games/wins", h.SettleWin)
	r.Post("/games/rollbacks", h.Rollback)

	r.Get("/players/:playerId/balances", h.Balances)
	r.Get("/admin/reconcile", h.Reconcile)
}
