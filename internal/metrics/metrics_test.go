package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/juanarayafonsec/magenta-sub000/internal/currency"
	"github.com/juanarayafonsec/magenta-sub000/internal/ledger"
	"github.com/juanarayafonsec/magenta-sub000/internal/logging"
	"github.com/juanarayafonsec/magenta-sub000/internal/wallet"
)

func TestWalletCommandsAreCounted(t *testing.T) {
	m := New()
	resolver := currency.NewResolver(currency.NewStaticSource(
		ledger.CurrencyNetwork{ID: 1, Currency: "USDT", Network: "TRON", Decimals: 6},
	))
	deps, _ := wallet.NewMemoryDeps(resolver, logging.Discard(), ledger.WithHooks(m))
	deps.Metrics = m
	svc := wallet.NewService(deps)
	ctx := context.Background()

	dep := wallet.DepositSettlement{PlayerID: 1, Currency: "USDT", Network: "TRON", AmountMinor: 100, TxHash: "0x1"}
	for i := 0; i < 2; i++ {
		if _, err := svc.ApplyDepositSettlement(ctx, dep); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}
	if _, err := svc.PlaceBet(ctx, wallet.Bet{PlayerID: 1, Currency: "USDT", Network: "TRON", AmountMinor: 500, BetID: "b1"}); err == nil {
		t.Fatalf("expected oversized bet to be rejected")
	}

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"deposit applied", testutil.ToFloat64(m.commandsTotal.WithLabelValues("deposit", "applied")), 1},
		{"deposit replayed", testutil.ToFloat64(m.commandsTotal.WithLabelValues("deposit", "replayed")), 1},
		{"bet rejected", testutil.ToFloat64(m.commandsTotal.WithLabelValues("bet", "rejected")), 1},
		{"deposit committed", testutil.ToFloat64(m.ledgerCommitted.WithLabelValues(string(ledger.TxDeposit))), 1},
		{"bet committed", testutil.ToFloat64(m.ledgerCommitted.WithLabelValues(string(ledger.TxBet))), 0},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Fatalf("%s: expected %v got %v", c.name, c.want, c.got)
		}
	}
	if n := testutil.CollectAndCount(m.commandDuration); n != 2 {
		t.Fatalf("expected duration series for 2 commands, got %d", n)
	}
}

func TestRecorderCounters(t *testing.T) {
	m := New()
	m.OutboxPublished(ledger.EventBalanceChanged)
	m.OutboxPublished(ledger.EventBalanceChanged)
	m.OutboxFailed(ledger.EventWithdrawalReserved)
	m.InboxHandled("game.bet", "duplicate")
	m.ConflictRetried()

	if got := testutil.ToFloat64(m.outboxPublished.WithLabelValues(ledger.EventBalanceChanged)); got != 2 {
		t.Fatalf("expected 2 published, got %v", got)
	}
	if got := testutil.ToFloat64(m.outboxFailed.WithLabelValues(ledger.EventWithdrawalReserved)); got != 1 {
		t.Fatalf("expected 1 failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.inboxHandled.WithLabelValues("game.bet", "duplicate")); got != 1 {
		t.Fatalf("expected 1 duplicate, got %v", got)
	}
	if got := testutil.ToFloat64(m.ledgerConflicts); got != 1 {
		t.Fatalf("expected 1 conflict retry, got %v", got)
	}
}

func TestMiddlewareAndExposition(t *testing.T) {
	m := New()
	app := fiber.New()
	app.Use(m.Middleware())
	app.Get("/players/:playerId/balances", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))

	for _, path := range []string{"/players/1/balances", "/players/2/balances", "/nowhere"} {
		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, path, nil))
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		resp.Body.Close()
	}

	got := testutil.ToFloat64(m.httpRequests.WithLabelValues(fiber.MethodGet, "/players/:playerId/balances", "200"))
	if got != 2 {
		t.Fatalf("expected both players under one route series, got %v", got)
	}

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "wallet_http_requests_total") {
		t.Fatalf("exposition missing http series")
	}
	if strings.Contains(string(body), "/nowhere") {
		t.Fatalf("unmatched path leaked into labels")
	}
}
