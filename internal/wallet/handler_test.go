package wallet

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func setupHandlerApp(t *testing.T) *fiber.App {
	t.Helper()
	svc, _ := newTestService(t)
	h := NewHandler(svc)

	app := fiber.New()
	api := app.Group("/api/v1")
	api.Post("/deposits/settlements", h.Deposit)
	api.Post("/withdrawals", h.ReserveWithdrawal)
	api.Post("/withdrawals/:requestId/finalize", h.FinalizeWithdrawal)
	api.Post("/withdrawals/:requestId/release", h.ReleaseWithdrawal)
	api.Post("/games/bets", h.PlaceBet)
	api.Post("/games/wins", h.SettleWin)
	api.Post("/games/rollbacks", h.Rollback)
	api.Get("/players/:playerId/balances", h.Balances)
	api.Get("/admin/reconcile", h.Reconcile)
	return app
}

func call(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return resp.StatusCode, decoded
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error body, got %v", body)
	}
	code, _ := e["code"].(string)
	return code
}

func TestHandlerDepositAndReplay(t *testing.T) {
	app := setupHandlerApp(t)
	body := `{"playerId":42,"currency":"USDT","network":"TRON","amountMinor":10000000,"txHash":"abc"}`

	status, first := call(t, app, fiber.MethodPost, "/api/v1/deposits/settlements", body)
	if status != fiber.StatusCreated {
		t.Fatalf("expected %d got %d (%v)", fiber.StatusCreated, status, first)
	}
	if first["replayed"] != false || first["tx_id"] == "" {
		t.Fatalf("unexpected body %v", first)
	}

	status, second := call(t, app, fiber.MethodPost, "/api/v1/deposits/settlements", body)
	if status != fiber.StatusOK {
		t.Fatalf("expected %d got %d", fiber.StatusOK, status)
	}
	if second["replayed"] != true || second["tx_id"] != first["tx_id"] {
		t.Fatalf("expected replay of %v, got %v", first["tx_id"], second)
	}
}

func TestHandlerBalancesWithDisplay(t *testing.T) {
	app := setupHandlerApp(t)
	call(t, app, fiber.MethodPost, "/api/v1/deposits/settlements",
		`{"playerId":42,"currency":"USDT","network":"TRON","amountMinor":10000000,"txHash":"abc"}`)
	status, _ := call(t, app, fiber.MethodPost, "/api/v1/withdrawals",
		`{"playerId":42,"currency":"USDT","network":"TRON","amountMinor":2500000,"requestId":"wd-1"}`)
	if status != fiber.StatusCreated {
		t.Fatalf("reserve: expected %d got %d", fiber.StatusCreated, status)
	}

	status, body := call(t, app, fiber.MethodGet, "/api/v1/players/42/balances", "")
	if status != fiber.StatusOK {
		t.Fatalf("expected %d got %d", fiber.StatusOK, status)
	}
	rows, ok := body["balances"].([]any)
	if !ok || len(rows) != 1 {
		t.Fatalf("unexpected balances %v", body["balances"])
	}
	row := rows[0].(map[string]any)
	display := row["display"].(map[string]any)
	if display["balance"] != "7.500000" || display["reserved"] != "2.500000" || display["cashable"] != "5.000000" {
		t.Fatalf("unexpected display %v", display)
	}
	if row["balance_minor"] != float64(7_500_000) {
		t.Fatalf("unexpected balance_minor %v", row["balance_minor"])
	}
}

func TestHandlerErrorMapping(t *testing.T) {
	app := setupHandlerApp(t)
	call(t, app, fiber.MethodPost, "/api/v1/deposits/settlements",
		`{"playerId":42,"currency":"USDT","network":"TRON","amountMinor":1000,"txHash":"abc"}`)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown network", fiber.MethodPost, "/api/v1/games/bets", `{"playerId":42,"currency":"DOGE","network":"TRON","amountMinor":1,"betId":"b1"}`, fiber.StatusBadRequest, "validation_failed"},
		{"malformed body", fiber.MethodPost, "/api/v1/games/bets", `{"playerId":`, fiber.StatusBadRequest, "validation_failed"},
		{"insufficient funds", fiber.MethodPost, "/api/v1/games/bets", `{"playerId":42,"currency":"USDT","network":"TRON","amountMinor":5000,"betId":"b2"}`, fiber.StatusUnprocessableEntity, "insufficient_funds"},
		{"missing original", fiber.MethodPost, "/api/v1/games/rollbacks", `{"playerId":42,"currency":"USDT","network":"TRON","referenceType":"BET","referenceId":"nope","rollbackId":"rb"}`, fiber.StatusNotFound, "original_not_found"},
		{"missing reservation", fiber.MethodPost, "/api/v1/withdrawals/wd-x/finalize", `{"playerId":42,"currency":"USDT","network":"TRON","amountMinor":10,"txHash":"0x"}`, fiber.StatusNotFound, "reservation_not_found"},
		{"bad player id", fiber.MethodGet, "/api/v1/players/abc/balances", "", fiber.StatusBadRequest, "validation_failed"},
		{"hash under another key", fiber.MethodPost, "/api/v1/deposits/settlements", `{"playerId":42,"currency":"USDT","network":"TRON","amountMinor":1000,"txHash":"abc","idempotencyKey":"other"}`, fiber.StatusConflict, "duplicate_deposit"},
	}
	for _, tc := range cases {
		status, body := call(t, app, tc.method, tc.path, tc.body)
		if status != tc.status {
			t.Fatalf("%s: expected %d got %d (%v)", tc.name, tc.status, status, body)
		}
		if code := errorCode(t, body); code != tc.code {
			t.Fatalf("%s: expected code %s got %s", tc.name, tc.code, code)
		}
	}
}

func TestHandlerWithdrawalLifecycle(t *testing.T) {
	app := setupHandlerApp(t)
	call(t, app, fiber.MethodPost, "/api/v1/deposits/settlements",
		`{"playerId":42,"currency":"USDT","network":"TRON","amountMinor":1000,"txHash":"abc"}`)
	call(t, app, fiber.MethodPost, "/api/v1/withdrawals",
		`{"playerId":42,"currency":"USDT","network":"TRON","amountMinor":600,"requestId":"wd-1"}`)

	status, body := call(t, app, fiber.MethodPost, "/api/v1/withdrawals/wd-1/finalize",
		`{"playerId":42,"currency":"USDT","network":"TRON","amountMinor":600,"feeMinor":6,"txHash":"0xabc"}`)
	if status != fiber.StatusCreated {
		t.Fatalf("finalize: expected %d got %d (%v)", fiber.StatusCreated, status, body)
	}

	status, body = call(t, app, fiber.MethodPost, "/api/v1/withdrawals/wd-1/release",
		`{"playerId":42,"currency":"USDT","network":"TRON","amountMinor":600}`)
	if status != fiber.StatusConflict || errorCode(t, body) != "withdrawal_closed" {
		t.Fatalf("release after finalize: got %d %v", status, body)
	}

	status, body = call(t, app, fiber.MethodGet, "/api/v1/admin/reconcile", "")
	if status != fiber.StatusOK || body["ok"] != true {
		t.Fatalf("reconcile: got %d %v", status, body)
	}
}
