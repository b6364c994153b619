package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/auth"
	"github.com/atmx/perp-engine/internal/exchange"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/order"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/trade"
)

const (
	ethUSD = "ETH-USD"
	now    = int64(1_700_000_000)
)

func d(dollars int64) decimal.Decimal {
	return fixed.USD(dollars)
}

// newTestEnv creates a test Service over an in-memory exchange and a chi router.
func newTestEnv(t *testing.T) (*exchange.Exchange, *oracle.Feed, chi.Router) {
	t.Helper()
	feed := oracle.NewFeed(0, nil)
	setPrice(t, feed, "ETH", 100, now)
	setPrice(t, feed, "USDC", 1, now)

	x, err := exchange.New(context.Background(), exchange.Deps{
		Store:  store.NewMemoryStore(),
		Oracle: feed,
		Auth:   auth.NewRoles([]string{"admin"}, []string{"keeper"}, []string{"liq"}),
		Clock:  func() time.Time { return time.Unix(now, 0) },
	})
	if err != nil {
		t.Fatalf("failed to create exchange: %v", err)
	}

	r := chi.NewRouter()
	r.Route("/api/v1", trade.NewService(x).Mount)
	return x, feed, r
}

func setPrice(t *testing.T, feed *oracle.Feed, symbol string, dollars, ts int64) {
	t.Helper()
	if err := feed.Set(symbol, oracle.Price{Min: d(dollars), Max: d(dollars), Timestamp: ts}); err != nil {
		t.Fatalf("failed to set price: %v", err)
	}
}

// seedMarket creates ETH-USD with $200k of liquidity and funds alice with $10k.
func seedMarket(t *testing.T, x *exchange.Exchange) {
	t.Helper()
	ctx := context.Background()
	cfg := model.MarketConfig{
		MaxLeverage:             10,
		LiquidationThresholdBps: 8_000,
		ReserveFactorBps:        10_000,
		MaxLongOI:               d(1_000_000),
		MaxShortOI:              d(1_000_000),
	}
	m := model.Market{ID: ethUSD, IndexToken: "ETH", LongToken: "ETH", ShortToken: "USDC"}
	if _, err := x.CreateMarket(ctx, "admin", m, cfg); err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}
	if _, err := x.AddLiquidity(ctx, "lp", ethUSD, d(1_000), d(100_000), decimal.Zero); err != nil {
		t.Fatalf("failed to seed liquidity: %v", err)
	}
	if _, err := x.Deposit(ctx, "alice", d(10_000)); err != nil {
		t.Fatalf("failed to fund alice: %v", err)
	}
}

func do(t *testing.T, router chi.Router, method, path, account string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if account != "" {
		req.Header.Set(trade.AccountHeader, account)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func marketLong() order.Request {
	return order.Request{
		Market:             ethUSD,
		Type:               model.OrderMarketIncrease,
		IsLong:             true,
		SizeDeltaUSD:       d(10_000),
		CollateralDeltaUSD: d(1_000),
		AcceptablePrice:    d(101),
	}
}

// --- Market tests ---

func TestCreateMarket(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/markets", "admin", trade.CreateMarketRequest{
		ID:         ethUSD,
		IndexToken: "ETH",
		LongToken:  "ETH",
		ShortToken: "USDC",
		Config:     model.MarketConfig{MaxLeverage: 10, LiquidationThresholdBps: 8_000},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp trade.MarketResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.MarketToken != "GM-"+ethUSD {
		t.Errorf("expected default market token, got %q", resp.MarketToken)
	}
	if resp.Config == nil || resp.Config.MaxLeverage != 10 {
		t.Errorf("expected config in response, got %+v", resp.Config)
	}

	w = do(t, router, "GET", "/api/v1/markets", "", nil)
	var markets []model.Market
	json.Unmarshal(w.Body.Bytes(), &markets)
	if len(markets) != 1 {
		t.Errorf("expected 1 market, got %d", len(markets))
	}
}

func TestCreateMarket_Errors(t *testing.T) {
	_, _, router := newTestEnv(t)
	req := trade.CreateMarketRequest{
		ID:         ethUSD,
		IndexToken: "ETH",
		LongToken:  "ETH",
		ShortToken: "USDC",
		Config:     model.MarketConfig{MaxLeverage: 10, LiquidationThresholdBps: 8_000},
	}

	if w := do(t, router, "POST", "/api/v1/markets", "", req); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without account, got %d", w.Code)
	}
	if w := do(t, router, "POST", "/api/v1/markets", "alice", req); w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin, got %d", w.Code)
	}

	bad := req
	bad.Config.LiquidationThresholdBps = 0
	if w := do(t, router, "POST", "/api/v1/markets", "admin", bad); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid config, got %d", w.Code)
	}

	do(t, router, "POST", "/api/v1/markets", "admin", req)
	if w := do(t, router, "POST", "/api/v1/markets", "admin", req); w.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate market, got %d", w.Code)
	}
}

func TestGetMarket_NotFound(t *testing.T) {
	_, _, router := newTestEnv(t)

	if w := do(t, router, "GET", "/api/v1/markets/BTC-USD", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/api/v1/markets/BTC-USD/pool", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for pool, got %d", w.Code)
	}
}

func TestLiquidity(t *testing.T) {
	x, _, router := newTestEnv(t)
	seedMarket(t, x)

	w := do(t, router, "POST", "/api/v1/markets/"+ethUSD+"/liquidity", "bob", trade.AddLiquidityRequest{
		ShortAmount: d(1_000),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var added trade.LiquidityResponse
	json.Unmarshal(w.Body.Bytes(), &added)
	if added.Minted == nil || !added.Minted.IsPositive() {
		t.Fatalf("expected minted shares, got %+v", added)
	}
	if !added.Shares.Equal(*added.Minted) {
		t.Errorf("share balance %s should equal minted %s", added.Shares, added.Minted)
	}

	w = do(t, router, "POST", "/api/v1/markets/"+ethUSD+"/liquidity/withdraw", "bob", trade.RemoveLiquidityRequest{
		Shares: *added.Minted,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var removed trade.LiquidityResponse
	json.Unmarshal(w.Body.Bytes(), &removed)
	if !removed.Shares.IsZero() {
		t.Errorf("expected no shares left, got %s", removed.Shares)
	}

	// Burning more than the balance fails.
	w = do(t, router, "POST", "/api/v1/markets/"+ethUSD+"/liquidity/withdraw", "bob", trade.RemoveLiquidityRequest{
		Shares: d(1),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

// --- Order and position tests ---

func TestMarketOrder_OpensPosition(t *testing.T) {
	x, _, router := newTestEnv(t)
	seedMarket(t, x)

	w := do(t, router, "POST", "/api/v1/orders", "alice", marketLong())
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var res order.Result
	json.Unmarshal(w.Body.Bytes(), &res)
	if !res.Executed || res.Increase == nil {
		t.Fatalf("expected executed increase, got %+v", res)
	}
	if res.Order.Status != model.OrderExecuted {
		t.Errorf("expected status executed, got %s", res.Order.Status)
	}
	if res.Order.CollateralToken != "USDC" {
		t.Errorf("collateral token should default to the short token, got %s", res.Order.CollateralToken)
	}

	key := res.Increase.Position.Key.Hex()
	w = do(t, router, "GET", "/api/v1/positions/"+key, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var p model.Position
	json.Unmarshal(w.Body.Bytes(), &p)
	if !p.SizeUSD.Equal(d(10_000)) {
		t.Errorf("expected size $10,000, got %s", p.SizeUSD)
	}

	w = do(t, router, "GET", "/api/v1/accounts/alice/positions", "", nil)
	var positions []model.Position
	json.Unmarshal(w.Body.Bytes(), &positions)
	if len(positions) != 1 {
		t.Errorf("expected 1 position, got %d", len(positions))
	}

	w = do(t, router, "GET", "/api/v1/accounts/alice/balance", "", nil)
	var bal trade.BalanceResponse
	json.Unmarshal(w.Body.Bytes(), &bal)
	if !bal.Balance.Equal(d(9_000)) {
		t.Errorf("expected balance $9,000, got %s", bal.Balance)
	}
}

func TestMarketOrder_Rejected(t *testing.T) {
	x, _, router := newTestEnv(t)
	seedMarket(t, x)

	tooTight := marketLong()
	tooTight.AcceptablePrice = d(99)
	if w := do(t, router, "POST", "/api/v1/orders", "alice", tooTight); w.Code != http.StatusConflict {
		t.Errorf("expected 409 for unacceptable price, got %d", w.Code)
	}

	zero := marketLong()
	zero.SizeDeltaUSD = decimal.Zero
	if w := do(t, router, "POST", "/api/v1/orders", "alice", zero); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero size, got %d", w.Code)
	}

	overLeveraged := marketLong()
	overLeveraged.SizeDeltaUSD = d(20_000)
	if w := do(t, router, "POST", "/api/v1/orders", "alice", overLeveraged); w.Code != http.StatusConflict {
		t.Errorf("expected 409 for leverage above max, got %d", w.Code)
	}

	w := do(t, router, "GET", "/api/v1/accounts/alice/positions", "", nil)
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("rejected orders should leave no positions, got %s", w.Body.String())
	}
}

func TestMarketOrder_StalePrice(t *testing.T) {
	x, feed, router := newTestEnv(t)
	seedMarket(t, x)
	setPrice(t, feed, "ETH", 100, now-3600)

	if w := do(t, router, "POST", "/api/v1/orders", "alice", marketLong()); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 for stale price, got %d", w.Code)
	}
}

func TestSavedOrder_Lifecycle(t *testing.T) {
	x, _, router := newTestEnv(t)
	seedMarket(t, x)

	limit := marketLong()
	limit.Type = model.OrderLimitIncrease
	limit.TriggerPrice = d(95)
	limit.AcceptablePrice = d(96)
	w := do(t, router, "POST", "/api/v1/orders", "alice", limit)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var res order.Result
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Executed {
		t.Fatal("limit order above trigger should be stored, not executed")
	}
	path := "/api/v1/orders/" + res.Order.Key.String()

	w = do(t, router, "GET", "/api/v1/orders/pending", "", nil)
	var pending []model.Order
	json.Unmarshal(w.Body.Bytes(), &pending)
	if len(pending) != 1 {
		t.Errorf("expected 1 pending order, got %d", len(pending))
	}

	if w := do(t, router, "POST", path+"/execute", "keeper", nil); w.Code != http.StatusConflict {
		t.Errorf("expected 409 before trigger, got %d", w.Code)
	}
	if w := do(t, router, "PATCH", path, "bob", order.Update{TriggerPrice: d(90)}); w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-owner update, got %d", w.Code)
	}

	update := order.Update{
		SizeDeltaUSD:       d(5_000),
		CollateralDeltaUSD: d(1_000),
		TriggerPrice:       d(90),
		AcceptablePrice:    d(91),
	}
	w = do(t, router, "PATCH", path, "alice", update)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var updated model.Order
	json.Unmarshal(w.Body.Bytes(), &updated)
	if !updated.TriggerPrice.Equal(d(90)) {
		t.Errorf("expected trigger $90, got %s", updated.TriggerPrice)
	}

	if w := do(t, router, "DELETE", path, "alice", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 on cancel, got %d", w.Code)
	}
	if w := do(t, router, "DELETE", path, "alice", nil); w.Code != http.StatusConflict {
		t.Errorf("expected 409 on second cancel, got %d", w.Code)
	}
}

func TestOrderKeys(t *testing.T) {
	_, _, router := newTestEnv(t)

	if w := do(t, router, "GET", "/api/v1/orders/not-a-uuid", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad order key, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/api/v1/orders/00000000-0000-0000-0000-000000000000", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown order, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/api/v1/positions/0x1234", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for short position key, got %d", w.Code)
	}
	zero := "0x" + strings.Repeat("00", 32)
	if w := do(t, router, "GET", "/api/v1/positions/"+zero, "", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown position, got %d", w.Code)
	}
}

func TestLiquidation(t *testing.T) {
	x, feed, router := newTestEnv(t)
	seedMarket(t, x)

	w := do(t, router, "POST", "/api/v1/orders", "alice", marketLong())
	var res order.Result
	json.Unmarshal(w.Body.Bytes(), &res)
	path := "/api/v1/positions/" + res.Increase.Position.Key.Hex() + "/liquidate"

	if w := do(t, router, "POST", path, "liq", nil); w.Code != http.StatusConflict {
		t.Errorf("expected 409 for healthy position, got %d", w.Code)
	}

	setPrice(t, feed, "ETH", 97, now)
	w = do(t, router, "GET", "/api/v1/positions/liquidatable", "", nil)
	var liquidatable []model.Position
	json.Unmarshal(w.Body.Bytes(), &liquidatable)
	if len(liquidatable) != 1 {
		t.Fatalf("expected 1 liquidatable position, got %d", len(liquidatable))
	}

	if w := do(t, router, "POST", path, "alice", nil); w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-liquidator, got %d", w.Code)
	}
	if w := do(t, router, "POST", path, "liq", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(t, router, "POST", path, "liq", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after liquidation, got %d", w.Code)
	}
}

// --- Custody tests ---

func TestDepositWithdraw(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/accounts/deposit", "carol", trade.AmountRequest{Amount: d(500)})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var bal trade.BalanceResponse
	json.Unmarshal(w.Body.Bytes(), &bal)
	if !bal.Balance.Equal(d(500)) {
		t.Errorf("expected $500, got %s", bal.Balance)
	}

	if w := do(t, router, "POST", "/api/v1/accounts/withdraw", "carol", trade.AmountRequest{Amount: d(600)}); w.Code != http.StatusConflict {
		t.Errorf("expected 409 for overdraft, got %d", w.Code)
	}
	if w := do(t, router, "POST", "/api/v1/accounts/withdraw", "carol", trade.AmountRequest{Amount: d(-1)}); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative amount, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/accounts/withdraw", "carol", trade.AmountRequest{Amount: d(200)})
	json.Unmarshal(w.Body.Bytes(), &bal)
	if !bal.Balance.Equal(d(300)) {
		t.Errorf("expected $300 after withdrawal, got %s", bal.Balance)
	}
}

func TestInvalidBody(t *testing.T) {
	_, _, router := newTestEnv(t)

	req := httptest.NewRequest("POST", "/api/v1/orders", strings.NewReader("{"))
	req.Header.Set(trade.AccountHeader, "alice")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed JSON, got %d", w.Code)
	}
}

// --- WebSocket tests ---

func TestWSHub_MarketFilter(t *testing.T) {
	hub := trade.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?market=" + ethUSD
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish(model.Event{Type: model.EventOrderCreated, Market: "BTC-USD"})
	hub.Publish(model.Event{Type: model.EventPositionIncreased, Market: ethUSD, Amount: d(10_000)})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var e model.Event
	json.Unmarshal(data, &e)
	if e.Type != model.EventPositionIncreased || e.Market != ethUSD {
		t.Errorf("expected the ETH-USD event only, got %+v", e)
	}
}

func TestWSHub_PublishNeverBlocks(t *testing.T) {
	hub := trade.NewWSHub() // not running: the buffer fills and events drop

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1_000; i++ {
			hub.Publish(model.Event{Type: model.EventDeposit})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked with a full buffer")
	}
}
