package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"tradecore/internal/cache"
	"tradecore/internal/events"
	"tradecore/pkg/apperr"
	"tradecore/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeDurable struct {
	orders map[string]*types.Order
}

func (f *fakeDurable) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	if o, ok := f.orders[orderID]; ok {
		clone := *o
		return &clone, nil
	}
	return nil, apperr.Newf(apperr.NotFound, "order %s not found", orderID)
}

func (f *fakeDurable) ActiveOrdersByUser(ctx context.Context, userType types.UserType, userID string) ([]types.Order, error) {
	var out []types.Order
	for _, o := range f.orders {
		if o.UserType == userType && o.UserID == userID && !o.OrderStatus.Terminal() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeDurable) OpenOrdersBySymbol(ctx context.Context, symbol string) ([]types.Order, error) {
	var out []types.Order
	for _, o := range f.orders {
		if o.Symbol == symbol && o.OrderStatus == types.StatusOpen {
			out = append(out, *o)
		}
	}
	return out, nil
}

type fakeQuotes struct {
	quotes map[string]types.MarketPrice
}

func (f *fakeQuotes) Get(symbol string) (types.MarketPrice, bool) {
	q, ok := f.quotes[symbol]
	return q, ok
}

type fixture struct {
	handlers *Handlers
	cache    *cache.Store
	db       *fakeDurable
	quotes   *fakeQuotes
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cacheStore := cache.NewStore(rdb)
	db := &fakeDurable{orders: map[string]*types.Order{}}
	quotes := &fakeQuotes{quotes: map[string]types.MarketPrice{}}
	bus := events.NewBus(logger)
	hub := NewHub(logger)
	maintenance := NewMaintenance(cacheStore, db, logger)

	return &fixture{
		handlers: NewHandlers(cacheStore, quotes, maintenance, bus, hub, nil, logger),
		cache:    cacheStore,
		db:       db,
		quotes:   quotes,
	}
}

func openOrder(orderID, userID string) *types.Order {
	return &types.Order{
		OrderID:       orderID,
		UserType:      types.UserLive,
		UserID:        userID,
		Symbol:        "EURUSD",
		Kind:          types.Buy,
		OrderPrice:    dec("1.10000"),
		OrderQuantity: dec("100"),
		Margin:        dec("22"),
		OrderStatus:   types.StatusOpen,
		Status:        types.StatusOpen,
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	rec := httptest.NewRecorder()
	fx.handlers.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	json.NewDecoder(rec.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestPortfolioSnapshot(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	err := fx.cache.PutUserConfig(ctx, &types.UserConfig{
		UserType:      types.UserLive,
		UserID:        "42",
		WalletBalance: dec("1000"),
		Margin:        dec("22"),
		IsActive:      true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := fx.cache.PutHolding(ctx, openOrder("ord_1", "42")); err != nil {
		t.Fatal(err)
	}
	fx.quotes.quotes["EURUSD"] = types.MarketPrice{Symbol: "EURUSD", Bid: dec("1.11000"), Ask: dec("1.11040")}

	rec := httptest.NewRecorder()
	fx.handlers.HandlePortfolio(rec,
		httptest.NewRequest(http.MethodGet, "/api/portfolio?user_type=live&user_id=42", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var snap PortfolioSnapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Orders) != 1 {
		t.Fatalf("orders = %d", len(snap.Orders))
	}
	// Buy marked at bid: (1.11 - 1.10) * 100 = 1.
	if snap.Orders[0].UnrealizedPnL == nil || *snap.Orders[0].UnrealizedPnL != "1" {
		t.Errorf("unrealized = %v", snap.Orders[0].UnrealizedPnL)
	}
	if snap.Equity != "1001" {
		t.Errorf("equity = %s, want 1001", snap.Equity)
	}
}

func TestPortfolioUnknownUser(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	rec := httptest.NewRecorder()
	fx.handlers.HandlePortfolio(rec,
		httptest.NewRequest(http.MethodGet, "/api/portfolio?user_type=live&user_id=999", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRebuildUserIndices(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	// Durable truth has one active order; cache holds a stale one.
	fx.db.orders["ord_live"] = openOrder("ord_live", "42")
	stale := openOrder("ord_stale", "42")
	if err := fx.cache.PutHolding(ctx, stale); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	fx.handlers.HandleRebuildIndices(rec,
		httptest.NewRequest(http.MethodPost, "/api/admin/rebuild-user-indices?user_type=live&user_id=42", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	ids, err := fx.cache.UserOrderIDs(ctx, types.UserLive, "42")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "ord_live" {
		t.Errorf("holdings after rebuild = %v", ids)
	}
	holders, _ := fx.cache.SymbolHolders(ctx, "EURUSD", types.UserLive)
	if len(holders) != 1 || holders[0] != "42" {
		t.Errorf("symbol holders = %v", holders)
	}
}

func TestPruneStaleCache(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	closed := openOrder("ord_closed", "42")
	if err := fx.cache.PutHolding(ctx, closed); err != nil {
		t.Fatal(err)
	}
	if err := fx.cache.AddSymbolHolder(ctx, "EURUSD", types.UserLive, "42"); err != nil {
		t.Fatal(err)
	}
	terminal := *closed
	terminal.OrderStatus = types.StatusClosed
	fx.db.orders["ord_closed"] = &terminal

	rec := httptest.NewRecorder()
	fx.handlers.HandlePruneStale(rec,
		httptest.NewRequest(http.MethodPost, "/api/admin/prune-stale-cache?user_type=live&user_id=42", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	json.NewDecoder(rec.Body).Decode(&body)
	if body["removed"].(float64) != 1 {
		t.Errorf("removed = %v", body["removed"])
	}
	holders, _ := fx.cache.SymbolHolders(ctx, "EURUSD", types.UserLive)
	if len(holders) != 0 {
		t.Errorf("symbol holders not pruned: %v", holders)
	}
}

func TestEnsureHoldingMissingOrder(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	rec := httptest.NewRecorder()
	fx.handlers.HandleEnsureHolding(rec,
		httptest.NewRequest(http.MethodPost, "/api/admin/ensure-holding?order_id=ord_missing", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestEnsureSymbolHolders(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	fx.db.orders["ord_1"] = openOrder("ord_1", "42")
	fx.db.orders["ord_2"] = openOrder("ord_2", "42")
	other := openOrder("ord_3", "77")
	fx.db.orders["ord_3"] = other

	rec := httptest.NewRecorder()
	fx.handlers.HandleEnsureSymbolHolders(rec,
		httptest.NewRequest(http.MethodPost, "/api/admin/ensure-symbol-holders?symbol=EURUSD", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	holders, _ := fx.cache.SymbolHolders(ctx, "EURUSD", types.UserLive)
	if len(holders) != 2 {
		t.Errorf("holders = %v, want two distinct users", holders)
	}
}

func TestAdminRequiresPost(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	rec := httptest.NewRecorder()
	fx.handlers.HandleRebuildIndices(rec,
		httptest.NewRequest(http.MethodGet, "/api/admin/rebuild-user-indices?user_type=live&user_id=42", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}
