package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewStore(rdb), mr
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func decp(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func sampleOrder() *types.Order {
	return &types.Order{
		OrderID:       "ord_20250930_0001",
		UserType:      types.UserLive,
		UserID:        "42",
		Symbol:        "EURUSD",
		Kind:          types.Buy,
		OrderPrice:    dec("1.10005"),
		OrderQuantity: dec("1"),
		ContractValue: dec("110005"),
		Margin:        dec("22"),
		Commission:    dec("0.2"),
		OrderStatus:   types.StatusOpen,
		Status:        types.StatusOpen,
		StopLoss:      decp("1.09300"),
		StopLossID:    "sl_20250930_0001",
		CreatedAt:     time.Date(2025, 9, 30, 10, 0, 0, 0, time.UTC),
		UpdatedAt:     time.Date(2025, 9, 30, 10, 0, 1, 0, time.UTC),
	}
}

func TestCanonicalRoundTrip(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	o := sampleOrder()

	if err := s.PutCanonical(ctx, o); err != nil {
		t.Fatalf("PutCanonical: %v", err)
	}
	got, err := s.GetCanonical(ctx, o.OrderID)
	if err != nil {
		t.Fatalf("GetCanonical: %v", err)
	}
	if got == nil {
		t.Fatal("GetCanonical returned nil")
	}
	if got.OrderID != o.OrderID || got.UserID != o.UserID || got.Kind != types.Buy {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if !got.OrderPrice.Equal(o.OrderPrice) {
		t.Errorf("order_price = %s, want %s", got.OrderPrice, o.OrderPrice)
	}
	if got.StopLoss == nil || !got.StopLoss.Equal(*o.StopLoss) {
		t.Errorf("stop_loss = %v, want %s", got.StopLoss, o.StopLoss)
	}
	if got.TakeProfit != nil {
		t.Errorf("take_profit should be nil, got %s", got.TakeProfit)
	}
	if got.StopLossID != "sl_20250930_0001" {
		t.Errorf("stoploss_id = %q", got.StopLossID)
	}

	if err := s.DeleteCanonical(ctx, o.OrderID); err != nil {
		t.Fatalf("DeleteCanonical: %v", err)
	}
	gone, err := s.GetCanonical(ctx, o.OrderID)
	if err != nil {
		t.Fatalf("GetCanonical after delete: %v", err)
	}
	if gone != nil {
		t.Error("canonical record survived delete")
	}
}

func TestHoldingAndIndex(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	o := sampleOrder()

	if err := s.PutHolding(ctx, o); err != nil {
		t.Fatalf("PutHolding: %v", err)
	}

	idsList, err := s.UserOrderIDs(ctx, o.UserType, o.UserID)
	if err != nil {
		t.Fatalf("UserOrderIDs: %v", err)
	}
	if len(idsList) != 1 || idsList[0] != o.OrderID {
		t.Errorf("index = %v", idsList)
	}

	h, err := s.GetHolding(ctx, o.UserType, o.UserID, o.OrderID)
	if err != nil || h == nil {
		t.Fatalf("GetHolding: %v %v", h, err)
	}
	if !h.Margin.Equal(o.Margin) {
		t.Errorf("margin = %s", h.Margin)
	}

	if err := s.RemoveHolding(ctx, o.UserType, o.UserID, o.OrderID); err != nil {
		t.Fatalf("RemoveHolding: %v", err)
	}
	idsList, _ = s.UserOrderIDs(ctx, o.UserType, o.UserID)
	if len(idsList) != 0 {
		t.Errorf("index not emptied: %v", idsList)
	}
}

func TestPendingAddRemoveIdempotent(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := &types.PendingRecord{
		OrderID:      "ord_20250930_0002",
		UserType:     types.UserLive,
		UserID:       "42",
		Symbol:       "EURUSD",
		Kind:         types.BuyLimit,
		UserPrice:    dec("1.09500"),
		ComparePrice: dec("1.09498"),
		Quantity:     dec("1"),
	}
	if err := s.AddPending(ctx, rec); err != nil {
		t.Fatalf("AddPending: %v", err)
	}

	symbols, _ := s.ActiveSymbols(ctx)
	if len(symbols) != 1 || symbols[0] != "EURUSD" {
		t.Errorf("active symbols = %v", symbols)
	}

	members, err := s.PendingInRange(ctx, "EURUSD", types.BuyLimit, "1.09490", "+inf")
	if err != nil {
		t.Fatalf("PendingInRange: %v", err)
	}
	if len(members) != 1 || members[0] != rec.OrderID {
		t.Errorf("members = %v", members)
	}

	removed, err := s.RemovePending(ctx, "EURUSD", types.BuyLimit, rec.OrderID)
	if err != nil {
		t.Fatalf("RemovePending: %v", err)
	}
	if !removed {
		t.Error("first removal reported not-removed")
	}

	// Replay: a second removal must report false so the trigger worker skips.
	removed, err = s.RemovePending(ctx, "EURUSD", types.BuyLimit, rec.OrderID)
	if err != nil {
		t.Fatalf("RemovePending replay: %v", err)
	}
	if removed {
		t.Error("replayed removal reported removed")
	}
}

func TestUpdatePendingPriceRescores(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := &types.PendingRecord{
		OrderID: "ord_3", UserType: types.UserLive, UserID: "42",
		Symbol: "EURUSD", Kind: types.SellStop,
		UserPrice: dec("1.10000"), ComparePrice: dec("1.09998"), Quantity: dec("2"),
	}
	if err := s.AddPending(ctx, rec); err != nil {
		t.Fatalf("AddPending: %v", err)
	}

	rec.UserPrice = dec("1.12000")
	rec.ComparePrice = dec("1.11998")
	if err := s.UpdatePendingPrice(ctx, rec); err != nil {
		t.Fatalf("UpdatePendingPrice: %v", err)
	}

	members, _ := s.PendingInRange(ctx, "EURUSD", types.SellStop, "1.11", "1.12")
	if len(members) != 1 {
		t.Errorf("rescored member not found in new range: %v", members)
	}
	got, _ := s.GetPending(ctx, rec.OrderID)
	if got == nil || !got.ComparePrice.Equal(dec("1.11998")) {
		t.Errorf("pending meta not updated: %+v", got)
	}
}

func TestClaimPayoutOnce(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := s.ClaimPayout(ctx, "ord_4")
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = s.ClaimPayout(ctx, "ord_4")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Error("second claim succeeded")
	}
	if ttl := mr.TTL(KeyClosePayoutApplied("ord_4")); ttl <= 0 {
		t.Error("payout guard has no TTL")
	}
}

func TestAdjustUserMargin(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	v, err := s.AdjustUserMargin(ctx, types.UserLive, "42", dec("22"))
	if err != nil {
		t.Fatalf("AdjustUserMargin: %v", err)
	}
	if !v.Equal(dec("22")) {
		t.Errorf("margin = %s, want 22", v)
	}
	v, err = s.AdjustUserMargin(ctx, types.UserLive, "42", dec("-8.5"))
	if err != nil {
		t.Fatalf("AdjustUserMargin: %v", err)
	}
	if !v.Equal(dec("13.5")) {
		t.Errorf("margin = %s, want 13.5", v)
	}
}

func TestUserConfigRoundTrip(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	cfg := &types.UserConfig{
		UserType: types.UserLive, UserID: "42",
		WalletBalance: dec("1000"), Group: "Standard", Leverage: 100,
		SendingOrders: types.SendLocal, IsActive: true, Status: "approved",
		IsSelfTrading: true, Role: "trader",
	}
	if err := s.PutUserConfig(ctx, cfg); err != nil {
		t.Fatalf("PutUserConfig: %v", err)
	}
	got, err := s.GetUserConfig(ctx, types.UserLive, "42")
	if err != nil || got == nil {
		t.Fatalf("GetUserConfig: %v %v", got, err)
	}
	if !got.WalletBalance.Equal(dec("1000")) || got.Leverage != 100 || !got.IsActive {
		t.Errorf("config mismatch: %+v", got)
	}
	if got.SendingOrders != types.SendLocal {
		t.Errorf("sending_orders = %q", got.SendingOrders)
	}

	missing, err := s.GetUserConfig(ctx, types.UserLive, "404")
	if err != nil {
		t.Fatalf("GetUserConfig missing: %v", err)
	}
	if missing != nil {
		t.Error("missing config not nil")
	}
}

func TestMarketPriceRoundTrip(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	p := &types.MarketPrice{
		Symbol: "EURUSD", Bid: dec("1.10000"), Ask: dec("1.10004"),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.SetMarketPrice(ctx, p); err != nil {
		t.Fatalf("SetMarketPrice: %v", err)
	}
	got, err := s.GetMarketPrice(ctx, "EURUSD")
	if err != nil || got == nil {
		t.Fatalf("GetMarketPrice: %v %v", got, err)
	}
	if !got.Ask.Equal(dec("1.10004")) {
		t.Errorf("ask = %s", got.Ask)
	}
}

func TestSymbolHoldersStoreBareIDs(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.AddSymbolHolder(ctx, "EURUSD", types.UserLive, "42"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddSymbolHolder(ctx, "EURUSD", types.UserLive, "42"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddSymbolHolder(ctx, "EURUSD", types.UserDemo, "42"); err != nil {
		t.Fatal(err)
	}

	holders, err := s.SymbolHolders(ctx, "EURUSD", types.UserLive)
	if err != nil {
		t.Fatal(err)
	}
	// Members must be the plain id; consumers pass them straight back into
	// user-keyed lookups.
	if len(holders) != 1 || holders[0] != "42" {
		t.Errorf("live holders = %v, want [42]", holders)
	}

	if err := s.RemoveSymbolHolder(ctx, "EURUSD", types.UserLive, "42"); err != nil {
		t.Fatal(err)
	}
	holders, _ = s.SymbolHolders(ctx, "EURUSD", types.UserLive)
	if len(holders) != 0 {
		t.Errorf("live holders after remove = %v", holders)
	}
	demo, _ := s.SymbolHolders(ctx, "EURUSD", types.UserDemo)
	if len(demo) != 1 {
		t.Errorf("demo holders = %v, want one", demo)
	}
}
