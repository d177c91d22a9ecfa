package reconcile

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"tradecore/internal/cache"
	"tradecore/internal/dbstore"
	"tradecore/internal/events"
	"tradecore/internal/lock"
	"tradecore/internal/payout"
	"tradecore/pkg/apperr"
	"tradecore/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
func decp(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

// fakeDB implements Durable in memory.
type fakeDB struct {
	mu         sync.Mutex
	orders     map[string]*types.Order
	rejections []types.RejectionRecord
	margin     decimal.Decimal
	netProfit  decimal.Decimal
}

func newFakeDB() *fakeDB { return &fakeDB{orders: make(map[string]*types.Order)} }

func (f *fakeDB) put(o *types.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *o
	f.orders[o.OrderID] = &clone
}

func (f *fakeDB) get(orderID string) *types.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok {
		clone := *o
		return &clone
	}
	return nil
}

func (f *fakeDB) ReconcileOrder(ctx context.Context, userType types.UserType, userID, orderID string,
	backfill *types.Order, mutate func(*types.Order) (dbstore.ReconcileMutation, error)) (*types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	row, ok := f.orders[orderID]
	if !ok {
		if backfill == nil {
			return nil, apperr.Newf(apperr.NotFound, "order %s has no durable row", orderID)
		}
		clone := *backfill
		f.orders[orderID] = &clone
		row = &clone
	}

	m, err := mutate(row)
	if err != nil {
		return nil, err
	}
	applySet(row, m.Set)
	f.margin = f.margin.Add(m.MarginDelta)
	f.netProfit = f.netProfit.Add(m.NetProfitDelta)

	clone := *row
	return &clone, nil
}

func (f *fakeDB) FindOrderOwner(ctx context.Context, orderID string) (types.UserType, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok {
		return o.UserType, o.UserID, nil
	}
	return "", "", apperr.Newf(apperr.NotFound, "order %s has no durable row", orderID)
}

func (f *fakeDB) InsertRejection(ctx context.Context, r *types.RejectionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejections = append(f.rejections, *r)
	return nil
}

func applySet(o *types.Order, set map[string]any) {
	asDec := func(v any) decimal.Decimal {
		if d, ok := v.(decimal.Decimal); ok {
			return d
		}
		return decimal.Zero
	}
	for col, v := range set {
		switch col {
		case "order_status":
			o.OrderStatus = v.(types.OrderStatus)
		case "status":
			o.Status = v.(types.OrderStatus)
		case "order_price":
			o.OrderPrice = asDec(v)
		case "margin":
			o.Margin = asDec(v)
		case "contract_value":
			o.ContractValue = asDec(v)
		case "commission":
			o.Commission = asDec(v)
		case "close_price":
			d := asDec(v)
			o.ClosePrice = &d
		case "net_profit":
			d := asDec(v)
			o.NetProfit = &d
		case "swap":
			d := asDec(v)
			o.Swap = &d
		case "close_message":
			o.CloseMessage = v.(string)
		case "stop_loss":
			if v == nil {
				o.StopLoss = nil
			} else {
				d := asDec(v)
				o.StopLoss = &d
			}
		case "take_profit":
			if v == nil {
				o.TakeProfit = nil
			} else {
				d := asDec(v)
				o.TakeProfit = &d
			}
		case "close_id":
			o.CloseID = v.(string)
		case "cancel_id":
			o.CancelID = v.(string)
		case "stoploss_id":
			o.StopLossID = v.(string)
		case "stoploss_cancel_id":
			o.StopLossCancelID = v.(string)
		case "takeprofit_id":
			o.TakeProfitID = v.(string)
		case "takeprofit_cancel_id":
			o.TakeProfitCancelID = v.(string)
		}
	}
}

type fakePayout struct {
	mu       sync.Mutex
	applied  []payout.Settlement
	balance  decimal.Decimal
	failures int // fail this many Apply calls before succeeding
}

func (f *fakePayout) Apply(ctx context.Context, s payout.Settlement) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return decimal.Zero, apperr.New(apperr.Transient, "wallet tx deadlock")
	}
	f.applied = append(f.applied, s)
	return f.balance, nil
}

type fixture struct {
	worker *Worker
	cache  *cache.Store
	db     *fakeDB
	pay    *fakePayout
	bus    *events.Bus
	locks  *lock.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cacheStore := cache.NewStore(rdb)
	db := newFakeDB()
	pay := &fakePayout{balance: dec("992")}
	evBus := events.NewBus(logger)
	locks := lock.NewManager(rdb)

	return &fixture{
		worker: NewWorker(cacheStore, db, pay, locks, evBus, logger),
		cache:  cacheStore,
		db:     db,
		pay:    pay,
		bus:    evBus,
		locks:  locks,
	}
}

func (fx *fixture) seedOrder(t *testing.T, o *types.Order) {
	t.Helper()
	fx.db.put(o)
	if err := fx.cache.PutCanonical(context.Background(), o); err != nil {
		t.Fatal(err)
	}
	if err := fx.cache.PutHolding(context.Background(), o); err != nil {
		t.Fatal(err)
	}
}

func queuedOrder(orderID string) *types.Order {
	now := time.Date(2025, 9, 30, 12, 0, 0, 0, time.UTC)
	return &types.Order{
		OrderID:       orderID,
		UserType:      types.UserLive,
		UserID:        "42",
		Symbol:        "EURUSD",
		Kind:          types.Sell,
		OrderPrice:    dec("1.10100"),
		OrderQuantity: dec("0.5"),
		OrderStatus:   types.StatusQueued,
		Status:        types.StatusQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestOpenConfirmed(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.seedOrder(t, queuedOrder("ord_1"))

	evCh, cancel := fx.bus.Subscribe(types.UserLive, "42")
	defer cancel()

	err := fx.worker.Process(context.Background(), &types.ConfirmationMessage{
		Type:               types.MsgOpenConfirmed,
		OrderID:            "ord_1",
		UserType:           types.UserLive,
		UserID:             "42",
		ExecPrice:          decp("1.10095"),
		UsedMarginExecuted: decp("11"),
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	row := fx.db.get("ord_1")
	if row.OrderStatus != types.StatusOpen || !row.Margin.Equal(dec("11")) {
		t.Errorf("durable row = status %s margin %s", row.OrderStatus, row.Margin)
	}
	if !fx.db.margin.Equal(dec("11")) {
		t.Errorf("aggregate margin = %s, want 11", fx.db.margin)
	}

	canonical, _ := fx.cache.GetCanonical(context.Background(), "ord_1")
	if canonical == nil || canonical.OrderStatus != types.StatusOpen {
		t.Errorf("canonical = %+v", canonical)
	}

	kinds := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case ev := <-evCh:
			kinds[ev.Kind] = true
		case <-time.After(time.Second):
			t.Fatal("missing events")
		}
	}
	if !kinds[events.KindOrderOpened] || !kinds[events.KindUserMarginUpdate] {
		t.Errorf("events = %v", kinds)
	}
}

func TestCloseConfirmedViaStopLoss(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	o := queuedOrder("ord_2")
	o.OrderStatus = types.StatusOpen
	o.Status = types.StatusOpen
	o.Margin = dec("11")
	o.StopLossID = "sl_20250930_0001"
	o.CloseID = "cls_20250930_0001"
	fx.seedOrder(t, o)

	msg := &types.ConfirmationMessage{
		Type:               types.MsgCloseConfirmed,
		OrderID:            "ord_2",
		UserType:           types.UserLive,
		UserID:             "42",
		ClosePrice:         decp("1.09300"),
		NetProfit:          decp("-8"),
		Commission:         decp("0.2"),
		TriggerLifecycleID: "sl_20250930_0001",
	}
	if err := fx.worker.Process(context.Background(), msg); err != nil {
		t.Fatalf("Process: %v", err)
	}

	row := fx.db.get("ord_2")
	if row.OrderStatus != types.StatusClosed || row.CloseMessage != "Stoploss" {
		t.Errorf("row = status %s close_message %q", row.OrderStatus, row.CloseMessage)
	}
	if row.CloseID != "" {
		t.Errorf("close_id = %q, want cleared on the terminal row", row.CloseID)
	}
	if len(fx.pay.applied) != 1 || !fx.pay.applied[0].NetProfit.Equal(dec("-8")) {
		t.Errorf("payouts = %+v", fx.pay.applied)
	}
	if !fx.db.margin.Equal(dec("-11")) {
		t.Errorf("aggregate margin delta = %s, want -11", fx.db.margin)
	}

	// Terminal: evicted from the cache.
	canonical, _ := fx.cache.GetCanonical(context.Background(), "ord_2")
	if canonical != nil {
		t.Error("canonical record not evicted")
	}
	holding, _ := fx.cache.GetHolding(context.Background(), types.UserLive, "42", "ord_2")
	if holding != nil {
		t.Error("holding not evicted")
	}
}

func TestCloseConfirmedReplayIsIdempotent(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	o := queuedOrder("ord_3")
	o.OrderStatus = types.StatusOpen
	o.Status = types.StatusOpen
	o.Margin = dec("11")
	fx.seedOrder(t, o)

	msg := &types.ConfirmationMessage{
		Type:       types.MsgCloseConfirmed,
		OrderID:    "ord_3",
		UserType:   types.UserLive,
		UserID:     "42",
		ClosePrice: decp("1.09300"),
		NetProfit:  decp("-8"),
		Commission: decp("0.2"),
	}
	if err := fx.worker.Process(context.Background(), msg); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := fx.worker.Process(context.Background(), msg); err != nil {
		t.Fatalf("replay must ack, got: %v", err)
	}

	if len(fx.pay.applied) != 1 {
		t.Errorf("payouts applied %d times, want exactly once", len(fx.pay.applied))
	}
	if !fx.db.margin.Equal(dec("-11")) {
		t.Errorf("aggregate margin = %s after replay, want -11", fx.db.margin)
	}
}

func TestBackfillFromCanonical(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	o := queuedOrder("ord_4")
	// Canonical only; no durable row.
	if err := fx.cache.PutCanonical(context.Background(), o); err != nil {
		t.Fatal(err)
	}

	err := fx.worker.Process(context.Background(), &types.ConfirmationMessage{
		Type:               types.MsgOpenConfirmed,
		OrderID:            "ord_4",
		ExecPrice:          decp("1.10095"),
		UsedMarginExecuted: decp("11"),
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	row := fx.db.get("ord_4")
	if row == nil || row.OrderStatus != types.StatusOpen {
		t.Errorf("backfilled row = %+v", row)
	}
	if row.UserID != "42" {
		t.Errorf("owner resolved to %q, want 42 (from canonical)", row.UserID)
	}
}

func TestUnresolvableOwnerIsPoison(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	err := fx.worker.Process(context.Background(), &types.ConfirmationMessage{
		Type:    types.MsgOpenConfirmed,
		OrderID: "ord_missing",
	})
	if !apperr.Is(err, apperr.Poison) {
		t.Errorf("kind = %v, want Poison", apperr.KindOf(err))
	}
}

func TestHeldProcessingLockRequeues(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.seedOrder(t, queuedOrder("ord_5"))

	held, err := fx.locks.AcquireKey(context.Background(), cache.KeyOrderProcessing("ord_5"), time.Minute)
	if err != nil || held == nil {
		t.Fatalf("pre-acquire: %v", err)
	}

	err = fx.worker.Process(context.Background(), &types.ConfirmationMessage{
		Type:     types.MsgOpenConfirmed,
		OrderID:  "ord_5",
		UserType: types.UserLive,
		UserID:   "42",
	})
	if !apperr.Is(err, apperr.Transient) {
		t.Errorf("kind = %v, want Transient (requeue)", apperr.KindOf(err))
	}
}

func TestRejectionRecordMessage(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.seedOrder(t, queuedOrder("ord_6"))

	err := fx.worker.Process(context.Background(), &types.ConfirmationMessage{
		Type:          types.MsgRejectionRecord,
		OrderID:       "ord_6",
		UserType:      types.UserLive,
		UserID:        "42",
		RejectionType: "pending_place",
		Reason:        "price_out_of_range",
		Symbol:        "EURUSD",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(fx.db.rejections) != 1 || fx.db.rejections[0].Reason != "price_out_of_range" {
		t.Errorf("rejections = %+v", fx.db.rejections)
	}
}

func TestHandlePoisonBody(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	err := fx.worker.Handle(context.Background(), amqp.Delivery{Body: []byte("{not json")})
	if !apperr.Is(err, apperr.Poison) {
		t.Errorf("kind = %v, want Poison", apperr.KindOf(err))
	}
}

func TestBuildMutationStopLossCancel(t *testing.T) {
	t.Parallel()
	o := queuedOrder("ord_7")
	o.OrderStatus = types.StatusOpen
	o.StopLoss = decp("1.09000")
	o.StopLossCancelID = "sl_cxl_20250930_0001"

	m, err := buildMutation(&types.ConfirmationMessage{
		Type:    types.MsgStopLossCancel,
		OrderID: "ord_7",
	}, o)
	if err != nil {
		t.Fatalf("buildMutation: %v", err)
	}
	if v, ok := m.Set["stop_loss"]; !ok || v != nil {
		t.Errorf("stop_loss = %v, want explicit nil", v)
	}
	if m.Set["stoploss_cancel_id"] != "" {
		t.Errorf("stoploss_cancel_id not cleared")
	}
}

func TestBuildMutationExplicitTriggerKindWins(t *testing.T) {
	t.Parallel()
	o := queuedOrder("ord_8")
	o.OrderStatus = types.StatusOpen
	o.StopLossID = "sl_20250930_0002"

	// Explicit trigger_kind beats the lifecycle-id match.
	m, err := buildMutation(&types.ConfirmationMessage{
		Type:               types.MsgCloseConfirmed,
		OrderID:            "ord_8",
		TriggerKind:        types.TriggerAutocutoff,
		TriggerLifecycleID: "sl_20250930_0002",
	}, o)
	if err != nil {
		t.Fatalf("buildMutation: %v", err)
	}
	if m.Set["close_message"] != "Autocutoff" {
		t.Errorf("close_message = %v, want Autocutoff", m.Set["close_message"])
	}
}

func TestBuildMutationRejectedReleasesOpenMargin(t *testing.T) {
	t.Parallel()
	o := queuedOrder("ord_9")
	o.OrderStatus = types.StatusOpen
	o.Margin = dec("22")

	m, err := buildMutation(&types.ConfirmationMessage{
		Type:    types.MsgRejected,
		OrderID: "ord_9",
	}, o)
	if err != nil {
		t.Fatalf("buildMutation: %v", err)
	}
	if !m.MarginDelta.Equal(dec("-22")) {
		t.Errorf("margin delta = %s, want -22", m.MarginDelta)
	}

	// QUEUED orders never persisted margin durably; nothing to release.
	o.OrderStatus = types.StatusQueued
	m, err = buildMutation(&types.ConfirmationMessage{Type: types.MsgRejected, OrderID: "ord_9"}, o)
	if err != nil {
		t.Fatalf("buildMutation: %v", err)
	}
	if !m.MarginDelta.IsZero() {
		t.Errorf("margin delta = %s for queued order, want 0", m.MarginDelta)
	}
}

func TestCloseRedeliverySettlesAfterPayoutFailure(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	o := queuedOrder("ord_10")
	o.OrderStatus = types.StatusOpen
	o.Status = types.StatusOpen
	o.Margin = dec("11")
	fx.seedOrder(t, o)
	fx.pay.failures = 1

	msg := &types.ConfirmationMessage{
		Type:       types.MsgCloseConfirmed,
		OrderID:    "ord_10",
		UserType:   types.UserLive,
		UserID:     "42",
		ClosePrice: decp("1.09300"),
		NetProfit:  decp("-8"),
		Commission: decp("0.2"),
	}
	if err := fx.worker.Process(context.Background(), msg); err == nil {
		t.Fatal("first delivery must error so the bus redelivers")
	}

	// The failed attempt must give the idempotency claim back; the
	// redelivered message then settles the payout exactly once.
	if err := fx.worker.Process(context.Background(), msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(fx.pay.applied) != 1 {
		t.Fatalf("payout applied %d times after redelivery, want 1", len(fx.pay.applied))
	}
	if !fx.db.margin.Equal(dec("-11")) {
		t.Errorf("aggregate margin = %s, want -11", fx.db.margin)
	}
}

func TestPendingTriggeredAdjustsCachedMargin(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()
	o := queuedOrder("ord_11")
	o.OrderStatus = types.StatusPendingQueued
	o.Status = types.StatusPendingQueued
	fx.seedOrder(t, o)
	if err := fx.cache.PutUserConfig(ctx, &types.UserConfig{
		UserType: types.UserLive, UserID: "42",
	}); err != nil {
		t.Fatal(err)
	}

	evCh, cancel := fx.bus.Subscribe(types.UserLive, "42")
	defer cancel()

	err := fx.worker.Process(ctx, &types.ConfirmationMessage{
		Type:               types.MsgPendingTriggered,
		OrderID:            "ord_11",
		UserType:           types.UserLive,
		UserID:             "42",
		ExecPrice:          decp("1.10095"),
		UsedMarginExecuted: decp("11"),
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	row := fx.db.get("ord_11")
	if row.OrderStatus != types.StatusOpen || !row.Margin.Equal(dec("11")) {
		t.Errorf("row = status %s margin %s", row.OrderStatus, row.Margin)
	}
	// The cached aggregate must move with the durable one.
	cfg, err := fx.cache.GetUserConfig(ctx, types.UserLive, "42")
	if err != nil || cfg == nil {
		t.Fatalf("user config: %v", err)
	}
	if !cfg.Margin.Equal(dec("11")) {
		t.Errorf("cached margin = %s, want 11", cfg.Margin)
	}

	kinds := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case ev := <-evCh:
			kinds[ev.Kind] = true
		case <-time.After(time.Second):
			t.Fatal("missing events")
		}
	}
	if !kinds[events.KindOrderOpened] || !kinds[events.KindUserMarginUpdate] {
		t.Errorf("events = %v", kinds)
	}
}
