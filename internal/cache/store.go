// Package cache is the canonical (real-time) store for order state, user
// holdings, pending indices, and user config, backed by Redis.
//
// Three rules govern every write:
//
//  1. Per-user data is keyed under one hash tag, so the canonical holdings
//     projection and the user order index can be written in one pipeline.
//  2. Updates spanning two slots (canonical order_data + user holdings) are
//     two sequential operations, never one pipeline.
//  3. Canonical records of terminal orders (CLOSED/CANCELLED/REJECTED) are
//     deleted; the durable store keeps the audit row.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

// Store wraps the Redis client with the core's keyspace operations.
type Store struct {
	rdb redis.UniversalClient
}

// NewStore creates a canonical store on the given client.
func NewStore(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Client exposes the underlying client for collaborators that share the
// connection (locks, id sequences, pub/sub bridge).
func (s *Store) Client() redis.UniversalClient { return s.rdb }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// --- canonical order record ---

// PutCanonical writes the full order hash at order_data:<order_id>.
func (s *Store) PutCanonical(ctx context.Context, o *types.Order) error {
	if err := s.rdb.HSet(ctx, KeyOrderData(o.OrderID), orderToFields(o)).Err(); err != nil {
		return fmt.Errorf("put canonical %s: %w", o.OrderID, err)
	}
	return nil
}

// GetCanonical reads the canonical record. Returns nil, nil when absent
// (expected after terminal states).
func (s *Store) GetCanonical(ctx context.Context, orderID string) (*types.Order, error) {
	fields, err := s.rdb.HGetAll(ctx, KeyOrderData(orderID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get canonical %s: %w", orderID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return orderFromFields(fields)
}

// DeleteCanonical removes the canonical record (terminal states).
func (s *Store) DeleteCanonical(ctx context.Context, orderID string) error {
	if err := s.rdb.Del(ctx, KeyOrderData(orderID)).Err(); err != nil {
		return fmt.Errorf("delete canonical %s: %w", orderID, err)
	}
	return nil
}

// --- user holdings projection (same slot as the user index) ---

// PutHolding writes the per-user projection and adds the order to the user's
// index in one same-slot pipeline.
func (s *Store) PutHolding(ctx context.Context, o *types.Order) error {
	holdingKey := KeyUserHolding(o.UserType, o.UserID, o.OrderID)
	indexKey := KeyUserOrdersIndex(o.UserType, o.UserID)

	return s.SameSlot(holdingKey).
		HSet(holdingKey, orderToFields(o)).
		SAdd(indexKey, o.OrderID).
		Exec(ctx)
}

// RemoveHolding deletes the projection and index membership (terminal states),
// again in one same-slot pipeline.
func (s *Store) RemoveHolding(ctx context.Context, userType types.UserType, userID, orderID string) error {
	holdingKey := KeyUserHolding(userType, userID, orderID)
	indexKey := KeyUserOrdersIndex(userType, userID)

	return s.SameSlot(holdingKey).
		Del(holdingKey).
		SRem(indexKey, orderID).
		Exec(ctx)
}

// GetHolding reads one per-user projection. Returns nil, nil when absent.
func (s *Store) GetHolding(ctx context.Context, userType types.UserType, userID, orderID string) (*types.Order, error) {
	fields, err := s.rdb.HGetAll(ctx, KeyUserHolding(userType, userID, orderID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get holding %s: %w", orderID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return orderFromFields(fields)
}

// UserOrderIDs lists the user's open/pending order ids.
func (s *Store) UserOrderIDs(ctx context.Context, userType types.UserType, userID string) ([]string, error) {
	idsList, err := s.rdb.SMembers(ctx, KeyUserOrdersIndex(userType, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("user order ids %s:%s: %w", userType, userID, err)
	}
	return idsList, nil
}

// --- pending trigger index ---

// AddPending registers a resting order: index membership scored by
// compare_price (same symbol slot), metadata hash, and the active-symbols set.
func (s *Store) AddPending(ctx context.Context, rec *types.PendingRecord) error {
	score, _ := rec.ComparePrice.Float64()
	if err := s.rdb.ZAdd(ctx, KeyPendingIndex(rec.Symbol, rec.Kind),
		redis.Z{Score: score, Member: rec.OrderID}).Err(); err != nil {
		return fmt.Errorf("add pending index %s: %w", rec.OrderID, err)
	}
	if err := s.rdb.HSet(ctx, KeyPendingOrder(rec.OrderID), pendingToFields(rec)).Err(); err != nil {
		return fmt.Errorf("add pending meta %s: %w", rec.OrderID, err)
	}
	if err := s.rdb.SAdd(ctx, KeyPendingActiveSymbols, rec.Symbol).Err(); err != nil {
		return fmt.Errorf("add pending symbol %s: %w", rec.Symbol, err)
	}
	return nil
}

// RemovePending removes a resting order from the index and deletes its
// metadata. Returns true if this caller removed the index member; replayed
// removals return false, which the trigger worker uses for idempotency.
func (s *Store) RemovePending(ctx context.Context, symbol string, kind types.OrderKind, orderID string) (bool, error) {
	removed, err := s.rdb.ZRem(ctx, KeyPendingIndex(symbol, kind), orderID).Result()
	if err != nil {
		return false, fmt.Errorf("remove pending index %s: %w", orderID, err)
	}
	if err := s.rdb.Del(ctx, KeyPendingOrder(orderID)).Err(); err != nil {
		return false, fmt.Errorf("remove pending meta %s: %w", orderID, err)
	}
	return removed > 0, nil
}

// UpdatePendingPrice re-scores an index member and overwrites the price
// fields, all within the symbol's slot for the index and a separate metadata
// write (different slot).
func (s *Store) UpdatePendingPrice(ctx context.Context, rec *types.PendingRecord) error {
	score, _ := rec.ComparePrice.Float64()
	indexKey := KeyPendingIndex(rec.Symbol, rec.Kind)

	// ZADD on an existing member updates its score in place.
	if err := s.SameSlot(indexKey).
		ZAdd(indexKey, score, rec.OrderID).
		Exec(ctx); err != nil {
		return err
	}
	return s.rdb.HSet(ctx, KeyPendingOrder(rec.OrderID), map[string]any{
		"order_price":   rec.UserPrice.String(),
		"compare_price": rec.ComparePrice.String(),
	}).Err()
}

// GetPending reads pending metadata. Returns nil, nil when absent.
func (s *Store) GetPending(ctx context.Context, orderID string) (*types.PendingRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, KeyPendingOrder(orderID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get pending %s: %w", orderID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return pendingFromFields(fields)
}

// PendingInRange returns index members whose compare_price falls in
// [min, max] (inclusive). Used by the trigger worker on each tick.
func (s *Store) PendingInRange(ctx context.Context, symbol string, kind types.OrderKind, min, max string) ([]string, error) {
	members, err := s.rdb.ZRangeByScore(ctx, KeyPendingIndex(symbol, kind), &redis.ZRangeBy{
		Min: min, Max: max,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("pending range %s %s: %w", symbol, kind, err)
	}
	return members, nil
}

// ActiveSymbols lists symbols with at least one resting order.
func (s *Store) ActiveSymbols(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, KeyPendingActiveSymbols).Result()
}

// --- symbol holders ---

// AddSymbolHolder records that a user holds an open position on a symbol.
// Members are bare user ids; the set key carries the user type.
func (s *Store) AddSymbolHolder(ctx context.Context, symbol string, userType types.UserType, userID string) error {
	return s.rdb.SAdd(ctx, KeySymbolHolders(symbol, userType), userID).Err()
}

// RemoveSymbolHolder drops a user from the symbol-holder set once they hold
// no open orders on the symbol.
func (s *Store) RemoveSymbolHolder(ctx context.Context, symbol string, userType types.UserType, userID string) error {
	return s.rdb.SRem(ctx, KeySymbolHolders(symbol, userType), userID).Err()
}

// SymbolHolders lists the user ids holding positions on a symbol.
func (s *Store) SymbolHolders(ctx context.Context, symbol string, userType types.UserType) ([]string, error) {
	return s.rdb.SMembers(ctx, KeySymbolHolders(symbol, userType)).Result()
}

// --- user config ---

// GetUserConfig reads the user's config hash. Returns nil, nil when absent.
func (s *Store) GetUserConfig(ctx context.Context, userType types.UserType, userID string) (*types.UserConfig, error) {
	fields, err := s.rdb.HGetAll(ctx, KeyUserConfig(userType, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get user config %s:%s: %w", userType, userID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	cfg := &types.UserConfig{
		UserType:      userType,
		UserID:        userID,
		WalletBalance: parseDec(fields["wallet_balance"]),
		NetProfit:     parseDec(fields["net_profit"]),
		Margin:        parseDec(fields["margin"]),
		Group:         fields["group"],
		SendingOrders: types.SendingOrders(fields["sending_orders"]),
		IsActive:      fields["is_active"] == "1" || fields["is_active"] == "true",
		Status:        fields["status"],
		IsSelfTrading: fields["is_self_trading"] == "1" || fields["is_self_trading"] == "true",
		Role:          fields["role"],
	}
	if lv, err := strconv.Atoi(fields["leverage"]); err == nil {
		cfg.Leverage = lv
	}
	return cfg, nil
}

// PutUserConfig writes the full config hash (startup seeding, rebuilds).
func (s *Store) PutUserConfig(ctx context.Context, cfg *types.UserConfig) error {
	fields := map[string]any{
		"wallet_balance":  cfg.WalletBalance.String(),
		"net_profit":      cfg.NetProfit.String(),
		"margin":          cfg.Margin.String(),
		"group":           cfg.Group,
		"leverage":        strconv.Itoa(cfg.Leverage),
		"sending_orders":  string(cfg.SendingOrders),
		"is_active":       boolField(cfg.IsActive),
		"status":          cfg.Status,
		"is_self_trading": boolField(cfg.IsSelfTrading),
		"role":            cfg.Role,
	}
	return s.rdb.HSet(ctx, KeyUserConfig(cfg.UserType, cfg.UserID), fields).Err()
}

// SetUserConfigFields updates individual config fields (e.g. wallet_balance
// after a payout, margin after an open).
func (s *Store) SetUserConfigFields(ctx context.Context, userType types.UserType, userID string, fields map[string]any) error {
	return s.rdb.HSet(ctx, KeyUserConfig(userType, userID), fields).Err()
}

// AdjustUserMargin changes the aggregate used margin by delta and returns the
// new value. HIncrByFloat keeps concurrent adjustments atomic.
func (s *Store) AdjustUserMargin(ctx context.Context, userType types.UserType, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	f, _ := delta.Float64()
	v, err := s.rdb.HIncrByFloat(ctx, KeyUserConfig(userType, userID), "margin", f).Result()
	if err != nil {
		return decimal.Zero, fmt.Errorf("adjust margin %s:%s: %w", userType, userID, err)
	}
	return types.Round8(decimal.NewFromFloat(v)), nil
}

// --- market prices & spreads ---

// SetMarketPrice mirrors the live quote for a symbol.
func (s *Store) SetMarketPrice(ctx context.Context, p *types.MarketPrice) error {
	return s.rdb.HSet(ctx, KeyMarketPrice(p.Symbol), map[string]any{
		"bid":        p.Bid.String(),
		"ask":        p.Ask.String(),
		"updated_at": p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}).Err()
}

// GetMarketPrice reads the live quote. Returns nil, nil when missing.
func (s *Store) GetMarketPrice(ctx context.Context, symbol string) (*types.MarketPrice, error) {
	fields, err := s.rdb.HGetAll(ctx, KeyMarketPrice(symbol)).Result()
	if err != nil {
		return nil, fmt.Errorf("get market price %s: %w", symbol, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	p := &types.MarketPrice{
		Symbol: symbol,
		Bid:    parseDec(fields["bid"]),
		Ask:    parseDec(fields["ask"]),
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		p.UpdatedAt = ts
	}
	return p, nil
}

// GetGroupSpread reads the spread config for a (group, symbol) pair.
// Returns nil, nil when the group carries no override for the symbol.
func (s *Store) GetGroupSpread(ctx context.Context, group, symbol string) (*types.GroupSpread, error) {
	fields, err := s.rdb.HGetAll(ctx, KeyGroupSpread(group, symbol)).Result()
	if err != nil {
		return nil, fmt.Errorf("get group spread %s/%s: %w", group, symbol, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return &types.GroupSpread{
		Group:     group,
		Symbol:    symbol,
		Spread:    parseDec(fields["spread"]),
		SpreadPip: parseDec(fields["spread_pip"]),
	}, nil
}

// PutGroupSpread writes spread config (seeding, admin rebuilds).
func (s *Store) PutGroupSpread(ctx context.Context, g *types.GroupSpread) error {
	return s.rdb.HSet(ctx, KeyGroupSpread(g.Group, g.Symbol), map[string]any{
		"spread":     g.Spread.String(),
		"spread_pip": g.SpreadPip.String(),
	}).Err()
}

// --- idempotency keys ---

const (
	orderProcessingTTL = 60 * time.Second
	payoutGuardTTL     = 7 * 24 * time.Hour
)

// ClaimPayout sets the close_payout_applied guard; false means a previous
// application already claimed it.
func (s *Store) ClaimPayout(ctx context.Context, orderID string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, KeyClosePayoutApplied(orderID), "1", payoutGuardTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim payout %s: %w", orderID, err)
	}
	return ok, nil
}

// ReleasePayoutClaim drops the close_payout_applied guard so a retry can
// claim again. Called when the payout fails after this process claimed it;
// without the release, redelivery would skip the settlement forever.
func (s *Store) ReleasePayoutClaim(ctx context.Context, orderID string) error {
	if err := s.rdb.Del(ctx, KeyClosePayoutApplied(orderID)).Err(); err != nil {
		return fmt.Errorf("release payout claim %s: %w", orderID, err)
	}
	return nil
}

// ClaimNetProfit sets the close_np_applied guard for aggregate updates.
func (s *Store) ClaimNetProfit(ctx context.Context, orderID string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, KeyCloseNPApplied(orderID), "1", payoutGuardTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim net profit %s: %w", orderID, err)
	}
	return ok, nil
}

// --- field mapping ---

func orderToFields(o *types.Order) map[string]any {
	fields := map[string]any{
		"order_id":       o.OrderID,
		"user_type":      string(o.UserType),
		"user_id":        o.UserID,
		"symbol":         o.Symbol,
		"order_type":     string(o.Kind),
		"order_price":    o.OrderPrice.String(),
		"order_quantity": o.OrderQuantity.String(),
		"contract_value": o.ContractValue.String(),
		"margin":         o.Margin.String(),
		"commission":     o.Commission.String(),
		"order_status":   string(o.OrderStatus),
		"status":         string(o.Status),
		"close_message":  o.CloseMessage,

		"close_id":             o.CloseID,
		"cancel_id":            o.CancelID,
		"modify_id":            o.ModifyID,
		"stoploss_id":          o.StopLossID,
		"stoploss_cancel_id":   o.StopLossCancelID,
		"takeprofit_id":        o.TakeProfitID,
		"takeprofit_cancel_id": o.TakeProfitCancelID,

		"created_at": o.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at": o.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	putDecp(fields, "stop_loss", o.StopLoss)
	putDecp(fields, "take_profit", o.TakeProfit)
	putDecp(fields, "close_price", o.ClosePrice)
	putDecp(fields, "net_profit", o.NetProfit)
	putDecp(fields, "swap", o.Swap)
	return fields
}

func orderFromFields(fields map[string]string) (*types.Order, error) {
	if fields["order_id"] == "" {
		return nil, fmt.Errorf("order fields missing order_id")
	}
	o := &types.Order{
		OrderID:       fields["order_id"],
		UserType:      types.UserType(fields["user_type"]),
		UserID:        fields["user_id"],
		Symbol:        fields["symbol"],
		Kind:          types.OrderKind(fields["order_type"]),
		OrderPrice:    parseDec(fields["order_price"]),
		OrderQuantity: parseDec(fields["order_quantity"]),
		ContractValue: parseDec(fields["contract_value"]),
		Margin:        parseDec(fields["margin"]),
		Commission:    parseDec(fields["commission"]),
		OrderStatus:   types.OrderStatus(fields["order_status"]),
		Status:        types.OrderStatus(fields["status"]),
		CloseMessage:  fields["close_message"],

		CloseID:            fields["close_id"],
		CancelID:           fields["cancel_id"],
		ModifyID:           fields["modify_id"],
		StopLossID:         fields["stoploss_id"],
		StopLossCancelID:   fields["stoploss_cancel_id"],
		TakeProfitID:       fields["takeprofit_id"],
		TakeProfitCancelID: fields["takeprofit_cancel_id"],

		StopLoss:   parseDecp(fields["stop_loss"]),
		TakeProfit: parseDecp(fields["take_profit"]),
		ClosePrice: parseDecp(fields["close_price"]),
		NetProfit:  parseDecp(fields["net_profit"]),
		Swap:       parseDecp(fields["swap"]),
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		o.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		o.UpdatedAt = ts
	}
	return o, nil
}

func pendingToFields(rec *types.PendingRecord) map[string]any {
	return map[string]any{
		"order_id":       rec.OrderID,
		"user_type":      string(rec.UserType),
		"user_id":        rec.UserID,
		"symbol":         rec.Symbol,
		"order_type":     string(rec.Kind),
		"order_price":    rec.UserPrice.String(),
		"compare_price":  rec.ComparePrice.String(),
		"order_quantity": rec.Quantity.String(),
	}
}

func pendingFromFields(fields map[string]string) (*types.PendingRecord, error) {
	if fields["order_id"] == "" {
		return nil, fmt.Errorf("pending fields missing order_id")
	}
	return &types.PendingRecord{
		OrderID:      fields["order_id"],
		UserType:     types.UserType(fields["user_type"]),
		UserID:       fields["user_id"],
		Symbol:       fields["symbol"],
		Kind:         types.OrderKind(fields["order_type"]),
		UserPrice:    parseDec(fields["order_price"]),
		ComparePrice: parseDec(fields["compare_price"]),
		Quantity:     parseDec(fields["order_quantity"]),
	}, nil
}

func putDecp(fields map[string]any, name string, d *decimal.Decimal) {
	if d != nil {
		fields[name] = d.String()
	}
}

func parseDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseDecp(s string) *decimal.Decimal {
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
