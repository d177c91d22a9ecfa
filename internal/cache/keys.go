// keys.go builds every cache key the core uses.
//
// Keys wrap the sharding-sensitive portion in a bracketed hash tag so all of
// one user's data (and all of one symbol's pending data) lands in the same
// hash slot. Same-slot data may be written in one pipeline; anything else
// must be written sequentially (see writer.go).
package cache

import (
	"fmt"
	"strings"

	"tradecore/pkg/types"
)

// UserTag returns the "{<user_type>:<user_id>}" hash tag.
func UserTag(userType types.UserType, userID string) string {
	return fmt.Sprintf("{%s:%s}", userType, userID)
}

// SymbolTag returns the "{<symbol>}" hash tag for pending indices.
func SymbolTag(symbol string) string {
	return fmt.Sprintf("{%s}", strings.ToUpper(symbol))
}

// KeyOrderData is the canonical order hash: order_data:<order_id>.
func KeyOrderData(orderID string) string {
	return "order_data:" + orderID
}

// KeyUserHolding is the per-user order projection:
// user_holdings:{<user_type>:<user_id>}:<order_id>.
func KeyUserHolding(userType types.UserType, userID, orderID string) string {
	return fmt.Sprintf("user_holdings:%s:%s", UserTag(userType, userID), orderID)
}

// KeyUserOrdersIndex is the set of open/pending order ids per user.
func KeyUserOrdersIndex(userType types.UserType, userID string) string {
	return fmt.Sprintf("user_orders_index:%s", UserTag(userType, userID))
}

// KeyUserConfig is the user's config hash (wallet_balance, sending_orders, ...).
func KeyUserConfig(userType types.UserType, userID string) string {
	return fmt.Sprintf("user:%s:config", UserTag(userType, userID))
}

// KeyUserPortfolio is the derived portfolio snapshot hash.
func KeyUserPortfolio(userType types.UserType, userID string) string {
	return fmt.Sprintf("user_portfolio:%s", UserTag(userType, userID))
}

// KeyPendingIndex is the sorted pending index per (symbol, pending kind),
// scored by compare_price.
func KeyPendingIndex(symbol string, kind types.OrderKind) string {
	return fmt.Sprintf("pending_index:%s:%s", SymbolTag(symbol), kind)
}

// KeyPendingOrder is the pending metadata hash per order.
func KeyPendingOrder(orderID string) string {
	return "pending_orders:" + orderID
}

// KeyPendingActiveSymbols is the set of symbols with at least one resting order.
const KeyPendingActiveSymbols = "pending_active_symbols"

// KeySymbolHolders is the set of user ids with open positions on a symbol,
// one set per user type.
func KeySymbolHolders(symbol string, userType types.UserType) string {
	return fmt.Sprintf("symbol_holders:%s:%s", strings.ToUpper(symbol), userType)
}

// KeyMarketPrice is the live bid/ask hash per symbol.
func KeyMarketPrice(symbol string) string {
	return "market_price:" + strings.ToUpper(symbol)
}

// KeyGroupSpread is the spread config hash per (group, symbol).
func KeyGroupSpread(group, symbol string) string {
	return fmt.Sprintf("group_spread:%s:%s", group, strings.ToUpper(symbol))
}

// KeyOrderProcessing is the short reconciliation lock per order.
func KeyOrderProcessing(orderID string) string {
	return "order_processing:" + orderID
}

// KeyClosePayoutApplied is the payout idempotency guard per order.
func KeyClosePayoutApplied(orderID string) string {
	return "close_payout_applied:" + orderID
}

// KeyCloseNPApplied is the net-profit aggregate idempotency guard per order.
func KeyCloseNPApplied(orderID string) string {
	return "close_np_applied:" + orderID
}

// slotTag returns the cluster slot discriminator of a key: the content of the
// first {...} pair when present and non-empty, otherwise the whole key.
// This mirrors the Redis Cluster hashing rule.
func slotTag(key string) string {
	open := strings.IndexByte(key, '{')
	if open == -1 {
		return key
	}
	close := strings.IndexByte(key[open+1:], '}')
	if close == -1 || close == 0 {
		return key
	}
	return key[open+1 : open+1+close]
}
