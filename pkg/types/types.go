// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the order lifecycle core: user
// and order enums, the canonical order entity, confirmation messages from the
// liquidity provider, wallet transactions, and real-time event payloads. It
// has no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceDecimals is the fractional precision applied to every price, margin and
// balance at persistence boundaries.
const PriceDecimals = 8

// UserType partitions accounts into independent id spaces. A (UserType, UserID)
// pair identifies one account everywhere in the system.
type UserType string

const (
	UserLive         UserType = "live"
	UserDemo         UserType = "demo"
	UserStrategy     UserType = "strategy_provider"
	UserCopyFollower UserType = "copy_follower"
	UserMAM          UserType = "mam_account"
)

// Valid reports whether t is one of the known account classes.
func (t UserType) Valid() bool {
	switch t {
	case UserLive, UserDemo, UserStrategy, UserCopyFollower, UserMAM:
		return true
	}
	return false
}

// OrderKind is the order side/trigger classification.
type OrderKind string

const (
	Buy       OrderKind = "BUY"
	Sell      OrderKind = "SELL"
	BuyLimit  OrderKind = "BUY_LIMIT"
	SellLimit OrderKind = "SELL_LIMIT"
	BuyStop   OrderKind = "BUY_STOP"
	SellStop  OrderKind = "SELL_STOP"
)

// IsPending reports whether the kind is one of the four resting order kinds.
func (k OrderKind) IsPending() bool {
	switch k {
	case BuyLimit, SellLimit, BuyStop, SellStop:
		return true
	}
	return false
}

// Side collapses a pending kind to its market side once triggered.
func (k OrderKind) Side() OrderKind {
	if strings.HasPrefix(string(k), "BUY") {
		return Buy
	}
	return Sell
}

// OrderStatus is the externally visible lifecycle state of an order.
type OrderStatus string

const (
	StatusQueued        OrderStatus = "QUEUED"
	StatusPending       OrderStatus = "PENDING"
	StatusPendingQueued OrderStatus = "PENDING-QUEUED"
	StatusPendingCancel OrderStatus = "PENDING-CANCEL"
	StatusOpen          OrderStatus = "OPEN"
	StatusModify        OrderStatus = "MODIFY"
	StatusClosed        OrderStatus = "CLOSED"
	StatusCancelled     OrderStatus = "CANCELLED"
	StatusRejected      OrderStatus = "REJECTED"
)

// Terminal reports whether the status ends the order's life. Terminal orders
// stay in the durable store for audit but are evicted from the cache.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusClosed, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Flow tells the caller whether an execution response is already authoritative
// (local) or pending a later confirmation from the provider.
type Flow string

const (
	FlowLocal    Flow = "local"
	FlowProvider Flow = "provider"
)

// SendingOrders is the per-user execution path selector.
type SendingOrders string

const (
	SendLocal    SendingOrders = "local"
	SendProvider SendingOrders = "provider"
)

// TriggerKind identifies which lifecycle round trip produced a close
// confirmation. Carried explicitly on the message so the reconciler never has
// to infer the cause from id string shapes.
type TriggerKind string

const (
	TriggerManual     TriggerKind = "close"
	TriggerStopLoss   TriggerKind = "stoploss"
	TriggerTakeProfit TriggerKind = "takeprofit"
	TriggerAutocutoff TriggerKind = "autocutoff"
)

// CloseMessage returns the close_message column value for the trigger.
func (k TriggerKind) CloseMessage() string {
	switch k {
	case TriggerStopLoss:
		return "Stoploss"
	case TriggerTakeProfit:
		return "Takeprofit"
	case TriggerAutocutoff:
		return "Autocutoff"
	default:
		return "Closed"
	}
}

// MessageType enumerates the confirmation kinds consumed by the reconciliation
// worker.
type MessageType string

const (
	MsgOpenConfirmed       MessageType = "ORDER_OPEN_CONFIRMED"
	MsgCloseConfirmed      MessageType = "ORDER_CLOSE_CONFIRMED"
	MsgPendingConfirmed    MessageType = "ORDER_PENDING_CONFIRMED"
	MsgPendingTriggered    MessageType = "ORDER_PENDING_TRIGGERED"
	MsgPendingCancel       MessageType = "ORDER_PENDING_CANCEL"
	MsgStopLossConfirmed   MessageType = "ORDER_STOPLOSS_CONFIRMED"
	MsgStopLossCancel      MessageType = "ORDER_STOPLOSS_CANCEL"
	MsgTakeProfitConfirmed MessageType = "ORDER_TAKEPROFIT_CONFIRMED"
	MsgTakeProfitCancel    MessageType = "ORDER_TAKEPROFIT_CANCEL"
	MsgRejected            MessageType = "ORDER_REJECTED"
	MsgRejectionRecord     MessageType = "ORDER_REJECTION_RECORD"
	MsgCloseIDUpdate       MessageType = "ORDER_CLOSE_ID_UPDATE"
	MsgMAMAggregate        MessageType = "MAM_AGGREGATE_UPDATE"
	MsgAutocutoff          MessageType = "AUTOCUTOFF_SWEEP"
)

// Priority returns the bus priority header for the message kind.
// Closes outrank opens so wallet effects land before new exposure.
func (m MessageType) Priority() uint8 {
	switch m {
	case MsgCloseConfirmed, MsgStopLossConfirmed, MsgTakeProfitConfirmed:
		return 9
	case MsgOpenConfirmed:
		return 8
	case MsgPendingConfirmed, MsgPendingCancel:
		return 7
	case MsgPendingTriggered:
		return 6
	case MsgRejected, MsgRejectionRecord:
		return 5
	case MsgCloseIDUpdate:
		return 4
	default:
		return 3
	}
}

// Order is the canonical order entity. The same shape is stored as a row in
// the durable store and as a hash in the cache; the cache copy is the
// real-time source of truth until the order reaches a terminal status.
type Order struct {
	OrderID  string   `json:"order_id" db:"order_id"`
	UserType UserType `json:"user_type" db:"user_type"`
	UserID   string   `json:"user_id" db:"user_id"`

	Symbol string    `json:"symbol" db:"symbol"`
	Kind   OrderKind `json:"order_type" db:"order_type"`

	OrderPrice    decimal.Decimal `json:"order_price" db:"order_price"`
	OrderQuantity decimal.Decimal `json:"order_quantity" db:"order_quantity"`
	ContractValue decimal.Decimal `json:"contract_value" db:"contract_value"`
	Margin        decimal.Decimal `json:"margin" db:"margin"`
	Commission    decimal.Decimal `json:"commission" db:"commission"`

	// OrderStatus is the committed lifecycle state; Status is the
	// engine-intended state and may transiently diverge during a provider
	// round trip (e.g. OPEN order with Status CLOSED while a close is in
	// flight).
	OrderStatus OrderStatus `json:"order_status" db:"order_status"`
	Status      OrderStatus `json:"status" db:"status"`

	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty" db:"stop_loss"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty" db:"take_profit"`

	ClosePrice   *decimal.Decimal `json:"close_price,omitempty" db:"close_price"`
	NetProfit    *decimal.Decimal `json:"net_profit,omitempty" db:"net_profit"`
	Swap         *decimal.Decimal `json:"swap,omitempty" db:"swap"`
	CloseMessage string           `json:"close_message,omitempty" db:"close_message"`

	// Lifecycle ids: at most one uncommitted id of each kind at a time.
	// A provider confirmation carries the id that started its round trip.
	CloseID            string `json:"close_id,omitempty" db:"close_id"`
	CancelID           string `json:"cancel_id,omitempty" db:"cancel_id"`
	ModifyID           string `json:"modify_id,omitempty" db:"modify_id"`
	StopLossID         string `json:"stoploss_id,omitempty" db:"stoploss_id"`
	StopLossCancelID   string `json:"stoploss_cancel_id,omitempty" db:"stoploss_cancel_id"`
	TakeProfitID       string `json:"takeprofit_id,omitempty" db:"takeprofit_id"`
	TakeProfitCancelID string `json:"takeprofit_cancel_id,omitempty" db:"takeprofit_cancel_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// UserKey returns the "<user_type>:<user_id>" pair used in cache hash tags.
func (o *Order) UserKey() string {
	return fmt.Sprintf("%s:%s", o.UserType, o.UserID)
}

// MatchLifecycleID returns the trigger kind whose stored lifecycle id equals
// id, or "" when no column matches. Exact equality only.
func (o *Order) MatchLifecycleID(id string) TriggerKind {
	if id == "" {
		return ""
	}
	switch id {
	case o.CloseID:
		return TriggerManual
	case o.StopLossID:
		return TriggerStopLoss
	case o.TakeProfitID:
		return TriggerTakeProfit
	}
	return ""
}

// UserConfig is the slice of the user entity the core consumes, mirrored as
// the user:{type:id}:config hash in the cache.
type UserConfig struct {
	UserType UserType `json:"user_type"`
	UserID   string   `json:"user_id"`

	WalletBalance decimal.Decimal `json:"wallet_balance"`
	NetProfit     decimal.Decimal `json:"net_profit"`
	Margin        decimal.Decimal `json:"margin"` // aggregate used margin

	Group         string        `json:"group"`
	Leverage      int           `json:"leverage"`
	SendingOrders SendingOrders `json:"sending_orders"`
	IsActive      bool          `json:"is_active"`
	Status        string        `json:"status"`
	IsSelfTrading bool          `json:"is_self_trading"`
	Role          string        `json:"role"`
}

// GroupSpread is the symbol-group spread configuration used to derive the
// compare price for pending orders: half_spread = spread * spread_pip / 2.
type GroupSpread struct {
	Group     string          `json:"group"`
	Symbol    string          `json:"symbol"`
	Spread    decimal.Decimal `json:"spread"`
	SpreadPip decimal.Decimal `json:"spread_pip"`
}

// HalfSpread returns spread * spread_pip / 2.
func (g GroupSpread) HalfSpread() decimal.Decimal {
	return g.Spread.Mul(g.SpreadPip).Div(decimal.NewFromInt(2))
}

// PendingRecord is the cache-only metadata attached to a resting order,
// alongside its membership in the sorted pending index.
type PendingRecord struct {
	OrderID      string          `json:"order_id"`
	UserType     UserType        `json:"user_type"`
	UserID       string          `json:"user_id"`
	Symbol       string          `json:"symbol"`
	Kind         OrderKind       `json:"order_type"`
	UserPrice    decimal.Decimal `json:"user_price"`
	ComparePrice decimal.Decimal `json:"compare_price"`
	Quantity     decimal.Decimal `json:"order_quantity"`
}

// TransactionType classifies wallet ledger rows.
type TransactionType string

const (
	TxnCommission TransactionType = "commission"
	TxnProfit     TransactionType = "profit"
	TxnLoss       TransactionType = "loss"
	TxnDeposit    TransactionType = "deposit"
	TxnWithdrawal TransactionType = "withdrawal"
)

// WalletTransaction is one immutable ledger row. BalanceBefore/After bracket
// the row so the ledger can be replayed and audited.
type WalletTransaction struct {
	TransactionID string          `json:"transaction_id" db:"transaction_id"`
	UserType      UserType        `json:"user_type" db:"user_type"`
	UserID        string          `json:"user_id" db:"user_id"`
	OrderID       string          `json:"order_id" db:"order_id"`
	Type          TransactionType `json:"type" db:"type"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after" db:"balance_after"`
	Status        string          `json:"status" db:"status"`
	Metadata      string          `json:"metadata,omitempty" db:"metadata"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// ConfirmationMessage is the wire shape delivered by the provider (or by the
// trigger worker) onto the reconciliation bus. Fields absent from a given
// kind are omitted.
type ConfirmationMessage struct {
	Type     MessageType `json:"type"`
	OrderID  string      `json:"order_id"`
	UserID   string      `json:"user_id,omitempty"`
	UserType UserType    `json:"user_type,omitempty"`

	OrderStatus OrderStatus `json:"order_status,omitempty"`

	ExecPrice  *decimal.Decimal `json:"exec_price,omitempty"`
	ClosePrice *decimal.Decimal `json:"close_price,omitempty"`
	NetProfit  *decimal.Decimal `json:"net_profit,omitempty"`
	Commission *decimal.Decimal `json:"commission,omitempty"`
	ProfitUSD  *decimal.Decimal `json:"profit_usd,omitempty"`
	Swap       *decimal.Decimal `json:"swap,omitempty"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
	OrderPrice *decimal.Decimal `json:"order_price,omitempty"`

	UsedMarginExecuted *decimal.Decimal `json:"used_margin_executed,omitempty"`
	UsedMarginAll      *decimal.Decimal `json:"used_margin_all,omitempty"`
	ContractValue      *decimal.Decimal `json:"contract_value,omitempty"`

	TriggerLifecycleID string      `json:"trigger_lifecycle_id,omitempty"`
	TriggerKind        TriggerKind `json:"trigger_kind,omitempty"`
	CloseMessage       string      `json:"close_message,omitempty"`
	CloseOrigin        string      `json:"close_origin,omitempty"`

	// New lifecycle id for ORDER_CLOSE_ID_UPDATE.
	NewLifecycleID string `json:"new_lifecycle_id,omitempty"`

	Reason        string `json:"reason,omitempty"`
	RejectionType string `json:"rejection_type,omitempty"`
	Symbol        string `json:"symbol,omitempty"`
}

// RejectionRecord is the durable record created for every provider or
// validation rejection surfaced to a user.
type RejectionRecord struct {
	ID               int64           `json:"id" db:"id"`
	CanonicalOrderID string          `json:"canonical_order_id" db:"canonical_order_id"`
	RejectionType    string          `json:"rejection_type" db:"rejection_type"`
	Reason           string          `json:"reason" db:"reason"`
	Symbol           string          `json:"symbol" db:"symbol"`
	UserType         UserType        `json:"user_type" db:"user_type"`
	UserID           string          `json:"user_id" db:"user_id"`
	ReleasedMargin   decimal.Decimal `json:"released_margin" db:"released_margin"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// MarketPrice is the live quote for a symbol, written by the market-data feed
// and read by pending placement and the trigger worker.
type MarketPrice struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Round8 rounds a decimal to the canonical 8 fractional digits.
func Round8(d decimal.Decimal) decimal.Decimal {
	return d.Round(PriceDecimals)
}

// Round8p rounds an optional decimal in place, passing nil through.
func Round8p(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	r := d.Round(PriceDecimals)
	return &r
}
