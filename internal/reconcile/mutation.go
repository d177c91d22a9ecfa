package reconcile

import (
	"github.com/shopspring/decimal"

	"tradecore/internal/dbstore"
	"tradecore/pkg/apperr"
	"tradecore/pkg/types"
)

// buildMutation maps a confirmation message onto the row-locked order:
// columns to update (8-decimal rounded), the margin delta, and the net
// profit delta. Pure function; the worker tests exercise it directly.
func buildMutation(msg *types.ConfirmationMessage, current *types.Order) (dbstore.ReconcileMutation, error) {
	// Late confirmations for terminal orders are logged and ignored.
	if current.OrderStatus.Terminal() {
		return dbstore.ReconcileMutation{},
			apperr.Newf(apperr.Precondition, "order %s already %s", current.OrderID, current.OrderStatus)
	}

	set := map[string]any{}
	var m dbstore.ReconcileMutation

	putDec := func(col string, v *decimal.Decimal) decimal.Decimal {
		if v == nil {
			return decimal.Zero
		}
		r := types.Round8(*v)
		set[col] = r
		return r
	}

	switch msg.Type {
	case types.MsgOpenConfirmed, types.MsgPendingTriggered:
		// Margin is persisted durably only now, on the confirmed OPEN.
		set["order_status"] = types.StatusOpen
		set["status"] = types.StatusOpen
		putDec("order_price", msg.ExecPrice)
		putDec("contract_value", msg.ContractValue)
		putDec("commission", msg.Commission)
		margin := putDec("margin", msg.UsedMarginExecuted)
		m.MarginDelta = margin

	case types.MsgCloseConfirmed:
		set["order_status"] = types.StatusClosed
		set["status"] = types.StatusClosed
		set["close_message"] = closeMessage(msg, current)
		set["close_id"] = ""
		putDec("close_price", msg.ClosePrice)
		putDec("swap", msg.Swap)
		netProfit := putDec("net_profit", msg.NetProfit)
		m.MarginDelta = current.Margin.Neg()
		m.NetProfitDelta = netProfit

	case types.MsgPendingConfirmed:
		// Provider acknowledged the resting order.
		set["order_status"] = types.StatusPending
		set["status"] = types.StatusPending
		if msg.OrderPrice != nil {
			putDec("order_price", msg.OrderPrice)
		}

	case types.MsgPendingCancel:
		set["order_status"] = types.StatusCancelled
		set["status"] = types.StatusCancelled
		set["cancel_id"] = ""

	case types.MsgStopLossConfirmed:
		putDec("stop_loss", msg.StopLoss)
		set["stoploss_id"] = ""

	case types.MsgStopLossCancel:
		set["stop_loss"] = nil
		set["stoploss_id"] = ""
		set["stoploss_cancel_id"] = ""

	case types.MsgTakeProfitConfirmed:
		putDec("take_profit", msg.TakeProfit)
		set["takeprofit_id"] = ""

	case types.MsgTakeProfitCancel:
		set["take_profit"] = nil
		set["takeprofit_id"] = ""
		set["takeprofit_cancel_id"] = ""

	case types.MsgRejected:
		set["order_status"] = types.StatusRejected
		set["status"] = types.StatusRejected
		// Margin reserved in the cache only; release the durable aggregate
		// only when the order had a confirmed OPEN behind it.
		if current.OrderStatus == types.StatusOpen {
			m.MarginDelta = current.Margin.Neg()
		}

	case types.MsgCloseIDUpdate:
		if msg.NewLifecycleID == "" {
			return dbstore.ReconcileMutation{},
				apperr.New(apperr.Poison, "close id update without new_lifecycle_id")
		}
		set["close_id"] = msg.NewLifecycleID

	default:
		return dbstore.ReconcileMutation{},
			apperr.Newf(apperr.Poison, "unknown confirmation type %q", msg.Type)
	}

	m.Set = set
	return m, nil
}

// closeMessage decides the close_message column: the explicit trigger kind
// when the message carries one, otherwise an exact match of the trigger
// lifecycle id against the row's stored ids.
func closeMessage(msg *types.ConfirmationMessage, current *types.Order) string {
	if msg.CloseMessage != "" {
		return msg.CloseMessage
	}
	if msg.TriggerKind != "" {
		return msg.TriggerKind.CloseMessage()
	}
	if kind := current.MatchLifecycleID(msg.TriggerLifecycleID); kind != "" {
		return kind.CloseMessage()
	}
	return types.TriggerManual.CloseMessage()
}
