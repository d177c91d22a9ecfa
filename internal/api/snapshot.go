package api

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/cache"
	"tradecore/pkg/apperr"
	"tradecore/pkg/types"
)

// Quotes serves the latest market quote per symbol.
type Quotes interface {
	Get(symbol string) (types.MarketPrice, bool)
}

// PortfolioSnapshot is the point-in-time view of one account.
type PortfolioSnapshot struct {
	UserType      types.UserType `json:"user_type"`
	UserID        string         `json:"user_id"`
	WalletBalance string         `json:"wallet_balance"`
	Margin        string         `json:"margin"`
	NetProfit     string         `json:"net_profit"`
	Equity        string         `json:"equity"`
	Orders        []OrderView    `json:"orders"`
	GeneratedAt   time.Time      `json:"generated_at"`
}

// OrderView is one cached holding marked against the latest quote.
type OrderView struct {
	OrderID       string            `json:"order_id"`
	Symbol        string            `json:"symbol"`
	Kind          types.OrderKind   `json:"kind"`
	OrderStatus   types.OrderStatus `json:"order_status"`
	OrderPrice    string            `json:"order_price"`
	Quantity      string            `json:"quantity"`
	Margin        string            `json:"margin"`
	StopLoss      *string           `json:"stop_loss,omitempty"`
	TakeProfit    *string           `json:"take_profit,omitempty"`
	MarketBid     *string           `json:"market_bid,omitempty"`
	MarketAsk     *string           `json:"market_ask,omitempty"`
	UnrealizedPnL *string           `json:"unrealized_pnl,omitempty"`
}

// BuildPortfolio assembles the snapshot from the cache and the price mirror.
// Equity is balance plus the unrealized PnL of every open order with a quote.
func BuildPortfolio(ctx context.Context, store *cache.Store, quotes Quotes,
	userType types.UserType, userID string) (*PortfolioSnapshot, error) {

	cfg, err := store.GetUserConfig(ctx, userType, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "read user config", err)
	}
	if cfg == nil {
		return nil, apperr.Newf(apperr.NotFound, "no cached config for %s:%s", userType, userID)
	}

	ids, err := store.UserOrderIDs(ctx, userType, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "list holdings", err)
	}

	snap := &PortfolioSnapshot{
		UserType:      userType,
		UserID:        userID,
		WalletBalance: cfg.WalletBalance.String(),
		Margin:        cfg.Margin.String(),
		NetProfit:     cfg.NetProfit.String(),
		GeneratedAt:   time.Now().UTC(),
	}

	unrealized := decimal.Zero
	for _, orderID := range ids {
		o, err := store.GetHolding(ctx, userType, userID, orderID)
		if err != nil || o == nil {
			continue
		}
		view := OrderView{
			OrderID:     o.OrderID,
			Symbol:      o.Symbol,
			Kind:        o.Kind,
			OrderStatus: o.OrderStatus,
			OrderPrice:  o.OrderPrice.String(),
			Quantity:    o.OrderQuantity.String(),
			Margin:      o.Margin.String(),
		}
		if o.StopLoss != nil {
			s := o.StopLoss.String()
			view.StopLoss = &s
		}
		if o.TakeProfit != nil {
			s := o.TakeProfit.String()
			view.TakeProfit = &s
		}
		if quote, ok := quotes.Get(o.Symbol); ok {
			bid, ask := quote.Bid.String(), quote.Ask.String()
			view.MarketBid = &bid
			view.MarketAsk = &ask
			if o.OrderStatus == types.StatusOpen {
				var pnl decimal.Decimal
				if o.Kind.Side() == types.Buy {
					pnl = quote.Bid.Sub(o.OrderPrice).Mul(o.OrderQuantity)
				} else {
					pnl = o.OrderPrice.Sub(quote.Ask).Mul(o.OrderQuantity)
				}
				pnl = types.Round8(pnl)
				s := pnl.String()
				view.UnrealizedPnL = &s
				unrealized = unrealized.Add(pnl)
			}
		}
		snap.Orders = append(snap.Orders, view)
	}

	snap.Equity = cfg.WalletBalance.Add(unrealized).String()
	return snap, nil
}
