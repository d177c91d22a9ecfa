// Package execution implements the client for the pricing/liquidation engine RPC.
//
// The client talks to the engine for every execution-path operation:
//   - Instant:            POST /orders/instant-execute
//   - Close:              POST /orders/close
//   - StopLossAdd:        POST /orders/stoploss/add
//   - StopLossCancel:     POST /orders/stoploss/cancel
//   - TakeProfitAdd:      POST /orders/takeprofit/add
//   - TakeProfitCancel:   POST /orders/takeprofit/cancel
//   - PendingPlace:       POST /orders/pending/place
//   - PendingModify:      POST /orders/pending/modify
//   - PendingCancel:      POST /orders/pending/cancel
//   - RegisterLifecycleID: POST /lifecycle-ids/register
//
// Every response carries flow = "local" | "provider". Local responses are
// authoritative and include the fill numbers; provider responses mean the
// state change is pending a later confirmation on the message bus. 4xx
// responses surface a structured reason; 409 specifically is an idempotent
// duplicate. Requests are rate-limited per category, retried on 5xx, and
// authenticated with the shared internal secret header.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"tradecore/pkg/apperr"
	"tradecore/pkg/types"
)

const secretHeader = "X-Internal-Secret"

// Client is the engine RPC client. It wraps a resty HTTP client with rate
// limiting, retry, and the shared-secret header.
type Client struct {
	http   *resty.Client
	rl     *RateLimiter
	logger *slog.Logger
}

// NewClient creates an RPC client against the engine base URL.
func NewClient(baseURL, secret string, timeout time.Duration, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader(secretHeader, secret)

	return &Client{
		http:   httpClient,
		rl:     NewRateLimiter(),
		logger: logger.With("component", "execution"),
	}
}

// InstantRequest places an instant market execution.
type InstantRequest struct {
	OrderID       string          `json:"order_id"`
	UserType      types.UserType  `json:"user_type"`
	UserID        string          `json:"user_id"`
	Symbol        string          `json:"symbol"`
	OrderType     types.OrderKind `json:"order_type"`
	OrderPrice    decimal.Decimal `json:"order_price"`
	OrderQuantity decimal.Decimal `json:"order_quantity"`
	Leverage      int             `json:"leverage"`
	Group         string          `json:"group"`
	// TriggerSource marks executions originating from the pending-trigger
	// worker or the autocutoff monitor; empty for user intents.
	TriggerSource string `json:"trigger_source,omitempty"`
}

// LifecycleRequest covers every operation identified by one lifecycle id:
// close, SL/TP add and cancel, pending modify and cancel.
type LifecycleRequest struct {
	OrderID     string            `json:"order_id"`
	UserType    types.UserType    `json:"user_type"`
	UserID      string            `json:"user_id"`
	LifecycleID string            `json:"lifecycle_id"`
	Price       *decimal.Decimal  `json:"price,omitempty"`        // SL/TP level, pending modify price
	TriggerKind types.TriggerKind `json:"trigger_kind,omitempty"` // closes only
}

// PendingPlaceRequest dispatches a provider-path pending order.
type PendingPlaceRequest struct {
	OrderID       string          `json:"order_id"`
	UserType      types.UserType  `json:"user_type"`
	UserID        string          `json:"user_id"`
	Symbol        string          `json:"symbol"`
	OrderType     types.OrderKind `json:"order_type"`
	OrderPrice    decimal.Decimal `json:"order_price"`
	OrderQuantity decimal.Decimal `json:"order_quantity"`
	CancelID      string          `json:"cancel_id"`
}

// Result is the engine's answer. Flow decides whether the numbers are
// authoritative (local) or a confirmation will follow (provider).
type Result struct {
	Flow               types.Flow       `json:"flow"`
	ExecPrice          *decimal.Decimal `json:"exec_price,omitempty"`
	MarginUSD          *decimal.Decimal `json:"margin_usd,omitempty"`
	ContractValue      *decimal.Decimal `json:"contract_value,omitempty"`
	CommissionEntry    *decimal.Decimal `json:"commission_entry,omitempty"`
	UsedMarginExecuted *decimal.Decimal `json:"used_margin_executed,omitempty"`
	ClosePrice         *decimal.Decimal `json:"close_price,omitempty"`
	NetProfit          *decimal.Decimal `json:"net_profit,omitempty"`
	Reason             string           `json:"reason,omitempty"`
}

// Instant requests an instant execution (place-instant, pending trigger,
// autocutoff close-all legs).
func (c *Client) Instant(ctx context.Context, req InstantRequest) (*Result, error) {
	return c.post(ctx, c.rl.Execute, "/orders/instant-execute", req)
}

// Close requests an order close.
func (c *Client) Close(ctx context.Context, req LifecycleRequest) (*Result, error) {
	return c.post(ctx, c.rl.Close, "/orders/close", req)
}

// StopLossAdd attaches a stop-loss trigger.
func (c *Client) StopLossAdd(ctx context.Context, req LifecycleRequest) (*Result, error) {
	return c.post(ctx, c.rl.Close, "/orders/stoploss/add", req)
}

// StopLossCancel removes a stop-loss trigger.
func (c *Client) StopLossCancel(ctx context.Context, req LifecycleRequest) (*Result, error) {
	return c.post(ctx, c.rl.Close, "/orders/stoploss/cancel", req)
}

// TakeProfitAdd attaches a take-profit trigger.
func (c *Client) TakeProfitAdd(ctx context.Context, req LifecycleRequest) (*Result, error) {
	return c.post(ctx, c.rl.Close, "/orders/takeprofit/add", req)
}

// TakeProfitCancel removes a take-profit trigger.
func (c *Client) TakeProfitCancel(ctx context.Context, req LifecycleRequest) (*Result, error) {
	return c.post(ctx, c.rl.Close, "/orders/takeprofit/cancel", req)
}

// PendingPlace dispatches a provider-path pending order.
func (c *Client) PendingPlace(ctx context.Context, req PendingPlaceRequest) (*Result, error) {
	return c.post(ctx, c.rl.Pending, "/orders/pending/place", req)
}

// PendingModify updates a provider-path pending order's price.
func (c *Client) PendingModify(ctx context.Context, req LifecycleRequest) (*Result, error) {
	return c.post(ctx, c.rl.Pending, "/orders/pending/modify", req)
}

// PendingCancel cancels a provider-path pending order.
func (c *Client) PendingCancel(ctx context.Context, req LifecycleRequest) (*Result, error) {
	return c.post(ctx, c.rl.Pending, "/orders/pending/cancel", req)
}

// RegisterLifecycleID pre-registers a freshly minted lifecycle id with the
// engine so the provider can echo it on the confirmation.
func (c *Client) RegisterLifecycleID(ctx context.Context, orderID, lifecycleID string) error {
	body := map[string]string{"order_id": orderID, "lifecycle_id": lifecycleID}
	_, err := c.post(ctx, c.rl.Pending, "/lifecycle-ids/register", body)
	return err
}

func (c *Client) post(ctx context.Context, bucket *TokenBucket, path string, body any) (*Result, error) {
	if err := bucket.Wait(ctx); err != nil {
		return nil, err
	}

	var result Result
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		SetError(&result).
		Post(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, fmt.Sprintf("engine rpc %s", path), err)
	}

	switch {
	case resp.StatusCode() == http.StatusOK:
		return &result, nil
	case resp.StatusCode() == http.StatusConflict:
		// Idempotent duplicate: the engine already holds this intent.
		return nil, apperr.Newf(apperr.Precondition, "engine rpc %s: duplicate", path).
			WithReason(result.Reason)
	case resp.StatusCode() >= 400 && resp.StatusCode() < 500:
		reason := result.Reason
		if reason == "" {
			reason = "rejected"
		}
		return nil, apperr.Newf(apperr.Remote, "engine rpc %s: %s", path, reason).
			WithReason(reason)
	default:
		return nil, apperr.Newf(apperr.Transient, "engine rpc %s: status %d: %s",
			path, resp.StatusCode(), resp.String())
	}
}
