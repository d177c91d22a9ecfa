package execution

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/pkg/apperr"
	"tradecore/pkg/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	c := NewClient(srv.URL, "test-secret", 2*time.Second, logger)
	// No retry waits in tests.
	c.http.SetRetryCount(0)
	return c
}

func TestInstantLocalFlow(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders/instant-execute" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Internal-Secret"); got != "test-secret" {
			t.Errorf("secret header = %q", got)
		}
		var req InstantRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.OrderID != "ord_20250930_0001" || req.OrderType != types.Buy {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"flow":                 "local",
			"exec_price":           1.10005,
			"margin_usd":           22.00,
			"contract_value":       110005,
			"commission_entry":     0.2,
			"used_margin_executed": 22.00,
		})
	})

	res, err := c.Instant(context.Background(), InstantRequest{
		OrderID:       "ord_20250930_0001",
		UserType:      types.UserLive,
		UserID:        "42",
		Symbol:        "EURUSD",
		OrderType:     types.Buy,
		OrderPrice:    decimal.RequireFromString("1.10000"),
		OrderQuantity: decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("Instant: %v", err)
	}
	if res.Flow != types.FlowLocal {
		t.Errorf("flow = %q", res.Flow)
	}
	if res.ExecPrice == nil || !res.ExecPrice.Equal(decimal.RequireFromString("1.10005")) {
		t.Errorf("exec_price = %v", res.ExecPrice)
	}
	if res.MarginUSD == nil || !res.MarginUSD.Equal(decimal.NewFromInt(22)) {
		t.Errorf("margin_usd = %v", res.MarginUSD)
	}
}

func TestInstantProviderFlow(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"flow": "provider"})
	})

	res, err := c.Instant(context.Background(), InstantRequest{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("Instant: %v", err)
	}
	if res.Flow != types.FlowProvider {
		t.Errorf("flow = %q", res.Flow)
	}
	if res.ExecPrice != nil {
		t.Errorf("provider flow carried exec_price %v", res.ExecPrice)
	}
}

func TestBusinessRejection(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"reason": "insufficient_margin"})
	})

	_, err := c.Close(context.Background(), LifecycleRequest{OrderID: "ord_1", LifecycleID: "cls_1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !apperr.Is(err, apperr.Remote) {
		t.Errorf("kind = %v, want Remote", apperr.KindOf(err))
	}
	if apperr.ReasonOf(err) != "insufficient_margin" {
		t.Errorf("reason = %q", apperr.ReasonOf(err))
	}
}

func TestDuplicateConflict(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"reason": "duplicate_lifecycle_id"})
	})

	_, err := c.StopLossAdd(context.Background(), LifecycleRequest{OrderID: "ord_1", LifecycleID: "sl_1"})
	if !apperr.Is(err, apperr.Precondition) {
		t.Errorf("kind = %v, want Precondition", apperr.KindOf(err))
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.PendingCancel(context.Background(), LifecycleRequest{OrderID: "ord_1", LifecycleID: "cxl_1"})
	if !apperr.Is(err, apperr.Transient) {
		t.Errorf("kind = %v, want Transient", apperr.KindOf(err))
	}
}

func TestRegisterLifecycleID(t *testing.T) {
	t.Parallel()

	var got map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/lifecycle-ids/register" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]string{"flow": "provider"})
	})

	if err := c.RegisterLifecycleID(context.Background(), "ord_1", "cxl_20250930_0001"); err != nil {
		t.Fatalf("RegisterLifecycleID: %v", err)
	}
	if got["lifecycle_id"] != "cxl_20250930_0001" {
		t.Errorf("registered id = %q", got["lifecycle_id"])
	}
}
