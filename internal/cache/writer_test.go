package cache

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"tradecore/pkg/types"
)

func newWriterStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewStore(rdb), mr
}

func TestSameSlotWriterExec(t *testing.T) {
	t.Parallel()
	s, mr := newWriterStore(t)

	holding := KeyUserHolding(types.UserLive, "42", "ord_1")
	index := KeyUserOrdersIndex(types.UserLive, "42")

	err := s.SameSlot(holding).
		HSet(holding, map[string]any{"order_id": "ord_1"}).
		SAdd(index, "ord_1").
		Exec(context.Background())
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !mr.Exists(holding) || !mr.Exists(index) {
		t.Error("pipeline writes missing")
	}
}

func TestSameSlotWriterRejectsCrossSlot(t *testing.T) {
	t.Parallel()
	s, mr := newWriterStore(t)

	holding := KeyUserHolding(types.UserLive, "42", "ord_1")
	otherUser := KeyUserOrdersIndex(types.UserLive, "43")

	err := s.SameSlot(holding).
		HSet(holding, map[string]any{"order_id": "ord_1"}).
		SAdd(otherUser, "ord_1").
		Exec(context.Background())
	if err == nil {
		t.Fatal("cross-slot pipeline did not fail")
	}
	if !strings.Contains(err.Error(), "cross-slot") {
		t.Errorf("error = %v", err)
	}
	// Nothing may have been written.
	if mr.Exists(holding) || mr.Exists(otherUser) {
		t.Error("poisoned pipeline wrote to the store")
	}
}

func TestSameSlotWriterRejectsCanonicalPlusHoldings(t *testing.T) {
	t.Parallel()
	s, _ := newWriterStore(t)

	// order_data has no hash tag: it can never share a pipeline with
	// user-tagged keys.
	canonical := KeyOrderData("ord_1")
	holding := KeyUserHolding(types.UserLive, "42", "ord_1")

	err := s.SameSlot(canonical).
		HSet(canonical, map[string]any{"order_id": "ord_1"}).
		HSet(holding, map[string]any{"order_id": "ord_1"}).
		Exec(context.Background())
	if err == nil {
		t.Fatal("canonical+holdings pipeline did not fail")
	}
}
