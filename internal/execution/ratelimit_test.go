package execution

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketImmediate(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(5, 1)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
}

func TestTokenBucketBlocksWhenEmpty(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 10) // refills a token every 100ms

	ctx := context.Background()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	start := time.Now()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("second Wait returned after %v, expected a refill delay", elapsed)
	}
}

func TestTokenBucketContextCancel(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.001) // effectively never refills

	ctx := context.Background()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := tb.Wait(cancelCtx); err == nil {
		t.Error("Wait did not honor context cancellation")
	}
}
