package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// SameSlotWriter batches writes that share one hash slot into a single
// pipeline. Adding a key from a different slot poisons the writer and Exec
// fails before anything is sent: a pipeline must never span two slots.
//
// Cross-slot updates (e.g. canonical order_data plus user holdings) are done
// as separate sequential operations on the Store instead.
type SameSlotWriter struct {
	pipe redis.Pipeliner
	tag  string
	err  error
}

// SameSlot starts a writer anchored to the slot of the given key.
func (s *Store) SameSlot(anchorKey string) *SameSlotWriter {
	return &SameSlotWriter{
		pipe: s.rdb.Pipeline(),
		tag:  slotTag(anchorKey),
	}
}

func (w *SameSlotWriter) check(key string) bool {
	if w.err != nil {
		return false
	}
	if got := slotTag(key); got != w.tag {
		w.err = fmt.Errorf("cross-slot pipeline: key %q (slot %q) does not match anchor slot %q", key, got, w.tag)
		return false
	}
	return true
}

// HSet queues a hash write.
func (w *SameSlotWriter) HSet(key string, fields map[string]any) *SameSlotWriter {
	if w.check(key) {
		w.pipe.HSet(context.Background(), key, fields)
	}
	return w
}

// SAdd queues a set addition.
func (w *SameSlotWriter) SAdd(key string, members ...any) *SameSlotWriter {
	if w.check(key) {
		w.pipe.SAdd(context.Background(), key, members...)
	}
	return w
}

// SRem queues a set removal.
func (w *SameSlotWriter) SRem(key string, members ...any) *SameSlotWriter {
	if w.check(key) {
		w.pipe.SRem(context.Background(), key, members...)
	}
	return w
}

// Del queues a key deletion.
func (w *SameSlotWriter) Del(keys ...string) *SameSlotWriter {
	for _, k := range keys {
		if !w.check(k) {
			return w
		}
	}
	if w.err == nil {
		w.pipe.Del(context.Background(), keys...)
	}
	return w
}

// ZAdd queues a sorted-set addition.
func (w *SameSlotWriter) ZAdd(key string, score float64, member string) *SameSlotWriter {
	if w.check(key) {
		w.pipe.ZAdd(context.Background(), key, redis.Z{Score: score, Member: member})
	}
	return w
}

// ZRem queues a sorted-set removal.
func (w *SameSlotWriter) ZRem(key string, members ...any) *SameSlotWriter {
	if w.check(key) {
		w.pipe.ZRem(context.Background(), key, members...)
	}
	return w
}

// Exec sends the pipeline. A poisoned writer returns its validation error
// without touching the store.
func (w *SameSlotWriter) Exec(ctx context.Context) error {
	if w.err != nil {
		w.pipe.Discard()
		return w.err
	}
	if _, err := w.pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline exec: %w", err)
	}
	return nil
}
