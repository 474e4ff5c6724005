// Package dedupe implements the bounded, FIFO-evicted set of recently
// seen ids (spec section 4.2, component C2). Redis backs the FIFO so a
// node's dedupe state survives a process restart independently of a full
// log rescan — see SPEC_FULL.md's domain-stack table for why this
// repurposes the teacher's Redis dependency.
//
// Per SPEC_FULL.md's Open Question 2 resolution, the store is keyed on
// (msgId, kind) rather than msgId alone: a KeyEnvelope arriving before
// its paired MessageEnvelope must not suppress that MessageEnvelope.
package dedupe

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Kind distinguishes which path an id was seen on.
type Kind string

const (
	KindMessage Kind = "message"
	KindKey     Kind = "key"
)

// Cap is the maximum number of entries the store retains, per spec
// section 3's "Lifecycle" and section 8's testable property 4.
const Cap = 1000

// Store is a per-node bounded, FIFO-evicted (msgId, kind) set.
type Store struct {
	rdb       *redis.Client
	namespace string // isolates one node's dedupe state from another's
}

// New constructs a dedupe store scoped to namespace (typically the
// node's own id), so multiple nodes can share one Redis instance in
// tests without clobbering each other's state.
func New(rdb *redis.Client, namespace string) *Store {
	return &Store{rdb: rdb, namespace: namespace}
}

func (s *Store) orderKey() string {
	return fmt.Sprintf("mesh:%s:dedupe:order", s.namespace)
}

func (s *Store) seenKey(msgId string, kind Kind) string {
	return fmt.Sprintf("mesh:%s:dedupe:seen:%s:%s", s.namespace, kind, msgId)
}

func compound(msgId string, kind Kind) string {
	return string(kind) + ":" + msgId
}

// Seen reports whether (msgId, kind) has already been marked.
func (s *Store) Seen(ctx context.Context, msgId string, kind Kind) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.seenKey(msgId, kind)).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe seen check: %w", err)
	}
	return n > 0, nil
}

// Mark inserts (msgId, kind); when the store would exceed Cap entries,
// the oldest entry is evicted first (spec section 4.2). Marking a pair
// that is already tracked is a no-op.
func (s *Store) Mark(ctx context.Context, msgId string, kind Kind) error {
	c := compound(msgId, kind)

	already, err := s.Seen(ctx, msgId, kind)
	if err != nil {
		return fmt.Errorf("dedupe mark: %w", err)
	}
	if already {
		return nil
	}

	if err := s.rdb.LPush(ctx, s.orderKey(), c).Err(); err != nil {
		return fmt.Errorf("dedupe mark push: %w", err)
	}
	if err := s.rdb.Set(ctx, s.seenKey(msgId, kind), "1", 0).Err(); err != nil {
		return fmt.Errorf("dedupe mark set: %w", err)
	}

	length, err := s.rdb.LLen(ctx, s.orderKey()).Result()
	if err != nil {
		return fmt.Errorf("dedupe mark length: %w", err)
	}
	if length <= Cap {
		return nil
	}

	victim, err := s.rdb.RPop(ctx, s.orderKey()).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("dedupe evict: %w", err)
	}
	if victim != "" && victim != c {
		vMsgId, vKind := splitCompound(victim)
		if err := s.rdb.Del(ctx, s.seenKey(vMsgId, vKind)).Err(); err != nil {
			return fmt.Errorf("dedupe evict cleanup: %w", err)
		}
	}
	return nil
}

// Size reports the current number of tracked entries. Exposed for the
// dedupe-bound property test (spec section 8, property 4).
func (s *Store) Size(ctx context.Context) (int64, error) {
	n, err := s.rdb.LLen(ctx, s.orderKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("dedupe size: %w", err)
	}
	return n, nil
}

func splitCompound(c string) (msgId string, kind Kind) {
	for i := 0; i < len(c); i++ {
		if c[i] == ':' {
			return c[i+1:], Kind(c[:i])
		}
	}
	return c, ""
}
